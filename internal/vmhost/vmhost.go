// Package vmhost boots and tears down the per-sandbox VM that the sidecar
// drives. It is a thin adapter around firecracker-go-sdk: rootfs build,
// kernel selection, and snapshot preparation are external collaborators
// (spec.md §1), so this package only starts, stops, and destroys an
// instance given assets already staged on disk (spec.md §6 "Persisted
// sandbox state"). Grounded directly on the teacher's
// internal/vm/machine_linux.go RestoreFromSnapshot/DestroyInstance.
package vmhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/ctrm-project/ctrm-core/internal/ctrmerr"
)

// VsockCID is the guest Context Identifier for the vsock device. Must be
// >= 3 (0=hypervisor, 1=reserved, 2=host).
const VsockCID = 3

// Assets names the per-sandbox VM files staged by the caller (spec.md §6).
type Assets struct {
	// SandboxDir holds Disk.img, AuxiliaryStorage, HardwareModel.bin,
	// MachineIdentifier.bin, and receives the runtime firecracker.sock /
	// vsock.sock that this package creates.
	SandboxDir string

	Kernel            string
	FirecrackerBinary string

	VCPUCount  int64
	MemSizeMiB int64
}

func (a Assets) diskPath() string              { return filepath.Join(a.SandboxDir, "Disk.img") }
func (a Assets) firecrackerSocketPath() string { return filepath.Join(a.SandboxDir, "firecracker.sock") }
func (a Assets) vsockSocketPath() string       { return filepath.Join(a.SandboxDir, "vsock.sock") }

// FirecrackerEngine implements sidecar.Engine for one sandbox's VM.
type FirecrackerEngine struct {
	assets Assets
	log    *logrus.Entry

	machine   *firecracker.Machine
	vsockPath string
}

// NewFirecrackerEngine constructs an engine bound to one sandbox's staged
// assets. It performs no I/O until Start is called.
func NewFirecrackerEngine(assets Assets, log *logrus.Entry) *FirecrackerEngine {
	return &FirecrackerEngine{assets: assets, log: log}
}

// Start boots the VM and returns the vsock UDS path once the socket device
// is attached and the hypervisor process is running. It does not wait for
// the guest agent to be reachable; that is the caller's job via
// process.start retries (spec §4.7).
func (e *FirecrackerEngine) Start(ctx context.Context) (string, error) {
	if e.machine != nil {
		return e.vsockPath, nil
	}

	if err := os.MkdirAll(e.assets.SandboxDir, 0o755); err != nil {
		return "", ctrmerr.New(ctrmerr.KindIO, "vmhost.Start", e.assets.SandboxDir, err)
	}
	os.Remove(e.assets.firecrackerSocketPath())
	os.Remove(e.assets.vsockSocketPath())

	vcpuCount := e.assets.VCPUCount
	if vcpuCount == 0 {
		vcpuCount = 1
	}
	memSize := e.assets.MemSizeMiB
	if memSize == 0 {
		memSize = 512
	}

	cfg := firecracker.Config{
		SocketPath:      e.assets.firecrackerSocketPath(),
		KernelImagePath: e.assets.Kernel,
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(e.assets.diskPath()),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(false),
			},
		},
		VsockDevices: []firecracker.VsockDevice{
			{
				ID:   "vsock0",
				Path: e.assets.vsockSocketPath(),
				CID:  VsockCID,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  &vcpuCount,
			MemSizeMib: &memSize,
		},
	}

	fcCmd := firecracker.VMCommandBuilder{}.
		WithBin(e.assets.FirecrackerBinary).
		WithSocketPath(e.assets.firecrackerSocketPath()).
		Build(ctx)

	fcLogger := logrus.New()
	fcLogger.SetLevel(logrus.WarnLevel)

	machine, err := firecracker.NewMachine(ctx, cfg,
		firecracker.WithProcessRunner(fcCmd),
		firecracker.WithLogger(logrus.NewEntry(fcLogger)),
	)
	if err != nil {
		return "", ctrmerr.New(ctrmerr.KindIO, "vmhost.Start", e.assets.SandboxDir, fmt.Errorf("creating firecracker machine: %w", err))
	}

	if err := machine.Start(ctx); err != nil {
		return "", ctrmerr.New(ctrmerr.KindIO, "vmhost.Start", e.assets.SandboxDir, fmt.Errorf("starting VM: %w", err))
	}

	e.machine = machine
	e.vsockPath = e.assets.vsockSocketPath()
	e.log.WithFields(logrus.Fields{"sandbox": e.assets.SandboxDir, "vsock": e.vsockPath}).Info("vmhost: VM started")
	return e.vsockPath, nil
}

// Stop asks the VM to shut down, waiting up to timeout before forcing the
// hypervisor process to exit. Idempotent: calling Stop on an engine that
// never started, or twice, is a no-op.
func (e *FirecrackerEngine) Stop(ctx context.Context, timeout time.Duration) error {
	if e.machine == nil {
		return nil
	}
	stopCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		stopCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := e.machine.Shutdown(stopCtx); err != nil {
		e.log.WithError(err).Warn("vmhost: graceful shutdown failed, forcing stop")
	}
	if err := e.machine.StopVMM(); err != nil {
		return ctrmerr.New(ctrmerr.KindIO, "vmhost.Stop", e.assets.SandboxDir, err)
	}
	return nil
}

// Destroy releases the engine's VM resources. It does not remove the
// sandbox's persisted assets (Disk.img, AuxiliaryStorage, etc.) — those
// outlive the VM process and are the caller's responsibility.
func (e *FirecrackerEngine) Destroy() error {
	if e.machine != nil {
		e.machine.StopVMM()
		e.machine = nil
	}
	os.Remove(e.assets.firecrackerSocketPath())
	os.Remove(e.assets.vsockSocketPath())
	return nil
}
