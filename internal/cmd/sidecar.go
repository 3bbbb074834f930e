package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ctrm-project/ctrm-core/internal/sidecar"
	"github.com/ctrm-project/ctrm-core/internal/vmhost"
)

var (
	sidecarSandboxIDFlag   string
	sidecarSandboxDirFlag  string
	sidecarKernelFlag      string
	sidecarFirecrackerFlag string
	sidecarVCPUFlag        int64
	sidecarMemMiBFlag      int64
)

func addSidecarCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "sidecar",
		Short: "Run the GUI-domain VM sidecar for one sandbox (daemon)",
		Long: `sidecar owns one sandbox's VM: it listens on the sandbox's Unix
control socket, brokers vsock dialing for the container helper, and bridges
process-stream frames to and from the in-guest agent. It runs until it
receives sidecar.quit over the control socket or its process is signaled.`,
		Args: cobra.NoArgs,
		RunE: runSidecar,
	}
	flags := cmd.Flags()
	flags.StringVar(&sidecarSandboxIDFlag, "sandbox-id", "", "Sandbox identifier (control socket name)")
	flags.StringVar(&sidecarSandboxDirFlag, "sandbox-dir", "", "Directory holding the sandbox's staged VM assets")
	flags.StringVar(&sidecarKernelFlag, "kernel", "", "Path to the guest kernel image")
	flags.StringVar(&sidecarFirecrackerFlag, "firecracker-binary", "firecracker", "Path to the firecracker binary")
	flags.Int64Var(&sidecarVCPUFlag, "vcpus", 2, "Guest vCPU count")
	flags.Int64Var(&sidecarMemMiBFlag, "mem-mib", 2048, "Guest memory size in MiB")
	cmd.MarkFlagRequired("sandbox-id")
	cmd.MarkFlagRequired("sandbox-dir")
	parent.AddCommand(cmd)
}

func runSidecar(cmd *cobra.Command, args []string) error {
	log := newDaemonLogger("sidecar").WithField("sandboxID", sidecarSandboxIDFlag)

	assets := vmhost.Assets{
		SandboxDir:        sidecarSandboxDirFlag,
		Kernel:            sidecarKernelFlag,
		FirecrackerBinary: sidecarFirecrackerFlag,
		VCPUCount:         sidecarVCPUFlag,
		MemSizeMiB:        sidecarMemMiBFlag,
	}
	engine := vmhost.NewFirecrackerEngine(assets, log)
	srv := sidecar.New(sidecarSandboxIDFlag, engine, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("sidecar: serving")
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("sidecar: %w", err)
	}
	log.Info("sidecar: exited")
	return nil
}

// newDaemonLogger builds a logrus logger writing structured text to stderr,
// matching the teacher's java.Detect/dhexec diagnostic logging convention of
// sending operational output to stderr and reserving stdout for results.
func newDaemonLogger(component string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verboseFlag {
		log.SetLevel(logrus.DebugLevel)
	}
	if jsonFlag {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log.WithField("component", component)
}
