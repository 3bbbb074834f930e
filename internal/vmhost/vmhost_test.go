package vmhost

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestAssetsPaths(t *testing.T) {
	a := Assets{SandboxDir: "/var/sandboxes/abc123"}

	if got, want := a.diskPath(), filepath.Join("/var/sandboxes/abc123", "Disk.img"); got != want {
		t.Errorf("diskPath = %q, want %q", got, want)
	}
	if got, want := a.firecrackerSocketPath(), filepath.Join("/var/sandboxes/abc123", "firecracker.sock"); got != want {
		t.Errorf("firecrackerSocketPath = %q, want %q", got, want)
	}
	if got, want := a.vsockSocketPath(), filepath.Join("/var/sandboxes/abc123", "vsock.sock"); got != want {
		t.Errorf("vsockSocketPath = %q, want %q", got, want)
	}
}

func TestStopDestroyBeforeStartIsNoop(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	e := NewFirecrackerEngine(Assets{SandboxDir: t.TempDir()}, log)

	if err := e.Stop(context.Background(), time.Second); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
	if err := e.Destroy(); err != nil {
		t.Errorf("Destroy before Start: %v", err)
	}
	// Calling again must still be safe.
	if err := e.Destroy(); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
}
