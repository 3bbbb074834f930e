package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctrm-project/ctrm-core/internal/guestagent"
)

var vminitdPortFlag uint32

func addVminitdCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "vminitd",
		Short: "Run the in-guest agent that accepts vsock connections (daemon)",
		Long: `vminitd runs inside the VM as PID 1 (or its child): it listens on a
fixed vsock port and, for each accepted connection, runs one guest-agent
frame loop driving at most one child process until the connection closes.`,
		Args: cobra.NoArgs,
		RunE: runVminitd,
	}
	cmd.Flags().Uint32Var(&vminitdPortFlag, "port", guestagent.DefaultPort, "vsock port to listen on")
	parent.AddCommand(cmd)
}

func runVminitd(cmd *cobra.Command, args []string) error {
	log := newDaemonLogger("vminitd")
	guestagent.IgnoreSIGPIPE()

	listener, err := guestagent.ListenVsock(vminitdPortFlag)
	if err != nil {
		return fmt.Errorf("vminitd: %w", err)
	}
	defer listener.Close()

	log.WithField("port", vminitdPortFlag).Info("vminitd: listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("vminitd: accept: %w", err)
		}
		go guestagent.Serve(conn, log)
	}
}
