// Package cmd wires the ctrm-core CLI: the disk-packaging pipeline and the
// two long-running daemons (sidecar, vminitd) that a container runtime
// spawns around a VM. Grounded on the teacher's go_src/internal/cmd/root.go
// (NewRootCmd/Execute split, PersistentPreRunE flag propagation via
// internal/output); this package drops the teacher's interactive TUI
// default action (spec non-goal "no GUI front-end") in favor of plain
// cobra.NoArgs usage help.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ctrm-project/ctrm-core/internal/config"
	"github.com/ctrm-project/ctrm-core/internal/output"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var (
	jsonFlag    bool
	verboseFlag bool
	quietFlag   bool
	ConfigDir   string
)

// NewRootCmd assembles the full command tree without executing it, so tests
// can exercise it directly.
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addDiskCommands(cmd)
	addSidecarCommand(cmd)
	addVminitdCommand(cmd)
	addConfigCommands(cmd)
	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ctrm-core",
		Short:         "Package, distribute, and run macOS VM images as OCI artifacts",
		Version:       fmt.Sprintf("ctrm-core v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag && quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if jsonFlag {
				quietFlag = true
			}
			output.SetFlags(jsonFlag, quietFlag, verboseFlag)
			config.SetConfigDir(ConfigDir)
			return nil
		},
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.SetVersionTemplate("{{.Version}}\n")

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVarP(&jsonFlag, "json", "j", false, "Output as JSON")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Extra detail to stderr")
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	pflags.StringVar(&ConfigDir, "config-dir", "", "Override config directory (default: ~/.ctrm)")

	if v := os.Getenv("CTRM_HOME"); v != "" && ConfigDir == "" {
		ConfigDir = v
	}
	if os.Getenv("CTRM_JSON") == "1" {
		jsonFlag = true
	}

	return rootCmd
}

// Execute runs the CLI to completion; main calls this and exits on error.
func Execute() error {
	return NewRootCmd().Execute()
}
