package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctrm-project/ctrm-core/internal/config"
	"github.com/ctrm-project/ctrm-core/internal/output"
)

func addConfigCommands(rootCmd *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ctrm-core configuration",
		Long:  "Show, get, and set values in the ctrm-core config file (~/.ctrm/config.toml).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.PrintJSON(cmd.OutOrStdout(), cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", config.Path())
			fmt.Fprintf(cmd.OutOrStdout(), "sidecar_socket_dir = %s\n", cfg.SidecarSocketDir)
			fmt.Fprintf(cmd.OutOrStdout(), "chunk_size = %d\n", cfg.ChunkSize)
			fmt.Fprintf(cmd.OutOrStdout(), "zstd_level = %d\n", cfg.ZstdLevel)
			fmt.Fprintf(cmd.OutOrStdout(), "verify_raw_digest = %v\n", cfg.VerifyRawDigest)
			fmt.Fprintf(cmd.OutOrStdout(), "idle_timeout_sec = %d\n", cfg.IdleTimeoutSec)
			return nil
		},
	}

	configGetCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Get a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, err := config.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}

	configSetCmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Set(args[0], args[1]); err != nil {
				return err
			}
			if !output.IsQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
			}
			return nil
		},
	}

	configPathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.Path())
			return nil
		},
	}

	configCmd.AddCommand(configGetCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
