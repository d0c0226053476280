package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/greeneg/pkg-cacher/pkg/config"
)

func newConfigCheckCommand() *cobra.Command {
	fs := newConfigFlagSet()
	var path string

	cmd := &cobra.Command{
		Use:   "config-check",
		Short: "Load and validate configuration without binding a socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(fs, path)
			if err != nil {
				return fmt.Errorf("pkgcacherd: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("pkgcacherd: invalid configuration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", cfg)
			return nil
		},
	}
	cmd.Flags().AddFlagSet(fs)
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to a pkg-cacher configuration file")
	return cmd
}
