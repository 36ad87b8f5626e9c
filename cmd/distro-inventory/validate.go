package main

import (
	"fmt"

	"github.com/scttfrdmn/aws-distro-inventory/internal/config"
	"github.com/spf13/cobra"
)

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config [config-file]",
		Short: "Validate a configuration file without creating any resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load(args[0], nil)
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file %s is valid (region %s, instance type %s, output dir %s)\n",
				args[0], cfg.AWS.Region, cfg.Instances.Type, cfg.Output.Dir)
			return nil
		},
	}
}
