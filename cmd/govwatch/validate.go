package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"govwatch/internal/config"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		Long: `Parse and validate the configuration without starting anything.

Every problem is reported with its field path. The exit status is 2 when the
configuration is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d providers, %d protocols)\n",
				cfgPath, len(cfg.Providers), len(cfg.Protocols))
			return nil
		},
	}
}
