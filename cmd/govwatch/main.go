// govwatch watches blockchain governance proposals and protocol metrics,
// classifies proposal changes and notifies operators.
//
// Usage:
//
//	govwatch run -c config.yaml
//	govwatch once -c config.yaml
//	govwatch validate -c config.yaml
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"govwatch/internal/domain"
)

var (
	version = "dev"
	cfgPath string
)

const (
	exitFailure       = 1
	exitConfigInvalid = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "govwatch",
		Short: "Watch governance proposals and protocol metrics",
		Long: `govwatch refreshes proposal indexes and protocol metrics on a schedule,
detects proposal changes, classifies their impact and delivers digests to
email, slack, telegram or the desktop.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(onceCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, domain.ErrConfigurationInvalid) {
			os.Exit(exitConfigInvalid)
		}
		os.Exit(exitFailure)
	}
}
