// Command lingoctl is the operator CLI: migrations, queue inspection and
// manual finalize runs.
package main

import (
	"fmt"
	"os"

	"lingochat/internal/config"
	"lingochat/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	debug bool
	cfg   *config.Config

	rootCmd = &cobra.Command{
		Use:           "lingoctl",
		Short:         "Operate a lingochat deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.LoadConfig()
			if err != nil {
				return err
			}
			return logger.Init(debug || cfg.Debug, "lingoctl")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(migrateCmd, queueCmd, finalizeCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
