package main

import (
	"lingochat/internal/storage"
	"lingochat/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	migrationsDir string
	resetDB       bool

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if resetDB {
				logger.Info("Resetting database", zap.String("dir", migrationsDir))
				return storage.ResetMigrations(cfg.Postgres.DSN, migrationsDir)
			}
			return storage.RunMigrations(cfg.Postgres.DSN, migrationsDir)
		},
	}
)

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", storage.DefaultMigrationsDir, "migrations directory")
	migrateCmd.Flags().BoolVar(&resetDB, "reset", false, "drop all tables and re-run migrations")
}
