package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"legacyplan/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
			return err
		}
		logger.Info("migrations applied", zap.String("dir", cfg.MigrationsDir))
		return nil
	},
}

var rollbackSteps int

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert the most recent migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rollbackSteps < 1 {
			return fmt.Errorf("--steps must be at least 1")
		}
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		reverted, err := store.RollbackMigrations(cmd.Context(), db, cfg.MigrationsDir, rollbackSteps)
		if err != nil {
			return err
		}
		logger.Info("migrations reverted", zap.Strings("versions", reverted))
		return nil
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&rollbackSteps, "steps", 1, "number of migrations to revert")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
}
