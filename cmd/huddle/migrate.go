package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"huddle/api/internal/config"
	"huddle/api/internal/store"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back database migrations",
	Long: `Apply the embedded migrations for the configured database driver.

Examples:
  huddle migrate
  DATABASE_DRIVER=sqlite DATABASE_URL=file:huddle.db huddle migrate
  huddle migrate --down`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back every applied migration")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.StoreConfigured() {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if migrateDown {
		if err := store.RollbackMigrations(ctx, db, cfg.DatabaseDriver); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
		return nil
	}
	if err := store.ApplyMigrations(ctx, db, cfg.DatabaseDriver); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
