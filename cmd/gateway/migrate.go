package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/database"
	"github.com/Curve-Labs/egregore-site-sub000/internal/database/migrations"
)

// migrateCmd is the parent command for migration operations
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage admin store migrations",
	Long:  `Apply, roll back and inspect the admin store schema.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, r *migrations.Runner) error {
			if err := r.Up(ctx); err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, r *migrations.Runner) error {
			if err := r.Down(ctx); err != nil {
				return fmt.Errorf("failed to roll back migration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration rolled back successfully")
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"version"},
	Short:   "Show current migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, r *migrations.Runner) error {
			current, latest, err := r.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Current migration version: %d (latest %d)\n", current, latest)
			return nil
		})
	},
}

// withMigrator opens the admin store without migrating it and hands its
// runner to fn.
func withMigrator(fn func(context.Context, *migrations.Runner) error) error {
	loadEnv()
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.DatabaseDriver == "" {
		return fmt.Errorf("DB_DRIVER is not set")
	}
	dbConfig, err := storeConfig(cfg)
	if err != nil {
		return err
	}
	db, err := database.Open(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			fmt.Printf("Warning: Failed to close database connection: %v\n", closeErr)
		}
	}()

	ctx := context.Background()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return fn(ctx, db.Migrator())
}
