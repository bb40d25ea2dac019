package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/routine-core/internal/infrastructure/config"
	"github.com/nerrad567/routine-core/internal/infrastructure/database"
	"github.com/nerrad567/routine-core/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQLite schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, func(ctx context.Context, db *database.DB) error {
					if err := db.Migrate(ctx, migrations.FS); err != nil {
						return fmt.Errorf("running migrations: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, func(ctx context.Context, db *database.DB) error {
					if err := db.Rollback(ctx, migrations.FS); err != nil {
						return fmt.Errorf("rolling back: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), "last migration reverted")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, func(ctx context.Context, db *database.DB) error {
					applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tSTATE\tDETAIL")
					for _, r := range applied {
						fmt.Fprintf(tw, "%s\tapplied\t%s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
					}
					for _, m := range pending {
						fmt.Fprintf(tw, "%s\tpending\t%s\n", m.Version, m.Name)
					}
					return tw.Flush()
				})
			},
		},
	)
	return cmd
}

// withDatabase loads the configuration, opens the database and runs fn.
func withDatabase(cmd *cobra.Command, fn func(context.Context, *database.DB) error) error {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	return fn(cmd.Context(), db)
}
