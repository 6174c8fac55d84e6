package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gomembership/pkg/config"
	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/storage/postgres"
)

var errNoDatabase = errors.New("DATABASE_URL is required")

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		migrateCmd("up", "Apply all pending migrations", func(cmd *cobra.Command, db *postgres.Store, logger membership.Logger) error {
			return postgres.Migrate(cmd.Context(), db.SystemPool(), logger)
		}),
		migrateCmd("down", "Roll back the most recent migration", func(cmd *cobra.Command, db *postgres.Store, logger membership.Logger) error {
			return postgres.Rollback(cmd.Context(), db.SystemPool(), logger)
		}),
		migrateCmd("version", "Print the current schema version", func(cmd *cobra.Command, db *postgres.Store, logger membership.Logger) error {
			v, err := postgres.Version(cmd.Context(), db.SystemPool(), logger)
			if err != nil {
				return err
			}
			cmd.Printf("schema version %d\n", v)
			return nil
		}),
	)
	return cmd
}

func migrateCmd(use, short string, run func(cmd *cobra.Command, db *postgres.Store, logger membership.Logger) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Postgres.Enabled() {
				return errNoDatabase
			}
			logger := newLogger(cfg)
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return run(cmd, db, logger)
		},
	}
}

// openDatabase connects with the owner role only; migrations never use the restricted pool
func openDatabase(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	pc := postgres.DefaultConfig()
	pc.SystemDSN = cfg.Postgres.SystemDSN
	pc.UserDSN = cfg.Postgres.SystemDSN
	pc.MaxConns, pc.MinConns = 2, 0
	return postgres.New(ctx, pc)
}
