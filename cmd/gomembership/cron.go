package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// newCronCmd runs one sweep and exits, for deployments driven by an external scheduler
func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run a single maintenance sweep",
	}
	cmd.AddCommand(
		sweepCmd("expire-trials", "Expire trials past their end date", func(a *app) func(context.Context) (int, error) {
			return a.admin.ExpireTrials
		}),
		sweepCmd("reset-usage", "Roll over daily and monthly usage counters", func(a *app) func(context.Context) (int, error) {
			return a.admin.ResetPeriodicUsage
		}),
	)
	return cmd
}

func sweepCmd(use, short string, job func(a *app) func(context.Context) (int, error)) *cobra.Command {
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
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			// Close drains the outbox so trial-expiry emails are handed off before exit
			defer a.Close(context.WithoutCancel(ctx))

			n, err := job(a)(ctx)
			if err != nil {
				a.logger.Error("sweep failed", membership.F("job", use), membership.F("error", err))
				return err
			}
			a.logger.Info("sweep finished", membership.F("job", use), membership.F("affected", n))
			cmd.Printf("%s: %d affected\n", use, n)
			return nil
		},
	}
}
