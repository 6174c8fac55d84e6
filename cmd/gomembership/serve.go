package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/pkg/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
}

// serve runs the HTTP server, the redis consumers and the scheduler until ctx ends,
// then shuts them down within the configured timeout.
func (a *app) serve(ctx context.Context) error {
	handler, err := a.handler()
	if err != nil {
		a.Close(ctx)
		return err
	}
	var sched *scheduler.Scheduler
	if a.cfg.Scheduler.Enabled {
		sched, err = scheduler.New(scheduler.Config{
			Jobs:     scheduler.Sweeps(a.admin),
			Interval: a.cfg.Scheduler.Interval,
			Timeout:  a.cfg.Scheduler.Timeout,
			Logger:   a.logger,
		})
		if err != nil {
			a.Close(ctx)
			return err
		}
	}
	srv := &http.Server{
		Addr:              a.cfg.App.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if a.redisQ != nil {
		a.redisQ.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", membership.F("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.App.ShutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http server did not shut down cleanly", membership.F("error", err))
		}
		a.Close(shutdownCtx)
		return nil
	})
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}
	return g.Wait()
}
