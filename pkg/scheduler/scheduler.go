// Package scheduler runs the membership sweeps in-process on a fixed interval.
// Deployments that drive the sweeps from an external cron leave it disabled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// DefaultInterval is used when Config.Interval is zero
const DefaultInterval = time.Hour

// Job is one sweep. It returns the number of rows it affected.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Config holds scheduler configuration
type Config struct {
	Jobs     []Job
	Interval time.Duration
	// Timeout bounds a single job run (default: Interval)
	Timeout time.Duration
	Logger  membership.Logger
}

// Scheduler ticks every job on its own goroutine
type Scheduler struct {
	jobs     []Job
	interval time.Duration
	timeout  time.Duration
	logger   membership.Logger
}

// New creates a scheduler
func New(config Config) (*Scheduler, error) {
	if len(config.Jobs) == 0 {
		return nil, fmt.Errorf("%w: at least one job is required", membership.ErrInvalidConfig)
	}
	for _, j := range config.Jobs {
		if j.Name == "" || j.Run == nil {
			return nil, fmt.Errorf("%w: job requires a name and a run function", membership.ErrInvalidConfig)
		}
	}
	if config.Interval < 0 || config.Timeout < 0 {
		return nil, fmt.Errorf("%w: interval and timeout must not be negative", membership.ErrInvalidConfig)
	}
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout == 0 {
		config.Timeout = config.Interval
	}
	if config.Logger == nil {
		config.Logger = &membership.NoopLogger{}
	}
	return &Scheduler{
		jobs:     config.Jobs,
		interval: config.Interval,
		timeout:  config.Timeout,
		logger:   config.Logger,
	}, nil
}

// Sweeps returns the trial expiry and periodic usage reset jobs
func Sweeps(admin *membership.Admin) []Job {
	return []Job{
		{Name: "expire_trials", Run: admin.ExpireTrials},
		{Name: "reset_usage", Run: admin.ResetPeriodicUsage},
	}
}

// Run executes every job immediately and then on each tick until ctx is canceled.
// Job failures are logged; the next tick retries. Runs of one job never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	s.logger.Info("scheduler started", membership.F("jobs", len(s.jobs)), membership.F("interval", s.interval.String()))
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx, j)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("scheduled job failed", membership.F("job", j.Name), membership.F("error", err))
		return
	}
	s.logger.Info("scheduled job finished",
		membership.F("job", j.Name), membership.F("affected", n), membership.F("duration", time.Since(start).String()))
}
