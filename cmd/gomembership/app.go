package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gomembership/pkg/api"
	"github.com/mihaimyh/gomembership/pkg/auth"
	"github.com/mihaimyh/gomembership/pkg/billing"
	billingprom "github.com/mihaimyh/gomembership/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gomembership/pkg/billing/stripe"
	"github.com/mihaimyh/gomembership/pkg/config"
	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/gate"
	"github.com/mihaimyh/gomembership/pkg/membership"
	zlog "github.com/mihaimyh/gomembership/pkg/membership/logger/zerolog"
	memberprom "github.com/mihaimyh/gomembership/pkg/membership/metrics/prometheus"
	"github.com/mihaimyh/gomembership/pkg/notify"
	"github.com/mihaimyh/gomembership/pkg/outbox"
	redisqueue "github.com/mihaimyh/gomembership/pkg/outbox/redis"
	"github.com/mihaimyh/gomembership/storage/memory"
	"github.com/mihaimyh/gomembership/storage/postgres"
)

const metricsNamespace = "gomembership"

// app is the wired service graph shared by the serve and cron commands
type app struct {
	cfg    *config.Config
	logger membership.Logger

	registry *prometheus.Registry
	db       *postgres.Store
	redis    goredis.UniversalClient
	queue    outbox.Queue
	redisQ   *redisqueue.Queue

	membership *membership.Config
	directory  *membership.Directory
	usage      *membership.UsageEngine
	trials     *membership.TrialMachine
	admin      *membership.Admin
	gate       *gate.Gate
	billing    billing.Provider
	auth       gate.Authenticator
	sessions   api.SessionRevoker
}

func newLogger(cfg *config.Config) membership.Logger {
	zl := zlog.New(os.Stderr, cfg.App.LogLevel, cfg.App.LogFormat).
		With().Str("service", cfg.App.Name).Logger()
	return zlog.NewLogger(zl)
}

// newApp builds every component. The caller owns Close.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.logger = newLogger(cfg)
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := memberprom.NewMetrics(a.registry, metricsNamespace)

	var (
		users  membership.UserScopedRepo
		system membership.SystemRepo
		mem    *memory.Store
	)
	if cfg.Postgres.Enabled() {
		a.db, err = postgres.New(ctx, postgres.Config{
			SystemDSN:       cfg.Postgres.SystemDSN,
			UserDSN:         cfg.Postgres.UserDSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			MaxConnIdleTime: cfg.Postgres.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.AutoMigrate {
			if err = postgres.Migrate(ctx, a.db.SystemPool(), a.logger); err != nil {
				return nil, err
			}
		}
		users, system = a.db.Users, a.db.System
	} else {
		a.logger.Warn("DATABASE_URL not set, using the in-memory store")
		mem = memory.New()
		users, system = mem, mem
	}

	mux := outbox.NewMux(a.logger)
	if cfg.Redis.Enabled() {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rc := redisqueue.DefaultConfig()
		rc.Key = cfg.Redis.QueueKey
		rc.TaskTimeout = cfg.Outbox.TaskTimeout
		rc.Logger = a.logger
		if a.redisQ, err = redisqueue.New(a.redis, mux, rc); err != nil {
			return nil, err
		}
		a.queue = a.redisQ
	} else {
		a.queue = outbox.NewMemoryQueue(mux, outbox.MemoryOptions{
			Workers:     cfg.Outbox.Workers,
			Buffer:      cfg.Outbox.Buffer,
			TaskTimeout: cfg.Outbox.TaskTimeout,
			Logger:      a.logger,
		})
	}

	var sender notify.Sender = &notify.LogSender{Logger: a.logger}
	if cfg.Postmark.Enabled() {
		if sender, err = notify.NewPostmarkSender(notify.PostmarkConfig{
			ServerToken:  cfg.Postmark.ServerToken,
			AccountToken: cfg.Postmark.AccountToken,
			From:         cfg.Postmark.From,
		}); err != nil {
			return nil, err
		}
	}
	notifier := notify.New(a.queue, sender, users, notify.Options{
		AppName:    cfg.App.Name,
		UpgradeURL: cfg.App.UpgradeURL,
		Logger:     a.logger,
	})
	notifier.Register(mux)

	a.membership = &membership.Config{
		Users:   users,
		System:  system,
		Logger:  a.logger,
		Metrics: metrics,
		Events:  notifier,
	}
	if a.directory, err = membership.NewDirectory(a.membership); err != nil {
		return nil, err
	}
	if a.usage, err = membership.NewUsageEngine(a.membership); err != nil {
		return nil, err
	}
	if a.trials, err = membership.NewTrialMachine(a.membership, a.usage); err != nil {
		return nil, err
	}
	if a.admin, err = membership.NewAdmin(a.membership, a.usage, a.trials); err != nil {
		return nil, err
	}
	mux.Handle(outbox.KindUsageIncrement, outbox.UsageIncrementHandler(a.usage))

	if mem != nil {
		if err = membership.SeedCatalog(ctx, a.directory, membership.DefaultCatalog()); err != nil {
			return nil, fmt.Errorf("failed to seed catalog: %w", err)
		}
	}

	if a.gate, err = gate.New(gate.Config{
		Directory:  a.directory,
		Usage:      a.usage,
		Queue:      a.queue,
		UpgradeURL: cfg.App.UpgradeURL,
		Logger:     a.logger,
		Metrics:    metrics,
	}); err != nil {
		return nil, err
	}

	if err = a.wireAuth(); err != nil {
		return nil, err
	}

	if cfg.Stripe.Enabled() {
		if a.billing, err = stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Membership:    a.membership,
				Usage:         a.usage,
				WebhookSecret: cfg.Stripe.WebhookSecret,
				APIKey:        cfg.Stripe.SecretKey,
				Metrics:       billingprom.NewMetrics(a.registry, metricsNamespace),
				OnWebhook:     billingAudit(a.logger),
			},
		}); err != nil {
			return nil, err
		}
	} else {
		a.logger.Warn("STRIPE_SECRET_KEY not set, billing routes disabled")
	}
	return a, nil
}

// billingAudit logs every membership change a billing event applied. Tier moves are
// logged at info, status-only updates at debug.
func billingAudit(logger membership.Logger) billing.WebhookCallback {
	return func(_ context.Context, e billing.WebhookEvent) error {
		fields := []membership.Field{
			membership.F("user_id", e.UserID),
			membership.F("event_id", e.EventID),
			membership.F("event_type", e.EventType),
			membership.F("status", string(e.Status)),
		}
		if e.TierChanged() {
			fields = append(fields, membership.F("from_tier", e.PreviousTier), membership.F("to_tier", e.NewTier))
			logger.Info("billing event moved membership tier", fields...)
			return nil
		}
		logger.Debug("billing event updated membership", append(fields, membership.F("tier", e.NewTier))...)
		return nil
	}
}

func (a *app) wireAuth() error {
	client, err := auth.New(auth.Config{URL: a.cfg.Auth.URL, APIKey: a.cfg.Auth.APIKey, Logger: a.logger})
	switch {
	case err == nil:
		a.auth, a.sessions = client, client
		return nil
	case !errors.Is(err, auth.ErrNotConfigured):
		return err
	}

	// Development: fixed tokens with stable ids derived from the email
	static := auth.Static{}
	for token, email := range a.cfg.Auth.DevTokens {
		email = strings.ToLower(strings.TrimSpace(email))
		static[token] = membership.Identity{
			ID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+email)).String(),
			Email: email,
		}
	}
	a.logger.Warn("AUTH_URL not set, using development tokens", membership.F("tokens", len(static)))
	a.auth = static
	return nil
}

// handler builds the HTTP surface
func (a *app) handler() (http.Handler, error) {
	cfg := api.Config{
		Directory:      a.directory,
		Usage:          a.usage,
		Trials:         a.trials,
		Admin:          a.admin,
		Gate:           a.gate,
		Auth:           a.auth,
		Billing:        a.billing,
		Translator:     envelope.NewTranslator(a.logger, a.cfg.App.Production()),
		Health:         a.membership.System.Ping,
		MetricsHandler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}),
		AdminAPIKey:    a.cfg.App.AdminAPIKey,
		AdminEmails:    a.cfg.App.AdminEmails,
		Logger:         a.logger,
	}
	if a.sessions != nil {
		cfg.Sessions = a.sessions
	}
	h, err := api.NewHandler(cfg)
	if err != nil {
		return nil, err
	}
	return h.Router(), nil
}

// Close drains the queue and releases connections
func (a *app) Close(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			a.logger.Error("failed to drain outbox", membership.F("error", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis client", membership.F("error", err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
