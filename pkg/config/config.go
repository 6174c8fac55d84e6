// Package config loads service configuration from the environment.
// Optional .env files are read first; real environment variables always win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrInvalidConfig is returned when a loaded configuration is inconsistent
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full service configuration
type Config struct {
	App       App
	Postgres  Postgres
	Redis     Redis
	Stripe    Stripe
	Auth      Auth
	Postmark  Postmark
	Scheduler Scheduler
	Outbox    Outbox
}

// App holds process-wide settings
type App struct {
	Name        string   `env:"APP_NAME" envDefault:"gomembership"`
	Env         string   `env:"APP_ENV" envDefault:"development"`
	Addr        string   `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string   `env:"LOG_FORMAT" envDefault:"json"`
	AdminAPIKey string   `env:"ADMIN_API_KEY"`
	AdminEmails []string `env:"ADMIN_EMAILS" envSeparator:","`
	UpgradeURL  string   `env:"UPGRADE_URL" envDefault:"/pricing"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Production reports whether error details must be hidden from clients
func (a App) Production() bool {
	return strings.EqualFold(a.Env, "production")
}

// Postgres holds the two connection strings: the restricted role serves user reads,
// the owner role serves system writes and migrations.
type Postgres struct {
	SystemDSN       string        `env:"DATABASE_URL"`
	UserDSN         string        `env:"DATABASE_USER_URL"`
	MaxConns        int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"DATABASE_MIN_CONNS" envDefault:"2"`
	MaxConnLifetime time.Duration `env:"DATABASE_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxConnIdleTime time.Duration `env:"DATABASE_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	AutoMigrate     bool          `env:"DATABASE_AUTO_MIGRATE" envDefault:"false"`
}

// Enabled reports whether a database is configured; without one the in-memory store is used
func (p Postgres) Enabled() bool {
	return p.SystemDSN != ""
}

// Redis configures the redis-backed outbox queue
type Redis struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	QueueKey string `env:"REDIS_QUEUE_KEY" envDefault:"gomembership:outbox"`
}

// Enabled reports whether the redis queue replaces the in-process one
func (r Redis) Enabled() bool {
	return r.Addr != ""
}

// Stripe holds billing credentials
type Stripe struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// Enabled reports whether the billing routes are mounted
func (s Stripe) Enabled() bool {
	return s.SecretKey != ""
}

// Auth configures the external auth provider. Without a URL, DevTokens
// ("token:email,...") resolves a fixed set of tokens; production requires a URL.
type Auth struct {
	URL       string            `env:"AUTH_URL"`
	APIKey    string            `env:"AUTH_API_KEY"`
	DevTokens map[string]string `env:"DEV_TOKENS" envSeparator:"," envKeyValSeparator:":"`
}

// Postmark configures email delivery; without a token messages are only logged
type Postmark struct {
	ServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	AccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	From         string `env:"POSTMARK_FROM"`
}

// Enabled reports whether emails are delivered
func (p Postmark) Enabled() bool {
	return p.ServerToken != ""
}

// Scheduler configures the in-process sweep loop
type Scheduler struct {
	Enabled  bool          `env:"SCHEDULER_ENABLED" envDefault:"false"`
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1h"`
	Timeout  time.Duration `env:"SCHEDULER_TIMEOUT" envDefault:"5m"`
}

// Outbox configures the in-process task queue
type Outbox struct {
	Workers     int           `env:"OUTBOX_WORKERS" envDefault:"4"`
	Buffer      int           `env:"OUTBOX_BUFFER" envDefault:"1024"`
	TaskTimeout time.Duration `env:"OUTBOX_TASK_TIMEOUT" envDefault:"30s"`
}

// Load reads the given .env files (default ".env"), then parses the environment.
// Missing .env files are ignored.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", p, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Stripe.Enabled() && c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("%w: STRIPE_WEBHOOK_SECRET is required with STRIPE_SECRET_KEY", ErrInvalidConfig)
	}
	if c.Postmark.Enabled() && c.Postmark.From == "" {
		return fmt.Errorf("%w: POSTMARK_FROM is required with POSTMARK_SERVER_TOKEN", ErrInvalidConfig)
	}
	if c.App.Production() && c.Auth.URL == "" {
		return fmt.Errorf("%w: AUTH_URL is required in production", ErrInvalidConfig)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("%w: SCHEDULER_INTERVAL must be positive", ErrInvalidConfig)
	}
	if c.Outbox.Workers <= 0 {
		return fmt.Errorf("%w: OUTBOX_WORKERS must be positive", ErrInvalidConfig)
	}
	return nil
}
