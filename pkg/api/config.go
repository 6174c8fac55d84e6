package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/gate"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// SessionRevoker ends a session at the auth provider
type SessionRevoker interface {
	SignOut(ctx context.Context, token string) error
}

// Config holds configuration for the membership API handler
type Config struct {
	// Core services (required)
	Directory *membership.Directory
	Usage     *membership.UsageEngine
	Trials    *membership.TrialMachine
	Admin     *membership.Admin

	// Gate and Auth resolve the caller on user routes (required)
	Gate *gate.Gate
	Auth gate.Authenticator

	// Billing serves the checkout, portal and webhook routes.
	// If nil, the /billing routes are not mounted.
	Billing billing.Provider

	// Sessions enables POST /auth/signout. Optional.
	Sessions SessionRevoker

	// Translator renders errors (default: development translator)
	Translator *envelope.Translator

	// Health reports store reachability for /healthz. Optional.
	Health func(ctx context.Context) error

	// MetricsHandler is mounted at /metrics when set
	MetricsHandler http.Handler

	// AdminAPIKey authorizes admin routes via "Authorization: Bearer <key>"
	AdminAPIKey string

	// AdminEmails authorizes admin routes for these authenticated identities
	AdminEmails []string

	Logger membership.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch {
	case c.Directory == nil:
		return fmt.Errorf("directory is required")
	case c.Usage == nil:
		return fmt.Errorf("usage engine is required")
	case c.Trials == nil:
		return fmt.Errorf("trial machine is required")
	case c.Admin == nil:
		return fmt.Errorf("admin is required")
	case c.Gate == nil:
		return fmt.Errorf("gate is required")
	case c.Auth == nil:
		return fmt.Errorf("authenticator is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &membership.NoopLogger{}
	}
	if config.Translator == nil {
		config.Translator = envelope.NewTranslator(config.Logger, false)
	}

	admins := make(map[string]struct{}, len(config.AdminEmails))
	for _, e := range config.AdminEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			admins[e] = struct{}{}
		}
	}
	return &Handler{
		config:      config,
		translator:  config.Translator,
		adminEmails: admins,
		validate:    newValidator(),
	}, nil
}
