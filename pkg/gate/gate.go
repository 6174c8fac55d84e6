// Package gate holds the Access Gate decisions shared by the net/http, gin, echo and
// fiber middlewares. Every check returns a typed membership error so each framework
// adapter renders the same envelope.
package gate

import (
	"context"
	"errors"
	"strings"

	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/pkg/outbox"
)

// Authenticator resolves a bearer token into an identity
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*membership.Identity, error)
}

// Config holds gate dependencies
type Config struct {
	// Directory resolves tiers and feature bindings (required)
	Directory *membership.Directory

	// Usage answers quota checks (required)
	Usage *membership.UsageEngine

	// Queue receives post-response usage increments (required)
	Queue outbox.Queue

	// UpgradeURL is returned as the upgrade hint on feature and tier denials
	UpgradeURL string

	Logger  membership.Logger
	Metrics membership.Metrics
}

// Gate evaluates authentication, feature, quota and tier checks
type Gate struct {
	directory  *membership.Directory
	usage      *membership.UsageEngine
	queue      outbox.Queue
	upgradeURL string
	logger     membership.Logger
	metrics    membership.Metrics
}

// New creates a Gate
func New(cfg Config) (*Gate, error) {
	if cfg.Directory == nil || cfg.Usage == nil || cfg.Queue == nil {
		return nil, membership.ErrInvalidConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = &membership.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &membership.NoopMetrics{}
	}
	return &Gate{
		directory:  cfg.Directory,
		usage:      cfg.Usage,
		queue:      cfg.Queue,
		upgradeURL: cfg.UpgradeURL,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header value
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Identify resolves the caller from an Authorization header value
func (g *Gate) Identify(ctx context.Context, auth Authenticator, authorization string) (*membership.Identity, error) {
	token := BearerToken(authorization)
	if token == "" {
		g.metrics.RecordGateDecision("auth", "", "deny")
		return nil, &membership.AuthError{Message: "missing bearer token"}
	}
	id, err := auth.Authenticate(ctx, token)
	if err != nil {
		g.metrics.RecordGateDecision("auth", "", "deny")
		if membership.IsTyped(err) {
			return nil, err
		}
		return nil, &membership.UpstreamError{Op: "authenticate", Err: err}
	}
	if id == nil || id.ID == "" {
		g.metrics.RecordGateDecision("auth", "", "deny")
		return nil, &membership.AuthError{Message: "invalid token"}
	}
	if id.Token == "" {
		id.Token = token
	}
	g.metrics.RecordGateDecision("auth", "", "allow")
	return id, nil
}

// CheckFeature allows the request when the user's tier grants key
func (g *Gate) CheckFeature(ctx context.Context, userID, key string) error {
	ok, err := g.directory.HasFeature(ctx, userID, key)
	if err != nil {
		return err
	}
	if !ok {
		g.metrics.RecordGateDecision("feature", key, "deny")
		return &membership.AccessDeniedError{
			Reason:      membership.DeniedFeature,
			FeatureKey:  key,
			Message:     "feature not available on your plan",
			UpgradeHint: g.upgradeURL,
		}
	}
	g.metrics.RecordGateDecision("feature", key, "allow")
	return nil
}

// CheckLimit allows the request while the user's counter for key is below its limit.
// Denials carry the current usage snapshot.
func (g *Gate) CheckLimit(ctx context.Context, userID, key string) error {
	ok, err := g.usage.CanUse(ctx, userID, key)
	if err != nil {
		return err
	}
	if ok {
		g.metrics.RecordGateDecision("limit", key, "allow")
		return nil
	}

	g.metrics.RecordGateDecision("limit", key, "deny")
	snap, err := g.usage.GetUsage(ctx, userID, key)
	if err != nil && !errors.Is(err, membership.ErrNotFound) {
		g.logger.Warn("failed to load usage for denial", membership.F("user_id", userID),
			membership.F("feature_key", key), membership.F("error", err))
	}
	return &membership.AccessDeniedError{
		Reason:      membership.DeniedLimit,
		FeatureKey:  key,
		Message:     "usage limit exceeded",
		UpgradeHint: g.upgradeURL,
		Usage:       snap,
	}
}

// CheckTier allows the request when the user is on one of names with an active or
// trial status
func (g *Gate) CheckTier(ctx context.Context, userID string, names ...string) error {
	m, err := g.directory.GetMembership(ctx, userID)
	if err != nil && !errors.Is(err, membership.ErrNotFound) {
		return err
	}
	key := strings.Join(names, ",")
	if m != nil && m.IsEntitled() {
		for _, n := range names {
			if m.TierName == n {
				g.metrics.RecordGateDecision("tier", key, "allow")
				return nil
			}
		}
	}
	g.metrics.RecordGateDecision("tier", key, "deny")
	return &membership.AccessDeniedError{
		Reason:      membership.DeniedTier,
		Message:     "your plan does not include this resource",
		UpgradeHint: g.upgradeURL,
	}
}

// ScheduleIncrement hands a usage increment to the outbox. It never fails the caller.
func (g *Gate) ScheduleIncrement(ctx context.Context, userID, key string, amount int64) {
	task, err := outbox.NewTask(outbox.KindUsageIncrement, outbox.UsageIncrement{
		UserID: userID, FeatureKey: key, Amount: amount,
	})
	if err == nil {
		err = g.queue.Enqueue(context.WithoutCancel(ctx), task)
	}
	if err != nil {
		g.logger.Error("failed to schedule usage increment", membership.F("user_id", userID),
			membership.F("feature_key", key), membership.F("error", err))
	}
}
