package membership

import (
	"context"
	"time"
)

// UsageEngine meters limit features. Every read or write of a counter first applies
// the lazy period rollover. Increments are not clamped: over-limit usage is recorded
// and flagged, and blocking is left to the access gate calling CanUse beforehand.
type UsageEngine struct {
	users   UserScopedRepo
	system  SystemRepo
	clock   Clock
	logger  Logger
	metrics Metrics
}

// NewUsageEngine creates a UsageEngine from the shared config
func NewUsageEngine(config *Config) (*UsageEngine, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	return &UsageEngine{
		users:   cfg.Users,
		system:  cfg.System,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// CanUse reports whether the user may consume featureKey. Without a counter it
// falls back to the tier's feature check and creates nothing. With a counter it
// is true iff the limit is unlimited or current usage is below the limit.
func (e *UsageEngine) CanUse(ctx context.Context, userID, featureKey string) (bool, error) {
	u, err := e.load(ctx, userID, featureKey)
	if err != nil {
		return false, err
	}
	if u == nil {
		tf, err := e.users.GetFeatureLimitForUser(ctx, userID, featureKey)
		if err != nil {
			return false, upstream("get feature limit for user", err)
		}
		return tf != nil && tf.Value.Grants(), nil
	}
	return u.UsageLimit == Unlimited || u.CurrentUsage < u.UsageLimit, nil
}

// Increment adds amount to the counter and returns the post-increment snapshot.
// A missing counter is initialised from the user's current tier and the read retried once.
func (e *UsageEngine) Increment(ctx context.Context, userID, featureKey string, amount int64) (*UsageSnapshot, error) {
	if amount <= 0 {
		return nil, NewValidationError("amount must be positive", map[string]string{"amount": "gt=0"})
	}

	u, err := e.load(ctx, userID, featureKey)
	if err != nil {
		return nil, err
	}
	if u == nil {
		m, err := e.system.GetMembership(ctx, userID)
		if err != nil {
			return nil, upstream("get membership", err)
		}
		if m == nil {
			return nil, &NotFoundError{Entity: "membership", Key: userID}
		}
		if err := e.InitializeUsage(ctx, userID, m.TierID); err != nil {
			return nil, err
		}
		if u, err = e.load(ctx, userID, featureKey); err != nil {
			return nil, err
		}
		if u == nil {
			return nil, &NotFoundError{Entity: "usage", Key: featureKey}
		}
	}

	start := time.Now()
	updated, err := e.system.AddUsage(ctx, userID, featureKey, amount)
	e.metrics.RecordRepositoryOperation("add_usage", time.Since(start), err)
	if err != nil {
		return nil, upstream("add usage", err)
	}
	if updated == nil {
		return nil, &NotFoundError{Entity: "usage", Key: featureKey}
	}

	snap := snapshot(updated)
	e.metrics.RecordUsageIncrement(featureKey, amount, snap.IsExceeded)
	if snap.IsExceeded {
		e.logger.Debug("usage recorded past limit",
			F("user_id", userID), F("feature", featureKey),
			F("current_usage", snap.CurrentUsage), F("usage_limit", snap.UsageLimit))
	}
	return snap, nil
}

// Decrement gives back amount units, never dropping below zero
func (e *UsageEngine) Decrement(ctx context.Context, userID, featureKey string, amount int64) (*UsageSnapshot, error) {
	if amount <= 0 {
		return nil, NewValidationError("amount must be positive", map[string]string{"amount": "gt=0"})
	}
	u, err := e.load(ctx, userID, featureKey)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, &NotFoundError{Entity: "usage", Key: featureKey}
	}
	updated, err := e.system.AddUsage(ctx, userID, featureKey, -amount)
	if err != nil {
		return nil, upstream("add usage", err)
	}
	if updated == nil {
		return nil, &NotFoundError{Entity: "usage", Key: featureKey}
	}
	return snapshot(updated), nil
}

// GetUsage returns the rolled-over snapshot, or nil when the feature is untracked
func (e *UsageEngine) GetUsage(ctx context.Context, userID, featureKey string) (*UsageSnapshot, error) {
	u, err := e.load(ctx, userID, featureKey)
	if err != nil || u == nil {
		return nil, err
	}
	return snapshot(u), nil
}

// GetAllUsage aggregates every tracked feature of the user
func (e *UsageEngine) GetAllUsage(ctx context.Context, userID string) (*UsageSummary, error) {
	m, err := e.users.GetMembership(ctx, userID)
	if err != nil {
		return nil, upstream("get membership", err)
	}
	summary := &UsageSummary{TierName: TierFree, Features: []UsageSnapshot{}}
	if m != nil {
		summary.TierName = m.TierName
	}

	rows, err := e.users.ListUsage(ctx, userID)
	if err != nil {
		return nil, upstream("list usage", err)
	}
	for i := range rows {
		u, err := e.rollover(ctx, &rows[i], "lazy")
		if err != nil {
			return nil, err
		}
		summary.Features = append(summary.Features, *snapshot(u))
	}
	return summary, nil
}

// InitializeUsage upserts a fresh zeroed counter for every limit feature bound to tierID
func (e *UsageEngine) InitializeUsage(ctx context.Context, userID, tierID string) error {
	twf, err := e.system.GetTierWithFeatures(ctx, tierID)
	if err != nil {
		return upstream("get tier with features", err)
	}
	if twf == nil {
		return &NotFoundError{Entity: "tier", Key: tierID}
	}

	now := e.clock.Now()
	for i := range twf.Features {
		tf := &twf.Features[i]
		if tf.FeatureType != FeatureLimit {
			continue
		}
		if err := e.initCounter(ctx, userID, tf, now); err != nil {
			return err
		}
	}
	e.logger.Debug("usage initialized", F("user_id", userID), F("tier_id", tierID))
	return nil
}

func (e *UsageEngine) initCounter(ctx context.Context, userID string, tf *TierFeature, now time.Time) error {
	period := tf.PeriodType
	if period == "" {
		period = PeriodNone
	}
	start, end := periodWindow(period, now)
	err := e.system.UpsertUsage(ctx, &UsageTracking{
		UserID:       userID,
		FeatureKey:   tf.FeatureKey,
		CurrentUsage: 0,
		UsageLimit:   tf.Limit(),
		PeriodType:   period,
		PeriodStart:  start,
		PeriodEnd:    end,
		UpdatedAt:    now,
	})
	return upstream("upsert usage", err)
}

// UpdateLimitsForTier re-derives the limits of every counter from tierID while keeping
// current usage. Counters the tier does not have yet are initialised explicitly; counters
// for features the tier no longer binds are capped at zero.
func (e *UsageEngine) UpdateLimitsForTier(ctx context.Context, userID, tierID string) error {
	twf, err := e.system.GetTierWithFeatures(ctx, tierID)
	if err != nil {
		return upstream("get tier with features", err)
	}
	if twf == nil {
		return &NotFoundError{Entity: "tier", Key: tierID}
	}

	now := e.clock.Now()
	bound := make(map[string]bool, len(twf.Features))
	for i := range twf.Features {
		tf := &twf.Features[i]
		if tf.FeatureType != FeatureLimit {
			continue
		}
		bound[tf.FeatureKey] = true

		period := tf.PeriodType
		if period == "" {
			period = PeriodNone
		}
		existing, err := e.system.GetUsage(ctx, userID, tf.FeatureKey)
		if err != nil {
			return upstream("get usage", err)
		}
		if existing == nil {
			if err := e.initCounter(ctx, userID, tf, now); err != nil {
				return err
			}
			continue
		}
		if existing.PeriodType != period {
			// A new window shape starts a new window; usage carries over.
			start, end := periodWindow(period, now)
			existing.UsageLimit = tf.Limit()
			existing.PeriodType = period
			existing.PeriodStart = start
			existing.PeriodEnd = end
			existing.UpdatedAt = now
			if err := e.system.UpsertUsage(ctx, existing); err != nil {
				return upstream("upsert usage", err)
			}
			continue
		}
		if _, err := e.system.UpdateUsageLimit(ctx, userID, tf.FeatureKey, tf.Limit(), period); err != nil {
			return upstream("update usage limit", err)
		}
	}

	rows, err := e.system.ListUsage(ctx, userID)
	if err != nil {
		return upstream("list usage", err)
	}
	for _, u := range rows {
		if bound[u.FeatureKey] || u.UsageLimit == 0 {
			continue
		}
		if _, err := e.system.UpdateUsageLimit(ctx, userID, u.FeatureKey, 0, u.PeriodType); err != nil {
			return upstream("update usage limit", err)
		}
	}

	e.logger.Info("usage limits updated", F("user_id", userID), F("tier_id", tierID))
	return nil
}

// ResetUsage zeroes one counter (administrative)
func (e *UsageEngine) ResetUsage(ctx context.Context, userID, featureKey string) error {
	ok, err := e.system.ResetUsage(ctx, userID, featureKey)
	if err != nil {
		return upstream("reset usage", err)
	}
	if !ok {
		return &NotFoundError{Entity: "usage", Key: featureKey}
	}
	return nil
}

// ResetPeriodicUsage rolls over every daily or monthly counter whose window has
// passed and returns how many were reset. Meant for periodic external invocation.
func (e *UsageEngine) ResetPeriodicUsage(ctx context.Context) (int, error) {
	now := e.clock.Now()
	rows, err := e.system.ListExpiredUsage(ctx, now)
	if err != nil {
		return 0, upstream("list expired usage", err)
	}

	count := 0
	for i := range rows {
		u := &rows[i]
		if !needsRollover(u, now) {
			continue
		}
		start, end := periodWindow(u.PeriodType, now)
		ok, err := e.system.ResetUsagePeriod(ctx, u.UserID, u.FeatureKey, *u.PeriodEnd, start, end)
		if err != nil {
			return count, upstream("reset usage period", err)
		}
		if ok {
			count++
			e.metrics.RecordRollover(u.FeatureKey, "batch")
		}
	}
	e.logger.Info("periodic usage reset", F("reset", count), F("candidates", len(rows)))
	return count, nil
}

// load reads a counter and applies the lazy rollover
func (e *UsageEngine) load(ctx context.Context, userID, featureKey string) (*UsageTracking, error) {
	start := time.Now()
	u, err := e.users.GetUsage(ctx, userID, featureKey)
	e.metrics.RecordRepositoryOperation("get_usage", time.Since(start), err)
	if err != nil {
		return nil, upstream("get usage", err)
	}
	if u == nil {
		return nil, nil
	}
	return e.rollover(ctx, u, "lazy")
}

// rollover persists a period reset when the window has passed. Two callers racing
// across the boundary are tolerated: the conditional reset lets one win and the
// other re-reads the already reset row.
func (e *UsageEngine) rollover(ctx context.Context, u *UsageTracking, trigger string) (*UsageTracking, error) {
	now := e.clock.Now()
	if !needsRollover(u, now) {
		return u, nil
	}
	start, end := periodWindow(u.PeriodType, now)
	ok, err := e.system.ResetUsagePeriod(ctx, u.UserID, u.FeatureKey, *u.PeriodEnd, start, end)
	if err != nil {
		return nil, upstream("reset usage period", err)
	}
	if ok {
		e.metrics.RecordRollover(u.FeatureKey, trigger)
		reset := *u
		reset.CurrentUsage = 0
		reset.PeriodStart = start
		reset.PeriodEnd = end
		reset.UpdatedAt = now
		return &reset, nil
	}

	fresh, err := e.system.GetUsage(ctx, u.UserID, u.FeatureKey)
	if err != nil {
		return nil, upstream("get usage", err)
	}
	if fresh == nil {
		return nil, nil
	}
	return fresh, nil
}
