package membership

import (
	"context"
	"strings"
	"time"
)

// Directory resolves tiers, features and memberships. Nothing is cached:
// every call re-reads the store.
type Directory struct {
	users   UserScopedRepo
	system  SystemRepo
	clock   Clock
	logger  Logger
	metrics Metrics
}

// NewDirectory creates a Directory from the shared config
func NewDirectory(config *Config) (*Directory, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Directory{
		users:   cfg.Users,
		system:  cfg.System,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// GetMembership returns the user's membership or a NotFoundError
func (d *Directory) GetMembership(ctx context.Context, userID string) (*Membership, error) {
	start := time.Now()
	m, err := d.users.GetMembership(ctx, userID)
	d.metrics.RecordRepositoryOperation("get_membership", time.Since(start), err)
	if err != nil {
		return nil, upstream("get membership", err)
	}
	if m == nil {
		return nil, &NotFoundError{Entity: "membership", Key: userID}
	}
	return m, nil
}

// TierWithFeatures returns a tier joined with its feature bindings
func (d *Directory) TierWithFeatures(ctx context.Context, tierID string) (*TierWithFeatures, error) {
	t, err := d.users.GetTierWithFeatures(ctx, tierID)
	if err != nil {
		return nil, upstream("get tier with features", err)
	}
	if t == nil {
		return nil, &NotFoundError{Entity: "tier", Key: tierID}
	}
	return t, nil
}

// Tier returns a tier by id
func (d *Directory) Tier(ctx context.Context, tierID string) (*Tier, error) {
	t, err := d.users.GetTier(ctx, tierID)
	if err != nil {
		return nil, upstream("get tier", err)
	}
	if t == nil {
		return nil, &NotFoundError{Entity: "tier", Key: tierID}
	}
	return t, nil
}

// TierByName returns a tier by its unique name
func (d *Directory) TierByName(ctx context.Context, name string) (*Tier, error) {
	t, err := d.users.GetTierByName(ctx, name)
	if err != nil {
		return nil, upstream("get tier by name", err)
	}
	if t == nil {
		return nil, &NotFoundError{Entity: "tier", Key: name}
	}
	return t, nil
}

// FreeTier returns the reserved fallback tier
func (d *Directory) FreeTier(ctx context.Context) (*Tier, error) {
	return d.TierByName(ctx, TierFree)
}

// TrialTier returns the reserved trial tier
func (d *Directory) TrialTier(ctx context.Context) (*Tier, error) {
	return d.TierByName(ctx, TierTrial)
}

// ListTiers returns the active tiers with their features, ordered by sort order
func (d *Directory) ListTiers(ctx context.Context) ([]TierWithFeatures, error) {
	tiers, err := d.users.ListTiers(ctx, true)
	if err != nil {
		return nil, upstream("list tiers", err)
	}
	out := make([]TierWithFeatures, 0, len(tiers))
	for _, t := range tiers {
		twf, err := d.users.GetTierWithFeatures(ctx, t.ID)
		if err != nil {
			return nil, upstream("get tier with features", err)
		}
		if twf != nil {
			out = append(out, *twf)
		}
	}
	return out, nil
}

// ResolveFeature returns the binding of key on the user's current tier.
// The boolean is false when the tier does not bind the feature.
func (d *Directory) ResolveFeature(ctx context.Context, userID, key string) (*TierFeature, bool, error) {
	tf, err := d.users.GetFeatureLimitForUser(ctx, userID, key)
	if err != nil {
		return nil, false, upstream("get feature limit for user", err)
	}
	if tf == nil {
		return nil, false, nil
	}
	return tf, true, nil
}

// HasFeature reports whether the user's tier grants key
func (d *Directory) HasFeature(ctx context.Context, userID, key string) (bool, error) {
	tf, ok, err := d.ResolveFeature(ctx, userID, key)
	if err != nil || !ok {
		return false, err
	}
	return tf.Value.Grants(), nil
}

// EnsureMembership returns the user's membership, creating a free/active one on
// first contact. Creation is insert-if-absent so concurrent first requests are safe.
func (d *Directory) EnsureMembership(ctx context.Context, userID string, usage *UsageEngine) (*Membership, error) {
	m, err := d.system.GetMembership(ctx, userID)
	if err != nil {
		return nil, upstream("get membership", err)
	}
	if m != nil {
		return m, nil
	}

	free, err := d.FreeTier(ctx)
	if err != nil {
		return nil, err
	}
	now := d.clock.Now()
	created, err := d.system.InsertMembership(ctx, &Membership{
		UserID:    userID,
		TierID:    free.ID,
		TierName:  free.Name,
		Status:    StatusActive,
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, upstream("insert membership", err)
	}
	if created {
		d.logger.Info("membership created", F("user_id", userID), F("tier", free.Name))
		if usage != nil {
			if err := usage.InitializeUsage(ctx, userID, free.ID); err != nil {
				return nil, err
			}
		}
	}

	m, err = d.system.GetMembership(ctx, userID)
	if err != nil {
		return nil, upstream("get membership", err)
	}
	if m == nil {
		return nil, &NotFoundError{Entity: "membership", Key: userID}
	}
	return m, nil
}

// Payments returns the most recent payment history rows of the user
func (d *Directory) Payments(ctx context.Context, userID string, limit int) ([]PaymentHistory, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := d.users.ListPayments(ctx, userID, limit)
	if err != nil {
		return nil, upstream("list payments", err)
	}
	return rows, nil
}

// CreateTier adds a new tier. Names are normalised to lower case.
func (d *Directory) CreateTier(ctx context.Context, t *Tier) error {
	if t == nil || strings.TrimSpace(t.Name) == "" {
		return NewValidationError("tier name is required", map[string]string{"name": "required"})
	}
	t.Name = strings.ToLower(strings.TrimSpace(t.Name))
	if t.DisplayName == "" {
		t.DisplayName = t.Name
	}
	existing, err := d.system.GetTierByName(ctx, t.Name)
	if err != nil {
		return upstream("get tier by name", err)
	}
	if existing != nil {
		return &StateConflictError{Message: "tier " + t.Name + " already exists"}
	}
	now := d.clock.Now()
	t.IsActive = true
	t.CreatedAt, t.UpdatedAt = now, now
	return upstream("create tier", d.system.CreateTier(ctx, t))
}

// UpdateTier edits display and pricing attributes. The name is immutable.
func (d *Directory) UpdateTier(ctx context.Context, t *Tier) error {
	existing, err := d.Tier(ctx, t.ID)
	if err != nil {
		return err
	}
	t.Name = existing.Name
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = d.clock.Now()
	return upstream("update tier", d.system.UpdateTier(ctx, t))
}

// DeactivateTier soft-deactivates a tier. The reserved tiers cannot be deactivated.
func (d *Directory) DeactivateTier(ctx context.Context, tierID string) error {
	t, err := d.Tier(ctx, tierID)
	if err != nil {
		return err
	}
	if t.Name == TierFree || t.Name == TierTrial {
		return &StateConflictError{Message: "cannot deactivate reserved tier " + t.Name}
	}
	t.IsActive = false
	t.UpdatedAt = d.clock.Now()
	return upstream("update tier", d.system.UpdateTier(ctx, t))
}

// UpsertFeature creates or updates a feature definition
func (d *Directory) UpsertFeature(ctx context.Context, f *Feature) error {
	if f == nil || strings.TrimSpace(f.Key) == "" {
		return NewValidationError("feature key is required", map[string]string{"key": "required"})
	}
	if !f.Type.Valid() {
		return NewValidationError("invalid feature type", map[string]string{"type": string(f.Type)})
	}
	if f.DefaultValue != "" {
		if _, err := ParseFeatureValue(f.Type, f.DefaultValue); err != nil {
			return NewValidationError(err.Error(), map[string]string{"default_value": f.DefaultValue})
		}
	}
	return upstream("upsert feature", d.system.UpsertFeature(ctx, f))
}

// BindFeature binds a feature to a tier, validating the value against the feature type.
// For limit features a nil usageLimit is taken from the value itself.
func (d *Directory) BindFeature(ctx context.Context, tierID, featureKey, value string,
	usageLimit *int64, period PeriodType) error {
	if _, err := d.Tier(ctx, tierID); err != nil {
		return err
	}
	f, err := d.system.GetFeature(ctx, featureKey)
	if err != nil {
		return upstream("get feature", err)
	}
	if f == nil {
		return &NotFoundError{Entity: "feature", Key: featureKey}
	}
	v, err := ParseFeatureValue(f.Type, value)
	if err != nil {
		return NewValidationError(err.Error(), map[string]string{"value": value})
	}
	if f.Type != FeatureLimit {
		usageLimit, period = nil, PeriodNone
	} else {
		if usageLimit == nil {
			l := v.Limit
			usageLimit = &l
		}
		if period == "" {
			period = PeriodMonthly
		}
		if !period.Valid() {
			return NewValidationError("invalid period type", map[string]string{"period_type": string(period)})
		}
	}
	return upstream("bind tier feature", d.system.BindTierFeature(ctx, tierID, featureKey, v.String(), usageLimit, period))
}
