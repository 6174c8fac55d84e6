package membership

import "context"

// Admin performs direct administrative overrides, the third actor besides the trial
// machine and the billing reconciler that may mutate memberships.
type Admin struct {
	system    SystemRepo
	directory *Directory
	usage     *UsageEngine
	trials    *TrialMachine
	clock     Clock
	logger    Logger
}

// NewAdmin creates an Admin over the shared config
func NewAdmin(config *Config, usage *UsageEngine, trials *TrialMachine) (*Admin, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	if usage == nil || trials == nil {
		return nil, ErrInvalidConfig
	}
	dir, err := NewDirectory(config)
	if err != nil {
		return nil, err
	}
	return &Admin{
		system:    cfg.System,
		directory: dir,
		usage:     usage,
		trials:    trials,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// Override describes an administrative membership change. Empty fields are left as they are.
type Override struct {
	TierID       string       `json:"tier_id"`
	Status       Status       `json:"status"`
	BillingCycle BillingCycle `json:"billing_cycle"`
}

// OverrideMembership sets tier and status directly and re-derives usage limits.
// The trial flag is never cleared.
func (a *Admin) OverrideMembership(ctx context.Context, userID string, o Override) (*Membership, error) {
	if o.Status != "" && !o.Status.Valid() {
		return nil, NewValidationError("invalid status", map[string]string{"status": string(o.Status)})
	}
	if o.BillingCycle != "" && !o.BillingCycle.Valid() {
		return nil, NewValidationError("invalid billing cycle", map[string]string{"billing_cycle": string(o.BillingCycle)})
	}

	m, err := a.directory.EnsureMembership(ctx, userID, a.usage)
	if err != nil {
		return nil, err
	}

	tierChanged := false
	if o.TierID != "" && o.TierID != m.TierID {
		tier, err := a.directory.Tier(ctx, o.TierID)
		if err != nil {
			return nil, err
		}
		m.TierID, m.TierName = tier.ID, tier.Name
		tierChanged = true
	}
	if o.Status != "" {
		m.Status = o.Status
	}
	if o.BillingCycle != "" {
		m.BillingCycle = o.BillingCycle
	}
	m.UpdatedAt = a.clock.Now()

	if err := a.system.SaveMembership(ctx, m); err != nil {
		return nil, upstream("save membership", err)
	}
	if tierChanged {
		if err := a.usage.UpdateLimitsForTier(ctx, userID, m.TierID); err != nil {
			return nil, err
		}
	}
	a.logger.Info("membership overridden",
		F("user_id", userID), F("tier", m.TierName), F("status", string(m.Status)))
	return m, nil
}

// ExpireTrials runs the batch trial sweep
func (a *Admin) ExpireTrials(ctx context.Context) (int, error) {
	return a.trials.ExpireTrials(ctx)
}

// ResetPeriodicUsage runs the batch usage reset
func (a *Admin) ResetPeriodicUsage(ctx context.Context) (int, error) {
	return a.usage.ResetPeriodicUsage(ctx)
}

// ResetUsage zeroes one counter of one user
func (a *Admin) ResetUsage(ctx context.Context, userID, featureKey string) error {
	return a.usage.ResetUsage(ctx, userID, featureKey)
}
