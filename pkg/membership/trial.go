package membership

import (
	"context"
	"math"
)

// TrialMachine governs the one-per-lifetime trial: eligibility, start, expiry and
// conversion to a paid tier. Every transition re-derives usage limits from the new tier.
type TrialMachine struct {
	users     UserScopedRepo
	system    SystemRepo
	directory *Directory
	usage     *UsageEngine
	clock     Clock
	logger    Logger
	metrics   Metrics
	events    EventHandler
}

// NewTrialMachine creates a TrialMachine. usage must be built from the same repositories.
func NewTrialMachine(config *Config, usage *UsageEngine) (*TrialMachine, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	if usage == nil {
		return nil, ErrInvalidConfig
	}
	dir, err := NewDirectory(config)
	if err != nil {
		return nil, err
	}
	return &TrialMachine{
		users:     cfg.Users,
		system:    cfg.System,
		directory: dir,
		usage:     usage,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		events:    cfg.Events,
	}, nil
}

// CanStartTrial is true when the user has never used a trial and is not on one
func (t *TrialMachine) CanStartTrial(ctx context.Context, userID string) (bool, error) {
	m, err := t.users.GetMembership(ctx, userID)
	if err != nil {
		return false, upstream("get membership", err)
	}
	return eligible(m), nil
}

func eligible(m *Membership) bool {
	return m == nil || (!m.HasUsedTrial && m.Status != StatusTrial)
}

// StartTrial moves an eligible user onto the trial tier for TrialDuration.
// has_used_trial is set permanently, so a second call always fails.
func (t *TrialMachine) StartTrial(ctx context.Context, userID string) (*Membership, error) {
	m, err := t.directory.EnsureMembership(ctx, userID, t.usage)
	if err != nil {
		return nil, err
	}
	if !eligible(m) {
		return nil, &StateConflictError{Message: "trial already used"}
	}

	trial, err := t.directory.TrialTier(ctx)
	if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	ok, err := t.system.StartTrial(ctx, userID, trial.ID, now, now.Add(TrialDuration))
	if err != nil {
		return nil, upstream("start trial", err)
	}
	if !ok {
		// Lost a race with a concurrent start.
		return nil, &StateConflictError{Message: "trial already used"}
	}

	if err := t.usage.UpdateLimitsForTier(ctx, userID, trial.ID); err != nil {
		return nil, err
	}

	m, err = t.directory.GetMembership(ctx, userID)
	if err != nil {
		return nil, err
	}
	t.metrics.RecordTrialTransition("started")
	t.logger.Info("trial started", F("user_id", userID), F("trial_ends_at", m.TrialEndsAt))
	t.events.OnTrialStarted(ctx, m)
	return m, nil
}

// GetTrialStatus returns a read-only trial snapshot. A lapsed trial that the sweep has
// not reached yet is reported with IsExpired set; nothing is written.
func (t *TrialMachine) GetTrialStatus(ctx context.Context, userID string) (*TrialStatus, error) {
	m, err := t.directory.GetMembership(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	st := &TrialStatus{
		Status:        m.Status,
		TierName:      m.TierName,
		IsOnTrial:     m.Status == StatusTrial,
		HasUsedTrial:  m.HasUsedTrial,
		CanStartTrial: eligible(m),
		TrialStartsAt: m.TrialStartsAt,
		TrialEndsAt:   m.TrialEndsAt,
	}
	if st.IsOnTrial && m.TrialEndsAt != nil {
		st.IsExpired = now.After(*m.TrialEndsAt)
		if !st.IsExpired {
			st.DaysRemaining = int(math.Ceil(m.TrialEndsAt.Sub(now).Hours() / 24))
		}
	}
	return st, nil
}

// CheckAndExpireTrial expires the user's trial if it has lapsed and reports whether
// this call performed the downgrade.
func (t *TrialMachine) CheckAndExpireTrial(ctx context.Context, userID string) (bool, error) {
	m, err := t.system.GetMembership(ctx, userID)
	if err != nil {
		return false, upstream("get membership", err)
	}
	if m == nil || m.Status != StatusTrial || m.TrialEndsAt == nil || !t.clock.Now().After(*m.TrialEndsAt) {
		return false, nil
	}
	return t.ExpireSingleTrial(ctx, userID)
}

// ExpireSingleTrial applies the guarded downgrade to one user. Concurrent callers are
// safe: only one observes the state change, the others match nothing.
func (t *TrialMachine) ExpireSingleTrial(ctx context.Context, userID string) (bool, error) {
	free, err := t.directory.FreeTier(ctx)
	if err != nil {
		return false, err
	}
	ok, err := t.system.ExpireTrial(ctx, userID, free.ID, t.clock.Now())
	if err != nil {
		return false, upstream("expire trial", err)
	}
	if !ok {
		return false, nil
	}
	t.afterExpiry(ctx, userID, free.ID)
	return true, nil
}

// ExpireTrials downgrades every lapsed trial and returns how many were expired
func (t *TrialMachine) ExpireTrials(ctx context.Context) (int, error) {
	free, err := t.directory.FreeTier(ctx)
	if err != nil {
		return 0, err
	}
	users, err := t.system.ExpireTrials(ctx, free.ID, t.clock.Now())
	if err != nil {
		return 0, upstream("expire trials", err)
	}
	for _, userID := range users {
		t.afterExpiry(ctx, userID, free.ID)
	}
	t.logger.Info("expired trials", F("count", len(users)))
	return len(users), nil
}

// afterExpiry runs once per downgrade. A failed limit update is logged and left for
// the next tier change; the downgrade itself already happened.
func (t *TrialMachine) afterExpiry(ctx context.Context, userID, freeTierID string) {
	if err := t.usage.UpdateLimitsForTier(ctx, userID, freeTierID); err != nil {
		t.logger.Error("failed to update limits after trial expiry", F("user_id", userID), F("error", err))
	}
	t.metrics.RecordTrialTransition("expired")
	t.logger.Info("trial expired", F("user_id", userID))
	t.events.OnTrialExpired(ctx, userID)
}

// ConvertTrialToPaid moves a trialing user onto a paid tier. link is optional and
// carries the external subscription fields.
func (t *TrialMachine) ConvertTrialToPaid(ctx context.Context, userID, tierID string,
	cycle BillingCycle, link *StripeLink) (*Membership, error) {
	if !cycle.Valid() {
		return nil, NewValidationError("invalid billing cycle", map[string]string{"billing_cycle": string(cycle)})
	}
	m, err := t.directory.GetMembership(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusTrial {
		return nil, &StateConflictError{Message: "membership is not on trial"}
	}
	tier, err := t.directory.Tier(ctx, tierID)
	if err != nil {
		return nil, err
	}
	if tier.Name == TierFree || tier.Name == TierTrial {
		return nil, &StateConflictError{Message: "cannot convert to free or trial tier"}
	}

	now := t.clock.Now()
	m.TierID = tier.ID
	m.TierName = tier.Name
	m.Status = StatusActive
	m.BillingCycle = cycle
	m.UpdatedAt = now
	if link != nil {
		m.StripeSubscriptionID = link.SubscriptionID
		m.StripePriceID = link.PriceID
		m.CurrentPeriodStart = link.CurrentPeriodStart
		m.CurrentPeriodEnd = link.CurrentPeriodEnd
		if link.CustomerID != "" {
			if err := t.system.SetStripeCustomerID(ctx, userID, link.CustomerID); err != nil {
				return nil, upstream("set stripe customer id", err)
			}
		}
	}
	if err := t.system.SaveMembership(ctx, m); err != nil {
		return nil, upstream("save membership", err)
	}
	if err := t.usage.UpdateLimitsForTier(ctx, userID, tier.ID); err != nil {
		return nil, err
	}

	t.metrics.RecordTrialTransition("converted")
	t.logger.Info("trial converted", F("user_id", userID), F("tier", tier.Name), F("billing_cycle", string(cycle)))
	return m, nil
}
