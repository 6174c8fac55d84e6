package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

type scanner interface {
	Scan(dest ...any) error
}

const tierColumns = `id, name, display_name, price_monthly, price_yearly, stripe_price_monthly,
	stripe_price_yearly, is_active, is_default, sort_order, created_at, updated_at`

func scanTier(row scanner) (*membership.Tier, error) {
	var t membership.Tier
	err := row.Scan(&t.ID, &t.Name, &t.DisplayName, &t.PriceMonthly, &t.PriceYearly,
		&t.StripePriceMonthly, &t.StripePriceYearly, &t.IsActive, &t.IsDefault, &t.SortOrder,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scanTierFeature reads the column set shared by both aggregate functions, minus tier_id
func scanTierFeature(row scanner, tf *membership.TierFeature) error {
	var (
		featureType, raw, period string
		usageLimit               *int64
	)
	if err := row.Scan(&tf.FeatureID, &tf.FeatureKey, &featureType, &raw, &usageLimit, &period); err != nil {
		return err
	}
	return resolveTierFeature(tf, featureType, raw, usageLimit, period)
}

func resolveTierFeature(tf *membership.TierFeature, featureType, raw string, usageLimit *int64, period string) error {
	tf.FeatureType = membership.FeatureType(featureType)
	v, err := membership.ParseFeatureValue(tf.FeatureType, raw)
	if err != nil {
		return fmt.Errorf("failed to resolve %s on tier %s: %w", tf.FeatureKey, tf.TierID, err)
	}
	tf.Value = v
	tf.UsageLimit = usageLimit
	tf.PeriodType = membership.PeriodType(period)
	return nil
}

// reference implements membership.ReferenceRepo over any querier
type reference struct {
	db querier
}

// GetTier implements membership.ReferenceRepo
func (r reference) GetTier(ctx context.Context, tierID string) (*membership.Tier, error) {
	t, err := scanTier(r.db.QueryRow(ctx, `SELECT `+tierColumns+` FROM tiers WHERE id = $1`, tierID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier: %w", err)
	}
	return t, nil
}

// GetTierByName implements membership.ReferenceRepo
func (r reference) GetTierByName(ctx context.Context, name string) (*membership.Tier, error) {
	t, err := scanTier(r.db.QueryRow(ctx, `SELECT `+tierColumns+` FROM tiers WHERE name = $1`, name))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier by name: %w", err)
	}
	return t, nil
}

// GetTierWithFeatures implements membership.ReferenceRepo via the tier_with_features function
func (r reference) GetTierWithFeatures(ctx context.Context, tierID string) (*membership.TierWithFeatures, error) {
	t, err := r.GetTier(ctx, tierID)
	if err != nil || t == nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT feature_id, feature_key, feature_type, value, usage_limit, period_type
			FROM tier_with_features($1)`, tierID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tier features: %w", err)
	}
	defer rows.Close()

	out := &membership.TierWithFeatures{Tier: *t, Features: []membership.TierFeature{}}
	for rows.Next() {
		tf := membership.TierFeature{TierID: tierID}
		if err := scanTierFeature(rows, &tf); err != nil {
			return nil, fmt.Errorf("failed to scan tier feature: %w", err)
		}
		out.Features = append(out.Features, tf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tier features: %w", err)
	}
	return out, nil
}

// ListTiers implements membership.ReferenceRepo
func (r reference) ListTiers(ctx context.Context, activeOnly bool) ([]membership.Tier, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+tierColumns+` FROM tiers WHERE is_active OR NOT $1 ORDER BY sort_order, name`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	defer rows.Close()

	out := []membership.Tier{}
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	return out, nil
}

// GetFeature implements membership.ReferenceRepo
func (r reference) GetFeature(ctx context.Context, key string) (*membership.Feature, error) {
	var (
		f   membership.Feature
		typ string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, key, display_name, type, default_value, is_active FROM features WHERE key = $1`, key).
		Scan(&f.ID, &f.Key, &f.DisplayName, &typ, &f.DefaultValue, &f.IsActive)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature: %w", err)
	}
	f.Type = membership.FeatureType(typ)
	return &f, nil
}

// The reads below are shared by both repositories; the user repository runs them
// inside a transaction scoped to the caller.

const membershipColumns = `m.user_id, m.tier_id, t.name, m.status, m.billing_cycle, m.started_at,
	m.expires_at, m.cancelled_at, m.trial_starts_at, m.trial_ends_at, m.has_used_trial,
	m.stripe_subscription_id, m.stripe_price_id, m.current_period_start, m.current_period_end,
	m.cancel_at_period_end, m.last_payment_at, m.last_payment_amount, m.last_payment_currency,
	m.latest_invoice_status, m.created_at, m.updated_at`

func getMembership(ctx context.Context, q querier, userID string) (*membership.Membership, error) {
	var (
		m             membership.Membership
		status, cycle string
	)
	err := q.QueryRow(ctx,
		`SELECT `+membershipColumns+`
			FROM memberships m JOIN tiers t ON t.id = m.tier_id
			WHERE m.user_id = $1`, userID).Scan(
		&m.UserID, &m.TierID, &m.TierName, &status, &cycle, &m.StartedAt,
		&m.ExpiresAt, &m.CancelledAt, &m.TrialStartsAt, &m.TrialEndsAt, &m.HasUsedTrial,
		&m.StripeSubscriptionID, &m.StripePriceID, &m.CurrentPeriodStart, &m.CurrentPeriodEnd,
		&m.CancelAtPeriodEnd, &m.LastPaymentAt, &m.LastPaymentAmount, &m.LastPaymentCurrency,
		&m.LatestInvoiceStatus, &m.CreatedAt, &m.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	m.Status = membership.Status(status)
	m.BillingCycle = membership.BillingCycle(cycle)
	return &m, nil
}

const usageColumns = `user_id, feature_key, current_usage, usage_limit, period_type, period_start,
	period_end, updated_at`

func scanUsage(row scanner) (*membership.UsageTracking, error) {
	var (
		u      membership.UsageTracking
		period string
	)
	if err := row.Scan(&u.UserID, &u.FeatureKey, &u.CurrentUsage, &u.UsageLimit, &period,
		&u.PeriodStart, &u.PeriodEnd, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.PeriodType = membership.PeriodType(period)
	return &u, nil
}

func collectUsage(rows pgx.Rows) ([]membership.UsageTracking, error) {
	defer rows.Close()
	var out []membership.UsageTracking
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	return out, nil
}

func getUsage(ctx context.Context, q querier, userID, featureKey string) (*membership.UsageTracking, error) {
	u, err := scanUsage(q.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM usage_tracking WHERE user_id = $1 AND feature_key = $2`,
		userID, featureKey))
	if isNoRows(err) {
		return nil, nil // No usage yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return u, nil
}

func listUsage(ctx context.Context, q querier, userID string) ([]membership.UsageTracking, error) {
	rows, err := q.Query(ctx,
		`SELECT `+usageColumns+` FROM usage_tracking WHERE user_id = $1 ORDER BY feature_key`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return collectUsage(rows)
}

func getProfile(ctx context.Context, q querier, userID string) (*membership.UserProfile, error) {
	var p membership.UserProfile
	err := q.QueryRow(ctx,
		`SELECT user_id, email, COALESCE(stripe_customer_id, '') FROM user_profiles WHERE user_id = $1`,
		userID).Scan(&p.UserID, &p.Email, &p.StripeCustomerID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

func listPayments(ctx context.Context, q querier, userID string, limit int) ([]membership.PaymentHistory, error) {
	rows, err := q.Query(ctx,
		`SELECT id, user_id, amount, currency, status, stripe_invoice_id, stripe_subscription_id,
				stripe_payment_intent_id, description, failure_reason, paid_at, created_at
			FROM payment_history
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT NULLIF($2, 0)`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	out := []membership.PaymentHistory{}
	for rows.Next() {
		var (
			p      membership.PaymentHistory
			status string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Amount, &p.Currency, &status, &p.StripeInvoiceID,
			&p.StripeSubscriptionID, &p.StripePaymentIntentID, &p.Description, &p.FailureReason,
			&p.PaidAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Status = membership.PaymentStatus(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return out, nil
}
