package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// SystemRepo implements membership.SystemRepo on the owner pool
type SystemRepo struct {
	reference
	pool *pgxpool.Pool
}

// CreateTier implements membership.SystemRepo
func (r *SystemRepo) CreateTier(ctx context.Context, t *membership.Tier) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("invalid tier")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tiers (id, name, display_name, price_monthly, price_yearly, stripe_price_monthly,
				stripe_price_yearly, is_active, is_default, sort_order, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Name, t.DisplayName, t.PriceMonthly, t.PriceYearly, t.StripePriceMonthly,
		t.StripePriceYearly, t.IsActive, t.IsDefault, t.SortOrder, t.CreatedAt, t.UpdatedAt)
	if isDuplicateKey(err) {
		return fmt.Errorf("tier %s already exists: %w", t.Name, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create tier: %w", err)
	}
	return nil
}

// UpdateTier implements membership.SystemRepo
func (r *SystemRepo) UpdateTier(ctx context.Context, t *membership.Tier) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tiers SET display_name = $2, price_monthly = $3, price_yearly = $4,
				stripe_price_monthly = $5, stripe_price_yearly = $6, is_active = $7, is_default = $8,
				sort_order = $9, updated_at = $10
			WHERE id = $1`,
		t.ID, t.DisplayName, t.PriceMonthly, t.PriceYearly, t.StripePriceMonthly, t.StripePriceYearly,
		t.IsActive, t.IsDefault, t.SortOrder, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tier %s does not exist", t.ID)
	}
	return nil
}

// UpsertFeature implements membership.SystemRepo
func (r *SystemRepo) UpsertFeature(ctx context.Context, f *membership.Feature) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO features (id, key, display_name, type, default_value, is_active)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (key) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				type = EXCLUDED.type,
				default_value = EXCLUDED.default_value,
				is_active = EXCLUDED.is_active
			RETURNING id`,
		f.ID, f.Key, f.DisplayName, string(f.Type), f.DefaultValue, f.IsActive).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert feature: %w", err)
	}
	return nil
}

// BindTierFeature implements membership.SystemRepo
func (r *SystemRepo) BindTierFeature(ctx context.Context, tierID, featureKey, value string,
	usageLimit *int64, period membership.PeriodType) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO tier_features (tier_id, feature_id, value, usage_limit, period_type)
			SELECT $1, f.id, $3, $4, $5 FROM features f WHERE f.key = $2
			ON CONFLICT (tier_id, feature_id) DO UPDATE SET
				value = EXCLUDED.value,
				usage_limit = EXCLUDED.usage_limit,
				period_type = EXCLUDED.period_type`,
		tierID, featureKey, value, usageLimit, string(period))
	if isForeignKeyViolation(err) {
		return fmt.Errorf("tier %s does not exist: %w", tierID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to bind tier feature: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("feature %s does not exist", featureKey)
	}
	return nil
}

// GetMembership implements membership.SystemRepo
func (r *SystemRepo) GetMembership(ctx context.Context, userID string) (*membership.Membership, error) {
	return getMembership(ctx, r.pool, userID)
}

const membershipInsert = `INSERT INTO memberships (user_id, tier_id, status, billing_cycle, started_at,
		expires_at, cancelled_at, trial_starts_at, trial_ends_at, has_used_trial, stripe_subscription_id,
		stripe_price_id, current_period_start, current_period_end, cancel_at_period_end, last_payment_at,
		last_payment_amount, last_payment_currency, latest_invoice_status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

func membershipArgs(m *membership.Membership) []any {
	return []any{
		m.UserID, m.TierID, string(m.Status), string(m.BillingCycle), m.StartedAt,
		m.ExpiresAt, m.CancelledAt, m.TrialStartsAt, m.TrialEndsAt, m.HasUsedTrial, m.StripeSubscriptionID,
		m.StripePriceID, m.CurrentPeriodStart, m.CurrentPeriodEnd, m.CancelAtPeriodEnd, m.LastPaymentAt,
		m.LastPaymentAmount, m.LastPaymentCurrency, m.LatestInvoiceStatus, m.CreatedAt, m.UpdatedAt,
	}
}

// InsertMembership implements membership.SystemRepo
func (r *SystemRepo) InsertMembership(ctx context.Context, m *membership.Membership) (bool, error) {
	if m == nil || m.UserID == "" {
		return false, fmt.Errorf("invalid membership")
	}
	tag, err := r.pool.Exec(ctx, membershipInsert+` ON CONFLICT (user_id) DO NOTHING`, membershipArgs(m)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert membership: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveMembership implements membership.SystemRepo. created_at is kept and
// has_used_trial only ever moves to true.
func (r *SystemRepo) SaveMembership(ctx context.Context, m *membership.Membership) error {
	if m == nil || m.UserID == "" {
		return fmt.Errorf("invalid membership")
	}
	_, err := r.pool.Exec(ctx, membershipInsert+`
		ON CONFLICT (user_id) DO UPDATE SET
			tier_id = EXCLUDED.tier_id,
			status = EXCLUDED.status,
			billing_cycle = EXCLUDED.billing_cycle,
			started_at = EXCLUDED.started_at,
			expires_at = EXCLUDED.expires_at,
			cancelled_at = EXCLUDED.cancelled_at,
			trial_starts_at = EXCLUDED.trial_starts_at,
			trial_ends_at = EXCLUDED.trial_ends_at,
			has_used_trial = memberships.has_used_trial OR EXCLUDED.has_used_trial,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			stripe_price_id = EXCLUDED.stripe_price_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			last_payment_at = EXCLUDED.last_payment_at,
			last_payment_amount = EXCLUDED.last_payment_amount,
			last_payment_currency = EXCLUDED.last_payment_currency,
			latest_invoice_status = EXCLUDED.latest_invoice_status,
			updated_at = EXCLUDED.updated_at`,
		membershipArgs(m)...)
	if err != nil {
		return fmt.Errorf("failed to save membership: %w", err)
	}
	return nil
}

// StartTrial implements membership.SystemRepo
func (r *SystemRepo) StartTrial(ctx context.Context, userID, trialTierID string, now, endsAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE memberships SET tier_id = $2, status = 'trial', trial_starts_at = $3, trial_ends_at = $4,
				has_used_trial = TRUE, started_at = $3, updated_at = $3
			WHERE user_id = $1 AND NOT has_used_trial AND status <> 'trial'`,
		userID, trialTierID, now, endsAt)
	if err != nil {
		return false, fmt.Errorf("failed to start trial: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireTrial implements membership.SystemRepo
func (r *SystemRepo) ExpireTrial(ctx context.Context, userID, freeTierID string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE memberships SET tier_id = $2, status = 'active', updated_at = $3
			WHERE user_id = $1 AND status = 'trial' AND trial_ends_at < $3`,
		userID, freeTierID, now)
	if err != nil {
		return false, fmt.Errorf("failed to expire trial: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireTrials implements membership.SystemRepo
func (r *SystemRepo) ExpireTrials(ctx context.Context, freeTierID string, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE memberships SET tier_id = $1, status = 'active', updated_at = $2
			WHERE status = 'trial' AND trial_ends_at < $2
			RETURNING user_id`,
		freeTierID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire trials: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan expired trial: %w", err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to expire trials: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// GetUsage implements membership.SystemRepo
func (r *SystemRepo) GetUsage(ctx context.Context, userID, featureKey string) (*membership.UsageTracking, error) {
	return getUsage(ctx, r.pool, userID, featureKey)
}

// ListUsage implements membership.SystemRepo
func (r *SystemRepo) ListUsage(ctx context.Context, userID string) ([]membership.UsageTracking, error) {
	return listUsage(ctx, r.pool, userID)
}

// UpsertUsage implements membership.SystemRepo
func (r *SystemRepo) UpsertUsage(ctx context.Context, u *membership.UsageTracking) error {
	if u == nil || u.UserID == "" || u.FeatureKey == "" {
		return fmt.Errorf("invalid usage")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO usage_tracking (`+usageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, feature_key) DO UPDATE SET
				current_usage = EXCLUDED.current_usage,
				usage_limit = EXCLUDED.usage_limit,
				period_type = EXCLUDED.period_type,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				updated_at = EXCLUDED.updated_at`,
		u.UserID, u.FeatureKey, u.CurrentUsage, u.UsageLimit, string(u.PeriodType), u.PeriodStart,
		u.PeriodEnd, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert usage: %w", err)
	}
	return nil
}

// UpdateUsageLimit implements membership.SystemRepo
func (r *SystemRepo) UpdateUsageLimit(ctx context.Context, userID, featureKey string, limit int64,
	period membership.PeriodType) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE usage_tracking SET usage_limit = $3, period_type = $4, updated_at = NOW()
			WHERE user_id = $1 AND feature_key = $2`,
		userID, featureKey, limit, string(period))
	if err != nil {
		return false, fmt.Errorf("failed to update usage limit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddUsage implements membership.SystemRepo in a single statement; the counter is
// floored at zero
func (r *SystemRepo) AddUsage(ctx context.Context, userID, featureKey string, delta int64) (*membership.UsageTracking, error) {
	u, err := scanUsage(r.pool.QueryRow(ctx,
		`UPDATE usage_tracking SET current_usage = GREATEST(0, current_usage + $3), updated_at = NOW()
			WHERE user_id = $1 AND feature_key = $2
			RETURNING `+usageColumns,
		userID, featureKey, delta))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add usage: %w", err)
	}
	return u, nil
}

// ResetUsagePeriod implements membership.SystemRepo. The period_end guard makes
// concurrent rollovers of the same window apply once.
func (r *SystemRepo) ResetUsagePeriod(ctx context.Context, userID, featureKey string, expectedEnd time.Time,
	start time.Time, end *time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE usage_tracking SET current_usage = 0, period_start = $4, period_end = $5, updated_at = $4
			WHERE user_id = $1 AND feature_key = $2 AND period_end = $3`,
		userID, featureKey, expectedEnd, start, end)
	if err != nil {
		return false, fmt.Errorf("failed to reset usage period: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetUsage implements membership.SystemRepo
func (r *SystemRepo) ResetUsage(ctx context.Context, userID, featureKey string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE usage_tracking SET current_usage = 0, updated_at = NOW()
			WHERE user_id = $1 AND feature_key = $2`,
		userID, featureKey)
	if err != nil {
		return false, fmt.Errorf("failed to reset usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListExpiredUsage implements membership.SystemRepo
func (r *SystemRepo) ListExpiredUsage(ctx context.Context, now time.Time) ([]membership.UsageTracking, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+usageColumns+` FROM usage_tracking
			WHERE period_type IN ('daily', 'monthly') AND period_end IS NOT NULL AND period_end < $1
			ORDER BY user_id, feature_key`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired usage: %w", err)
	}
	return collectUsage(rows)
}

// GetProfile implements membership.SystemRepo
func (r *SystemRepo) GetProfile(ctx context.Context, userID string) (*membership.UserProfile, error) {
	return getProfile(ctx, r.pool, userID)
}

// SetStripeCustomerID implements membership.SystemRepo; an existing id is never replaced
func (r *SystemRepo) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_profiles (user_id, stripe_customer_id) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET
				stripe_customer_id = COALESCE(user_profiles.stripe_customer_id, EXCLUDED.stripe_customer_id)`,
		userID, customerID)
	if isDuplicateKey(err) {
		return fmt.Errorf("stripe customer %s belongs to another user: %w", customerID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to set stripe customer id: %w", err)
	}
	return nil
}

// InsertPayment implements membership.SystemRepo. The partial unique index on
// stripe_event_id turns a replayed event into a no-op.
func (r *SystemRepo) InsertPayment(ctx context.Context, p *membership.PaymentHistory) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO payment_history (id, user_id, amount, currency, status, stripe_invoice_id,
				stripe_subscription_id, stripe_payment_intent_id, description, failure_reason, paid_at, created_at,
				stripe_event_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''))
			ON CONFLICT (stripe_event_id) WHERE stripe_event_id IS NOT NULL DO NOTHING`,
		p.ID, p.UserID, p.Amount, p.Currency, string(p.Status), p.StripeInvoiceID, p.StripeSubscriptionID,
		p.StripePaymentIntentID, p.Description, p.FailureReason, p.PaidAt, p.CreatedAt, p.StripeEventID)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertWebhookEvent implements membership.SystemRepo
func (r *SystemRepo) InsertWebhookEvent(ctx context.Context, e *membership.WebhookEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// JSONB column takes the payload as text; NULL when absent
	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_events (id, external_id, type, payload, processed, processed_at,
				error_message, retry_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ExternalID, e.Type, payload, e.Processed, e.ProcessedAt, e.ErrorMessage, e.RetryCount, e.CreatedAt)
	if isDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return true, nil
}

// GetWebhookEvent implements membership.SystemRepo
func (r *SystemRepo) GetWebhookEvent(ctx context.Context, externalID string) (*membership.WebhookEvent, error) {
	var (
		e       membership.WebhookEvent
		payload []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, external_id, type, payload, processed, processed_at, error_message, retry_count, created_at
			FROM webhook_events WHERE external_id = $1`, externalID).Scan(
		&e.ID, &e.ExternalID, &e.Type, &payload, &e.Processed, &e.ProcessedAt, &e.ErrorMessage,
		&e.RetryCount, &e.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	e.Payload = payload
	return &e, nil
}

// MarkWebhookProcessed implements membership.SystemRepo
func (r *SystemRepo) MarkWebhookProcessed(ctx context.Context, externalID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET processed = TRUE, processed_at = $2, error_message = ''
			WHERE external_id = $1`, externalID, at)
	if err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s not logged", externalID)
	}
	return nil
}

// MarkWebhookFailed implements membership.SystemRepo
func (r *SystemRepo) MarkWebhookFailed(ctx context.Context, externalID, message string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET error_message = $2, retry_count = retry_count + 1
			WHERE external_id = $1`, externalID, message)
	if err != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s not logged", externalID)
	}
	return nil
}

// Ping implements membership.SystemRepo
func (r *SystemRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
