package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// UserRepo implements membership.UserScopedRepo on the restricted pool.
// Every user read runs in a read-only transaction with app.user_id set, so row-level
// security limits it to the caller's rows.
type UserRepo struct {
	reference
	pool *pgxpool.Pool
}

// scoped runs fn in a read-only transaction bound to userID
func (r *UserRepo) scoped(ctx context.Context, userID string, fn func(q querier) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.user_id', $1, true)`, userID); err != nil {
		return fmt.Errorf("failed to scope transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetMembership implements membership.UserScopedRepo
func (r *UserRepo) GetMembership(ctx context.Context, userID string) (m *membership.Membership, err error) {
	err = r.scoped(ctx, userID, func(q querier) error {
		m, err = getMembership(ctx, q, userID)
		return err
	})
	return m, err
}

// GetUsage implements membership.UserScopedRepo
func (r *UserRepo) GetUsage(ctx context.Context, userID, featureKey string) (u *membership.UsageTracking, err error) {
	err = r.scoped(ctx, userID, func(q querier) error {
		u, err = getUsage(ctx, q, userID, featureKey)
		return err
	})
	return u, err
}

// ListUsage implements membership.UserScopedRepo
func (r *UserRepo) ListUsage(ctx context.Context, userID string) (out []membership.UsageTracking, err error) {
	err = r.scoped(ctx, userID, func(q querier) error {
		out, err = listUsage(ctx, q, userID)
		return err
	})
	return out, err
}

// GetFeatureLimitForUser implements membership.UserScopedRepo via the feature_limit_for_user function
func (r *UserRepo) GetFeatureLimitForUser(ctx context.Context, userID, featureKey string) (*membership.TierFeature, error) {
	var tf *membership.TierFeature
	err := r.scoped(ctx, userID, func(q querier) error {
		row := q.QueryRow(ctx,
			`SELECT tier_id, feature_id, feature_key, feature_type, value, usage_limit, period_type
				FROM feature_limit_for_user($1, $2)`, userID, featureKey)
		var (
			out                      membership.TierFeature
			featureType, raw, period string
			usageLimit               *int64
		)
		err := row.Scan(&out.TierID, &out.FeatureID, &out.FeatureKey, &featureType, &raw, &usageLimit, &period)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get feature limit: %w", err)
		}
		if err := resolveTierFeature(&out, featureType, raw, usageLimit, period); err != nil {
			return err
		}
		tf = &out
		return nil
	})
	return tf, err
}

// GetProfile implements membership.UserScopedRepo
func (r *UserRepo) GetProfile(ctx context.Context, userID string) (p *membership.UserProfile, err error) {
	err = r.scoped(ctx, userID, func(q querier) error {
		p, err = getProfile(ctx, q, userID)
		return err
	})
	return p, err
}

// ListPayments implements membership.UserScopedRepo
func (r *UserRepo) ListPayments(ctx context.Context, userID string, limit int) (out []membership.PaymentHistory, err error) {
	err = r.scoped(ctx, userID, func(q querier) error {
		out, err = listPayments(ctx, q, userID, limit)
		return err
	})
	return out, err
}
