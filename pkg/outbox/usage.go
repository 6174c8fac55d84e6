package outbox

import (
	"context"
	"fmt"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// KindUsageIncrement is the task kind of a deferred usage increment
const KindUsageIncrement = "usage.increment"

// UsageIncrement is the payload of a KindUsageIncrement task
type UsageIncrement struct {
	UserID     string `json:"user_id"`
	FeatureKey string `json:"feature_key"`
	Amount     int64  `json:"amount"`
}

// UsageIncrementHandler applies deferred increments through the usage engine
func UsageIncrementHandler(usage *membership.UsageEngine) Handler {
	return func(ctx context.Context, t Task) error {
		var p UsageIncrement
		if err := t.Decode(&p); err != nil {
			return err
		}
		if _, err := usage.Increment(ctx, p.UserID, p.FeatureKey, p.Amount); err != nil {
			return fmt.Errorf("failed to increment %s for %s: %w", p.FeatureKey, p.UserID, err)
		}
		return nil
	}
}
