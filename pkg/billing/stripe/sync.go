package stripe

import (
	"context"
	"time"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// SyncUser re-reads the user's current subscription from Stripe and applies it as if a
// subscription.updated event had arrived. A canceled subscription downgrades to free.
func (p *Provider) SyncUser(ctx context.Context, userID string) (*membership.Membership, error) {
	start := time.Now()
	m, err := p.sync(ctx, userID)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordUserSync(providerName, status)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(start))
	return m, err
}

func (p *Provider) sync(ctx context.Context, userID string) (*membership.Membership, error) {
	m, err := p.directory.GetMembership(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m.StripeSubscriptionID == "" {
		return nil, &membership.NotFoundError{Entity: "subscription", Key: userID}
	}

	sub, err := p.api.RetrieveSubscription(ctx, m.StripeSubscriptionID)
	if err != nil {
		return nil, &membership.UpstreamError{Op: "retrieve subscription", Err: err}
	}

	if MapStatus(sub.Status) == membership.StatusCancelled {
		err = p.downgrade(ctx, m)
	} else {
		err = p.applySubscription(ctx, m, sub)
	}
	if err != nil {
		return nil, err
	}
	p.logger.Info("subscription synced",
		membership.F("user_id", userID), membership.F("status", string(m.Status)), membership.F("tier", m.TierName))
	return m, nil
}
