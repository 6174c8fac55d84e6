package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Reconciler maps verified Stripe events onto memberships, payment history and usage
// limits. Each event is logged by its Stripe id first; an id that was already
// processed is acknowledged without applying its effects again.
type Reconciler struct {
	system    membership.SystemRepo
	directory *membership.Directory
	usage     *membership.UsageEngine
	api       API
	events    membership.EventHandler
	onWebhook billing.WebhookCallback
	logger    membership.Logger
	metrics   billing.Metrics
	clock     membership.Clock
}

// MapStatus converts a Stripe subscription status to a membership status
func MapStatus(status string) membership.Status {
	switch status {
	case "trialing":
		return membership.StatusTrial
	case "past_due":
		return membership.StatusPastDue
	case "canceled":
		return membership.StatusCancelled
	case "unpaid":
		return membership.StatusExpired
	default:
		return membership.StatusActive
	}
}

// ProcessEvent logs, dispatches and settles one event. A handler error is recorded
// against the logged event and returned so the transport answers with a failure and
// Stripe redelivers.
func (r *Reconciler) ProcessEvent(ctx context.Context, event *stripe.Event) error {
	start := time.Now()
	eventType := string(event.Type)
	if event.ID == "" || event.Data == nil {
		return billing.ErrInvalidWebhookPayload
	}

	inserted, err := r.system.InsertWebhookEvent(ctx, &membership.WebhookEvent{
		ExternalID: event.ID,
		Type:       eventType,
		Payload:    event.Data.Raw,
		CreatedAt:  r.clock.Now(),
	})
	if err != nil {
		return &membership.UpstreamError{Op: "log webhook event", Err: err}
	}
	if !inserted {
		logged, err := r.system.GetWebhookEvent(ctx, event.ID)
		if err != nil {
			return &membership.UpstreamError{Op: "get webhook event", Err: err}
		}
		if logged != nil && logged.Processed {
			r.logger.Debug("webhook event already processed",
				membership.F("event_id", event.ID), membership.F("type", eventType))
			r.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
			return nil
		}
	}

	if err := r.dispatch(ctx, event); err != nil {
		if markErr := r.system.MarkWebhookFailed(ctx, event.ID, err.Error()); markErr != nil {
			r.logger.Error("failed to record webhook error",
				membership.F("event_id", event.ID), membership.F("error", markErr))
		}
		r.logger.Error("webhook processing failed",
			membership.F("event_id", event.ID), membership.F("type", eventType), membership.F("error", err))
		r.metrics.RecordWebhookEvent(providerName, eventType, "error")
		r.metrics.RecordWebhookError(providerName, "processing_error")
		r.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
		return err
	}

	// Effects are applied at this point; a retry would duplicate them, so a failed
	// mark is only logged.
	if err := r.system.MarkWebhookProcessed(ctx, event.ID, r.clock.Now()); err != nil {
		r.logger.Error("failed to mark webhook processed",
			membership.F("event_id", event.ID), membership.F("error", err))
	}
	r.metrics.RecordWebhookEvent(providerName, eventType, "success")
	r.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	return nil
}

func (r *Reconciler) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return r.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return r.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return r.handleSubscriptionDeleted(ctx, event)
	case "invoice.paid", "invoice.payment_succeeded":
		return r.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return r.handleInvoicePaymentFailed(ctx, event)
	default:
		r.logger.Info("stripe webhook ignored (unhandled type)",
			membership.F("event_id", event.ID), membership.F("type", string(event.Type)))
		return nil
	}
}

func decode(event *stripe.Event, v interface{}) error {
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %s: %w", billing.ErrInvalidWebhookPayload, event.Type, err)
	}
	return nil
}

func (r *Reconciler) missingMetadata(event *stripe.Event, object, key string) error {
	r.logger.Warn("stripe event missing metadata, skipping",
		membership.F("event_id", event.ID), membership.F("type", string(event.Type)),
		membership.F("object", object), membership.F("key", key))
	return nil
}

// handleCheckoutCompleted upgrades the membership to the purchased tier
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := decode(event, &session); err != nil {
		return err
	}

	userID := session.Metadata[metaUserID]
	tierID := session.Metadata[metaTierID]
	cycle := membership.BillingCycle(session.Metadata[metaBillingCycle])
	switch {
	case userID == "":
		return r.missingMetadata(event, session.ID, metaUserID)
	case tierID == "":
		return r.missingMetadata(event, session.ID, metaTierID)
	case !cycle.Valid():
		return r.missingMetadata(event, session.ID, metaBillingCycle)
	case session.Subscription == nil || session.Subscription.ID == "":
		r.logger.Info("checkout session without subscription, skipping",
			membership.F("event_id", event.ID), membership.F("session_id", session.ID))
		return nil
	}

	if session.Customer != nil && session.Customer.ID != "" {
		if err := r.system.SetStripeCustomerID(ctx, userID, session.Customer.ID); err != nil {
			return &membership.UpstreamError{Op: "set stripe customer id", Err: err}
		}
	}

	sub, err := r.api.RetrieveSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return err
	}
	tier, err := r.directory.Tier(ctx, tierID)
	if err != nil {
		return err
	}
	m, err := r.directory.EnsureMembership(ctx, userID, r.usage)
	if err != nil {
		return err
	}

	previous := m.TierName
	now := r.clock.Now()
	m.TierID, m.TierName = tier.ID, tier.Name
	m.Status = membership.StatusActive
	m.BillingCycle = cycle
	m.StripeSubscriptionID = sub.ID
	m.StripePriceID = sub.PriceID
	m.CurrentPeriodStart = sub.PeriodStart
	m.CurrentPeriodEnd = sub.PeriodEnd
	m.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	m.CancelledAt = nil
	if m.StartedAt == nil {
		m.StartedAt = &now
	}
	m.UpdatedAt = now

	if err := r.save(ctx, m, previous); err != nil {
		return err
	}
	r.logger.Info("checkout completed",
		membership.F("user_id", userID), membership.F("tier", tier.Name), membership.F("billing_cycle", string(cycle)))
	r.notify(ctx, event, previous, m, session.Metadata)
	return nil
}

// handleSubscriptionChanged mirrors status, cancellation flag and period bounds
func (r *Reconciler) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	var payload subscriptionPayload
	if err := decode(event, &payload); err != nil {
		return err
	}
	sub := payload.subscription()
	userID := sub.Metadata[metaUserID]
	if userID == "" {
		return r.missingMetadata(event, sub.ID, metaUserID)
	}

	m, err := r.directory.EnsureMembership(ctx, userID, r.usage)
	if err != nil {
		return err
	}
	previous := m.TierName
	if err := r.applySubscription(ctx, m, sub); err != nil {
		return err
	}
	r.notify(ctx, event, previous, m, sub.Metadata)
	return nil
}

// applySubscription copies the subscription state onto m and persists it. A price
// that belongs to another tier (a plan switch made in the portal) moves the membership
// to that tier.
func (r *Reconciler) applySubscription(ctx context.Context, m *membership.Membership, sub *Subscription) error {
	previous := m.TierName
	now := r.clock.Now()

	m.Status = MapStatus(sub.Status)
	m.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.PeriodStart != nil {
		m.CurrentPeriodStart = sub.PeriodStart
	}
	if sub.PeriodEnd != nil {
		m.CurrentPeriodEnd = sub.PeriodEnd
	}
	if m.StripeSubscriptionID == "" {
		m.StripeSubscriptionID = sub.ID
	}
	if m.Status == membership.StatusCancelled && m.CancelledAt == nil {
		m.CancelledAt = &now
	}

	if sub.PriceID != "" && sub.PriceID != m.StripePriceID {
		m.StripePriceID = sub.PriceID
		tier, cycle, err := r.tierForPrice(ctx, sub.PriceID)
		if err != nil {
			return err
		}
		if tier != nil && tier.ID != m.TierID {
			m.TierID, m.TierName = tier.ID, tier.Name
			m.BillingCycle = cycle
		}
	}
	m.UpdatedAt = now
	return r.save(ctx, m, previous)
}

// tierForPrice finds the tier whose monthly or yearly price is priceID; nil when none is
func (r *Reconciler) tierForPrice(ctx context.Context, priceID string) (*membership.Tier, membership.BillingCycle, error) {
	tiers, err := r.system.ListTiers(ctx, false)
	if err != nil {
		return nil, "", &membership.UpstreamError{Op: "list tiers", Err: err}
	}
	for i := range tiers {
		switch priceID {
		case tiers[i].StripePriceMonthly:
			return &tiers[i], membership.CycleMonthly, nil
		case tiers[i].StripePriceYearly:
			return &tiers[i], membership.CycleYearly, nil
		}
	}
	return nil, "", nil
}

// handleSubscriptionDeleted downgrades to the free tier and clears the subscription fields
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var payload subscriptionPayload
	if err := decode(event, &payload); err != nil {
		return err
	}
	sub := payload.subscription()
	userID := sub.Metadata[metaUserID]
	if userID == "" {
		return r.missingMetadata(event, sub.ID, metaUserID)
	}

	m, err := r.system.GetMembership(ctx, userID)
	if err != nil {
		return &membership.UpstreamError{Op: "get membership", Err: err}
	}
	if m == nil {
		r.logger.Warn("subscription deleted for user without membership", membership.F("user_id", userID))
		return nil
	}
	if m.StripeSubscriptionID != "" && m.StripeSubscriptionID != sub.ID {
		r.logger.Info("ignoring deletion of superseded subscription",
			membership.F("user_id", userID), membership.F("subscription_id", sub.ID))
		return nil
	}

	previous := m.TierName
	if err := r.downgrade(ctx, m); err != nil {
		return err
	}
	r.logger.Info("subscription deleted, downgraded to free", membership.F("user_id", userID))
	r.notify(ctx, event, previous, m, sub.Metadata)
	return nil
}

func (r *Reconciler) downgrade(ctx context.Context, m *membership.Membership) error {
	free, err := r.directory.FreeTier(ctx)
	if err != nil {
		return err
	}
	previous := m.TierName
	now := r.clock.Now()
	m.TierID, m.TierName = free.ID, free.Name
	m.Status = membership.StatusActive
	m.BillingCycle = ""
	m.StripeSubscriptionID = ""
	m.StripePriceID = ""
	m.CurrentPeriodStart = nil
	m.CurrentPeriodEnd = nil
	m.CancelAtPeriodEnd = false
	m.CancelledAt = &now
	m.UpdatedAt = now
	return r.save(ctx, m, previous)
}

// handleInvoicePaid appends a succeeded payment and refreshes the last-payment snapshot
func (r *Reconciler) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	var inv invoicePayload
	if err := decode(event, &inv); err != nil {
		return err
	}
	userID := inv.metadata(metaUserID)
	if userID == "" {
		return r.missingMetadata(event, inv.ID, metaUserID)
	}

	paidAt := inv.paidAt(r.clock.Now())
	payment := &membership.PaymentHistory{
		UserID:                userID,
		Amount:                minorToMajor(inv.AmountPaid),
		Currency:              string(inv.Currency),
		Status:                membership.PaymentSucceeded,
		StripeInvoiceID:       inv.ID,
		StripeSubscriptionID:  inv.subscriptionID(),
		StripePaymentIntentID: inv.paymentIntentID(),
		Description:           inv.Description,
		PaidAt:                &paidAt,
		CreatedAt:             r.clock.Now(),
		StripeEventID:         event.ID,
	}
	inserted, err := r.system.InsertPayment(ctx, payment)
	if err != nil {
		return &membership.UpstreamError{Op: "insert payment", Err: err}
	}
	r.metrics.RecordPayment(providerName, payment.Status, payment.Currency, payment.Amount, !inserted)

	m, err := r.system.GetMembership(ctx, userID)
	if err != nil {
		return &membership.UpstreamError{Op: "get membership", Err: err}
	}
	if m == nil {
		r.logger.Warn("invoice paid for user without membership", membership.F("user_id", userID))
		return nil
	}
	m.LastPaymentAt = &paidAt
	m.LastPaymentAmount = payment.Amount
	m.LastPaymentCurrency = payment.Currency
	m.LatestInvoiceStatus = invoiceStatus(string(inv.Status), "paid")
	if m.Status == membership.StatusPastDue {
		m.Status = membership.StatusActive
	}
	m.UpdatedAt = r.clock.Now()
	if err := r.system.SaveMembership(ctx, m); err != nil {
		return &membership.UpstreamError{Op: "save membership", Err: err}
	}
	r.logger.Info("invoice paid",
		membership.F("user_id", userID), membership.F("amount", payment.Amount), membership.F("currency", payment.Currency))
	return nil
}

// handleInvoicePaymentFailed appends a failed payment and marks the membership past due
func (r *Reconciler) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	var inv invoicePayload
	if err := decode(event, &inv); err != nil {
		return err
	}
	userID := inv.metadata(metaUserID)
	if userID == "" {
		return r.missingMetadata(event, inv.ID, metaUserID)
	}

	payment := &membership.PaymentHistory{
		UserID:                userID,
		Amount:                minorToMajor(inv.AmountDue),
		Currency:              string(inv.Currency),
		Status:                membership.PaymentFailed,
		StripeInvoiceID:       inv.ID,
		StripeSubscriptionID:  inv.subscriptionID(),
		StripePaymentIntentID: inv.paymentIntentID(),
		Description:           inv.Description,
		FailureReason:         inv.failureReason(),
		CreatedAt:             r.clock.Now(),
		StripeEventID:         event.ID,
	}
	m, err := r.system.GetMembership(ctx, userID)
	if err != nil {
		return &membership.UpstreamError{Op: "get membership", Err: err}
	}
	if m != nil {
		m.Status = membership.StatusPastDue
		m.LatestInvoiceStatus = invoiceStatus(string(inv.Status), "open")
		m.UpdatedAt = r.clock.Now()
		if err := r.system.SaveMembership(ctx, m); err != nil {
			return &membership.UpstreamError{Op: "save membership", Err: err}
		}
	}

	// The payment row is written last; it doubles as the record that the user was notified.
	inserted, err := r.system.InsertPayment(ctx, payment)
	if err != nil {
		return &membership.UpstreamError{Op: "insert payment", Err: err}
	}
	r.metrics.RecordPayment(providerName, payment.Status, payment.Currency, payment.Amount, !inserted)
	if !inserted {
		r.logger.Debug("failed payment already recorded", membership.F("event_id", event.ID))
		return nil
	}
	r.logger.Warn("invoice payment failed",
		membership.F("user_id", userID), membership.F("invoice_id", inv.ID), membership.F("reason", payment.FailureReason))
	r.events.OnPaymentFailed(ctx, userID, payment)
	return nil
}

func invoiceStatus(status, fallback string) string {
	if status == "" {
		return fallback
	}
	return status
}

// save persists m and re-derives usage limits when the tier moved
func (r *Reconciler) save(ctx context.Context, m *membership.Membership, previousTier string) error {
	if err := r.system.SaveMembership(ctx, m); err != nil {
		return &membership.UpstreamError{Op: "save membership", Err: err}
	}
	if previousTier == m.TierName {
		return nil
	}
	r.metrics.RecordTierChange(providerName, previousTier, m.TierName)
	return r.usage.UpdateLimitsForTier(ctx, m.UserID, m.TierID)
}

// notify hands the applied change to the optional callback; its failure never fails the event
func (r *Reconciler) notify(ctx context.Context, event *stripe.Event, previousTier string,
	m *membership.Membership, metadata map[string]string) {
	if r.onWebhook == nil {
		return
	}
	err := r.onWebhook(ctx, billing.WebhookEvent{
		UserID:         m.UserID,
		PreviousTier:   previousTier,
		NewTier:        m.TierName,
		Status:         m.Status,
		Provider:       providerName,
		EventID:        event.ID,
		EventType:      string(event.Type),
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
		Metadata:       metadata,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("webhook callback failed",
			membership.F("event_id", event.ID), membership.F("user_id", m.UserID), membership.F("error", err))
	}
}
