// Package notify sends best-effort lifecycle emails. Membership events are turned into
// outbox tasks; delivery happens on the outbox workers and never affects the caller.
package notify

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/pkg/outbox"
)

// Task kinds
const (
	KindTrialStarted  = "notify.trial_started"
	KindTrialExpired  = "notify.trial_expired"
	KindPaymentFailed = "notify.payment_failed"
)

// ProfileReader resolves a user's email when the event carried none
type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*membership.UserProfile, error)
}

type payload struct {
	UserID      string     `json:"user_id"`
	Email       string     `json:"email,omitempty"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`
	Amount      float64    `json:"amount,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Notifier implements membership.EventHandler on top of an outbox queue
type Notifier struct {
	queue      outbox.Queue
	sender     Sender
	profiles   ProfileReader
	logger     membership.Logger
	appName    string
	upgradeURL string
}

var _ membership.EventHandler = (*Notifier)(nil)

// Options configures a Notifier
type Options struct {
	AppName    string
	UpgradeURL string
	Logger     membership.Logger
}

// New creates a Notifier
func New(queue outbox.Queue, sender Sender, profiles ProfileReader, opts Options) *Notifier {
	if opts.Logger == nil {
		opts.Logger = &membership.NoopLogger{}
	}
	if opts.AppName == "" {
		opts.AppName = "gomembership"
	}
	return &Notifier{
		queue:      queue,
		sender:     sender,
		profiles:   profiles,
		logger:     opts.Logger,
		appName:    opts.AppName,
		upgradeURL: opts.UpgradeURL,
	}
}

// Register installs the delivery handlers on mux
func (n *Notifier) Register(mux *outbox.Mux) {
	mux.Handle(KindTrialStarted, n.deliver(n.trialStarted))
	mux.Handle(KindTrialExpired, n.deliver(n.trialExpired))
	mux.Handle(KindPaymentFailed, n.deliver(n.paymentFailed))
}

// OnTrialStarted implements membership.EventHandler
func (n *Notifier) OnTrialStarted(ctx context.Context, m *membership.Membership) {
	n.enqueue(ctx, KindTrialStarted, payload{UserID: m.UserID, Email: emailFrom(ctx, m.UserID), TrialEndsAt: m.TrialEndsAt})
}

// OnTrialExpired implements membership.EventHandler
func (n *Notifier) OnTrialExpired(ctx context.Context, userID string) {
	n.enqueue(ctx, KindTrialExpired, payload{UserID: userID, Email: emailFrom(ctx, userID)})
}

// OnPaymentFailed implements membership.EventHandler
func (n *Notifier) OnPaymentFailed(ctx context.Context, userID string, p *membership.PaymentHistory) {
	pl := payload{UserID: userID, Email: emailFrom(ctx, userID)}
	if p != nil {
		pl.Amount, pl.Currency, pl.Reason = p.Amount, p.Currency, p.FailureReason
	}
	n.enqueue(ctx, KindPaymentFailed, pl)
}

// emailFrom uses the caller's identity only when the event is about that caller.
// Admin sweeps carry the admin's identity; their recipients come from the profile.
func emailFrom(ctx context.Context, userID string) string {
	if id := membership.IdentityFromContext(ctx); id != nil && id.ID == userID {
		return id.Email
	}
	return ""
}

func (n *Notifier) enqueue(ctx context.Context, kind string, p payload) {
	t, err := outbox.NewTask(kind, p)
	if err == nil {
		err = n.queue.Enqueue(ctx, t)
	}
	if err != nil {
		n.logger.Warn("notification dropped",
			membership.F("kind", kind), membership.F("user_id", p.UserID), membership.F("error", err))
	}
}

func (n *Notifier) deliver(render func(p payload) Message) outbox.Handler {
	return func(ctx context.Context, t outbox.Task) error {
		var p payload
		if err := t.Decode(&p); err != nil {
			return err
		}
		if p.Email == "" && n.profiles != nil {
			profile, err := n.profiles.GetProfile(ctx, p.UserID)
			if err != nil {
				return fmt.Errorf("failed to load profile: %w", err)
			}
			if profile != nil {
				p.Email = profile.Email
			}
		}
		if p.Email == "" {
			n.logger.Debug("no email on file, skipping notification",
				membership.F("kind", t.Kind), membership.F("user_id", p.UserID))
			return nil
		}
		msg := render(p)
		msg.To = p.Email
		msg.Tag = t.Kind
		return n.sender.Send(ctx, msg)
	}
}

func (n *Notifier) trialStarted(p payload) Message {
	days := int(membership.TrialDuration.Hours() / 24)
	if p.TrialEndsAt != nil {
		days = int(math.Ceil(time.Until(*p.TrialEndsAt).Hours() / 24))
	}
	return Message{
		Subject: fmt.Sprintf("Your %s trial has started", n.appName),
		Text:    fmt.Sprintf("Your trial is active for the next %d days. Enjoy every feature of the trial tier.", days),
		HTML:    fmt.Sprintf("<p>Your trial is active for the next <strong>%d days</strong>. Enjoy every feature of the trial tier.</p>", days),
	}
}

func (n *Notifier) trialExpired(payload) Message {
	text := "Your trial has ended and your account is back on the free tier."
	html := "<p>" + text + "</p>"
	if n.upgradeURL != "" {
		text += " Upgrade any time: " + n.upgradeURL
		html += fmt.Sprintf(`<p><a href="%s">Upgrade</a></p>`, n.upgradeURL)
	}
	return Message{
		Subject: fmt.Sprintf("Your %s trial has ended", n.appName),
		Text:    text,
		HTML:    html,
	}
}

func (n *Notifier) paymentFailed(p payload) Message {
	amount := fmt.Sprintf("%.2f %s", p.Amount, p.Currency)
	reason := p.Reason
	if reason == "" {
		reason = "the payment was declined"
	}
	return Message{
		Subject: fmt.Sprintf("Payment failed for your %s subscription", n.appName),
		Text:    fmt.Sprintf("We could not collect %s: %s. Please update your payment method.", amount, reason),
		HTML:    fmt.Sprintf("<p>We could not collect <strong>%s</strong>: %s.</p><p>Please update your payment method.</p>", amount, reason),
	}
}
