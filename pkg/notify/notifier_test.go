package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/pkg/outbox"
)

type captureQueue struct {
	tasks []outbox.Task
	err   error
}

func (q *captureQueue) Enqueue(_ context.Context, t outbox.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *captureQueue) Close(context.Context) error { return nil }

type captureSender struct {
	mu   sync.Mutex
	sent []Message
}

func (s *captureSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

type profiles map[string]string

func (p profiles) GetProfile(_ context.Context, userID string) (*membership.UserProfile, error) {
	email, ok := p[userID]
	if !ok {
		return nil, nil
	}
	return &membership.UserProfile{UserID: userID, Email: email}, nil
}

func setup(t *testing.T) (*Notifier, *captureQueue, *captureSender, *outbox.Mux) {
	t.Helper()
	q := &captureQueue{}
	s := &captureSender{}
	n := New(q, s, profiles{"u2": "u2@example.com"}, Options{AppName: "Acme", UpgradeURL: "https://acme.test/pricing"})
	mux := outbox.NewMux(nil)
	n.Register(mux)
	return n, q, s, mux
}

func TestNotifier_TrialStartedUsesIdentityEmail(t *testing.T) {
	n, q, s, mux := setup(t)

	ends := time.Now().Add(membership.TrialDuration)
	ctx := membership.WithIdentity(context.Background(), &membership.Identity{ID: "u1", Email: "u1@example.com"})
	n.OnTrialStarted(ctx, &membership.Membership{UserID: "u1", TrialEndsAt: &ends})

	require.Len(t, q.tasks, 1)
	assert.Equal(t, KindTrialStarted, q.tasks[0].Kind)

	require.NoError(t, mux.Dispatch(context.Background(), q.tasks[0]))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "u1@example.com", s.sent[0].To)
	assert.Equal(t, "Your Acme trial has started", s.sent[0].Subject)
	assert.Contains(t, s.sent[0].Text, "14 days")
	assert.Equal(t, KindTrialStarted, s.sent[0].Tag)
}

func TestNotifier_PaymentFailedFallsBackToProfile(t *testing.T) {
	n, q, s, mux := setup(t)

	n.OnPaymentFailed(context.Background(), "u2", &membership.PaymentHistory{
		Amount: 29.99, Currency: "usd", FailureReason: "card_declined",
	})
	require.Len(t, q.tasks, 1)
	require.NoError(t, mux.Dispatch(context.Background(), q.tasks[0]))

	require.Len(t, s.sent, 1)
	assert.Equal(t, "u2@example.com", s.sent[0].To)
	assert.Contains(t, s.sent[0].Text, "29.99 usd")
	assert.Contains(t, s.sent[0].Text, "card_declined")
}

func TestNotifier_OtherCallerIdentityIsNotRecipient(t *testing.T) {
	n, q, s, mux := setup(t)

	// An admin running the expiry sweep
	ctx := membership.WithIdentity(context.Background(), &membership.Identity{ID: "admin", Email: "ops@acme.test"})
	n.OnTrialExpired(ctx, "u2")
	n.OnTrialExpired(ctx, "ghost")

	require.Len(t, q.tasks, 2)
	for _, task := range q.tasks {
		require.NoError(t, mux.Dispatch(context.Background(), task))
	}
	require.Len(t, s.sent, 1)
	assert.Equal(t, "u2@example.com", s.sent[0].To)
}

func TestNotifier_SkipsUnknownRecipient(t *testing.T) {
	n, q, s, mux := setup(t)

	n.OnTrialExpired(context.Background(), "ghost")
	require.Len(t, q.tasks, 1)
	require.NoError(t, mux.Dispatch(context.Background(), q.tasks[0]))
	assert.Empty(t, s.sent)
}

func TestNotifier_TrialExpiredIncludesUpgradeLink(t *testing.T) {
	n, q, s, mux := setup(t)

	n.OnTrialExpired(context.Background(), "u2")
	require.NoError(t, mux.Dispatch(context.Background(), q.tasks[0]))
	require.Len(t, s.sent, 1)
	assert.Contains(t, s.sent[0].HTML, "https://acme.test/pricing")
}

func TestNotifier_EnqueueFailureIsSwallowed(t *testing.T) {
	n, q, _, _ := setup(t)
	q.err = errors.New("queue down")

	assert.NotPanics(t, func() {
		n.OnTrialExpired(context.Background(), "u2")
	})
	assert.Empty(t, q.tasks)
}

func TestNewPostmarkSender(t *testing.T) {
	_, err := NewPostmarkSender(PostmarkConfig{From: "billing@example.com"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewPostmarkSender(PostmarkConfig{ServerToken: "server"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	s, err := NewPostmarkSender(PostmarkConfig{ServerToken: "server", AccountToken: "account", From: "billing@example.com"})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestLogSender(t *testing.T) {
	s := &LogSender{}
	assert.NoError(t, s.Send(context.Background(), Message{To: "x@example.com"}))
}
