package gate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/gate"
	"github.com/mihaimyh/gomembership/pkg/gate/gatetest"
	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/pkg/outbox"
)

type failingAuth struct{ err error }

func (f failingAuth) Authenticate(context.Context, string) (*membership.Identity, error) {
	return nil, f.err
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := gate.New(gate.Config{})
	assert.ErrorIs(t, err, membership.ErrInvalidConfig)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":    "abc",
		"bearer abc ":   "abc",
		"  Bearer  abc": "abc",
		"Basic abc":     "",
		"Bearer":        "",
		"":              "",
	}
	for header, want := range cases {
		assert.Equal(t, want, gate.BearerToken(header), header)
	}
}

func TestIdentify(t *testing.T) {
	env := gatetest.New(t)
	ctx := context.Background()

	id, err := env.Gate.Identify(ctx, env.Auth, "Bearer "+gatetest.ProToken)
	require.NoError(t, err)
	assert.Equal(t, gatetest.ProUser, id.ID)
	assert.Equal(t, gatetest.ProToken, id.Token)

	_, err = env.Gate.Identify(ctx, env.Auth, "")
	assert.ErrorIs(t, err, membership.ErrUnauthenticated)

	_, err = env.Gate.Identify(ctx, env.Auth, "Bearer unknown")
	assert.ErrorIs(t, err, membership.ErrUnauthenticated)

	_, err = env.Gate.Identify(ctx, failingAuth{err: errors.New("dial tcp: refused")}, "Bearer x")
	assert.ErrorIs(t, err, membership.ErrUpstream)
}

func TestCheckFeature(t *testing.T) {
	env := gatetest.New(t)
	ctx := context.Background()

	require.NoError(t, env.Gate.CheckFeature(ctx, gatetest.ProUser, "priority_support"))

	err := env.Gate.CheckFeature(ctx, gatetest.FreeUser, "priority_support")
	var denied *membership.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, membership.DeniedFeature, denied.Reason)
	assert.Equal(t, "priority_support", denied.FeatureKey)
	assert.Equal(t, gatetest.UpgradeURL, denied.UpgradeHint)
	assert.ErrorIs(t, err, membership.ErrAccessDenied)

	assert.Error(t, env.Gate.CheckFeature(ctx, gatetest.FreeUser, "no_such_feature"))
	assert.Error(t, env.Gate.CheckFeature(ctx, "stranger", "analytics"), "no membership, no features")
}

func TestCheckLimit(t *testing.T) {
	env := gatetest.New(t)
	ctx := context.Background()

	require.NoError(t, env.Gate.CheckLimit(ctx, gatetest.FreeUser, "exports"))

	env.Exhaust(t, gatetest.FreeUser, "exports")
	err := env.Gate.CheckLimit(ctx, gatetest.FreeUser, "exports")
	var denied *membership.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.ErrorIs(t, err, membership.ErrLimitExceeded)
	require.NotNil(t, denied.Usage)
	assert.Equal(t, int64(1), denied.Usage.CurrentUsage)
	assert.Equal(t, int64(1), denied.Usage.UsageLimit)
	assert.True(t, denied.Usage.IsExceeded)

	// Unlimited on pro
	env.Exhaust(t, gatetest.ProUser, "exports")
	require.NoError(t, env.Gate.CheckLimit(ctx, gatetest.ProUser, "exports"))
}

func TestCheckTier(t *testing.T) {
	env := gatetest.New(t)
	ctx := context.Background()

	require.NoError(t, env.Gate.CheckTier(ctx, gatetest.ProUser, "premium", "pro"))

	err := env.Gate.CheckTier(ctx, gatetest.FreeUser, "premium", "pro")
	var denied *membership.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, membership.DeniedTier, denied.Reason)

	env.SetStatus(t, gatetest.ProUser, membership.StatusPastDue)
	assert.Error(t, env.Gate.CheckTier(ctx, gatetest.ProUser, "pro"), "past_due is not entitled")

	env.SetStatus(t, gatetest.ProUser, membership.StatusTrial)
	assert.NoError(t, env.Gate.CheckTier(ctx, gatetest.ProUser, "pro"))

	assert.Error(t, env.Gate.CheckTier(ctx, "stranger", "free"))
}

func TestScheduleIncrement(t *testing.T) {
	env := gatetest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env.Gate.ScheduleIncrement(ctx, gatetest.FreeUser, "api_calls", 3)
	assert.Equal(t, []outbox.UsageIncrement{{UserID: gatetest.FreeUser, FeatureKey: "api_calls", Amount: 3}},
		env.Queue.Increments(t))

	// A failing queue is swallowed.
	env.Queue.Err = outbox.ErrQueueFull
	assert.NotPanics(t, func() { env.Gate.ScheduleIncrement(ctx, gatetest.FreeUser, "api_calls", 1) })
	assert.Len(t, env.Queue.Increments(t), 1)
}
