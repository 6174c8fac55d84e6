package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

func counting(name string, calls *atomic.Int32, err error) Job {
	return Job{Name: name, Run: func(context.Context) (int, error) {
		calls.Add(1)
		return 1, err
	}}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, membership.ErrInvalidConfig)

	_, err = New(Config{Jobs: []Job{{Name: "x"}}})
	assert.ErrorIs(t, err, membership.ErrInvalidConfig)

	_, err = New(Config{Jobs: []Job{{Name: "x", Run: func(context.Context) (int, error) { return 0, nil }}}, Interval: -time.Second})
	assert.ErrorIs(t, err, membership.ErrInvalidConfig)

	s, err := New(Config{Jobs: []Job{{Name: "x", Run: func(context.Context) (int, error) { return 0, nil }}}})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, s.interval)
	assert.Equal(t, DefaultInterval, s.timeout)
}

func TestRun_TicksEveryJobUntilCanceled(t *testing.T) {
	var a, b atomic.Int32
	s, err := New(Config{
		Jobs:     []Job{counting("a", &a, nil), counting("b", &b, errors.New("store down"))},
		Interval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// A failing job keeps being retried on the next tick
	require.Eventually(t, func() bool { return a.Load() >= 3 && b.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRun_FirstRunIsImmediate(t *testing.T) {
	var calls atomic.Int32
	s, err := New(Config{Jobs: []Job{counting("a", &calls, nil)}, Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestRun_JobTimeout(t *testing.T) {
	deadline := make(chan bool, 1)
	s, err := New(Config{
		Jobs: []Job{{Name: "slow", Run: func(ctx context.Context) (int, error) {
			_, ok := ctx.Deadline()
			select {
			case deadline <- ok:
			default:
			}
			<-ctx.Done()
			return 0, ctx.Err()
		}}},
		Interval: time.Hour,
		Timeout:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	select {
	case ok := <-deadline:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
}
