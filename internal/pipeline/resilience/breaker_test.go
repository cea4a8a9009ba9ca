package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("test error")

func fail(context.Context) (int, error) { return 0, errTest }
func ok(context.Context) (int, error)   { return 1, nil }

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker("generation", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := Call(ctx, b, 0, fail)
		assert.ErrorIs(t, err, errTest)
		assert.Equal(t, Closed, b.State())
	}
	_, err := Call(ctx, b, 0, fail)
	assert.ErrorIs(t, err, errTest)
	assert.Equal(t, Open, b.State())

	_, err = Call(ctx, b, 0, ok)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, int64(1), b.Stats().Rejections)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker("retrieval", BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	ctx := context.Background()

	_, _ = Call(ctx, b, 0, fail)
	_, err := Call(ctx, b, 0, ok)
	require.NoError(t, err)
	_, _ = Call(ctx, b, 0, fail)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker("generation", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = Call(ctx, b, 0, fail)
	require.Equal(t, Open, b.State())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, HalfOpen, b.State())

	_, err := Call(ctx, b, 0, fail)
	assert.ErrorIs(t, err, errTest)
	assert.Equal(t, Open, b.State(), "failed probe reopens")

	now = now.Add(2 * time.Minute)
	v, err := Call(ctx, b, 0, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker("x", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	_, _ = Call(context.Background(), b, 0, fail)
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
}

func TestCall_TimeoutIsCollaboratorFailure(t *testing.T) {
	b := NewBreaker("generation", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	_, err := Call(context.Background(), b, 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Open, b.State())
}

func TestCall_CallerCancellationIsNeutral(t *testing.T) {
	b := NewBreaker("generation", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := Call(ctx, b, time.Minute, func(callCtx context.Context) (int, error) {
		cancel()
		<-callCtx.Done()
		return 0, callCtx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Closed, b.State())
}

func TestCall_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := Call(ctx, nil, 0, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig())
	a := r.Get("generation")
	assert.Same(t, a, r.Get("generation"))
	assert.NotSame(t, a, r.Get("retrieval"))

	stats := r.Stats()
	assert.Len(t, stats, 2)
	assert.Equal(t, "closed", stats["generation"].State)
}
