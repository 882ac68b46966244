package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"futures-session-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"auth code", &models.APIError{Code: 10001, Msg: "invalid signature"}, KindAuth},
		{"rate code", &models.APIError{Code: 10006, Msg: "too many requests"}, KindRateLimit},
		{"transient code", &models.APIError{Code: 10500, Msg: "engine busy"}, KindTransient},
		{"unknown code", &models.APIError{Code: 42, Msg: "weird"}, KindUnknown},
		{"wrapped api error", fmt.Errorf("place order: %w", &models.APIError{Code: 10002, Msg: "bad key"}), KindAuth},
		{"http 429", &HTTPError{Status: 429, Body: "slow down"}, KindRateLimit},
		{"http 401", &HTTPError{Status: 401, Body: "unauthorized"}, KindAuth},
		{"http 403", &HTTPError{Status: 403, Body: "forbidden"}, KindAuth},
		{"http 500", &HTTPError{Status: 500, Body: "boom"}, KindTransient},
		{"http 503", &HTTPError{Status: 503, Body: "unavailable"}, KindTransient},
		{"http 400", &HTTPError{Status: 400, Body: "bad request"}, KindUnknown},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"plain error", errors.New("something odd"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func newTestBreaker(clock *time.Time) *Breaker {
	b := NewBreaker(3, time.Minute, 30*time.Second, zap.NewNop().Sugar())
	b.now = func() time.Time { return *clock }
	return b
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	b := newTestBreaker(&clock)
	fail := errors.New("boom")

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(fail)
		assert.Equal(t, BreakerClosed, b.State())
	}
	require.NoError(t, b.Allow())
	b.Record(fail)
	assert.Equal(t, BreakerOpen, b.State())

	// OPEN rejects immediately, no call admitted.
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreakerRollingWindow(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	b := newTestBreaker(&clock)
	fail := errors.New("boom")

	// Two failures, then let them age out of the window.
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(fail)
	}
	clock = clock.Add(2 * time.Minute)

	// Two more failures: only these are inside the window, so still closed.
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(fail)
	}
	assert.Equal(t, BreakerClosed, b.State())

	require.NoError(t, b.Allow())
	b.Record(fail)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerHalfOpenProbeSuccess(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	b := newTestBreaker(&clock)
	fail := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(fail)
	}
	require.Equal(t, BreakerOpen, b.State())

	// Before the cooldown: still rejecting.
	clock = clock.Add(10 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	// After the cooldown: exactly one probe admitted.
	clock = clock.Add(25 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen, "second caller must not piggyback on the probe")

	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())

	// Window was reset: a single failure must not reopen.
	require.NoError(t, b.Allow())
	b.Record(fail)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	b := newTestBreaker(&clock)
	fail := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(fail)
	}
	clock = clock.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, BreakerHalfOpen, b.State())

	b.Record(fail)
	assert.Equal(t, BreakerOpen, b.State())

	// Cooldown restarted from the probe failure.
	clock = clock.Add(10 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	clock = clock.Add(21 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreakerIgnoresCanceled(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	b := newTestBreaker(&clock)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow())
		b.Record(context.Canceled)
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func testRetrier() *Retrier {
	return &Retrier{
		Attempts:  3,
		Min:       time.Millisecond,
		Max:       4 * time.Millisecond,
		RateDelay: 2 * time.Millisecond,
		Log:       zap.NewNop().Sugar(),
	}
}

func TestRetrierTransientRecovers(t *testing.T) {
	r := testRetrier()
	calls := 0
	err := r.Do(context.Background(), "getCandles", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPError{Status: 502, Body: "bad gateway"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrierAuthFailsFast(t *testing.T) {
	r := testRetrier()
	calls := 0
	err := r.Do(context.Background(), "placeOrder", func(ctx context.Context) error {
		calls++
		return &models.APIError{Code: 10001, Msg: "invalid signature"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "auth errors must not be retried")

	var cerr *ClassifiedError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindAuth, cerr.Kind)
}

func TestRetrierUnknownFailsFast(t *testing.T) {
	r := testRetrier()
	calls := 0
	err := r.Do(context.Background(), "getBalance", func(ctx context.Context) error {
		calls++
		return errors.New("novel failure")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var cerr *ClassifiedError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindUnknown, cerr.Kind)
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	r := testRetrier()
	calls := 0
	err := r.Do(context.Background(), "getCandles", func(ctx context.Context) error {
		calls++
		return &HTTPError{Status: 500, Body: "boom"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")

	var cerr *ClassifiedError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindTransient, cerr.Kind)
}

func TestRetrierRateLimitUsesFixedDelay(t *testing.T) {
	r := testRetrier()
	calls := 0
	start := time.Now()
	err := r.Do(context.Background(), "getCandles", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return &HTTPError{Status: 429, Body: "throttled"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), r.RateDelay)
}

func TestRetrierRespectsContext(t *testing.T) {
	r := testRetrier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := r.Do(ctx, "getCandles", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func guardConfig() models.ResilienceConfig {
	return models.ResilienceConfig{
		RetryAttempts:       3,
		RetryInitialDelayMs: 1,
		RetryMaxDelayMs:     4,
		RateLimitBackoffMs:  2,
		BreakerThreshold:    3,
		BreakerWindowSec:    60,
		BreakerCooldownSec:  30,
		RatePerSec:          1000,
		RateBurst:           1000,
	}
}

func TestGuardSuccess(t *testing.T) {
	g := NewGuard(guardConfig(), zap.NewNop().Sugar())
	calls := 0
	err := g.Do(context.Background(), "ping", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, BreakerClosed, g.BreakerState())
}

func TestGuardOpenBreakerSkipsNetwork(t *testing.T) {
	g := NewGuard(guardConfig(), zap.NewNop().Sugar())

	// One exhausted Do records three failures, reaching the threshold.
	_ = g.Do(context.Background(), "ping", func(ctx context.Context) error {
		return &HTTPError{Status: 500, Body: "boom"}
	})
	require.Equal(t, BreakerOpen, g.BreakerState())

	calls := 0
	err := g.Do(context.Background(), "ping", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 0, calls, "open breaker must reject before any network call")
}

func TestGuardRecovery(t *testing.T) {
	cfg := guardConfig()
	g := NewGuard(cfg, zap.NewNop().Sugar())
	clock := time.Unix(1700000000, 0)
	g.breaker.now = func() time.Time { return clock }

	_ = g.Do(context.Background(), "ping", func(ctx context.Context) error {
		return &HTTPError{Status: 500, Body: "boom"}
	})
	require.Equal(t, BreakerOpen, g.BreakerState())

	clock = clock.Add(31 * time.Second)
	err := g.Do(context.Background(), "ping", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, g.BreakerState())
}
