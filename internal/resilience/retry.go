package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"futures-session-bot-go/internal/metrics"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Retrier re-attempts an operation according to the error taxonomy:
// transient failures back off exponentially with jitter, rate-limit
// failures wait a longer fixed delay, auth and unknown failures return
// immediately. A breaker-open rejection is not retried either; the next
// natural trigger (heartbeat, candle) retries after the cooldown.
type Retrier struct {
	Attempts  int
	Min       time.Duration
	Max       time.Duration
	RateDelay time.Duration
	Log       *zap.SugaredLogger
}

// Do runs fn until it succeeds, a non-retryable error occurs, the context
// dies, or attempts are exhausted.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	bo := &backoff.Backoff{Min: r.Min, Max: r.Max, Factor: 2, Jitter: true}
	var last *ClassifiedError

	for attempt := 1; attempt <= r.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBreakerOpen) {
			return err
		}
		if errors.Is(err, context.Canceled) {
			return err
		}

		kind := Classify(err)
		last = &ClassifiedError{Kind: kind, Op: op, Err: err}
		metrics.IncAPIError(kind.String())

		switch kind {
		case KindAuth:
			if r.Log != nil {
				r.Log.Errorf("认证失败，不重试，请检查API密钥: %s: %v", op, err)
			}
			return last
		case KindUnknown:
			return last
		}

		if attempt == r.Attempts {
			break
		}
		delay := bo.Duration()
		if kind == KindRateLimit {
			delay = r.RateDelay
		}
		metrics.IncRetry(op)
		if r.Log != nil {
			r.Log.Warnf("%s 第 %d/%d 次尝试失败 [%s]，%v 后重试: %v", op, attempt, r.Attempts, kind, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, r.Attempts, last)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
