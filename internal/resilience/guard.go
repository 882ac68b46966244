package resilience

import (
	"context"
	"time"

	"futures-session-bot-go/internal/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Guard is the per-client composition of the resilience stack. Every
// outbound exchange call goes through Do: the token bucket is consulted
// before each attempt, an open breaker rejects without network I/O, and
// outcomes feed back into the breaker.
type Guard struct {
	limiter *rate.Limiter
	breaker *Breaker
	retrier *Retrier
}

// NewGuard builds a Guard scoped to one exchange client instance.
func NewGuard(cfg models.ResilienceConfig, log *zap.SugaredLogger) *Guard {
	return &Guard{
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		breaker: NewBreaker(
			cfg.BreakerThreshold,
			time.Duration(cfg.BreakerWindowSec)*time.Second,
			time.Duration(cfg.BreakerCooldownSec)*time.Second,
			log,
		),
		retrier: &Retrier{
			Attempts:  cfg.RetryAttempts,
			Min:       time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
			Max:       time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
			RateDelay: time.Duration(cfg.RateLimitBackoffMs) * time.Millisecond,
			Log:       log,
		},
	}
}

// Do executes fn under the full stack.
func (g *Guard) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	return g.retrier.Do(ctx, op, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := g.breaker.Allow(); err != nil {
			return err
		}
		err := fn(ctx)
		g.breaker.Record(err)
		return err
	})
}

// BreakerState exposes the breaker for health reporting.
func (g *Guard) BreakerState() BreakerState {
	return g.breaker.State()
}
