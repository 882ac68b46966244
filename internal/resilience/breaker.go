package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"futures-session-bot-go/internal/metrics"

	"go.uber.org/zap"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "INVALID"
	}
}

// Breaker is a circuit breaker with a rolling failure window.
//
// CLOSED: calls pass; failures inside the window are counted, and reaching
// the threshold opens the breaker. OPEN: calls are rejected without network
// I/O until the cooldown elapses, then one probe is admitted (HALF_OPEN).
// The probe's outcome decides: success closes the breaker and resets the
// window, failure reopens it and restarts the cooldown.
type Breaker struct {
	mu       sync.Mutex
	state    BreakerState
	failures []time.Time
	openedAt time.Time
	probing  bool

	threshold int
	window    time.Duration
	cooldown  time.Duration

	now func() time.Time // injectable for tests
	log *zap.SugaredLogger
}

// NewBreaker builds a breaker from config. One per exchange client.
func NewBreaker(threshold int, window, cooldown time.Duration, log *zap.SugaredLogger) *Breaker {
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
		log:       log,
	}
}

// Allow reports whether a call may proceed. In OPEN it returns
// ErrBreakerOpen until the cooldown elapses, at which point it admits a
// single probe and moves to HALF_OPEN; concurrent callers during the probe
// are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.transition(BreakerHalfOpen)
			b.probing = true
			return nil
		}
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record feeds a call outcome back into the breaker. Must be called
// exactly once per Allow that returned nil.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A canceled call says nothing about venue health. Release the probe
	// slot if one was held and count nothing.
	if err != nil && errors.Is(err, context.Canceled) {
		if b.state == BreakerHalfOpen {
			b.probing = false
		}
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		if err == nil {
			b.failures = nil
			b.transition(BreakerClosed)
		} else {
			b.openedAt = b.now()
			b.transition(BreakerOpen)
		}
	case BreakerClosed:
		if err == nil {
			return
		}
		now := b.now()
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.threshold {
			b.openedAt = now
			b.transition(BreakerOpen)
		}
	case BreakerOpen:
		// A call admitted before the state flipped; nothing to do.
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// prune drops failures that fell out of the rolling window. Caller holds mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transition switches state with logging and metrics. Caller holds mu.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	metrics.SetBreakerState(int(to))
	if b.log != nil {
		if to == BreakerOpen {
			b.log.Warnf("circuit breaker %s -> %s (failures=%d within %s)", from, to, len(b.failures), b.window)
		} else {
			b.log.Infof("circuit breaker %s -> %s", from, to)
		}
	}
}
