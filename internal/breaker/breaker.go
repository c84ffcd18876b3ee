// Package breaker implements the in-process circuit breaker that isolates
// the gateway from a failing OFD endpoint. Pure in-memory state machine: a
// fresh process always starts closed.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// ErrCircuitOpen is returned by Call without invoking the wrapped function
// while the breaker is open. Expected during outages, not an anomaly.
var ErrCircuitOpen = errors.New("breaker: circuit is open")

// Config carries the transition thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures to trip CLOSED -> OPEN
	SuccessThreshold int           // consecutive successes to close from HALF_OPEN
	Cooldown         time.Duration // OPEN -> HALF_OPEN delay
}

// DefaultConfig mirrors the gateway defaults: trip after 5 consecutive
// failures, probe after a 60s cooldown, close after 2 successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
	}
}

// Breaker wraps outbound calls with fail-fast behavior. Safe for concurrent
// use. State is owned entirely by this struct and mutated only by call
// outcomes.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	state          types.BreakerState
	failures       int // consecutive failures in CLOSED
	successes      int // consecutive successes in HALF_OPEN
	lastTransition time.Time
	probing        bool // a HALF_OPEN trial call is in flight
	nowFn          func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithNowFunc overrides the clock source, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(b *Breaker) { b.nowFn = fn }
}

// New creates a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:   cfg,
		state: types.BreakerClosed,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastTransition = b.nowFn()
	return b
}

// Call runs fn under breaker protection. When open it fails immediately
// with ErrCircuitOpen and fn is never invoked. In half-open only a single
// trial call is admitted at a time; concurrent callers fail fast.
func (b *Breaker) Call(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()
	b.record(err == nil)
	return err
}

// admit decides whether a call may proceed, moving OPEN to HALF_OPEN when
// the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.BreakerClosed:
		return nil

	case types.BreakerOpen:
		if b.nowFn().Sub(b.lastTransition) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.transition(types.BreakerHalfOpen)
		b.probing = true
		return nil

	case types.BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.BreakerClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(types.BreakerOpen)
		}

	case types.BreakerHalfOpen:
		b.probing = false
		if !success {
			// One failure in half-open re-opens immediately.
			b.transition(types.BreakerOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(types.BreakerClosed)
		}

	case types.BreakerOpen:
		// A call admitted before the trip finished; its outcome is stale.
	}
}

// transition moves to a new state and resets the counters.
func (b *Breaker) transition(next types.BreakerState) {
	b.state = next
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.lastTransition = b.nowFn()
}

// State returns the current breaker state.
func (b *Breaker) State() types.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Report the cooldown expiry without requiring a call to observe it.
	if b.state == types.BreakerOpen && b.nowFn().Sub(b.lastTransition) >= b.cfg.Cooldown {
		return types.BreakerHalfOpen
	}
	return b.state
}

// Reset returns the breaker to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(types.BreakerClosed)
}
