// Package breaker implements a circuit breaker for the protected submission
// path. One Breaker instance guards one external dependency and is shared by
// every caller of that dependency.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults suitable for a latency-sensitive external dependency.
const (
	DefaultFailureThreshold = 5
	DefaultTimeout          = 60 * time.Second
	DefaultSuccessThreshold = 1
)

// OpenError is returned when the breaker rejects a call without running it.
// RetryAfter is how long until the next call will be admitted as a trial.
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// Stats is a queryable snapshot of the breaker's counters.
type Stats struct {
	State           State
	Failures        int
	Successes       int // consecutive successes, meaningful in half-open
	LastFailureAt   time.Time
	TotalCalls      uint64
	TotalFailures   uint64
	TotalShortCircs uint64
}

// Config tunes a Breaker. Zero values take the defaults above.
type Config struct {
	Name             string
	FailureThreshold int
	Timeout          time.Duration
	SuccessThreshold int
}

// Breaker is a failure-isolation state machine. All methods are safe for
// concurrent use.
type Breaker struct {
	name             string
	failureThreshold int
	timeout          time.Duration
	successThreshold int
	logger           *slog.Logger
	onTransition     []func(from, to State)
	now              func() time.Time

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureAt   time.Time
	totalCalls      uint64
	totalFailures   uint64
	totalShortCircs uint64
}

// New creates a Breaker with the given config.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}
	return &Breaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		timeout:          cfg.Timeout,
		successThreshold: cfg.SuccessThreshold,
		logger:           logger.With(slog.String("component", "breaker"), slog.String("breaker", cfg.Name)),
		now:              time.Now,
		state:            StateClosed,
	}
}

// OnTransition registers a hook invoked on every state change, after the
// transition is applied. Hooks accumulate and run in registration order, so
// independent observers (metrics, notifications) can each register their
// own. A hook must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = append(b.onTransition, fn)
}

// Execute runs fn through the breaker. When open and the timeout has not
// elapsed it fails fast with an *OpenError carrying the remaining wait;
// otherwise fn runs and its result is propagated unchanged while counters
// and state are updated.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteWithFallback is Execute, except that a short-circuit rejection or an
// error from fn invokes fallback instead of propagating. This is the
// fail-over mechanism from the protected submission path to the plain path.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn, fallback func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		b.logger.WarnContext(ctx, "short-circuit, using fallback",
			slog.String("error", err.Error()),
		)
		return fallback(ctx)
	}
	err := fn(ctx)
	b.record(err)
	if err != nil {
		b.logger.WarnContext(ctx, "call failed, using fallback",
			slog.String("error", err.Error()),
		)
		return fallback(ctx)
	}
	return nil
}

// admit decides whether a call may proceed, transitioning open -> half-open
// when the timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	if b.state == StateOpen {
		elapsed := b.now().Sub(b.lastFailureAt)
		if elapsed < b.timeout {
			b.totalShortCircs++
			return &OpenError{RetryAfter: b.timeout - elapsed}
		}
		b.transition(StateHalfOpen)
		b.successes = 0
	}
	return nil
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.successThreshold {
				b.failures = 0
				b.successes = 0
				b.transition(StateClosed)
			}
		default:
			b.failures = 0
		}
		return
	}

	b.totalFailures++
	b.lastFailureAt = b.now()

	switch b.state {
	case StateHalfOpen:
		// Trial failed; reopen immediately.
		b.transition(StateOpen)
	default:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transition(StateOpen)
		}
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("failures", b.failures),
	)
	for _, fn := range b.onTransition {
		fn(from, to)
	}
}

// State returns the current mode.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		LastFailureAt:   b.lastFailureAt,
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalShortCircs: b.totalShortCircs,
	}
}

// Reset closes the breaker and clears consecutive counters without
// restarting the process. Lifetime totals are preserved.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.transition(StateClosed)
}
