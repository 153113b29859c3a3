// Package resilience protects upstream calls with a circuit breaker.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). The
// credential minter and the recall embedder wrap their provider calls in one
// so that a failing provider is short-circuited instead of stalling every
// request until its timeout. Only errors the configured classifier marks as
// failures trip the breaker: a rejected request (4xx) says nothing about the
// provider's health.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Do] when the breaker rejects
// the call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through; if they
	// succeed the breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name labels log lines and the readiness check.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 1.
	HalfOpenMax int

	// IsFailure classifies a non-nil error returned by the wrapped call. Nil
	// counts every error except context cancellation by the caller.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFail  int
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenOK       int
}

// New creates a [CircuitBreaker]. Zero-value config fields are replaced with
// defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Do runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn; the caller's context is checked first
// so an already-cancelled request never counts against the provider.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, transition, err := cb.admit()
	cb.emit(transition)
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	cb.emit(cb.record(probe, callErr))
	return callErr
}

// transition describes a state change to report after the lock is released.
type transition struct {
	from, to State
}

func (cb *CircuitBreaker) admit() (probe bool, tr *transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, nil, fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
		}
		cb.state = StateHalfOpen
		cb.halfOpenInFlight = 0
		cb.halfOpenOK = 0
		tr = &transition{StateOpen, StateHalfOpen}
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight+cb.halfOpenOK >= cb.halfOpenMax {
			return false, tr, fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
		}
		cb.halfOpenInFlight++
		return true, tr, nil
	}
	return false, tr, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && cb.isFailure(err)
	if probe {
		cb.halfOpenInFlight--
	}

	switch {
	case cb.state == StateHalfOpen && probe && failed:
		cb.open()
		return &transition{StateHalfOpen, StateOpen}

	case cb.state == StateHalfOpen && probe:
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			return &transition{StateHalfOpen, StateClosed}
		}

	case cb.state == StateClosed && failed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.maxFailures {
			cb.open()
			return &transition{StateClosed, StateOpen}
		}

	case cb.state == StateClosed && err == nil:
		cb.consecutiveFail = 0
	}
	return nil
}

// open must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.halfOpenInFlight = 0
	cb.halfOpenOK = 0
}

func (cb *CircuitBreaker) emit(tr *transition) {
	if tr == nil {
		return
	}
	level := slog.LevelInfo
	if tr.to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state change",
		"name", cb.name, "from", tr.from.String(), "to", tr.to.String())
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, tr.from, tr.to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Check reports an error while the breaker is open. It has the shape of a
// readiness checker.
func (cb *CircuitBreaker) Check(context.Context) error {
	if cb.State() == StateOpen {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	}
	return nil
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()

	if from != StateClosed {
		cb.emit(&transition{from, StateClosed})
	}
}
