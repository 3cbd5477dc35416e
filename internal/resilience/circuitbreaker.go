// Package resilience keeps Kanan responsive when a remote backend misbehaves.
//
// [CircuitBreaker] stops the perception loop from hammering an unreachable
// detector endpoint. [FallbackGroup] puts a breaker in front of each of
// several interchangeable providers and uses the first healthy one; the
// detector and speech recogniser wrappers build on it.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the protected function while the
// breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker mode.
type State int

const (
	StateClosed   State = iota // calls pass; failures are counted
	StateOpen                  // calls are rejected until ResetTimeout passes
	StateHalfOpen              // a few probe calls decide between the two
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take the
// defaults noted on each field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, state callbacks and health checks.
	Name string

	// MaxFailures consecutive failures open a closed breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the time an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the number of probes admitted in half-open and the
	// number of successes required to close again. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether a returned error counts against the
	// breaker. Default: any error except context.Canceled, so shutting down
	// mid-request never trips it.
	IsFailure func(error) bool

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time

	// OnStateChange runs after each transition with the breaker locked; it
	// must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker is a three-state breaker safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // last transition to open
	probes   int       // probes admitted in this half-open period
	passed   int       // probes that succeeded in this half-open period
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn when the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// Allow reserves a call. On success the caller must report the call's result
// through done exactly once.
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cooledDown() {
		cb.setState(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			return nil, ErrCircuitOpen
		}
		cb.probes++
		return cb.recorder(true), nil
	}
	return cb.recorder(false), nil
}

func (cb *CircuitBreaker) recorder(probe bool) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			cb.mu.Lock()
			defer cb.mu.Unlock()
			cb.record(probe, cb.cfg.IsFailure(err))
		})
	}
}

// record applies one outcome. cb.mu must be held.
func (cb *CircuitBreaker) record(probe, failed bool) {
	switch {
	case probe && failed:
		if cb.state == StateHalfOpen {
			slog.Warn("resilience: probe failed, circuit re-opened", "name", cb.cfg.Name)
			cb.open()
		}
	case probe:
		cb.passed++
		if cb.state == StateHalfOpen && cb.passed >= cb.cfg.HalfOpenMax {
			slog.Info("resilience: circuit closed", "name", cb.cfg.Name)
			cb.failures = 0
			cb.setState(StateClosed)
		}
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			slog.Warn("resilience: circuit opened", "name", cb.cfg.Name, "consecutive_failures", cb.failures)
			cb.open()
		}
	default:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.cfg.Now()
	cb.setState(StateOpen)
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// setState switches modes, resets the probe window and notifies the
// callback. cb.mu must be held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.probes, cb.passed = 0, 0
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current mode. An open breaker whose reset timeout has
// passed reports half-open even before the next call moves it there.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and forgets all failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(StateClosed)
	slog.Info("resilience: circuit reset", "name", cb.cfg.Name)
}
