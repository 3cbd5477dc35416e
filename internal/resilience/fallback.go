package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ErrAllFailed wraps the last error once every entry failed or was skipped.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the template for the breaker of each group entry. Its
// Name is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// Entry is one named provider in a [FallbackGroup].
type Entry[T any] struct {
	Name  string
	Value T
}

type member[T any] struct {
	Entry[T]
	breaker *CircuitBreaker
}

// FallbackGroup tries interchangeable providers in order, skipping those
// whose breaker is open. It is safe for concurrent use.
type FallbackGroup[T any] struct {
	members []member[T]
	serving atomic.Int32 // index of the member that answered last
}

// NewFallbackGroup builds a group over entries, most preferred first.
func NewFallbackGroup[T any](cfg FallbackConfig, entries ...Entry[T]) *FallbackGroup[T] {
	g := &FallbackGroup[T]{members: make([]member[T], len(entries))}
	for i, e := range entries {
		bc := cfg.CircuitBreaker
		bc.Name = e.Name
		g.members[i] = member[T]{Entry: e, breaker: NewCircuitBreaker(bc)}
	}
	return g
}

// Len returns the number of entries.
func (g *FallbackGroup[T]) Len() int { return len(g.members) }

// Serving names the entry that produced the most recent success.
func (g *FallbackGroup[T]) Serving() string {
	if len(g.members) == 0 {
		return ""
	}
	return g.members[g.serving.Load()].Name
}

// States reports each entry's breaker state by name.
func (g *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.Name] = m.breaker.State()
	}
	return out
}

// Execute calls fn on entries in order until one succeeds.
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := Call(g, func(v T) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// Call is [FallbackGroup.Execute] for functions returning a value.
func Call[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var zero R
	if len(g.members) == 0 {
		return zero, ErrAllFailed
	}

	var errs []error
	for i, m := range g.members {
		done, err := m.breaker.Allow()
		if err != nil {
			slog.Debug("resilience: skipping provider", "provider", m.Name, "state", m.breaker.State())
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
			continue
		}
		res, err := fn(m.Value)
		done(err)
		if err == nil {
			if prev := g.serving.Swap(int32(i)); prev != int32(i) {
				slog.Info("resilience: provider switched", "from", g.members[prev].Name, "to", m.Name)
			}
			return res, nil
		}
		slog.Warn("resilience: provider failed", "provider", m.Name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
