// Package opt holds the optimization engines that propose trials. The
// orchestration layer only sees the Engine interface; any strategy that
// honours it can be swapped in.
package opt

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cwbudde/trialforge/internal/space"
)

var (
	// ErrEngineExhausted is returned when the engine declines to propose
	// another trial, e.g. every point of a discrete space was issued.
	ErrEngineExhausted = errors.New("engine exhausted")

	// ErrEngineInternal wraps failures inside the engine's own computation.
	ErrEngineInternal = errors.New("engine internal error")

	// ErrUnknownTrial is returned when observing an index the engine never issued.
	ErrUnknownTrial = errors.New("unknown trial")

	// ErrDuplicateObservation is returned when an index is observed twice.
	ErrDuplicateObservation = errors.New("duplicate observation")

	// ErrNoObservationsYet is returned by Best before any observation.
	ErrNoObservationsYet = errors.New("no observations yet")

	// ErrInvalidOutcome is returned when an outcome lacks the objective or is not finite.
	ErrInvalidOutcome = errors.New("invalid outcome")

	// ErrUnknownStrategy is returned for strategy names with no registered engine.
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrInvalidSnapshot is returned when engine state cannot be restored.
	ErrInvalidSnapshot = errors.New("invalid engine snapshot")
)

// Engine proposes parameter assignments and learns from their outcomes.
//
// Implementations are not safe for concurrent mutation: callers serialize
// Suggest, Observe, Retract and Snapshot. Best and Issued only read and may
// run alongside each other.
type Engine interface {
	// Suggest returns the next point to evaluate and its trial index. Indices
	// start at 0 and are never reused. If ctx is cancelled before the
	// suggestion is committed, no state changes.
	Suggest(ctx context.Context) (space.Assignment, int, error)

	// Observe records the outcome of an issued trial. outcome must contain
	// the experiment's objective.
	Observe(ctx context.Context, index int, outcome map[string]float64) error

	// Best returns the best observed point under the space's direction.
	Best() (space.Assignment, float64, error)

	// Retract undoes the most recent Suggest when the caller could not
	// record its trial. The next Suggest proposes the same point again.
	Retract(index int) error

	// Issued lists every proposed trial with its observation, if any.
	Issued() []IssuedTrial

	// Snapshot serializes the full engine state, RNG included.
	Snapshot() ([]byte, error)

	// Strategy names the engine implementation.
	Strategy() string
}

// Strategy names.
const (
	StrategyRandom = "random"
	StrategyBayes  = "bayes"

	DefaultStrategy = StrategyBayes
)

type factory func(b *base) Engine

var strategies = map[string]factory{
	StrategyRandom: func(b *base) Engine { return &randomEngine{base: b} },
	StrategyBayes:  func(b *base) Engine { return newBayesEngine(b) },
}

// Strategies lists the registered strategy names.
func Strategies() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a fresh engine for sp. An empty strategy selects DefaultStrategy.
func New(strategy string, sp *space.Space, cfg Config) (Engine, error) {
	if strategy == "" {
		strategy = DefaultStrategy
	}
	build, ok := strategies[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	cfg = cfg.normalized()
	return build(newBase(strategy, sp, cfg, newRNG(cfg.Seed))), nil
}

// Restore rebuilds an engine from a Snapshot taken on the same space.
func Restore(strategy string, sp *space.Space, state []byte) (Engine, error) {
	build, ok := strategies[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	b, err := restoreBase(strategy, sp, state)
	if err != nil {
		return nil, err
	}
	return build(b), nil
}
