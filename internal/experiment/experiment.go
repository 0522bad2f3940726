// Package experiment binds a validated search space, an optimization engine
// and a trial ledger into one unit with its own lock.
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwbudde/trialforge/internal/ledger"
	"github.com/cwbudde/trialforge/internal/opt"
	"github.com/cwbudde/trialforge/internal/space"
	"github.com/cwbudde/trialforge/internal/store"
)

// Experiment is one optimization run. Suggest, Complete, Fail and
// Checkpoint take the write lock; Best, Trials and Summary take the read
// lock, so reads never observe a half-applied mutation.
type Experiment struct {
	mu        sync.RWMutex
	space     *space.Space
	engine    opt.Engine
	ledger    *ledger.Ledger
	createdAt time.Time
}

// Result is the best completed trial.
type Result struct {
	Index      int              `json:"trial_index"`
	Parameters space.Assignment `json:"parameters"`
	Score      float64          `json:"score"`
}

// Summary describes an experiment without its trial history.
type Summary struct {
	ID        string        `json:"experiment_id"`
	Strategy  string        `json:"strategy"`
	Objective string        `json:"objective_name"`
	Minimize  bool          `json:"minimize"`
	Trials    ledger.Counts `json:"trials"`
	BestScore *float64      `json:"best_score,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// New creates an experiment over sp with a fresh engine.
func New(sp *space.Space, strategy string, cfg opt.Config) (*Experiment, error) {
	engine, err := opt.New(strategy, sp, cfg)
	if err != nil {
		return nil, err
	}
	return &Experiment{
		space:     sp,
		engine:    engine,
		ledger:    ledger.New(),
		createdAt: time.Now(),
	}, nil
}

// ID returns the experiment identifier, which is the spec name.
func (e *Experiment) ID() string { return e.space.Name() }

// Spec returns a copy of the normalized spec.
func (e *Experiment) Spec() space.ExperimentSpec { return e.space.Spec() }

// Space returns the validated search space.
func (e *Experiment) Space() *space.Space { return e.space }

// Strategy names the engine behind the experiment.
func (e *Experiment) Strategy() string { return e.engine.Strategy() }

// CreatedAt returns when the experiment was first created.
func (e *Experiment) CreatedAt() time.Time { return e.createdAt }

// Suggest asks the engine for the next trial and records it as proposed.
func (e *Experiment) Suggest(ctx context.Context) (ledger.Trial, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ledger.Trial{}, err
	}

	params, index, err := e.engine.Suggest(ctx)
	if err != nil {
		return ledger.Trial{}, err
	}
	if err := e.space.Check(params); err != nil {
		return ledger.Trial{}, e.retract(index, fmt.Errorf("%w: engine proposed an invalid assignment: %v", opt.ErrEngineInternal, err))
	}
	if err := e.ledger.RecordProposed(index, params); err != nil {
		return ledger.Trial{}, e.retract(index, fmt.Errorf("%w: %v", opt.ErrEngineInternal, err))
	}

	trial, _ := e.ledger.Get(index)
	slog.Debug("Trial proposed", "experiment_id", e.ID(), "trial_index", index)
	return trial, nil
}

// retract takes back a suggestion the ledger could not record, so the engine
// and the ledger keep the same trials.
func (e *Experiment) retract(index int, cause error) error {
	if err := e.engine.Retract(index); err != nil {
		slog.Error("Failed to retract trial", "experiment_id", e.ID(), "trial_index", index, "error", err)
		return errors.Join(cause, err)
	}
	return cause
}

// Complete reports the objective value of a proposed trial. The engine
// learns the outcome before the ledger records it; if the engine rejects it
// the ledger is untouched.
func (e *Experiment) Complete(ctx context.Context, index int, score float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.ledger.CanComplete(index); err != nil {
		return err
	}
	outcome := map[string]float64{e.space.Objective(): score}
	if err := e.engine.Observe(ctx, index, outcome); err != nil {
		return err
	}
	if err := e.ledger.RecordCompleted(index, score); err != nil {
		return err
	}

	slog.Debug("Trial completed", "experiment_id", e.ID(), "trial_index", index, "score", score)
	return nil
}

// Fail marks a proposed trial as failed. The engine is not told; the point
// simply stays unobserved.
func (e *Experiment) Fail(ctx context.Context, index int, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.ledger.RecordFailed(index, reason); err != nil {
		return err
	}

	slog.Debug("Trial failed", "experiment_id", e.ID(), "trial_index", index, "reason", reason)
	return nil
}

// Best returns the best completed trial for the spec's direction, or
// opt.ErrNoObservationsYet.
func (e *Experiment) Best() (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.ledger.Best(e.space.Minimize())
	if !ok {
		return Result{}, fmt.Errorf("%w: experiment %q", opt.ErrNoObservationsYet, e.ID())
	}
	return Result{Index: t.Index, Parameters: t.Parameters, Score: *t.Score}, nil
}

// Trials returns every trial in ascending index order.
func (e *Experiment) Trials() []ledger.Trial {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.All()
}

// Summary returns the experiment's metadata and trial counts.
func (e *Experiment) Summary() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Summary{
		ID:        e.ID(),
		Strategy:  e.engine.Strategy(),
		Objective: e.space.Objective(),
		Minimize:  e.space.Minimize(),
		Trials:    e.ledger.Counts(),
		CreatedAt: e.createdAt,
	}
	if t, ok := e.ledger.Best(e.space.Minimize()); ok {
		s.BestScore = t.Score
	}
	return s
}

// Checkpoint captures the experiment as an envelope stamped with now.
func (e *Experiment) Checkpoint(now time.Time) (*store.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.engine.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot engine: %w", err)
	}
	return &store.Envelope{
		Version:      store.CurrentVersion,
		ExperimentID: e.ID(),
		SavedAt:      now.UTC(),
		Spec:         e.space.Spec(),
		Trials:       e.ledger.All(),
		Engine: store.EngineState{
			Strategy: e.engine.Strategy(),
			State:    json.RawMessage(state),
		},
	}, nil
}

// FromEnvelope rebuilds an experiment from a checkpoint. The spec is
// validated again, every trial's parameters are checked against it and the
// ledger must agree with the engine state. Any failure is reported as
// store.ErrCorruptCheckpoint.
func FromEnvelope(env *store.Envelope) (*Experiment, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", store.ErrCorruptCheckpoint)
	}

	sp, err := space.Validate(env.Spec)
	if err != nil {
		return nil, fmt.Errorf("%w: spec: %w", store.ErrCorruptCheckpoint, err)
	}
	for _, t := range env.Trials {
		if err := sp.Check(t.Parameters); err != nil {
			return nil, fmt.Errorf("%w: trial %d: %w", store.ErrCorruptCheckpoint, t.Index, err)
		}
	}

	l, err := ledger.FromTrials(env.Trials)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorruptCheckpoint, err)
	}

	engine, err := opt.Restore(env.Engine.Strategy, sp, env.Engine.State)
	if err != nil {
		if errors.Is(err, opt.ErrUnknownStrategy) || errors.Is(err, opt.ErrInvalidSnapshot) {
			return nil, fmt.Errorf("%w: %w", store.ErrCorruptCheckpoint, err)
		}
		return nil, err
	}
	if err := reconcile(sp, env.Trials, engine.Issued()); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorruptCheckpoint, err)
	}

	createdAt := env.SavedAt
	if len(env.Trials) > 0 && !env.Trials[0].CreatedAt.IsZero() {
		createdAt = env.Trials[0].CreatedAt
	}

	return &Experiment{
		space:     sp,
		engine:    engine,
		ledger:    l,
		createdAt: createdAt,
	}, nil
}

// reconcile requires the ledger and the engine to hold the same trials: the
// same indices, equal parameters, and an engine observation exactly for the
// completed trials, with the same value.
func reconcile(sp *space.Space, trials []ledger.Trial, issued []opt.IssuedTrial) error {
	if len(trials) != len(issued) {
		return fmt.Errorf("ledger has %d trials, engine issued %d", len(trials), len(issued))
	}
	byIndex := make(map[int]ledger.Trial, len(trials))
	for _, t := range trials {
		byIndex[t.Index] = t
	}
	for _, rec := range issued {
		t, ok := byIndex[rec.Index]
		if !ok {
			return fmt.Errorf("engine trial %d is missing from the ledger", rec.Index)
		}
		if sp.Key(t.Parameters) != sp.Key(rec.Params) {
			return fmt.Errorf("trial %d parameters differ between ledger and engine", rec.Index)
		}
		completed := t.Status == ledger.StatusCompleted
		if completed != rec.Observed {
			return fmt.Errorf("trial %d is %s in the ledger but observed=%t in the engine", rec.Index, t.Status, rec.Observed)
		}
		if completed && *t.Score != rec.Value {
			return fmt.Errorf("trial %d score %v differs from engine observation %v", rec.Index, *t.Score, rec.Value)
		}
	}
	return nil
}
