// Package service is the transport-agnostic API of the orchestration
// server. Every operation resolves an experiment through the registry and
// runs under that experiment's lock; checkpoints go through a store.Store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/trialforge/internal/experiment"
	"github.com/cwbudde/trialforge/internal/ledger"
	"github.com/cwbudde/trialforge/internal/opt"
	"github.com/cwbudde/trialforge/internal/registry"
	"github.com/cwbudde/trialforge/internal/space"
	"github.com/cwbudde/trialforge/internal/store"
)

// Name is reported by Info.
const Name = "trialforge"

// ErrIO wraps checkpoint storage failures that are not about the checkpoint
// itself (disk, network, database).
var ErrIO = errors.New("checkpoint storage failure")

// CreateRequest is an experiment spec plus optional engine overrides.
type CreateRequest struct {
	space.ExperimentSpec `yaml:",inline"`

	// Strategy overrides the service's default engine strategy.
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// Seed overrides the default engine seed.
	Seed *int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// Options configures a Service.
type Options struct {
	// Strategy is the engine used when a request names none.
	Strategy string

	// Engine holds the default engine tuning.
	Engine opt.Config

	// Version is reported by Info.
	Version string
}

// Info describes the running service.
type Info struct {
	Service           string `json:"service"`
	Version           string `json:"version"`
	Status            string `json:"status"`
	ActiveExperiments int    `json:"active_experiments"`
}

// Service implements the experiment operations on top of a registry and a
// checkpoint store. It is safe for concurrent use.
type Service struct {
	registry *registry.Registry
	store    store.Store
	events   *EventBroadcaster
	opts     Options
	now      func() time.Time
}

// New creates a service over reg and st.
func New(reg *registry.Registry, st store.Store, opts Options) *Service {
	if opts.Strategy == "" {
		opts.Strategy = opt.DefaultStrategy
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Service{
		registry: reg,
		store:    st,
		events:   NewEventBroadcaster(),
		opts:     opts,
		now:      time.Now,
	}
}

// Events returns the broadcaster trial events are published on.
func (s *Service) Events() *EventBroadcaster { return s.events }

// Store returns the checkpoint store.
func (s *Service) Store() store.Store { return s.store }

// Info reports the service name, version and number of live experiments.
func (s *Service) Info() Info {
	return Info{
		Service:           Name,
		Version:           s.opts.Version,
		Status:            "running",
		ActiveExperiments: s.registry.Len(),
	}
}

// CreateExperiment validates the spec and registers a new experiment under
// its name.
func (s *Service) CreateExperiment(ctx context.Context, req CreateRequest) (experiment.Summary, error) {
	if err := ctx.Err(); err != nil {
		return experiment.Summary{}, err
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = s.opts.Strategy
	}
	cfg := s.opts.Engine
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}

	e, err := s.registry.Create(req.ExperimentSpec, strategy, cfg)
	if err != nil {
		return experiment.Summary{}, err
	}

	slog.Info("Experiment created",
		"experiment_id", e.ID(),
		"strategy", e.Strategy(),
		"parameters", len(e.Space().Parameters()),
		"minimize", e.Space().Minimize())
	s.publish(e, EventCreated, nil, nil)
	return e.Summary(), nil
}

// GetNextTrial proposes and records the next trial of an experiment.
func (s *Service) GetNextTrial(ctx context.Context, id string) (ledger.Trial, error) {
	e, err := s.registry.Get(id)
	if err != nil {
		return ledger.Trial{}, err
	}

	trial, err := e.Suggest(ctx)
	if err != nil {
		if errors.Is(err, opt.ErrEngineInternal) {
			slog.Error("Engine failed to propose a trial", "experiment_id", id, "error", err)
		}
		return ledger.Trial{}, err
	}

	idx := trial.Index
	s.publish(e, EventProposed, &idx, nil)
	return trial, nil
}

// CompleteTrial reports the objective value of a proposed trial.
func (s *Service) CompleteTrial(ctx context.Context, id string, index int, score float64) error {
	e, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if err := e.Complete(ctx, index, score); err != nil {
		return err
	}
	s.publish(e, EventCompleted, &index, &score)
	return nil
}

// FailTrial marks a proposed trial as failed.
func (s *Service) FailTrial(ctx context.Context, id string, index int, reason string) error {
	e, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if err := e.Fail(ctx, index, reason); err != nil {
		return err
	}

	slog.Info("Trial failed", "experiment_id", id, "trial_index", index, "reason", reason)
	s.publish(e, EventFailed, &index, nil)
	return nil
}

// GetBest returns the best completed trial.
func (s *Service) GetBest(ctx context.Context, id string) (experiment.Result, error) {
	if err := ctx.Err(); err != nil {
		return experiment.Result{}, err
	}
	e, err := s.registry.Get(id)
	if err != nil {
		return experiment.Result{}, err
	}
	return e.Best()
}

// GetTrials returns every trial of an experiment in ascending index order.
func (s *Service) GetTrials(ctx context.Context, id string) ([]ledger.Trial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return e.Trials(), nil
}

// GetExperiment summarizes one experiment.
func (s *Service) GetExperiment(ctx context.Context, id string) (experiment.Summary, error) {
	if err := ctx.Err(); err != nil {
		return experiment.Summary{}, err
	}
	e, err := s.registry.Get(id)
	if err != nil {
		return experiment.Summary{}, err
	}
	return e.Summary(), nil
}

// ListExperiments summarizes every registered experiment, ordered by ID.
func (s *Service) ListExperiments(ctx context.Context) ([]experiment.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list := s.registry.List()
	out := make([]experiment.Summary, 0, len(list))
	for _, e := range list {
		out = append(out, e.Summary())
	}
	return out, nil
}

// DeleteExperiment removes an experiment from the registry. Stored
// checkpoints are kept.
func (s *Service) DeleteExperiment(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.registry.Delete(id); err != nil {
		return err
	}

	slog.Info("Experiment deleted", "experiment_id", id)
	s.events.Broadcast(TrialEvent{ExperimentID: id, Type: EventDeleted, Timestamp: s.now()})
	s.events.Close(id)
	return nil
}

// DefaultCheckpointKey is where SaveCheckpoint writes when no destination
// is given.
func DefaultCheckpointKey(id string) string { return id + ".json" }

// SaveCheckpoint writes the experiment to destination and returns the key
// used.
func (s *Service) SaveCheckpoint(ctx context.Context, id, destination string) (string, error) {
	e, err := s.registry.Get(id)
	if err != nil {
		return "", err
	}
	if destination == "" {
		destination = DefaultCheckpointKey(id)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	env, err := e.Checkpoint(s.now())
	if err != nil {
		return "", fmt.Errorf("%w: %w", opt.ErrEngineInternal, err)
	}
	if err := s.store.SaveCheckpoint(ctx, destination, env); err != nil {
		return "", storageError(err)
	}

	slog.Info("Checkpoint saved", "experiment_id", id, "key", destination, "trials", len(env.Trials))
	s.publish(e, EventSaved, nil, nil)
	return destination, nil
}

// LoadCheckpoint restores an experiment from source and registers it,
// replacing any live experiment with the same ID.
func (s *Service) LoadCheckpoint(ctx context.Context, source string) (experiment.Summary, error) {
	if err := ctx.Err(); err != nil {
		return experiment.Summary{}, err
	}

	env, err := s.store.LoadCheckpoint(ctx, source)
	if err != nil {
		return experiment.Summary{}, storageError(err)
	}
	e, err := experiment.FromEnvelope(env)
	if err != nil {
		return experiment.Summary{}, err
	}

	if replaced := s.registry.Put(e); replaced {
		slog.Warn("Checkpoint replaced a live experiment", "experiment_id", e.ID(), "key", source)
	}
	slog.Info("Checkpoint loaded", "experiment_id", e.ID(), "key", source, "trials", len(env.Trials))
	s.publish(e, EventLoaded, nil, nil)
	return e.Summary(), nil
}

// SaveAll checkpoints every experiment to its default key. It keeps going
// past failures and returns them joined.
func (s *Service) SaveAll(ctx context.Context) (saved int, err error) {
	var errs []error
	for _, e := range s.registry.List() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, serr := s.SaveCheckpoint(ctx, e.ID(), ""); serr != nil {
			errs = append(errs, fmt.Errorf("experiment %q: %w", e.ID(), serr))
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// storageError passes through errors that describe the checkpoint and
// wraps the rest in ErrIO.
func storageError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidKey),
		errors.Is(err, store.ErrCorruptCheckpoint),
		errors.Is(err, store.ErrUnsupportedVersion),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func (s *Service) publish(e *experiment.Experiment, typ EventType, index *int, score *float64) {
	event := TrialEvent{
		ExperimentID: e.ID(),
		Type:         typ,
		TrialIndex:   index,
		Score:        score,
		Timestamp:    s.now(),
	}
	if best, err := e.Best(); err == nil {
		event.BestScore = &best.Score
	}
	s.events.Broadcast(event)
}
