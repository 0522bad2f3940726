// Package registry maps experiment identifiers to live experiments.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cwbudde/trialforge/internal/experiment"
	"github.com/cwbudde/trialforge/internal/opt"
	"github.com/cwbudde/trialforge/internal/space"
)

var (
	ErrDuplicateExperiment = errors.New("experiment already exists")
	ErrExperimentNotFound  = errors.New("experiment not found")
)

// Registry holds the process's experiments. Its lock covers only the map;
// work on an experiment runs under that experiment's own lock.
type Registry struct {
	mu          sync.RWMutex
	experiments map[string]*experiment.Experiment
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{experiments: make(map[string]*experiment.Experiment)}
}

// Create validates spec, builds an experiment and registers it under the
// spec name. Nothing is registered on error.
func (r *Registry) Create(spec space.ExperimentSpec, strategy string, cfg opt.Config) (*experiment.Experiment, error) {
	sp, err := space.Validate(spec)
	if err != nil {
		return nil, err
	}
	if r.exists(sp.Name()) {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateExperiment, sp.Name())
	}

	e, err := experiment.New(sp, strategy, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.experiments[e.ID()]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateExperiment, e.ID())
	}
	r.experiments[e.ID()] = e
	return e, nil
}

func (r *Registry) exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.experiments[id]
	return ok
}

// Get returns the experiment registered under id.
func (r *Registry) Get(id string) (*experiment.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrExperimentNotFound, id)
	}
	return e, nil
}

// Put registers e under its ID, replacing any existing entry. It reports
// whether an entry was replaced.
func (r *Registry) Put(e *experiment.Experiment) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced = r.experiments[e.ID()]
	r.experiments[e.ID()] = e
	return replaced
}

// Delete unregisters id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.experiments[id]; !ok {
		return fmt.Errorf("%w: %q", ErrExperimentNotFound, id)
	}
	delete(r.experiments, id)
	return nil
}

// List returns the registered experiments ordered by ID.
func (r *Registry) List() []*experiment.Experiment {
	r.mu.RLock()
	out := make([]*experiment.Experiment, 0, len(r.experiments))
	for _, e := range r.experiments {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered experiments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.experiments)
}
