package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cwbudde/trialforge/internal/ledger"
	"github.com/cwbudde/trialforge/internal/space"
)

// CurrentVersion is the envelope format written by Encode.
const CurrentVersion = 1

// EngineState is the engine's opaque snapshot and the strategy that can
// restore it.
type EngineState struct {
	Strategy string          `json:"strategy"`
	State    json.RawMessage `json:"state"`
}

// Envelope is a complete, self-describing experiment checkpoint. Restoring
// it yields an experiment whose next suggestion continues the sequence.
type Envelope struct {
	Version      int                  `json:"version"`
	ExperimentID string               `json:"experiment_id"`
	SavedAt      time.Time            `json:"saved_at"`
	Spec         space.ExperimentSpec `json:"spec"`
	Trials       []ledger.Trial       `json:"trials"`
	Engine       EngineState          `json:"engine"`
}

// CheckpointInfo summarizes a stored checkpoint without its trial history.
type CheckpointInfo struct {
	Key          string    `json:"key"`
	ExperimentID string    `json:"experiment_id"`
	Strategy     string    `json:"strategy"`
	SavedAt      time.Time `json:"saved_at"`
	Trials       int       `json:"trials"`
	Completed    int       `json:"completed"`
	BestScore    *float64  `json:"best_score,omitempty"`
	Size         int64     `json:"size"`
}

// ToInfo converts an envelope stored under key to its metadata.
func (e *Envelope) ToInfo(key string) CheckpointInfo {
	info := CheckpointInfo{
		Key:          key,
		ExperimentID: e.ExperimentID,
		Strategy:     e.Engine.Strategy,
		SavedAt:      e.SavedAt,
		Trials:       len(e.Trials),
	}
	for _, t := range e.Trials {
		if t.Status != ledger.StatusCompleted || t.Score == nil {
			continue
		}
		info.Completed++
		score := *t.Score
		if info.BestScore == nil ||
			(e.Spec.Minimize && score < *info.BestScore) ||
			(!e.Spec.Minimize && score > *info.BestScore) {
			info.BestScore = &score
		}
	}
	return info
}

// Validate checks the envelope's structure. It does not validate the spec or
// the engine state; restoring the experiment does that.
func (e *Envelope) Validate() error {
	if e.Version != CurrentVersion {
		return &ValidationError{Field: "version", Reason: fmt.Sprintf("must be %d, got %d", CurrentVersion, e.Version)}
	}
	if e.ExperimentID == "" {
		return &ValidationError{Field: "experiment_id", Reason: "cannot be empty"}
	}
	if e.Spec.Name != e.ExperimentID {
		return &ValidationError{Field: "spec.name", Reason: fmt.Sprintf("%q does not match experiment_id %q", e.Spec.Name, e.ExperimentID)}
	}
	if e.SavedAt.IsZero() {
		return &ValidationError{Field: "saved_at", Reason: "cannot be zero"}
	}
	if e.Engine.Strategy == "" {
		return &ValidationError{Field: "engine.strategy", Reason: "cannot be empty"}
	}
	if len(e.Engine.State) == 0 {
		return &ValidationError{Field: "engine.state", Reason: "cannot be empty"}
	}

	seen := make(map[int]bool, len(e.Trials))
	for i, t := range e.Trials {
		field := fmt.Sprintf("trials[%d]", i)
		if t.Index < 0 {
			return &ValidationError{Field: field, Reason: "index cannot be negative"}
		}
		if seen[t.Index] {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("duplicate trial index %d", t.Index)}
		}
		seen[t.Index] = true
		if (t.Status == ledger.StatusCompleted) != (t.Score != nil) {
			return &ValidationError{Field: field, Reason: "score must be present exactly when completed"}
		}
	}
	return nil
}

// ValidationError represents a structurally invalid checkpoint.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
