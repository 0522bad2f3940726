// Package ledger records the trials of one experiment. Trials are appended
// when proposed, transition once to a terminal status and are never removed.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/trialforge/internal/space"
)

// Status is the lifecycle state of a trial.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrDuplicateTrialIndex = errors.New("duplicate trial index")
	ErrUnknownTrial        = errors.New("unknown trial")
	ErrAlreadyCompleted    = errors.New("trial already completed")
)

// Trial is one proposed assignment and its eventual outcome. Score is set
// iff Status is completed.
type Trial struct {
	Index       int              `json:"trial_index"`
	Parameters  space.Assignment `json:"parameters"`
	Status      Status           `json:"status"`
	Score       *float64         `json:"score,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func (t Trial) clone() Trial {
	t.Parameters = t.Parameters.Clone()
	if t.Score != nil {
		score := *t.Score
		t.Score = &score
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

// Counts summarizes trials by status.
type Counts struct {
	Proposed  int `json:"proposed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Ledger is an append-only sequence of trials keyed by index. It is safe
// for concurrent use.
type Ledger struct {
	mu     sync.RWMutex
	trials map[int]*Trial
	order  []int // ascending indices
	now    func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		trials: make(map[int]*Trial),
		now:    time.Now,
	}
}

// FromTrials rebuilds a ledger from a trial history, e.g. a checkpoint. It
// enforces the same invariants as the recording methods.
func FromTrials(trials []Trial) (*Ledger, error) {
	l := New()
	for _, t := range trials {
		if _, exists := l.trials[t.Index]; exists {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateTrialIndex, t.Index)
		}
		switch t.Status {
		case StatusProposed, StatusFailed:
			if t.Score != nil {
				return nil, fmt.Errorf("trial %d: %s trial carries a score", t.Index, t.Status)
			}
		case StatusCompleted:
			if t.Score == nil {
				return nil, fmt.Errorf("trial %d: completed trial has no score", t.Index)
			}
		default:
			return nil, fmt.Errorf("trial %d: unknown status %q", t.Index, t.Status)
		}
		c := t.clone()
		l.insert(&c)
	}
	return l, nil
}

func (l *Ledger) insert(t *Trial) {
	l.trials[t.Index] = t
	i := sort.SearchInts(l.order, t.Index)
	l.order = append(l.order, 0)
	copy(l.order[i+1:], l.order[i:])
	l.order[i] = t.Index
}

// RecordProposed appends a proposed trial.
func (l *Ledger) RecordProposed(index int, params space.Assignment) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.trials[index]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateTrialIndex, index)
	}
	l.insert(&Trial{
		Index:      index,
		Parameters: params.Clone(),
		Status:     StatusProposed,
		CreatedAt:  l.now(),
	})
	return nil
}

// CanComplete reports whether index is a proposed trial, returning the
// error RecordCompleted would return otherwise.
func (l *Ledger) CanComplete(index int) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkProposed(index)
}

func (l *Ledger) checkProposed(index int) error {
	t, exists := l.trials[index]
	if !exists {
		return fmt.Errorf("%w: %d", ErrUnknownTrial, index)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: trial %d is %s", ErrAlreadyCompleted, index, t.Status)
	}
	return nil
}

// RecordCompleted moves a proposed trial to completed with its score.
func (l *Ledger) RecordCompleted(index int, score float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkProposed(index); err != nil {
		return err
	}
	now := l.now()
	t := l.trials[index]
	t.Status = StatusCompleted
	t.Score = &score
	t.CompletedAt = &now
	return nil
}

// RecordFailed moves a proposed trial to failed. Failed trials carry no score.
func (l *Ledger) RecordFailed(index int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkProposed(index); err != nil {
		return err
	}
	now := l.now()
	t := l.trials[index]
	t.Status = StatusFailed
	t.Reason = reason
	t.CompletedAt = &now
	return nil
}

// Get returns a copy of the trial at index.
func (l *Ledger) Get(index int) (Trial, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.trials[index]
	if !ok {
		return Trial{}, false
	}
	return t.clone(), true
}

// All returns copies of every trial ordered by ascending index.
func (l *Ledger) All() []Trial {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Trial, 0, len(l.order))
	for _, idx := range l.order {
		out = append(out, l.trials[idx].clone())
	}
	return out
}

// Len returns the number of trials.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Counts tallies trials by status.
func (l *Ledger) Counts() Counts {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var c Counts
	for _, t := range l.trials {
		switch t.Status {
		case StatusProposed:
			c.Proposed++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Best returns the completed trial with the best score for the given
// direction. Ties go to the lowest index.
func (l *Ledger) Best(minimize bool) (Trial, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var best *Trial
	for _, idx := range l.order {
		t := l.trials[idx]
		if t.Status != StatusCompleted {
			continue
		}
		if best == nil ||
			(minimize && *t.Score < *best.Score) ||
			(!minimize && *t.Score > *best.Score) {
			best = t
		}
	}
	if best == nil {
		return Trial{}, false
	}
	return best.clone(), true
}
