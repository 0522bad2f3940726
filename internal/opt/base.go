package opt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/trialforge/internal/space"
)

// record is one issued trial as the engine sees it. Index equals the
// record's position in base.records.
type record struct {
	Index    int              `json:"index"`
	Unit     []float64        `json:"unit"`
	Params   space.Assignment `json:"params"`
	Observed bool             `json:"observed"`
	Value    float64          `json:"value,omitempty"`
}

// snapshot is the serialized engine state.
type snapshot struct {
	Strategy string   `json:"strategy"`
	Config   Config   `json:"config"`
	RNG      []byte   `json:"rng"`
	Trials   []record `json:"trials"`
}

// base carries the bookkeeping shared by every strategy: issued trials,
// observations and the random stream.
type base struct {
	strategy string
	cfg      Config
	space    *space.Space
	src      *pcgSource
	rng      *rand.Rand
	records  []record
	seen     map[string]struct{}
	last     *proposal
}

// proposal remembers the random stream as it was before the latest trial was
// drawn, so the trial can be retracted.
type proposal struct {
	index int
	rng   []byte
}

// IssuedTrial is the engine's view of one proposed trial.
type IssuedTrial struct {
	Index    int
	Params   space.Assignment
	Observed bool
	Value    float64
}

func newBase(strategy string, sp *space.Space, cfg Config, src *pcgSource) *base {
	return &base{
		strategy: strategy,
		cfg:      cfg,
		space:    sp,
		src:      src,
		rng:      src.rand(),
		seen:     make(map[string]struct{}),
	}
}

func restoreBase(strategy string, sp *space.Space, state []byte) (*base, error) {
	var snap snapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if snap.Strategy != strategy {
		return nil, fmt.Errorf("%w: snapshot strategy %q, want %q", ErrInvalidSnapshot, snap.Strategy, strategy)
	}

	src := newRNG(0)
	if err := src.UnmarshalBinary(snap.RNG); err != nil {
		return nil, fmt.Errorf("%w: rng state: %v", ErrInvalidSnapshot, err)
	}

	b := newBase(strategy, sp, snap.Config.normalized(), src)
	for i, rec := range snap.Trials {
		if rec.Index != i {
			return nil, fmt.Errorf("%w: trial at position %d has index %d", ErrInvalidSnapshot, i, rec.Index)
		}
		if err := sp.Check(rec.Params); err != nil {
			return nil, fmt.Errorf("%w: trial %d: %v", ErrInvalidSnapshot, i, err)
		}
		if len(rec.Unit) != sp.Dim() {
			return nil, fmt.Errorf("%w: trial %d has %d coordinates, want %d", ErrInvalidSnapshot, i, len(rec.Unit), sp.Dim())
		}
		b.records = append(b.records, rec)
		b.seen[sp.Key(rec.Params)] = struct{}{}
	}
	return b, nil
}

func (b *base) Strategy() string { return b.strategy }

// Issued returns every trial the engine has proposed, in index order.
func (b *base) Issued() []IssuedTrial {
	out := make([]IssuedTrial, len(b.records))
	for i, rec := range b.records {
		out[i] = IssuedTrial{
			Index:    rec.Index,
			Params:   rec.Params.Clone(),
			Observed: rec.Observed,
			Value:    rec.Value,
		}
	}
	return out
}

// Retract undoes the latest Suggest: the trial is dropped and the random
// stream rewinds, so the next Suggest proposes the same point again. Only an
// unobserved trial from the most recent Suggest can be retracted.
func (b *base) Retract(index int) error {
	latest := len(b.records) - 1
	if index != latest || b.last == nil || b.last.index != index {
		return fmt.Errorf("%w: trial %d is not the latest proposal", ErrUnknownTrial, index)
	}
	if b.records[index].Observed {
		return fmt.Errorf("%w: trial %d is already observed", ErrDuplicateObservation, index)
	}

	key := b.space.Key(b.records[index].Params)
	b.records = b.records[:index]
	shared := false
	for _, rec := range b.records {
		if b.space.Key(rec.Params) == key {
			shared = true
			break
		}
	}
	if !shared {
		delete(b.seen, key)
	}
	if err := b.src.UnmarshalBinary(b.last.rng); err != nil {
		return fmt.Errorf("%w: rewind rng: %v", ErrEngineInternal, err)
	}
	b.last = nil
	return nil
}

// Snapshot serializes the engine state.
func (b *base) Snapshot() ([]byte, error) {
	rngState, err := b.src.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal rng: %v", ErrEngineInternal, err)
	}
	return json.Marshal(snapshot{
		Strategy: b.strategy,
		Config:   b.cfg,
		RNG:      rngState,
		Trials:   b.records,
	})
}

// Observe records the objective value for an issued trial.
func (b *base) Observe(ctx context.Context, index int, outcome map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if index < 0 || index >= len(b.records) {
		return fmt.Errorf("%w: %d", ErrUnknownTrial, index)
	}
	if b.records[index].Observed {
		return fmt.Errorf("%w: trial %d", ErrDuplicateObservation, index)
	}
	value, ok := outcome[b.space.Objective()]
	if !ok {
		return fmt.Errorf("%w: missing objective %q", ErrInvalidOutcome, b.space.Objective())
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: objective %q is not finite", ErrInvalidOutcome, b.space.Objective())
	}

	b.records[index].Observed = true
	b.records[index].Value = value
	return nil
}

// Best returns the best observed trial. Ties go to the earliest index.
func (b *base) Best() (space.Assignment, float64, error) {
	best := -1
	for i, rec := range b.records {
		if !rec.Observed {
			continue
		}
		if best < 0 || b.better(rec.Value, b.records[best].Value) {
			best = i
		}
	}
	if best < 0 {
		return nil, 0, ErrNoObservationsYet
	}
	return b.records[best].Params.Clone(), b.records[best].Value, nil
}

func (b *base) better(a, than float64) bool {
	if b.space.Minimize() {
		return a < than
	}
	return a > than
}

// observed returns the unit coordinates and values of every observed trial.
func (b *base) observed() ([][]float64, []float64) {
	var xs [][]float64
	var ys []float64
	for _, rec := range b.records {
		if rec.Observed {
			xs = append(xs, rec.Unit)
			ys = append(ys, rec.Value)
		}
	}
	return xs, ys
}

func (b *base) randomUnit() []float64 {
	u := make([]float64, b.space.Dim())
	for i := range u {
		u[i] = b.rng.Float64()
	}
	return u
}

// propose draws candidates until one is admissible, then commits it as the
// next trial. draw is called with the attempt number; attempt 0 is the
// strategy's preferred candidate. On error the random stream is rewound to
// where it was, so a failed or cancelled call does not shift later proposals.
func (b *base) propose(ctx context.Context, draw func(attempt int) ([]float64, error)) (a space.Assignment, index int, err error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	mark, err := b.src.MarshalBinary()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: marshal rng: %v", ErrEngineInternal, err)
	}
	defer func() {
		if err != nil {
			if rewindErr := b.src.UnmarshalBinary(mark); rewindErr != nil {
				err = errors.Join(err, fmt.Errorf("%w: rewind rng: %v", ErrEngineInternal, rewindErr))
			}
			return
		}
		b.last = &proposal{index: index, rng: mark}
	}()

	total, finite := b.space.Cardinality()
	if finite && len(b.seen) >= total {
		return nil, 0, fmt.Errorf("%w: all %d points of the space were issued", ErrEngineExhausted, total)
	}

	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		u, err := draw(attempt)
		if err != nil {
			return nil, 0, err
		}
		a, ok, err := b.admissible(b.space.Decode(u), finite)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			return b.commit(ctx, a)
		}
	}

	// Random draws keep colliding: walk the remaining points of a small
	// discrete space directly.
	if finite && total <= enumerationLimit {
		offset := b.rng.Intn(total)
		for k := 0; k < total; k++ {
			a, ok, err := b.admissible(b.space.PointAt((offset+k)%total), true)
			if err != nil {
				return nil, 0, err
			}
			if ok {
				return b.commit(ctx, a)
			}
		}
	}

	return nil, 0, fmt.Errorf("%w: no admissible candidate after %d attempts", ErrEngineExhausted, b.cfg.MaxAttempts)
}

const enumerationLimit = 1 << 16

func (b *base) admissible(a space.Assignment, dedupe bool) (space.Assignment, bool, error) {
	if dedupe {
		if _, dup := b.seen[b.space.Key(a)]; dup {
			return nil, false, nil
		}
	}
	ok, err := b.space.Satisfies(a)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrEngineInternal, err)
	}
	return a, ok, nil
}

func (b *base) commit(ctx context.Context, a space.Assignment) (space.Assignment, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	u, err := b.space.Encode(a)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: decoded point rejected: %v", ErrEngineInternal, err)
	}

	index := len(b.records)
	b.records = append(b.records, record{Index: index, Unit: u, Params: a.Clone()})
	b.seen[b.space.Key(a)] = struct{}{}
	return a, index, nil
}
