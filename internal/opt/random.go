package opt

import (
	"context"

	"github.com/cwbudde/trialforge/internal/space"
)

// randomEngine samples the unit cube uniformly. It is the reference strategy
// for tests and a baseline for comparisons.
type randomEngine struct {
	*base
}

func (e *randomEngine) Suggest(ctx context.Context) (space.Assignment, int, error) {
	return e.propose(ctx, func(int) ([]float64, error) {
		return e.randomUnit(), nil
	})
}
