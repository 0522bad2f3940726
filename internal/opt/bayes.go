package opt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cwbudde/trialforge/internal/space"
)

// bayesEngine fits a Gaussian-process surrogate to the observed trials and
// proposes the point that minimizes the acquisition function. Until
// InitialSamples observations exist it samples uniformly.
type bayesEngine struct {
	*base
	optimizer Optimizer
	acquire   acquisitionFunc
}

func newBayesEngine(b *base) *bayesEngine {
	return &bayesEngine{
		base:      b,
		optimizer: NewMayfly(b.cfg.SearchIterations, b.cfg.SearchPopulation, b.rng),
		acquire:   acquisitionByName(b.cfg.Acquisition),
	}
}

func (e *bayesEngine) Suggest(ctx context.Context) (space.Assignment, int, error) {
	xs, ys := e.observed()
	if len(xs) < e.cfg.InitialSamples || e.space.Dim() == 0 {
		return e.propose(ctx, func(int) ([]float64, error) {
			return e.randomUnit(), nil
		})
	}

	// The surrogate always minimizes: flip the sign when maximizing.
	targets := make([]float64, len(ys))
	for i, y := range ys {
		targets[i] = y
		if !e.space.Minimize() {
			targets[i] = -y
		}
	}

	gp, err := fitGP(xs, targets, e.cfg.LengthScale)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: fit surrogate: %v", ErrEngineInternal, err)
	}

	incumbent := gp.standardize(targets[0])
	for _, y := range targets[1:] {
		incumbent = min(incumbent, gp.standardize(y))
	}

	return e.propose(ctx, func(attempt int) ([]float64, error) {
		if attempt > 0 {
			return e.randomUnit(), nil
		}
		u, _, err := e.optimizer.Minimize(func(u []float64) float64 {
			mean, variance := gp.predict(u)
			return e.acquire(mean, variance, incumbent, e.cfg)
		}, 0, 1, e.space.Dim())
		if err != nil {
			slog.Warn("Acquisition search failed, falling back to random candidate", "error", err)
			return e.randomUnit(), nil
		}
		return u, nil
	})
}
