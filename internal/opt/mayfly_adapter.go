package opt

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// Optimizer minimizes a function over the box [lower, upper]^dim.
type Optimizer interface {
	Minimize(eval func([]float64) float64, lower, upper float64, dim int) ([]float64, float64, error)
}

// MayflyAdapter wraps the external Mayfly library to conform to our Optimizer interface
type MayflyAdapter struct {
	maxIters int
	popSize  int
	rng      *rand.Rand
}

// NewMayfly creates a Mayfly optimizer that draws from rng, so its runs are
// reproducible from the engine's random stream.
func NewMayfly(maxIters, popSize int, rng *rand.Rand) *MayflyAdapter {
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		rng:      rng,
	}
}

// Minimize executes the Mayfly optimization using the external library
func (m *MayflyAdapter) Minimize(eval func([]float64) float64, lower, upper float64, dim int) ([]float64, float64, error) {
	config := mayfly.NewDefaultConfig()

	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize

	// The engines search the unit cube, so scalar bounds cover every dimension.
	config.LowerBound = lower
	config.UpperBound = upper

	config.Rand = m.rng

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly: %w", err)
	}

	return result.GlobalBest.Position, result.GlobalBest.Cost, nil
}
