package opt

import "golang.org/x/exp/constraints"

// Acquisition function names for the bayes strategy.
const (
	AcquisitionUCB = "ucb"
	AcquisitionEI  = "ei"
)

// Config tunes an engine. The zero value is usable; unset fields take the
// DefaultConfig values.
type Config struct {
	// Seed initializes the engine's random stream.
	Seed int64 `json:"seed" yaml:"seed"`

	// InitialSamples is the number of observations the bayes strategy
	// collects from random points before fitting its surrogate.
	InitialSamples int `json:"initial_samples" yaml:"initial_samples"`

	// Acquisition selects "ucb" or "ei".
	Acquisition string `json:"acquisition" yaml:"acquisition"`

	// Beta weights exploration in UCB.
	Beta float64 `json:"beta" yaml:"beta"`

	// Xi is the improvement margin used by EI.
	Xi float64 `json:"xi" yaml:"xi"`

	// LengthScale is the RBF kernel width on the unit cube.
	LengthScale float64 `json:"length_scale" yaml:"length_scale"`

	// MaxAttempts bounds how many candidates are drawn before the engine
	// gives up on finding an unissued point that satisfies the constraints.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// SearchIterations and SearchPopulation size the mayfly run that
	// minimizes the acquisition function.
	SearchIterations int `json:"search_iterations" yaml:"search_iterations"`
	SearchPopulation int `json:"search_population" yaml:"search_population"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Seed:             1,
		InitialSamples:   5,
		Acquisition:      AcquisitionUCB,
		Beta:             2.0,
		Xi:               0.01,
		LengthScale:      0.25,
		MaxAttempts:      100,
		SearchIterations: 30,
		SearchPopulation: 20,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Seed == 0 {
		c.Seed = def.Seed
	}
	if c.InitialSamples <= 0 {
		c.InitialSamples = def.InitialSamples
	}
	if c.Acquisition != AcquisitionEI {
		c.Acquisition = AcquisitionUCB
	}
	if c.Beta <= 0 {
		c.Beta = def.Beta
	}
	if c.Xi < 0 {
		c.Xi = def.Xi
	}
	if c.LengthScale <= 0 {
		c.LengthScale = def.LengthScale
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.SearchIterations <= 0 {
		c.SearchIterations = def.SearchIterations
	}
	// mayfly v0.1.0 needs a population of at least 20
	c.SearchPopulation = clamp(c.SearchPopulation, 20, 500)
	return c
}

func clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
