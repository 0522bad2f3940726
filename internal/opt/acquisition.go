package opt

import "math"

// acquisitionFunc scores a candidate from the surrogate's prediction.
// Lower values are more promising. best is the lowest standardized
// observation so far.
type acquisitionFunc func(mean, variance, best float64, cfg Config) float64

// lowerConfidenceBound is UCB written for minimization.
func lowerConfidenceBound(mean, variance, _ float64, cfg Config) float64 {
	return mean - cfg.Beta*math.Sqrt(variance)
}

// negExpectedImprovement returns minus the expected improvement over best.
func negExpectedImprovement(mean, variance, best float64, cfg Config) float64 {
	sigma := math.Sqrt(variance)
	improvement := best - mean - cfg.Xi
	if sigma < 1e-12 {
		return -math.Max(improvement, 0)
	}
	z := improvement / sigma
	return -(improvement*normalCDF(z) + sigma*normalPDF(z))
}

func acquisitionByName(name string) acquisitionFunc {
	if name == AcquisitionEI {
		return negExpectedImprovement
	}
	return lowerConfidenceBound
}

func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

func normalPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}
