package opt

import (
	"errors"
	"math"
)

var errNotPositiveDefinite = errors.New("kernel matrix is not positive definite")

// gaussianProcess is a zero-mean GP with an RBF kernel fitted on
// standardized targets.
type gaussianProcess struct {
	lengthScale float64
	x           [][]float64
	chol        [][]float64 // lower Cholesky factor of K + noise*I
	alpha       []float64   // (K + noise*I)^-1 y
	yMean       float64
	yStd        float64
}

// fitGP fits the surrogate. Jitter grows until the kernel matrix factors.
func fitGP(x [][]float64, y []float64, lengthScale float64) (*gaussianProcess, error) {
	n := len(x)
	if n == 0 {
		return nil, errors.New("no training points")
	}

	gp := &gaussianProcess{lengthScale: lengthScale, x: x}
	gp.yMean, gp.yStd = meanStd(y)
	ys := make([]float64, n)
	for i, v := range y {
		ys[i] = (v - gp.yMean) / gp.yStd
	}

	var err error
	for noise := 1e-6; noise <= 1e-1; noise *= 10 {
		k := make([][]float64, n)
		for i := range k {
			k[i] = make([]float64, n)
			for j := range k[i] {
				k[i][j] = gp.kernel(x[i], x[j])
			}
			k[i][i] += noise
		}
		gp.chol, err = cholesky(k)
		if err == nil {
			gp.alpha = backSubstituteT(gp.chol, forwardSubstitute(gp.chol, ys))
			return gp, nil
		}
	}
	return nil, err
}

func (gp *gaussianProcess) kernel(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Exp(-sum / (2 * gp.lengthScale * gp.lengthScale))
}

// predict returns the standardized posterior mean and variance at u.
func (gp *gaussianProcess) predict(u []float64) (mean, variance float64) {
	ks := make([]float64, len(gp.x))
	for i, xi := range gp.x {
		ks[i] = gp.kernel(u, xi)
		mean += ks[i] * gp.alpha[i]
	}
	v := forwardSubstitute(gp.chol, ks)
	variance = 1.0
	for _, vi := range v {
		variance -= vi * vi
	}
	return mean, clamp(variance, 1e-12, 1.0)
}

func (gp *gaussianProcess) standardize(y float64) float64 {
	return (y - gp.yMean) / gp.yStd
}

func meanStd(y []float64) (float64, float64) {
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))
	var ss float64
	for _, v := range y {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / float64(len(y)))
	if std < 1e-12 {
		std = 1
	}
	return mean, std
}

func cholesky(a [][]float64) ([][]float64, error) {
	n := len(a)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil, errNotPositiveDefinite
				}
				l[i][i] = math.Sqrt(sum)
			} else {
				l[i][j] = sum / l[j][j]
			}
		}
	}
	return l, nil
}

// forwardSubstitute solves L x = b.
func forwardSubstitute(l [][]float64, b []float64) []float64 {
	x := make([]float64, len(b))
	for i := range b {
		sum := b[i]
		for k := 0; k < i; k++ {
			sum -= l[i][k] * x[k]
		}
		x[i] = sum / l[i][i]
	}
	return x
}

// backSubstituteT solves L^T x = b.
func backSubstituteT(l [][]float64, b []float64) []float64 {
	n := len(b)
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := b[i]
		for k := i + 1; k < n; k++ {
			sum -= l[k][i] * x[k]
		}
		x[i] = sum / l[i][i]
	}
	return x
}
