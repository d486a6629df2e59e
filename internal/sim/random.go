package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Source is the random stream consumed by the engine. *rand.Rand satisfies
// it; tests substitute fixed sequences.
type Source interface {
	Float64() float64
	IntN(n int) int
	NormFloat64() float64
}

// pcgStream is the fixed second PCG word; runs are keyed by seed alone.
const pcgStream = 0x9e3779b97f4a7c15

// NewSource returns a PCG-backed source for seed.
func NewSource(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, pcgStream))
}

// ErrDistribution is matched by every error from a distribution
// constructor.
var ErrDistribution = errors.New("invalid distribution parameters")

// Bernoulli yields true with probability p.
type Bernoulli struct {
	p float64
}

// NewBernoulli rejects p outside [0, 1], including NaN.
func NewBernoulli(p float64) (Bernoulli, error) {
	if !(p >= 0 && p <= 1) {
		return Bernoulli{}, fmt.Errorf("%w: bernoulli probability %v not in [0, 1]", ErrDistribution, p)
	}
	return Bernoulli{p: p}, nil
}

// Sample consumes one Float64 draw.
func (b Bernoulli) Sample(src Source) bool {
	return src.Float64() < b.p
}

// Categorical draws an index with probability proportional to its weight.
// Weights need not be normalised. The weight slice is referenced, not
// copied, and must not change while the distribution is in use.
type Categorical struct {
	weights []float64
	total   float64
}

// NewCategorical rejects empty, negative, non-finite and all-zero weights.
func NewCategorical(weights []float64) (Categorical, error) {
	if len(weights) == 0 {
		return Categorical{}, fmt.Errorf("%w: categorical needs at least one weight", ErrDistribution)
	}
	var total float64
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return Categorical{}, fmt.Errorf("%w: categorical weight %d is %v", ErrDistribution, i, w)
		}
		total += w
	}
	if !(total > 0) || math.IsInf(total, 0) {
		return Categorical{}, fmt.Errorf("%w: categorical weights sum to %v", ErrDistribution, total)
	}
	return Categorical{weights: weights, total: total}, nil
}

// Sample consumes one Float64 draw. Zero-weight indices are never returned.
func (c Categorical) Sample(src Source) int {
	u := src.Float64() * c.total
	var cum float64
	last := -1
	for i, w := range c.weights {
		if w == 0 {
			continue
		}
		last = i
		cum += w
		if u < cum {
			return i
		}
	}
	// Rounding can leave u just above the accumulated sum.
	return last
}

// LogNormal is exp(N(mu, sigma^2)).
type LogNormal struct {
	mu, sigma float64
}

// NewLogNormal rejects a non-finite mu and a negative or non-finite sigma.
func NewLogNormal(mu, sigma float64) (LogNormal, error) {
	if math.IsNaN(mu) || math.IsInf(mu, 0) {
		return LogNormal{}, fmt.Errorf("%w: log-normal location %v", ErrDistribution, mu)
	}
	if !(sigma >= 0) || math.IsInf(sigma, 0) {
		return LogNormal{}, fmt.Errorf("%w: log-normal scale %v", ErrDistribution, sigma)
	}
	return LogNormal{mu: mu, sigma: sigma}, nil
}

// Sample consumes one NormFloat64 draw. With sigma 0 it returns exactly
// exp(mu).
func (l LogNormal) Sample(src Source) float64 {
	return math.Exp(l.mu + l.sigma*src.NormFloat64())
}

// sampleDistinct chooses k distinct indices from [0, n) uniformly without
// replacement using a partial Fisher-Yates shuffle over buf, which is
// cleared and reused. It consumes exactly k IntN draws.
func sampleDistinct(src Source, buf []int, n, k int) []int {
	buf = buf[:0]
	for i := 0; i < n; i++ {
		buf = append(buf, i)
	}
	for i := 0; i < k; i++ {
		j := i + src.IntN(n-i)
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf[:k]
}
