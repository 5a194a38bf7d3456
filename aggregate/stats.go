package aggregate

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// z95 is the two-sided 95% normal quantile.
const z95 = 1.959963984540054

// wilson computes the Wilson score interval for a binomial proportion.
// Preferred over the normal approximation because it behaves at the
// extremes (0 or n successes) and for small n.
func wilson(successes, n int, z float64) Interval {
	if n == 0 {
		return Interval{Low: 0, High: 1, Method: MethodWilson95}
	}
	p := float64(successes) / float64(n)
	nf := float64(n)
	z2 := z * z

	denom := 1 + z2/nf
	center := (p + z2/(2*nf)) / denom
	margin := z / denom * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))

	return Interval{
		Low:    math.Max(0, center-margin),
		High:   math.Min(1, center+margin),
		Method: MethodWilson95,
	}
}

// bootstrapMeanCI computes a percentile bootstrap 95% interval for the mean.
func bootstrapMeanCI(samples []float64, iterations int, rng *rand.Rand) Interval {
	if len(samples) == 0 {
		return Interval{Method: MethodBootstrap95}
	}
	if iterations <= 0 {
		iterations = 1000
	}

	means := make([]float64, iterations)
	resample := make([]float64, len(samples))
	for i := 0; i < iterations; i++ {
		for j := range resample {
			resample[j] = samples[rng.Intn(len(samples))]
		}
		means[i] = stat.Mean(resample, nil)
	}
	sort.Float64s(means)

	return Interval{
		Low:    stat.Quantile(0.025, stat.Empirical, means, nil),
		High:   stat.Quantile(0.975, stat.Empirical, means, nil),
		Method: MethodBootstrap95,
	}
}

// durationSummary computes mean/median/p95 over a sample in seconds.
func durationSummary(seconds []float64) (mean, median, p95 float64) {
	if len(seconds) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), seconds...)
	sort.Float64s(sorted)
	mean = stat.Mean(sorted, nil)
	median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return mean, median, p95
}

// oneWayANOVA computes the F statistic, p-value, and eta-squared effect size
// for k groups. Callers must ensure every group has at least two
// observations; the function errors otherwise rather than producing a
// misleading statistic.
func oneWayANOVA(groups map[string][]float64) (f, p, etaSquared float64, err error) {
	if len(groups) < 2 {
		return 0, 0, 0, fmt.Errorf("anova requires at least 2 groups, got %d", len(groups))
	}

	var all []float64
	for name, g := range groups {
		if len(g) < 2 {
			return 0, 0, 0, fmt.Errorf("group %q has %d observations, need at least 2", name, len(g))
		}
		all = append(all, g...)
	}
	grand := stat.Mean(all, nil)

	var ssBetween, ssWithin float64
	for _, g := range groups {
		gm := stat.Mean(g, nil)
		ssBetween += float64(len(g)) * (gm - grand) * (gm - grand)
		for _, v := range g {
			ssWithin += (v - gm) * (v - gm)
		}
	}

	dfBetween := float64(len(groups) - 1)
	dfWithin := float64(len(all) - len(groups))
	ssTotal := ssBetween + ssWithin

	if ssTotal == 0 {
		// All observations identical: no variance to explain.
		return 0, 1, 0, nil
	}
	etaSquared = ssBetween / ssTotal

	if ssWithin == 0 {
		// Groups are internally constant but differ: infinitely strong effect.
		return math.Inf(1), 0, etaSquared, nil
	}

	f = (ssBetween / dfBetween) / (ssWithin / dfWithin)
	fDist := distuv.F{D1: dfBetween, D2: dfWithin}
	p = fDist.Survival(f)
	return f, p, etaSquared, nil
}
