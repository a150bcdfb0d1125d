package simulator

import (
	"fmt"
	"math"
)

// epsilon guards the singular points of the formula.
const epsilon = 1e-15

// GreedyApproxFree is the free space greedy GC finds in its victim at the
// given fill level: 2(1-f).
func GreedyApproxFree(fill float64) float64 {
	return 2 * (1 - fill)
}

// GreedyApproxWA is the classical greedy GC write amplification 1/(2(1-f)).
func GreedyApproxWA(fill float64) float64 {
	return 1 / GreedyApproxFree(fill)
}

// calc2aSolution splits capacity between two groups whose relative write
// share is w. At w = 0.5 the closed form is 0/0 and its limit is 0.5.
func calc2aSolution(w float64) float64 {
	if math.Abs(2*w-1) < epsilon {
		return 0.5
	}
	v := w * (1 - w)
	if v < 0 {
		return 0
	}
	den := 2*w - 1
	if math.Abs(den) < epsilon {
		return 0
	}
	return (w - math.Sqrt(v)) / den
}

// computeA returns the capacity share of the first group given the chain of
// pairwise split factors.
func computeA(factors []float64) float64 {
	num := 1.0
	for _, f := range factors {
		num *= f
	}
	den := 1.0
	for i := range factors {
		p := 1.0
		for _, f := range factors[i:] {
			p *= f
		}
		den += p
	}
	return num / den
}

// intervalWA sums per-group greedy WA weighted by write share. Each group
// holds share s[i] of the data and opShare[i] of the spare space.
func intervalWA(fill float64, s, wf, opShare []float64) float64 {
	sum := 0.0
	for i := range s {
		sf := s[i] * fill
		den := sf + (1-fill)*opShare[i]
		if math.Abs(den) < epsilon {
			continue
		}
		sum += wf[i] * GreedyApproxWA(sf/den)
	}
	return sum
}

// OptimalWA computes the spare-space split across write-frequency groups
// that minimizes write amplification at the given fill level, and the
// resulting WA. Groups hold equal data shares; weights are their relative
// write frequencies, sorted hottest first, and must all be positive.
func OptimalWA(fill float64, weights []float64) ([]float64, float64) {
	if len(weights) == 0 {
		panic("OptimalWA: no groups")
	}
	total := 0.0
	for i, w := range weights {
		if w <= 0 {
			panic(fmt.Sprintf("OptimalWA: weight %d is %g, must be > 0", i, w))
		}
		total += w
	}
	wf := make([]float64, len(weights))
	for i, w := range weights {
		wf[i] = w / total
	}

	factors := make([]float64, 0, len(wf))
	for i := 0; i+1 < len(wf); i++ {
		split := calc2aSolution(wf[i] / (wf[i] + wf[i+1]))
		if den := 1 - split; math.Abs(den) > epsilon {
			factors = append(factors, split/den)
		}
	}

	opShare := make([]float64, 0, len(wf))
	if len(factors) == 0 {
		opShare = append(opShare, 1)
	} else {
		opShare = append(opShare, computeA(factors))
		for i, f := range factors {
			if math.Abs(f) < epsilon {
				opShare = append(opShare, 0)
			} else {
				opShare = append(opShare, opShare[i]/f)
			}
		}
	}
	// Splits skipped at a singular point leave trailing groups without spare space.
	for len(opShare) < len(wf) {
		opShare = append(opShare, 0)
	}

	s := make([]float64, len(wf))
	for i := range s {
		s[i] = 1 / float64(len(wf))
	}
	return opShare, intervalWA(fill, s, wf, opShare)
}

// OptimalWAFromCounts runs OptimalWA on raw write counts, substituting
// zeroFloor for groups that saw no writes.
func OptimalWAFromCounts(fill float64, counts []uint64, zeroFloor float64) ([]float64, float64) {
	weights := make([]float64, len(counts))
	for i, c := range counts {
		if c > 0 {
			weights[i] = float64(c)
		} else {
			weights[i] = zeroFloor
		}
	}
	return OptimalWA(fill, weights)
}
