package simulator

import (
	"fmt"
	"sort"
)

// DefaultOptimalBuckets is the histogram resolution of the oracle.
const DefaultOptimalBuckets = 100

// OptimalGC is an oracle, not an online policy. It only counts writes per
// page; at each Stats call it sorts pages by write count, buckets them into a
// fixed histogram, feeds the histogram to the WA formula and sets the
// device's physical write counter to logicalWrites*WA.
type OptimalGC struct {
	dev           *Device
	buckets       int
	writesPerPage []uint64
	logicalWrites uint64
	lastWA        float64
}

func NewOptimalGC(dev *Device, buckets int) (*OptimalGC, error) {
	if buckets == 0 {
		buckets = DefaultOptimalBuckets
	}
	if buckets < 1 {
		return nil, ErrInvalidConfig(fmt.Sprintf("optimal buckets %d must be >= 1", buckets))
	}
	if dev.FillFactor() >= 1 {
		return nil, ErrInvalidConfig("optimal needs a fill factor below 1")
	}
	return &OptimalGC{
		dev:           dev,
		buckets:       buckets,
		writesPerPage: make([]uint64, dev.LogicalPages()),
	}, nil
}

func (p *OptimalGC) Name() string { return "optimal" }

func (p *OptimalGC) WritePage(lp LogicalPage) error {
	if lp < 0 || int(lp) >= len(p.writesPerPage) {
		return invariantf("OptimalGC.WritePage", "logical page %d out of range", lp)
	}
	p.logicalWrites++
	p.writesPerPage[lp]++
	return nil
}

// histogram sums per-page write counts, hottest pages first, into buckets of
// equal page population. Empty buckets count as 1.
func (p *OptimalGC) histogram() []float64 {
	pages := append([]uint64(nil), p.writesPerPage...)
	sort.Slice(pages, func(i, j int) bool { return pages[i] > pages[j] })

	hist := make([]float64, p.buckets)
	n := float64(len(pages))
	for i, c := range pages {
		idx := min(int(float64(i)/n*float64(p.buckets)), p.buckets-1)
		hist[idx] += float64(c)
	}
	for i := range hist {
		if hist[i] == 0 {
			hist[i] = 1
		}
	}
	return hist
}

// IdealWA is the WA computed at the last Stats call.
func (p *OptimalGC) IdealWA() float64 { return p.lastWA }

func (p *OptimalGC) Stats() PolicyStats {
	_, wa := OptimalWA(p.dev.FillFactor(), p.histogram())
	p.lastWA = wa
	p.dev.SetPhysicalWrites(uint64(float64(p.logicalWrites) * wa))
	st := PolicyStats{
		Name:       p.Name(),
		HostWrites: p.logicalWrites,
		OptimalWA:  finite(wa),
		GreedyWA:   finite(GreedyApproxWA(p.dev.FillFactor())),
	}
	p.logicalWrites = 0
	return st
}

func (p *OptimalGC) ResetStats() {
	p.logicalWrites = 0
}
