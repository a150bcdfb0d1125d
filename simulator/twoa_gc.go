package simulator

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/gammazero/deque"

	"github.com/miretskiy/flashsim/internal/logger"
)

const (
	ttTimestamps         = 3     // write times kept per page
	percentileSampleSize = 10000 // pages sampled per percentile refresh
	epochBlocks          = 10    // refresh interval in units of pagesPerBlock writes
	zeroWriteWeight      = 0.01  // weight for groups without writes
	greedyMargin         = 1.01  // smart GC only when it beats greedy by more than 1%
)

// ttEntry keeps the most recent write times of a page, newest first.
type ttEntry struct {
	ts [ttTimestamps]int64
	n  int
}

func (e *ttEntry) add(now int64) {
	copy(e.ts[1:], e.ts[:ttTimestamps-1])
	e.ts[0] = now
	e.n = min(e.n+1, ttTimestamps)
}

// averageInterval is the mean gap between now and the retained timestamps.
func (e *ttEntry) averageInterval(now int64) float64 {
	return float64(now-e.ts[e.n-1]) / float64(e.n)
}

// TwoAGC sorts host writes into N temperature groups by each page's average
// update interval, using percentile cut points over a random page sample.
// Reclamation targets the group whose fill is furthest below the level the
// analytic WA formula assigns it, unless greedy is already within 1% of the
// optimum. With justTT set it always reclaims greedily.
type TwoAGC struct {
	dev    *Device
	n      int
	justTT bool
	rng    *rand.Rand

	writeHeads []BlockID
	gcHeads    []BlockID
	free       deque.Deque[BlockID]

	tt                 []ttEntry
	now                int64
	lastPercentileTime int64
	percentiles        []float64

	epochWrites    []uint64 // per group, since the last fill target update
	lastTargetTime int64
	fillTargets    []float64
	justGreedy     bool

	statWrites      []uint64
	statWritesTotal []uint64
	statGCRuns      []uint64
	statCompactions []uint64
	smartGC         uint64
	greedyGC        uint64
	hostWrites      uint64
	gcRuns          uint64
}

// NewTwoAGC opens n host and n GC write heads. seed 0 picks a time based seed.
func NewTwoAGC(dev *Device, n int, justTT bool, seed int64) (*TwoAGC, error) {
	if n < 1 {
		return nil, ErrInvalidConfig(fmt.Sprintf("write heads %d must be >= 1", n))
	}
	if err := requireSpareBlocks(dev, n, fmt.Sprintf("2a with %d write heads", n)); err != nil {
		return nil, err
	}
	if dev.NumBlocks() <= 2*n {
		return nil, ErrInvalidConfig(fmt.Sprintf("%d blocks cannot host %d write heads", dev.NumBlocks(), 2*n))
	}

	var rng *rand.Rand
	if seed == 0 {
		rng = rand.New(rand.NewSource(rand.Int63()))
	} else {
		rng = rand.New(rand.NewSource(seed))
	}

	p := &TwoAGC{
		dev:             dev,
		n:               n,
		justTT:          justTT,
		rng:             rng,
		writeHeads:      make([]BlockID, n),
		gcHeads:         make([]BlockID, n),
		tt:              make([]ttEntry, dev.LogicalPages()),
		epochWrites:     make([]uint64, n),
		justGreedy:      true,
		statWrites:      make([]uint64, n),
		statWritesTotal: make([]uint64, n),
		statGCRuns:      make([]uint64, n),
		statCompactions: make([]uint64, n),
	}
	seedFreeBlocks(&p.free, dev.NumBlocks())
	for i := range p.writeHeads {
		p.writeHeads[i] = p.free.PopFront()
	}
	for i := range p.gcHeads {
		p.gcHeads[i] = p.free.PopFront()
	}
	return p, nil
}

func (p *TwoAGC) Name() string {
	if p.justTT {
		return fmt.Sprintf("tt-%d", p.n)
	}
	return fmt.Sprintf("2a-%d", p.n)
}

func (p *TwoAGC) epochLength() int64 {
	return int64(epochBlocks * p.dev.PagesPerBlock())
}

// chooseWriteHead maps a page to a group by its average write interval.
// Pages never written go to the middle group.
func (p *TwoAGC) chooseWriteHead(lp LogicalPage) int {
	e := &p.tt[lp]
	if e.n == 0 {
		return p.n / 2
	}
	interval := e.averageInterval(p.now)
	if p.lastPercentileTime+p.epochLength() < p.now {
		p.refreshPercentiles()
	}
	g := 0
	for g < len(p.percentiles) && interval > p.percentiles[g] {
		g++
	}
	return g
}

// refreshPercentiles samples page intervals and derives n-1 cut points that
// split the population into n roughly equal groups.
func (p *TwoAGC) refreshPercentiles() {
	p.lastPercentileTime = p.now
	p.percentiles = p.percentiles[:0]

	samples := make([]float64, 0, percentileSampleSize)
	for i := 0; i < percentileSampleSize; i++ {
		e := &p.tt[p.rng.Intn(len(p.tt))]
		if e.n > 0 {
			samples = append(samples, e.averageInterval(p.now))
		}
	}
	if len(samples) == 0 {
		return
	}
	sort.Float64s(samples)
	for i := 0; i < p.n-1; i++ {
		pos := int(float64(i+1) / float64(p.n) * float64(len(samples)))
		p.percentiles = append(p.percentiles, samples[pos])
	}
}

func (p *TwoAGC) WritePage(lp LogicalPage) error {
	if lp < 0 || int(lp) >= len(p.tt) {
		return invariantf("TwoAGC.WritePage", "logical page %d out of range", lp)
	}
	g := p.chooseWriteHead(lp)
	p.tt[lp].add(p.now)
	p.now++

	if !p.dev.Block(p.writeHeads[g]).CanWrite() {
		if p.free.Len() == 0 {
			if err := p.collect(); err != nil {
				return err
			}
		}
		p.writeHeads[g] = p.free.PopFront()
	}
	if err := p.dev.WritePage(lp, p.writeHeads[g], g); err != nil {
		return err
	}
	p.hostWrites++
	p.statWrites[g]++
	p.statWritesTotal[g]++
	p.epochWrites[g]++
	return nil
}

func (p *TwoAGC) isHead(id BlockID) bool {
	for i := range p.writeHeads {
		if p.writeHeads[i] == id || p.gcHeads[i] == id {
			return true
		}
	}
	return false
}

// updateFillTargets converts the epoch's per-group write shares into target
// fill levels. Group i holds data fill/n plus opShare[i] of the spare space.
func (p *TwoAGC) updateFillTargets() {
	p.lastTargetTime = p.now
	weights := make([]float64, p.n)
	for i, c := range p.epochWrites {
		if c > 0 {
			weights[i] = float64(c)
		} else {
			weights[i] = zeroWriteWeight
		}
	}
	opShare, expected := OptimalWA(p.dev.FillFactor(), weights)
	clear(p.epochWrites)

	fill := p.dev.FillFactor()
	data := fill / float64(p.n)
	p.fillTargets = p.fillTargets[:0]
	for _, share := range opShare {
		p.fillTargets = append(p.fillTargets, data/(data+share*(1-fill)))
	}
	p.justGreedy = expected*greedyMargin >= GreedyApproxWA(fill)
}

// pickGroup returns the group furthest below its fill target, skipping groups
// holding less than half their expected share of blocks, or NoGroup.
func (p *TwoAGC) pickGroup() int {
	blocks := make([]int, p.n)
	valid := make([]int, p.n)
	for _, info := range p.dev.Blocks() {
		if info.Group >= 0 && info.Group < p.n {
			blocks[info.Group]++
			valid[info.Group] += info.ValidCount
		}
	}
	total := float64(p.dev.NumBlocks())
	minShare := (1 / float64(p.n)) / 2

	best := NoGroup
	maxDiff := 0.0
	for g := 0; g < p.n; g++ {
		if blocks[g] == 0 {
			continue
		}
		fill := float64(valid[g]) / float64(blocks[g]*p.dev.PagesPerBlock())
		diff := p.fillTargets[g] - fill
		if diff > maxDiff && float64(blocks[g])/total > minShare {
			best, maxDiff = g, diff
		}
	}
	return best
}

func (p *TwoAGC) collect() error {
	if p.lastTargetTime+p.epochLength() < p.now {
		p.updateFillTargets()
	}

	group := NoGroup
	if !p.justTT && !p.justGreedy && len(p.fillTargets) >= p.n {
		group = p.pickGroup()
	}
	if group == NoGroup {
		p.greedyGC++
		victim, err := singleGreedy(p.dev, p.isHead)
		if err != nil {
			return err
		}
		group = p.dev.Block(victim).Group
		if group < 0 || group >= p.n {
			return invariantf("TwoAGC.collect", "greedy victim %d has group %d", victim, group)
		}
	} else {
		p.smartGC++
	}

	// A group with nothing reclaimable borrows the device-wide greedy victim.
	next := func(r BlockReader, g int) (BlockID, error) {
		id, err := p.greedyInGroup(r, g)
		if errors.Is(err, ErrNoVictimFound) {
			id, err = singleGreedy(r, p.isHead)
		}
		if err == nil {
			p.statCompactions[g]++
		}
		return id, err
	}
	dest := func(r BlockReader, lp LogicalPage) (BlockID, int) {
		g := p.chooseWriteHead(lp)
		return p.gcHeads[g], g
	}
	onFull := func(g int, replacement BlockID) {
		p.gcHeads[g] = replacement
	}

	free, err := p.dev.CompactUntilFreeBlockGrouped(group, next, dest, onFull)
	if err != nil {
		return err
	}
	p.statGCRuns[group]++
	p.gcRuns++
	p.free.PushBack(free)
	logger.Debug("gc", "policy", p.Name(), "group", group, "freed", free)
	return nil
}

// greedyInGroup returns the fully written block of group g (or without a
// group) with the fewest valid pages, ignoring open heads.
func (p *TwoAGC) greedyInGroup(r BlockReader, g int) (BlockID, error) {
	best := NoBlock
	bestValid := math.MaxInt
	for i := 0; i < r.NumBlocks(); i++ {
		id := BlockID(i)
		info := r.Block(id)
		if (info.Group != g && info.Group != NoGroup) || !info.FullyWritten() || p.isHead(id) {
			continue
		}
		if info.ValidCount < bestValid {
			best, bestValid = id, info.ValidCount
		}
	}
	if best == NoBlock {
		return NoBlock, noVictimf("TwoAGC.greedyInGroup", "group %d has no fully written block", g)
	}
	if bestValid == r.PagesPerBlock() {
		return NoBlock, noVictimf("TwoAGC.greedyInGroup", "greediest block %d of group %d is entirely valid", best, g)
	}
	return best, nil
}

func (p *TwoAGC) Stats() PolicyStats {
	fill := p.dev.FillFactor()
	blocks := make([]int, p.n)
	valid := make([]int, p.n)
	ungrouped, ungroupedValid, totalValid := 0, 0, 0
	for _, info := range p.dev.Blocks() {
		totalValid += info.ValidCount
		if info.Group >= 0 && info.Group < p.n {
			blocks[info.Group]++
			valid[info.Group] += info.ValidCount
		} else {
			ungrouped++
			ungroupedValid += info.ValidCount
		}
	}
	currentFill := float64(totalValid) / float64(p.dev.PhysicalPages())
	_, optFull := OptimalWAFromCounts(fill, p.statWrites, zeroWriteWeight)
	_, optCurrent := OptimalWAFromCounts(currentFill, p.statWrites, zeroWriteWeight)
	_, optTotal := OptimalWAFromCounts(fill, p.statWritesTotal, zeroWriteWeight)

	var writeSum, compactionSum, totalSamples uint64
	for g := 0; g < p.n; g++ {
		writeSum += p.statWrites[g]
		compactionSum += p.statCompactions[g]
		totalSamples += p.statWritesTotal[g]
	}

	st := PolicyStats{
		Name:             p.Name(),
		HostWrites:       p.hostWrites,
		GCRuns:           p.gcRuns,
		FreeBlocks:       p.free.Len(),
		UngroupedBlocks:  ungrouped,
		Percentiles:      append([]float64(nil), p.percentiles...),
		SmartGC:          p.smartGC,
		GreedyGC:         p.greedyGC,
		OptimalWA:        finite(optFull),
		OptimalWACurrent: finite(optCurrent),
		OptimalWATotal:   finite(optTotal),
		GreedyWA:         finite(GreedyApproxWA(fill)),
		GreedyWACurrent:  finite(GreedyApproxWA(currentFill)),
		TotalSamples:     totalSamples,
	}
	if ungrouped > 0 {
		st.UngroupedValidPercent = percent(ungroupedValid, ungrouped*p.dev.PagesPerBlock())
	}
	for g := 0; g < p.n; g++ {
		gs := GroupStats{
			Group:             g,
			Writes:            p.statWrites[g],
			WritePercent:      ratio(p.statWrites[g], writeSum) * 100,
			GCRuns:            p.statGCRuns[g],
			Compactions:       p.statCompactions[g],
			CompactionPercent: ratio(p.statCompactions[g], compactionSum) * 100,
			WA:                ratio(p.statCompactions[g], p.statGCRuns[g]),
			Blocks:            blocks[g],
		}
		if blocks[g] > 0 {
			gs.ValidPercent = percent(valid[g], blocks[g]*p.dev.PagesPerBlock())
		}
		if g < len(p.fillTargets) {
			gs.TargetFillPercent = finite(p.fillTargets[g] * 100)
			gs.TargetWA = finite(GreedyApproxWA(p.fillTargets[g]))
		}
		st.Groups = append(st.Groups, gs)
	}

	clear(p.statWrites)
	clear(p.statGCRuns)
	clear(p.statCompactions)
	p.smartGC = 0
	p.greedyGC = 0
	p.hostWrites = 0
	p.gcRuns = 0
	return st
}

func (p *TwoAGC) ResetStats() {
	clear(p.statWrites)
	clear(p.statWritesTotal)
	clear(p.statGCRuns)
	clear(p.statCompactions)
	p.smartGC = 0
	p.greedyGC = 0
	p.hostWrites = 0
	p.gcRuns = 0
}
