package simulator

import (
	"errors"
	"math"

	"github.com/gammazero/deque"

	"github.com/miretskiy/flashsim/internal/logger"
)

// generationSearchLimit bounds the outward search for a victim generation.
const generationSearchLimit = 1000

// GenerationalGC keeps one GC destination per compaction generation so pages
// that survived the same number of compactions stay together.
type GenerationalGC struct {
	dev     *Device
	free    deque.Deque[BlockID]
	head    BlockID
	gcHeads map[int]BlockID // generation -> live GC destination
	writes  uint64
	gcRuns  uint64
}

func NewGenerationalGC(dev *Device) (*GenerationalGC, error) {
	if err := requireSpareBlocks(dev, 1, "gen"); err != nil {
		return nil, err
	}
	p := &GenerationalGC{dev: dev, gcHeads: make(map[int]BlockID)}
	seedFreeBlocks(&p.free, dev.NumBlocks())
	p.head = p.free.PopFront()
	return p, nil
}

func (p *GenerationalGC) Name() string { return "gen" }

func (p *GenerationalGC) WritePage(lp LogicalPage) error {
	p.writes++
	if !p.dev.Block(p.head).CanWrite() {
		if p.free.Len() == 0 {
			if err := p.collect(); err != nil {
				return err
			}
		}
		p.head = p.free.PopFront()
	}
	return p.dev.WritePage(lp, p.head, NoGroup)
}

// collect picks the generation of the globally greediest block and reclaims
// within it, reusing that generation's GC destination when one exists. When
// no fully written block has invalid pages, partly written destinations of
// other generations are drained instead so their space is not stranded.
func (p *GenerationalGC) collect() error {
	gen := 0
	if greedy, err := singleGreedy(p.dev, nil); err == nil {
		gen = p.dev.Block(greedy).GCGeneration
	} else if !errors.Is(err, ErrNoVictimFound) {
		return err
	}
	gc, ok := p.gcHeads[gen]
	if !ok {
		gc = NoBlock
	}

	picked := make(map[BlockID]bool)
	skip := func(id BlockID) bool { return id == gc || picked[id] }
	free, live, err := p.dev.CompactUntilFreeBlock(gc, func(r BlockReader) (BlockID, error) {
		id, err := greedyFromGeneration(r, gen, skip)
		if errors.Is(err, ErrNoVictimFound) {
			id, err = p.strandedHead(r, skip)
		}
		if err == nil {
			picked[id] = true
		}
		return id, err
	})
	if err != nil {
		return err
	}
	p.gcHeads[gen] = live
	for g, h := range p.gcHeads {
		if h == free || (h == live && g != gen) {
			delete(p.gcHeads, g)
		}
	}
	p.free.PushBack(free)
	p.gcRuns++
	logger.Debug("gc", "policy", p.Name(), "generation", gen, "freed", free, "gcHead", live)
	return nil
}

// strandedHead returns the written GC destination with the fewest valid
// pages, lowest id on ties.
func (p *GenerationalGC) strandedHead(r BlockReader, skip func(BlockID) bool) (BlockID, error) {
	best := NoBlock
	bestValid := math.MaxInt
	for _, h := range p.gcHeads {
		if skip(h) {
			continue
		}
		info := r.Block(h)
		if info.WritePosition == 0 || info.AllValid() {
			continue
		}
		if info.ValidCount < bestValid || (info.ValidCount == bestValid && h < best) {
			best, bestValid = h, info.ValidCount
		}
	}
	if best == NoBlock {
		return NoBlock, noVictimf("strandedHead", "no reclaimable gc destination among %d", len(p.gcHeads))
	}
	return best, nil
}

// greedyInGeneration returns the fully written, not entirely valid block of
// generation gen with the fewest valid pages, or NoBlock.
func greedyInGeneration(r BlockReader, gen int, skip func(BlockID) bool) BlockID {
	best := NoBlock
	bestValid := math.MaxInt
	for i := 0; i < r.NumBlocks(); i++ {
		id := BlockID(i)
		if skip != nil && skip(id) {
			continue
		}
		info := r.Block(id)
		if info.GCGeneration == gen && info.FullyWritten() && !info.AllValid() && info.ValidCount < bestValid {
			best, bestValid = id, info.ValidCount
		}
	}
	return best
}

// greedyFromGeneration searches generations downward from start to 0, then
// upward, for a reclaimable block.
func greedyFromGeneration(r BlockReader, start int, skip func(BlockID) bool) (BlockID, error) {
	gen := start
	descending := true
	for step := 0; step < generationSearchLimit; step++ {
		if id := greedyInGeneration(r, gen, skip); id != NoBlock {
			return id, nil
		}
		if descending {
			gen--
			if gen < 0 {
				gen = 0
				descending = false
			}
		} else {
			gen++
		}
	}
	return NoBlock, noVictimf("greedyFromGeneration", "no victim within %d generations of %d", generationSearchLimit, start)
}

func (p *GenerationalGC) Stats() PolicyStats {
	st := PolicyStats{
		Name:       p.Name(),
		HostWrites: p.writes,
		GCRuns:     p.gcRuns,
		FreeBlocks: p.free.Len(),
		GCHeads:    len(p.gcHeads),
	}
	p.ResetStats()
	return st
}

func (p *GenerationalGC) ResetStats() {
	p.writes = 0
	p.gcRuns = 0
}
