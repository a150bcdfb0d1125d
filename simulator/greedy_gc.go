package simulator

import (
	"github.com/gammazero/deque"

	"github.com/miretskiy/flashsim/internal/logger"
)

// GreedyGC writes through a single head and reclaims the fully written block
// with the fewest valid pages.
type GreedyGC struct {
	dev    *Device
	free   deque.Deque[BlockID]
	head   BlockID
	gcHead BlockID
	writes uint64
	gcRuns uint64
}

// NewGreedyGC claims all blocks of dev as free and opens the write head.
func NewGreedyGC(dev *Device) (*GreedyGC, error) {
	if err := requireSpareBlocks(dev, 1, "greedy"); err != nil {
		return nil, err
	}
	p := &GreedyGC{dev: dev, gcHead: NoBlock}
	seedFreeBlocks(&p.free, dev.NumBlocks())
	p.head = p.free.PopFront()
	return p, nil
}

func (p *GreedyGC) Name() string { return "greedy" }

func (p *GreedyGC) WritePage(lp LogicalPage) error {
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

func (p *GreedyGC) collect() error {
	free, gc, err := p.dev.CompactUntilFreeBlock(p.gcHead, func(r BlockReader) (BlockID, error) {
		return singleGreedy(r, func(id BlockID) bool { return id == p.gcHead })
	})
	if err != nil {
		return err
	}
	p.gcHead = gc
	p.free.PushBack(free)
	p.gcRuns++
	logger.Debug("gc", "policy", p.Name(), "freed", free, "gcHead", gc)
	return nil
}

func (p *GreedyGC) Stats() PolicyStats {
	st := PolicyStats{
		Name:       p.Name(),
		HostWrites: p.writes,
		GCRuns:     p.gcRuns,
		FreeBlocks: p.free.Len(),
	}
	p.ResetStats()
	return st
}

func (p *GreedyGC) ResetStats() {
	p.writes = 0
	p.gcRuns = 0
}
