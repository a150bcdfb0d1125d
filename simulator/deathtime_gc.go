package simulator

import (
	"fmt"
	"math"
	"sort"

	"github.com/gammazero/deque"

	"github.com/miretskiy/flashsim/internal/logger"
)

const (
	dteHistorySize = 8 // write timestamps kept per page
	dteGroups      = 4 // death-time partitions per flush
)

// Victim selectors for DeathTimeGC.
const (
	DTEVictimEDT    = "edt"
	DTEVictimGreedy = "greedy"
)

// DeathTimeGC estimates when each page will be overwritten from its recent
// write intervals. Writes are staged and, every pagesPerBlock host writes,
// sorted by estimated death time and split into groups written to separate
// heads, so pages expected to die together share blocks.
//
// Time is the count of host writes seen by the policy.
type DeathTimeGC struct {
	dev    *Device
	victim string

	clock     uint64
	history   map[LogicalPage][]uint64
	pending   []LogicalPage
	isPending map[LogicalPage]struct{}
	staged    int // host writes since the last flush
	flushSize int

	heads    []BlockID // one open block per group
	gcHead   BlockID
	free     deque.Deque[BlockID]
	blockEDT []uint64 // per block, mean death time of its valid pages

	writes      uint64
	gcRuns      uint64
	flushes     uint64
	groupWrites []uint64

	onFlush func(partition [][]LogicalPage)
}

func NewDeathTimeGC(dev *Device, victim string) (*DeathTimeGC, error) {
	if victim == "" {
		victim = DTEVictimEDT
	}
	if victim != DTEVictimEDT && victim != DTEVictimGreedy {
		return nil, ErrInvalidConfig(fmt.Sprintf("unknown DTE victim selection %q (must be 'edt' or 'greedy')", victim))
	}
	if err := requireSpareBlocks(dev, dteGroups+1, "dte"); err != nil {
		return nil, err
	}
	p := &DeathTimeGC{
		dev:         dev,
		victim:      victim,
		history:     make(map[LogicalPage][]uint64),
		isPending:   make(map[LogicalPage]struct{}),
		flushSize:   dev.PagesPerBlock(),
		heads:       make([]BlockID, dteGroups),
		gcHead:      NoBlock,
		blockEDT:    make([]uint64, dev.NumBlocks()),
		groupWrites: make([]uint64, dteGroups),
	}
	seedFreeBlocks(&p.free, dev.NumBlocks())
	for i := range p.heads {
		p.heads[i] = p.free.PopFront()
	}
	return p, nil
}

func (p *DeathTimeGC) Name() string { return "dte-" + p.victim }

func (p *DeathTimeGC) WritePage(lp LogicalPage) error {
	if lp < 0 || int(lp) >= p.dev.LogicalPages() {
		return invariantf("DeathTimeGC.WritePage", "logical page %d out of range", lp)
	}
	p.writes++
	now := p.clock
	p.clock++

	h := p.history[lp]
	if len(h) >= dteHistorySize {
		h = append(h[:0], h[1:]...)
	}
	p.history[lp] = append(h, now)

	if _, ok := p.isPending[lp]; !ok {
		p.isPending[lp] = struct{}{}
		p.pending = append(p.pending, lp)
	}
	p.staged++
	if p.staged >= p.flushSize {
		return p.flush()
	}
	return nil
}

// estimateDeathTime is the last write time plus the mean interval over the
// retained history, or the last write time with fewer than two samples.
func estimateDeathTime(history []uint64) uint64 {
	n := len(history)
	last := history[n-1]
	if n < 2 {
		return last
	}
	return last + (last-history[0])/uint64(n-1)
}

// partition sorts pages by estimated death time, earliest first, and splits
// them into dteGroups groups of equal size (the last may be short).
func (p *DeathTimeGC) partition(pages []LogicalPage) [][]LogicalPage {
	type entry struct {
		edt uint64
		lp  LogicalPage
	}
	entries := make([]entry, len(pages))
	for i, lp := range pages {
		entries[i] = entry{edt: estimateDeathTime(p.history[lp]), lp: lp}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].edt != entries[j].edt {
			return entries[i].edt < entries[j].edt
		}
		return entries[i].lp < entries[j].lp
	})

	size := (len(entries) + dteGroups - 1) / dteGroups
	parts := make([][]LogicalPage, dteGroups)
	for g := range parts {
		for i := g * size; i < (g+1)*size && i < len(entries); i++ {
			parts[g] = append(parts[g], entries[i].lp)
		}
	}
	return parts
}

func (p *DeathTimeGC) flush() error {
	parts := p.partition(p.pending)
	p.pending = p.pending[:0]
	clear(p.isPending)
	p.staged = 0
	p.flushes++
	if p.onFlush != nil {
		p.onFlush(parts)
	}

	// Earliest-dying group goes to the head whose contents die earliest.
	order := make([]int, len(p.heads))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return p.blockEDT[p.heads[order[i]]] < p.blockEDT[p.heads[order[j]]]
	})

	for g, pages := range parts {
		hi := order[g]
		for _, lp := range pages {
			if err := p.writeToHead(hi, lp); err != nil {
				return err
			}
		}
		p.groupWrites[g] += uint64(len(pages))
	}
	for _, h := range p.heads {
		p.updateBlockEDT(h)
	}
	return nil
}

func (p *DeathTimeGC) writeToHead(hi int, lp LogicalPage) error {
	if !p.dev.Block(p.heads[hi]).CanWrite() {
		p.updateBlockEDT(p.heads[hi])
		if p.free.Len() == 0 {
			if err := p.collect(); err != nil {
				return err
			}
		}
		p.heads[hi] = p.free.PopFront()
	}
	return p.dev.WritePage(lp, p.heads[hi], hi)
}

func (p *DeathTimeGC) updateBlockEDT(b BlockID) {
	var sum, n uint64
	for _, lp := range p.dev.ValidPages(b) {
		if h := p.history[lp]; len(h) > 0 {
			sum += estimateDeathTime(h)
			n++
		}
	}
	if n == 0 {
		p.blockEDT[b] = 0
		return
	}
	p.blockEDT[b] = sum / n
}

func (p *DeathTimeGC) isHead(id BlockID) bool {
	if id == p.gcHead {
		return true
	}
	for _, h := range p.heads {
		if h == id {
			return true
		}
	}
	return false
}

// selectVictim picks among fully written, partly invalid blocks that are not
// open heads: smallest block death time for "edt", fewest valid pages for
// "greedy". Ties go to the lowest block id.
func (p *DeathTimeGC) selectVictim(r BlockReader) (BlockID, error) {
	best := NoBlock
	var bestKey uint64 = math.MaxUint64
	for i := 0; i < r.NumBlocks(); i++ {
		id := BlockID(i)
		info := r.Block(id)
		if !info.FullyWritten() || info.AllValid() || p.isHead(id) {
			continue
		}
		key := uint64(info.ValidCount)
		if p.victim == DTEVictimEDT {
			key = p.blockEDT[id]
		}
		if best == NoBlock || key < bestKey {
			best, bestKey = id, key
		}
	}
	if best == NoBlock {
		return NoBlock, noVictimf("DeathTimeGC.selectVictim", "no fully written block with invalid pages")
	}
	return best, nil
}

func (p *DeathTimeGC) collect() error {
	free, live, err := p.dev.CompactUntilFreeBlock(p.gcHead, p.selectVictim)
	if err != nil {
		return err
	}
	p.gcHead = live
	p.blockEDT[free] = 0
	p.updateBlockEDT(live)
	p.free.PushBack(free)
	p.gcRuns++
	logger.Debug("gc", "policy", p.Name(), "freed", free, "gcHead", live)
	return nil
}

func (p *DeathTimeGC) Stats() PolicyStats {
	st := PolicyStats{
		Name:       p.Name(),
		HostWrites: p.writes,
		GCRuns:     p.gcRuns,
		FreeBlocks: p.free.Len(),
		Flushes:    p.flushes,
	}
	var total uint64
	for _, w := range p.groupWrites {
		total += w
	}
	for g, w := range p.groupWrites {
		st.Groups = append(st.Groups, GroupStats{
			Group:        g,
			Writes:       w,
			WritePercent: ratio(w, total) * 100,
		})
	}
	p.ResetStats()
	return st
}

func (p *DeathTimeGC) ResetStats() {
	p.writes = 0
	p.gcRuns = 0
	p.flushes = 0
	clear(p.groupWrites)
}
