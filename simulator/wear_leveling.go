package simulator

import (
	"fmt"

	"github.com/gammazero/deque"
)

const (
	// DefaultWearLevelingLUNs caps the number of LUNs; devices with fewer
	// blocks get one LUN per block.
	DefaultWearLevelingLUNs = 64
	// DefaultWearLevelingThreshold is the number of host updates a LUN absorbs
	// before its write block rotates.
	DefaultWearLevelingThreshold = 1024
)

// WearLevelingConfig controls per-LUN write block rotation.
type WearLevelingConfig struct {
	Enabled   bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	LUNs      int  `json:"luns" yaml:"luns" mapstructure:"luns"`                // 0 = min(64, blocks)
	Threshold int  `json:"threshold" yaml:"threshold" mapstructure:"threshold"` // 0 = 1024
}

// wearLeveler holds one free pool, one current write block and one update
// counter per LUN. A block belongs to LUN blockID mod luns.
type wearLeveler struct {
	enabled   bool
	luns      int
	threshold int
	pools     []deque.Deque[BlockID]
	inPool    []bool
	current   []BlockID
	updates   []int
}

func (d *Device) initWearLeveling(cfg WearLevelingConfig) error {
	luns := cfg.LUNs
	if luns == 0 {
		luns = min(DefaultWearLevelingLUNs, d.numBlocks)
	}
	if luns < 1 || luns > d.numBlocks {
		return ErrInvalidConfig(fmt.Sprintf("wear leveling LUNs %d must be in [1, %d]", luns, d.numBlocks))
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultWearLevelingThreshold
	}
	d.wl = wearLeveler{
		enabled:   cfg.Enabled,
		luns:      luns,
		threshold: max(1, threshold),
		pools:     make([]deque.Deque[BlockID], luns),
		inPool:    make([]bool, d.numBlocks),
		current:   make([]BlockID, luns),
		updates:   make([]int, luns),
	}
	for i := range d.wl.current {
		d.wl.current[i] = NoBlock
	}
	for b := 0; b < d.numBlocks; b++ {
		d.wlPushLocked(BlockID(b))
	}
	return nil
}

// SetWearLeveling toggles wear leveling.
func (d *Device) SetWearLeveling(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wl.enabled = enabled
}

// SetWearLevelingThreshold sets the per-LUN rotation threshold (minimum 1).
func (d *Device) SetWearLevelingThreshold(t int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wl.threshold = max(1, t)
}

func (d *Device) WearLevelingEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wl.enabled
}

func (d *Device) WearLevelingLUNs() int { return d.wl.luns }

// BlockLUN returns the LUN owning block id.
func (d *Device) BlockLUN(id BlockID) int { return int(id) % d.wl.luns }

// PageLUN returns the LUN serving host writes of lp.
func (d *Device) PageLUN(lp LogicalPage) int { return int(lp) % d.wl.luns }

// WritePageWL is the wear-leveling host write path. Every write bumps the
// LUN's update counter; on reaching the threshold, or when the LUN's write
// block is full, the LUN rotates to a fresh block from its pool.
func (d *Device) WritePageWL(lp LogicalPage, group int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withDiagnosticsLocked(d.writePageWLLocked(lp, group))
}

func (d *Device) writePageWLLocked(lp LogicalPage, group int) error {
	const op = "WritePageWL"
	if !d.wl.enabled {
		return &SimError{Kind: ErrConfiguration, Op: op, Message: "wear leveling is disabled"}
	}
	if err := d.checkPage(op, lp); err != nil {
		return err
	}
	lun := d.PageLUN(lp)
	d.wl.updates[lun]++
	if d.wl.updates[lun] >= d.wl.threshold {
		if err := d.wlRotateLocked(lun); err != nil {
			return err
		}
	}
	if d.wl.current[lun] == NoBlock {
		if err := d.wlRotateLocked(lun); err != nil {
			return err
		}
	}
	if !d.blocks[d.wl.current[lun]].canWrite() {
		if err := d.wlRotateLocked(lun); err != nil {
			return err
		}
	}
	cur := d.wl.current[lun]
	if !d.blocks[cur].canWrite() {
		return invariantf(op, "LUN %d block %d is full after rotation", lun, cur)
	}
	return d.writePageLocked(lp, cur, group)
}

func (d *Device) wlPushLocked(id BlockID) {
	if d.wl.inPool[id] {
		return
	}
	d.wl.pools[d.BlockLUN(id)].PushBack(id)
	d.wl.inPool[id] = true
}

// wlPopLocked takes an erased block from lun's pool, falling back to a scan
// of the LUN's blocks when the pool only holds stale entries.
func (d *Device) wlPopLocked(lun int) (BlockID, error) {
	q := &d.wl.pools[lun]
	for q.Len() > 0 {
		id := q.PopFront()
		d.wl.inPool[id] = false
		if d.blocks[id].isErased() && id != d.wl.current[lun] {
			return id, nil
		}
	}
	for b := lun; b < d.numBlocks; b += d.wl.luns {
		id := BlockID(b)
		if d.blocks[id].isErased() && !d.wl.inPool[id] && id != d.wl.current[lun] {
			return id, nil
		}
	}
	return NoBlock, noVictimf("WritePageWL", "LUN %d has no erased block", lun)
}

// wlRotateLocked moves the valid pages of lun's write block into a fresh
// block, erases the old one and returns it to the pool.
func (d *Device) wlRotateLocked(lun int) error {
	const op = "WritePageWL"
	old := d.wl.current[lun]
	fresh, err := d.wlPopLocked(lun)
	if err != nil {
		return err
	}
	d.wl.updates[lun] = 0
	d.wl.current[lun] = fresh
	if old == NoBlock {
		return nil
	}

	for _, lp := range d.validPagesLocked(old) {
		if err := d.writeLocked(op, lp, fresh, d.blocks[old].group, true); err != nil {
			return err
		}
	}
	if err := d.eraseLocked(old); err != nil {
		return err
	}
	d.blocks[old].gcGeneration = 0
	d.wlPushLocked(old)
	return nil
}
