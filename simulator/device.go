package simulator

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultWriteBufferPct is the share of logical pages held by the write buffer.
const DefaultWriteBufferPct = 0.0004

// DeviceConfig describes the geometry of a simulated device.
type DeviceConfig struct {
	CapacityBytes  uint64             // Raw capacity
	BlockBytes     uint64             // Erase unit size
	PageBytes      uint64             // Program unit size
	FillFactor     float64            // Logical share of raw capacity (0, 1]
	WriteBufferPct float64            // Write buffer size as a share of logical pages (0 = write-through)
	WearLeveling   WearLevelingConfig // Per-LUN rotation, used by WritePageWL
}

// VictimFunc picks the next block to reclaim. It runs with the device locked
// and must only read state through r.
type VictimFunc func(r BlockReader) (BlockID, error)

// GroupVictimFunc picks the next block to reclaim on behalf of group.
type GroupVictimFunc func(r BlockReader, group int) (BlockID, error)

// DestinationFunc returns the GC destination block and group tag for a page
// being relocated.
type DestinationFunc func(r BlockReader, lp LogicalPage) (BlockID, int)

// DestinationFullFunc is told that group's GC destination filled up and that
// replacement now serves the group.
type DestinationFullFunc func(group int, replacement BlockID)

// Device is the storage engine: blocks, the logical to physical mapping, an
// LRU write buffer, and wear-leveling pools. All exported methods are safe for
// concurrent use; unexported *Locked methods assume d.mu is held.
type Device struct {
	mu sync.Mutex

	capacityBytes uint64
	blockBytes    uint64
	pageBytes     uint64
	fillFactor    float64
	numBlocks     int
	pagesPerBlock int
	logicalPages  int
	physicalPages int

	blocks      []block
	l2p         []PhysAddr
	hostUpdates []uint64 // per logical page, writes through the host path
	gcUpdates   []uint64 // per logical page, relocations by GC or wear leveling
	physWrites  uint64
	gcedNormal  uint64
	gcedCold    uint64
	ageCounter  int64

	bufferSize int
	buffer     *simplelru.LRU[LogicalPage, struct{}]

	wl wearLeveler
}

// NewDevice builds an erased device.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	if cfg.PageBytes == 0 {
		return nil, ErrInvalidConfig("page size must be > 0")
	}
	if cfg.BlockBytes < cfg.PageBytes {
		return nil, ErrInvalidConfig(fmt.Sprintf("block size %d smaller than page size %d", cfg.BlockBytes, cfg.PageBytes))
	}
	if cfg.CapacityBytes < cfg.BlockBytes {
		return nil, ErrInvalidConfig(fmt.Sprintf("capacity %d smaller than block size %d", cfg.CapacityBytes, cfg.BlockBytes))
	}
	if cfg.FillFactor <= 0 || cfg.FillFactor > 1 {
		return nil, ErrInvalidConfig(fmt.Sprintf("fill factor %g must be in (0, 1]", cfg.FillFactor))
	}
	if cfg.WriteBufferPct < 0 || cfg.WriteBufferPct >= 1 {
		return nil, ErrInvalidConfig(fmt.Sprintf("write buffer share %g must be in [0, 1)", cfg.WriteBufferPct))
	}

	d := &Device{
		capacityBytes: cfg.CapacityBytes,
		blockBytes:    cfg.BlockBytes,
		pageBytes:     cfg.PageBytes,
		fillFactor:    cfg.FillFactor,
		numBlocks:     int(cfg.CapacityBytes / cfg.BlockBytes),
		pagesPerBlock: int(cfg.BlockBytes / cfg.PageBytes),
	}
	d.logicalPages = int(float64(cfg.CapacityBytes/cfg.PageBytes) * cfg.FillFactor)
	d.physicalPages = d.numBlocks * d.pagesPerBlock
	if d.logicalPages < 1 {
		return nil, ErrInvalidConfig("device has no logical pages")
	}
	if d.physicalPages < d.logicalPages {
		return nil, ErrInvalidConfig(fmt.Sprintf("physical pages %d < logical pages %d", d.physicalPages, d.logicalPages))
	}

	d.blocks = make([]block, d.numBlocks)
	for i := range d.blocks {
		d.blocks[i] = newBlock(d.pagesPerBlock)
	}
	d.l2p = make([]PhysAddr, d.logicalPages)
	for i := range d.l2p {
		d.l2p[i] = Unmapped
	}
	d.hostUpdates = make([]uint64, d.logicalPages)
	d.gcUpdates = make([]uint64, d.logicalPages)

	d.bufferSize = int(float64(d.logicalPages) * cfg.WriteBufferPct)
	if d.bufferSize > 1 {
		lru, err := simplelru.NewLRU[LogicalPage, struct{}](d.bufferSize, nil)
		if err != nil {
			return nil, fmt.Errorf("write buffer: %w", err)
		}
		d.buffer = lru
	}

	if err := d.initWearLeveling(cfg.WearLeveling); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) NumBlocks() int       { return d.numBlocks }
func (d *Device) PagesPerBlock() int   { return d.pagesPerBlock }
func (d *Device) LogicalPages() int    { return d.logicalPages }
func (d *Device) PhysicalPages() int   { return d.physicalPages }
func (d *Device) FillFactor() float64  { return d.fillFactor }
func (d *Device) WriteBufferSize() int { return d.bufferSize }

// SparePages is the over-provisioned space in pages.
func (d *Device) SparePages() int { return d.physicalPages - d.logicalPages }

// Addr builds the physical address of slot in block b.
func (d *Device) Addr(b BlockID, slot int) PhysAddr {
	return PhysAddr(int64(b)*int64(d.pagesPerBlock) + int64(slot))
}

// AddrBlock returns the block part of a physical address.
func (d *Device) AddrBlock(a PhysAddr) BlockID { return BlockID(int64(a) / int64(d.pagesPerBlock)) }

// AddrSlot returns the slot part of a physical address.
func (d *Device) AddrSlot(a PhysAddr) int { return int(int64(a) % int64(d.pagesPerBlock)) }

// Block returns a snapshot of block id.
func (d *Device) Block(id BlockID) BlockInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocks[id].info(id)
}

// Blocks returns a snapshot of every block.
func (d *Device) Blocks() []BlockInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]BlockInfo, len(d.blocks))
	for i := range d.blocks {
		out[i] = d.blocks[i].info(BlockID(i))
	}
	return out
}

// ValidPages lists the live logical pages of block id in slot order.
func (d *Device) ValidPages(id BlockID) []LogicalPage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.validPagesLocked(id)
}

func (d *Device) validPagesLocked(id BlockID) []LogicalPage {
	b := &d.blocks[id]
	out := make([]LogicalPage, 0, b.validCount)
	for _, lp := range b.slots[:b.writePos] {
		if lp != Unused {
			out = append(out, lp)
		}
	}
	return out
}

// Mapping returns the physical address of lp, or Unmapped.
func (d *Device) Mapping(lp LogicalPage) PhysAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.l2p[lp]
}

// MappedPages counts logical pages with a physical location.
func (d *Device) MappedPages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.l2p {
		if a != Unmapped {
			n++
		}
	}
	return n
}

// MappingUpdates returns how often lp was placed by the host path and by GC.
func (d *Device) MappingUpdates(lp LogicalPage) (host, gc uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostUpdates[lp], d.gcUpdates[lp]
}

// Buffered reports whether lp sits in the write buffer.
func (d *Device) Buffered(lp LogicalPage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffer != nil && d.buffer.Contains(lp)
}

func (d *Device) PhysicalWrites() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.physWrites
}

// SetPhysicalWrites overrides the physical write counter. Used by the oracle
// policy, which reports an ideal figure instead of performing writes.
func (d *Device) SetPhysicalWrites(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.physWrites = n
}

func (d *Device) ResetPhysicalCounters() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.physWrites = 0
}

// WritePage writes lp through the write buffer. A page already buffered is
// only promoted. Otherwise it is buffered, and once the buffer is full its
// least recently used page is physically written into dest.
func (d *Device) WritePage(lp LogicalPage, dest BlockID, group int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withDiagnosticsLocked(d.writePageLocked(lp, dest, group))
}

// WritePageWithoutCaching places lp into dest immediately.
func (d *Device) WritePageWithoutCaching(lp LogicalPage, dest BlockID, group int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withDiagnosticsLocked(d.writeLocked("WritePageWithoutCaching", lp, dest, group, false))
}

func (d *Device) writePageLocked(lp LogicalPage, dest BlockID, group int) error {
	const op = "WritePage"
	if err := d.checkPage(op, lp); err != nil {
		return err
	}
	if err := d.checkBlock(op, dest); err != nil {
		return err
	}
	if !d.blocks[dest].canWrite() {
		return invariantf(op, "destination block %d is full", dest)
	}
	if d.buffer == nil {
		return d.writeLocked(op, lp, dest, group, false)
	}
	if d.buffer.Contains(lp) {
		d.buffer.Get(lp)
		return nil
	}
	d.buffer.Add(lp, struct{}{})
	if d.buffer.Len() >= d.bufferSize {
		evicted, _, _ := d.buffer.RemoveOldest()
		return d.writeLocked(op, evicted, dest, group, false)
	}
	return nil
}

// writeLocked is the physical program path shared by host writes, GC moves
// and wear-leveling copies.
func (d *Device) writeLocked(op string, lp LogicalPage, dest BlockID, group int, relocation bool) error {
	if err := d.checkPage(op, lp); err != nil {
		return err
	}
	if err := d.checkBlock(op, dest); err != nil {
		return err
	}
	b := &d.blocks[dest]
	if !b.canWrite() {
		return invariantf(op, "block %d is full (write position %d)", dest, b.writePos)
	}
	if b.group == NoGroup {
		b.group = group
	}
	if old := d.l2p[lp]; old != Unmapped {
		ob := d.AddrBlock(old)
		if !d.blocks[ob].invalidate(d.AddrSlot(old)) {
			return invariantf(op, "page %d maps to empty slot %d of block %d", lp, d.AddrSlot(old), ob)
		}
	}
	slot := b.append(lp)
	d.l2p[lp] = d.Addr(dest, slot)
	if relocation {
		d.gcUpdates[lp]++
	} else {
		d.hostUpdates[lp]++
	}
	d.physWrites++
	return nil
}

// EraseBlock resets a fully invalid block.
func (d *Device) EraseBlock(id BlockID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withDiagnosticsLocked(d.eraseLocked(id))
}

func (d *Device) eraseLocked(id BlockID) error {
	const op = "EraseBlock"
	if err := d.checkBlock(op, id); err != nil {
		return err
	}
	b := &d.blocks[id]
	if !b.allInvalid() {
		return invariantf(op, "block %d still holds %d valid pages", id, b.validCount)
	}
	b.erase(d.nextAge())
	if d.wl.enabled {
		d.wlPushLocked(id)
	}
	return nil
}

// reclaimLocked erases a block freed by compaction and resets its generation.
func (d *Device) reclaimLocked(id BlockID) error {
	if err := d.eraseLocked(id); err != nil {
		return err
	}
	d.blocks[id].gcGeneration = 0
	return nil
}

func (d *Device) nextAge() int64 {
	age := d.ageCounter
	d.ageCounter++
	return age
}

// CompactBlock removes invalid slots from id in place and remaps survivors.
func (d *Device) CompactBlock(id BlockID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withDiagnosticsLocked(d.compactLocked(id))
}

func (d *Device) compactLocked(id BlockID) error {
	if err := d.checkBlock("CompactBlock", id); err != nil {
		return err
	}
	b := &d.blocks[id]
	if b.writtenByGC {
		d.gcedCold++
	} else {
		d.gcedNormal++
	}
	b.compactInPlace(d.nextAge())
	b.gcGeneration++
	b.writtenByGC = true
	for slot := 0; slot < b.writePos; slot++ {
		lp := b.slots[slot]
		d.l2p[lp] = d.Addr(id, slot)
		d.gcUpdates[lp]++
		d.physWrites++
	}
	return nil
}

// MoveValidPagesTo copies valid pages of src into dst until dst is full or
// src is drained. It reports whether src still holds valid pages.
func (d *Device) MoveValidPagesTo(src, dst BlockID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	remaining, err := d.moveValidPagesToLocked(src, dst)
	return remaining, d.withDiagnosticsLocked(err)
}

func (d *Device) moveValidPagesToLocked(src, dst BlockID) (bool, error) {
	const op = "MoveValidPagesTo"
	if err := d.checkBlock(op, src); err != nil {
		return false, err
	}
	if err := d.checkBlock(op, dst); err != nil {
		return false, err
	}
	if src == dst {
		return false, invariantf(op, "source and destination are both block %d", src)
	}
	source, destination := &d.blocks[src], &d.blocks[dst]
	if source.writtenByGC {
		d.gcedCold++
	} else {
		d.gcedNormal++
	}

	for slot := 0; slot < d.pagesPerBlock && destination.canWrite(); slot++ {
		if lp := source.slots[slot]; lp != Unused {
			if err := d.writeLocked(op, lp, dst, NoGroup, true); err != nil {
				return false, err
			}
			destination.writtenByGC = true
		}
	}
	return !source.allInvalid(), nil
}

// MoveValidPagesBy relocates each valid page of src to the block chosen by
// dest. Pages whose destination is full stay behind. It returns the first
// destination found full, or NoBlock when src was drained.
func (d *Device) MoveValidPagesBy(src BlockID, dest DestinationFunc) (BlockID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	full, err := d.moveValidPagesByLocked(src, dest)
	return full, d.withDiagnosticsLocked(err)
}

func (d *Device) moveValidPagesByLocked(src BlockID, dest DestinationFunc) (BlockID, error) {
	const op = "MoveValidPagesBy"
	if err := d.checkBlock(op, src); err != nil {
		return NoBlock, err
	}
	source := &d.blocks[src]
	if source.allValid() {
		return NoBlock, invariantf(op, "source block %d has no invalid pages", src)
	}
	if source.writtenByGC {
		d.gcedCold++
	} else {
		d.gcedNormal++
	}

	view := deviceView{d}
	firstFull := NoBlock
	for slot := 0; slot < d.pagesPerBlock; slot++ {
		lp := source.slots[slot]
		if lp == Unused {
			continue
		}
		dst, group := dest(view, lp)
		if err := d.checkBlock(op, dst); err != nil {
			return NoBlock, err
		}
		if dst == src {
			return NoBlock, invariantf(op, "page %d routed back into its source block %d", lp, src)
		}
		if d.blocks[dst].canWrite() {
			if err := d.writeLocked(op, lp, dst, group, true); err != nil {
				return NoBlock, err
			}
			d.blocks[dst].writtenByGC = true
		} else if firstFull == NoBlock {
			firstFull = dst
		}
	}

	if source.allInvalid() {
		return NoBlock, nil
	}
	if firstFull == NoBlock {
		return NoBlock, invariantf(op, "block %d kept %d pages but no destination was full", src, source.validCount)
	}
	return firstFull, nil
}

// CompactUntilFreeBlock reclaims one block. When gc is NoBlock or all valid a
// victim is picked and compacted to serve as the destination. A full gc is
// used as is, so next must never return it. Victims are drained into the
// destination; one that does not fit is compacted and becomes the new
// destination. The first victim that drains completely is erased and returned
// together with the live destination.
func (d *Device) CompactUntilFreeBlock(gc BlockID, next VictimFunc) (free, liveGC BlockID, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	free, liveGC, err = d.compactUntilFreeBlockLocked(gc, next)
	return free, liveGC, d.withDiagnosticsLocked(err)
}

func (d *Device) compactUntilFreeBlockLocked(gc BlockID, next VictimFunc) (BlockID, BlockID, error) {
	const op = "CompactUntilFreeBlock"
	view := deviceView{d}
	pick := func() (BlockID, error) {
		id, err := next(view)
		if err != nil {
			return NoBlock, err
		}
		return id, d.checkBlock(op, id)
	}

	if gc != NoBlock {
		if err := d.checkBlock(op, gc); err != nil {
			return NoBlock, NoBlock, err
		}
	}
	if gc == NoBlock || d.blocks[gc].allValid() {
		id, err := pick()
		if err != nil {
			return NoBlock, NoBlock, err
		}
		gc = id
		if err := d.compactLocked(gc); err != nil {
			return NoBlock, NoBlock, err
		}
	}
	if d.blocks[gc].allValid() {
		return NoBlock, NoBlock, noVictimf(op, "gc destination %d has no invalid pages", gc)
	}

	victim, err := pick()
	if err != nil {
		return NoBlock, NoBlock, err
	}
	for rounds := 0; ; rounds++ {
		if rounds > d.numBlocks+d.pagesPerBlock {
			return NoBlock, NoBlock, noVictimf(op, "no block drained after %d rounds", rounds)
		}
		if victim == gc {
			return NoBlock, NoBlock, invariantf(op, "victim %d is the live gc destination", victim)
		}
		remaining, err := d.moveValidPagesToLocked(victim, gc)
		if err != nil {
			return NoBlock, NoBlock, err
		}
		if !remaining {
			break
		}
		if err := d.compactLocked(victim); err != nil {
			return NoBlock, NoBlock, err
		}
		gc = victim
		if victim, err = pick(); err != nil {
			return NoBlock, NoBlock, err
		}
	}

	if err := d.reclaimLocked(victim); err != nil {
		return NoBlock, NoBlock, err
	}
	return victim, gc, nil
}

// CompactUntilFreeBlockGrouped is the group-aware reclamation loop. Valid
// pages of each victim are routed by dest. When a destination fills, the
// victim is compacted, tagged with that destination's group and handed to
// onFull as the group's new destination. The first drained victim is erased
// and returned.
func (d *Device) CompactUntilFreeBlockGrouped(group int, next GroupVictimFunc, dest DestinationFunc, onFull DestinationFullFunc) (BlockID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	free, err := d.compactUntilFreeBlockGroupedLocked(group, next, dest, onFull)
	return free, d.withDiagnosticsLocked(err)
}

func (d *Device) compactUntilFreeBlockGroupedLocked(group int, next GroupVictimFunc, dest DestinationFunc, onFull DestinationFullFunc) (BlockID, error) {
	const op = "CompactUntilFreeBlockGrouped"
	view := deviceView{d}
	pick := func() (BlockID, error) {
		id, err := next(view, group)
		if err != nil {
			return NoBlock, err
		}
		return id, d.checkBlock(op, id)
	}

	victim, err := pick()
	if err != nil {
		return NoBlock, err
	}
	for rounds := 0; ; rounds++ {
		if rounds > d.numBlocks+d.pagesPerBlock {
			return NoBlock, noVictimf(op, "no block drained after %d rounds", rounds)
		}
		full, err := d.moveValidPagesByLocked(victim, dest)
		if err != nil {
			return NoBlock, err
		}
		if full == NoBlock {
			break
		}
		if full == victim {
			return NoBlock, invariantf(op, "victim %d reported as its own full destination", victim)
		}
		fullGroup := d.blocks[full].group
		if fullGroup == NoGroup {
			return NoBlock, invariantf(op, "full destination %d has no group", full)
		}
		if err := d.compactLocked(victim); err != nil {
			return NoBlock, err
		}
		d.blocks[victim].group = fullGroup
		onFull(fullGroup, victim)
		if victim, err = pick(); err != nil {
			return NoBlock, err
		}
	}

	if err := d.reclaimLocked(victim); err != nil {
		return NoBlock, err
	}
	return victim, nil
}

// CompactVictimChain reclaims the head of an ordered chain of victims. Walking
// back to front, each block is compacted and then filled from its predecessor.
// The head must end up empty; it is erased and returned.
func (d *Device) CompactVictimChain(victims []BlockID) (BlockID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	free, err := d.compactVictimChainLocked(victims)
	return free, d.withDiagnosticsLocked(err)
}

func (d *Device) compactVictimChainLocked(victims []BlockID) (BlockID, error) {
	const op = "CompactVictimChain"
	if len(victims) == 0 {
		return NoBlock, invariantf(op, "empty victim chain")
	}
	for i := len(victims) - 1; i > 0; i-- {
		if err := d.compactLocked(victims[i]); err != nil {
			return NoBlock, err
		}
		if _, err := d.moveValidPagesToLocked(victims[i-1], victims[i]); err != nil {
			return NoBlock, err
		}
	}
	head := victims[0]
	if err := d.checkBlock(op, head); err != nil {
		return NoBlock, err
	}
	if !d.blocks[head].allInvalid() {
		return NoBlock, invariantf(op, "chain head %d still holds %d valid pages", head, d.blocks[head].validCount)
	}
	if err := d.eraseLocked(head); err != nil {
		return NoBlock, err
	}
	return head, nil
}

// CheckInvariants verifies the mapping table against block contents.
func (d *Device) CheckInvariants() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withDiagnosticsLocked(d.checkInvariantsLocked())
}

func (d *Device) checkInvariantsLocked() error {
	const op = "CheckInvariants"
	seen := make([]bool, d.logicalPages)
	sumValid := 0
	for i := range d.blocks {
		id := BlockID(i)
		b := &d.blocks[i]
		if b.validCount > d.pagesPerBlock {
			return invariantf(op, "block %d valid count %d exceeds %d", id, b.validCount, d.pagesPerBlock)
		}
		live := 0
		for slot, lp := range b.slots {
			if lp == Unused {
				continue
			}
			if slot >= b.writePos {
				return invariantf(op, "block %d slot %d beyond write position %d is occupied", id, slot, b.writePos)
			}
			if seen[lp] {
				return invariantf(op, "page %d stored in more than one slot", lp)
			}
			seen[lp] = true
			if d.l2p[lp] != d.Addr(id, slot) {
				return invariantf(op, "page %d in block %d slot %d but mapped to %d", lp, id, slot, d.l2p[lp])
			}
			live++
		}
		if live != b.validCount {
			return invariantf(op, "block %d counts %d valid pages but holds %d", id, b.validCount, live)
		}
		sumValid += live
	}
	mapped := 0
	for lp, a := range d.l2p {
		if a == Unmapped {
			continue
		}
		mapped++
		if !seen[lp] {
			return invariantf(op, "page %d mapped to %d which does not hold it", lp, a)
		}
	}
	if sumValid != mapped {
		return invariantf(op, "sum of valid counts %d != mapped pages %d", sumValid, mapped)
	}
	return nil
}

// GenerationBucket summarizes blocks sharing a GC generation.
type GenerationBucket struct {
	Generation     int     `json:"generation" yaml:"generation"`
	BlockPercent   float64 `json:"blockPercent" yaml:"blockPercent"`     // share of all blocks
	AvgFillPercent float64 `json:"avgFillPercent" yaml:"avgFillPercent"` // valid pages per block in the bucket
	MinFillPercent float64 `json:"minFillPercent" yaml:"minFillPercent"` // least filled fully written block, -1 if none
}

// DeviceStats is the periodic device report.
type DeviceStats struct {
	WrittenByGC        int                `json:"writtenByGC" yaml:"writtenByGC"`
	WrittenByGCPercent float64            `json:"writtenByGCPercent" yaml:"writtenByGCPercent"`
	GCedNormal         uint64             `json:"gcedNormal" yaml:"gcedNormal"`
	GCedCold           uint64             `json:"gcedCold" yaml:"gcedCold"`
	Generations        []GenerationBucket `json:"generations" yaml:"generations"`
	MinEraseCount      int                `json:"minEraseCount" yaml:"minEraseCount"`
	MaxEraseCount      int                `json:"maxEraseCount" yaml:"maxEraseCount"`
	MeanEraseCount     float64            `json:"meanEraseCount" yaml:"meanEraseCount"`
	ValidPages         int                `json:"validPages" yaml:"validPages"`
}

// MaxReportedGeneration bounds the generation histogram; older blocks share
// the last bucket.
const MaxReportedGeneration = 20

// Stats builds the device report and resets the cold/normal GC counters.
func (d *Device) Stats() DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := DeviceStats{
		GCedNormal:    d.gcedNormal,
		GCedCold:      d.gcedCold,
		MinEraseCount: -1,
	}
	counts := make([]int, MaxReportedGeneration)
	valid := make([]int, MaxReportedGeneration)
	minValid := make([]int, MaxReportedGeneration)
	for i := range minValid {
		minValid[i] = -1
	}
	eraseSum := 0
	for i := range d.blocks {
		b := &d.blocks[i]
		if b.writtenByGC {
			st.WrittenByGC++
		}
		idx := min(b.gcGeneration, MaxReportedGeneration-1)
		counts[idx]++
		valid[idx] += b.validCount
		if b.fullyWritten() && (minValid[idx] < 0 || b.validCount < minValid[idx]) {
			minValid[idx] = b.validCount
		}
		if st.MinEraseCount < 0 || b.eraseCount < st.MinEraseCount {
			st.MinEraseCount = b.eraseCount
		}
		st.MaxEraseCount = max(st.MaxEraseCount, b.eraseCount)
		eraseSum += b.eraseCount
		st.ValidPages += b.validCount
	}
	st.WrittenByGCPercent = percent(st.WrittenByGC, d.numBlocks)
	st.MeanEraseCount = float64(eraseSum) / float64(d.numBlocks)
	for g := 0; g < MaxReportedGeneration; g++ {
		bucket := GenerationBucket{Generation: g, BlockPercent: percent(counts[g], d.numBlocks), MinFillPercent: -1}
		if counts[g] > 0 {
			bucket.AvgFillPercent = percent(valid[g], counts[g]*d.pagesPerBlock)
		}
		if minValid[g] >= 0 {
			bucket.MinFillPercent = percent(minValid[g], d.pagesPerBlock)
		}
		st.Generations = append(st.Generations, bucket)
	}

	d.gcedNormal = 0
	d.gcedCold = 0
	return st
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) * 100 / float64(whole)
}

// Diagnostics dumps per-block state: ages relative to the youngest block,
// generations, writtenByGC flags, invalid page counts and groups.
func (d *Device) Diagnostics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.diagnosticsLocked()
}

func (d *Device) diagnosticsLocked() []string {
	ages := make([]int64, len(d.blocks))
	for i := range d.blocks {
		ages[i] = d.blocks[i].gcAge
	}
	sort.Slice(ages, func(i, j int) bool { return ages[i] < ages[j] })

	var age, gen, wbgc, invalid, groups strings.Builder
	age.WriteString("age:")
	for _, a := range ages {
		fmt.Fprintf(&age, " %d", a-ages[0])
	}
	gen.WriteString("gcGen:")
	wbgc.WriteString("writtenByGC:")
	invalid.WriteString("invalid:")
	groups.WriteString("groups:")
	for i := range d.blocks {
		b := &d.blocks[i]
		fmt.Fprintf(&gen, " %d", b.gcGeneration)
		if b.writtenByGC {
			wbgc.WriteString(" 1")
		} else {
			wbgc.WriteString(" 0")
		}
		fmt.Fprintf(&invalid, " %d", d.pagesPerBlock-b.validCount)
		fmt.Fprintf(&groups, " %d", b.group)
	}
	return []string{age.String(), gen.String(), wbgc.String(), invalid.String(), groups.String()}
}

func (d *Device) withDiagnosticsLocked(err error) error {
	if err == nil {
		return nil
	}
	return withDiagnostics(err, d.diagnosticsLocked())
}

func (d *Device) checkBlock(op string, id BlockID) error {
	if id < 0 || int(id) >= d.numBlocks {
		return invariantf(op, "block %d out of range [0, %d)", id, d.numBlocks)
	}
	return nil
}

func (d *Device) checkPage(op string, lp LogicalPage) error {
	if lp < 0 || int(lp) >= d.logicalPages {
		return invariantf(op, "logical page %d out of range [0, %d)", lp, d.logicalPages)
	}
	return nil
}

// deviceView reads blocks without locking; it is only handed out while the
// device lock is held.
type deviceView struct{ d *Device }

func (v deviceView) NumBlocks() int     { return v.d.numBlocks }
func (v deviceView) PagesPerBlock() int { return v.d.pagesPerBlock }

func (v deviceView) Block(id BlockID) BlockInfo { return v.d.blocks[id].info(id) }

func (v deviceView) ValidPages(id BlockID) []LogicalPage { return v.d.validPagesLocked(id) }
