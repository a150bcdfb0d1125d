package simulator

// block is a fixed-capacity append-only container of physical page slots.
// Only the Device mutates blocks.
type block struct {
	slots        []LogicalPage // slot -> logical page, Unused when empty or invalidated
	writePos     int           // next free slot
	validCount   int
	eraseCount   int
	gcAge        int64 // device-wide stamp taken at erase or compaction, -1 before the first
	gcGeneration int   // times the block was compacted since its last erase
	group        int   // policy assigned affinity, NoGroup until first write after erase
	writtenByGC  bool
}

func newBlock(pagesPerBlock int) block {
	b := block{
		slots: make([]LogicalPage, pagesPerBlock),
		gcAge: -1,
		group: NoGroup,
	}
	for i := range b.slots {
		b.slots[i] = Unused
	}
	return b
}

func (b *block) canWrite() bool     { return b.writePos < len(b.slots) }
func (b *block) fullyWritten() bool { return b.writePos == len(b.slots) }
func (b *block) allValid() bool     { return b.validCount == len(b.slots) }
func (b *block) allInvalid() bool   { return b.validCount == 0 }
func (b *block) isErased() bool     { return b.writePos == 0 }

// append stores lp in the next free slot and returns the slot index.
// The caller checks canWrite first.
func (b *block) append(lp LogicalPage) int {
	pos := b.writePos
	b.slots[pos] = lp
	b.validCount++
	b.writePos++
	return pos
}

// invalidate clears a slot whose page was rewritten elsewhere.
func (b *block) invalidate(slot int) bool {
	if b.slots[slot] == Unused {
		return false
	}
	b.slots[slot] = Unused
	b.validCount--
	return true
}

// compactInPlace packs surviving slots to the front, preserving their order.
// The mapping table is updated by the caller.
func (b *block) compactInPlace(age int64) {
	b.writePos = 0
	for _, lp := range b.slots {
		if lp != Unused {
			b.slots[b.writePos] = lp
			b.writePos++
		}
	}
	for i := b.writePos; i < len(b.slots); i++ {
		b.slots[i] = Unused
	}
	b.validCount = b.writePos
	b.eraseCount++
	b.gcAge = age
}

func (b *block) erase(age int64) {
	for i := range b.slots {
		b.slots[i] = Unused
	}
	b.writePos = 0
	b.validCount = 0
	b.eraseCount++
	b.gcAge = age
	b.writtenByGC = false
	b.group = NoGroup
}

func (b *block) info(id BlockID) BlockInfo {
	return BlockInfo{
		ID:            id,
		PagesPerBlock: len(b.slots),
		WritePosition: b.writePos,
		ValidCount:    b.validCount,
		EraseCount:    b.eraseCount,
		GCAge:         b.gcAge,
		GCGeneration:  b.gcGeneration,
		Group:         b.group,
		WrittenByGC:   b.writtenByGC,
	}
}

// BlockInfo is a point-in-time copy of a block's counters.
type BlockInfo struct {
	ID            BlockID `json:"id"`
	PagesPerBlock int     `json:"pagesPerBlock"`
	WritePosition int     `json:"writePosition"`
	ValidCount    int     `json:"validCount"`
	EraseCount    int     `json:"eraseCount"`
	GCAge         int64   `json:"gcAge"`
	GCGeneration  int     `json:"gcGeneration"`
	Group         int     `json:"group"`
	WrittenByGC   bool    `json:"writtenByGC"`
}

func (i BlockInfo) CanWrite() bool     { return i.WritePosition < i.PagesPerBlock }
func (i BlockInfo) FullyWritten() bool { return i.WritePosition == i.PagesPerBlock }
func (i BlockInfo) AllValid() bool     { return i.ValidCount == i.PagesPerBlock }
func (i BlockInfo) AllInvalid() bool   { return i.ValidCount == 0 }
func (i BlockInfo) IsErased() bool     { return i.WritePosition == 0 }

// BlockReader is a read-only view of device blocks. The Device implements it
// with locking; callbacks run during compaction receive an unlocked view.
type BlockReader interface {
	NumBlocks() int
	PagesPerBlock() int
	Block(id BlockID) BlockInfo
	ValidPages(id BlockID) []LogicalPage
}
