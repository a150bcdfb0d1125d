package simulator

import "fmt"

// LogicalPage identifies a host-visible page in [0, LogicalPages).
type LogicalPage int64

// BlockID indexes the device block array.
type BlockID int64

// PhysAddr is a flat physical page address: block*pagesPerBlock + slot.
type PhysAddr int64

const (
	// Unused marks an empty slot or an unmapped logical page.
	Unused LogicalPage = -1
	// Unmapped marks a logical page with no physical location.
	Unmapped PhysAddr = -1
	// NoBlock is returned where a block id is optional.
	NoBlock BlockID = -1
	// NoGroup is the group of a block that has not been written since erase.
	NoGroup = -1
)

func (b BlockID) String() string {
	if b == NoBlock {
		return "none"
	}
	return fmt.Sprintf("blk%d", int64(b))
}
