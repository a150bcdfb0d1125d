package simulator

import "fmt"

// WearLevelingFTL routes every host write through the device's per-LUN
// rotation. It performs no GC: each LUN's live pages always sit in its
// current write block.
type WearLevelingFTL struct {
	dev    *Device
	writes uint64
}

func NewWearLevelingFTL(dev *Device) (*WearLevelingFTL, error) {
	if !dev.WearLevelingEnabled() {
		return nil, ErrInvalidConfig("wl policy requires wear leveling to be enabled")
	}
	luns := dev.WearLevelingLUNs()
	perLUN := (dev.LogicalPages() + luns - 1) / luns
	if perLUN > dev.PagesPerBlock() {
		return nil, ErrInvalidConfig(fmt.Sprintf("wl policy needs at most %d logical pages per LUN, got %d", dev.PagesPerBlock(), perLUN))
	}
	if dev.NumBlocks() < 2*luns {
		return nil, ErrInvalidConfig(fmt.Sprintf("wl policy needs at least 2 blocks per LUN (%d blocks, %d LUNs)", dev.NumBlocks(), luns))
	}
	return &WearLevelingFTL{dev: dev}, nil
}

func (p *WearLevelingFTL) Name() string { return "wl" }

func (p *WearLevelingFTL) WritePage(lp LogicalPage) error {
	p.writes++
	return p.dev.WritePageWL(lp, p.dev.PageLUN(lp))
}

func (p *WearLevelingFTL) Stats() PolicyStats {
	st := PolicyStats{Name: p.Name(), HostWrites: p.writes}
	p.ResetStats()
	return st
}

func (p *WearLevelingFTL) ResetStats() { p.writes = 0 }
