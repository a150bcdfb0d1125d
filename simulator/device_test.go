package simulator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageBytes = 4096

// newTestDevice builds a device of numBlocks blocks of ppb pages
func newTestDevice(t *testing.T, numBlocks, ppb int, fill, bufferPct float64) *Device {
	t.Helper()
	dev, err := NewDevice(DeviceConfig{
		CapacityBytes:  uint64(numBlocks * ppb * testPageBytes),
		BlockBytes:     uint64(ppb * testPageBytes),
		PageBytes:      testPageBytes,
		FillFactor:     fill,
		WriteBufferPct: bufferPct,
	})
	require.NoError(t, err)
	return dev
}

// fillBlock writes pages first..first+n-1 straight into id
func fillBlock(t *testing.T, dev *Device, id BlockID, first LogicalPage, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, dev.WritePageWithoutCaching(first+LogicalPage(i), id, NoGroup))
	}
}

func greedyVictim(r BlockReader) (BlockID, error) {
	return singleGreedy(r, nil)
}

var _ BlockReader = (*Device)(nil)

// TestNewDevice_Geometry verifies derived page counts
func TestNewDevice_Geometry(t *testing.T) {
	dev := newTestDevice(t, 64, 16, 0.75, 0)

	require.Equal(t, 64, dev.NumBlocks())
	require.Equal(t, 16, dev.PagesPerBlock())
	require.Equal(t, 1024, dev.PhysicalPages())
	require.Equal(t, 768, dev.LogicalPages())
	require.Equal(t, 256, dev.SparePages())
	require.Equal(t, 0, dev.WriteBufferSize())
	require.Equal(t, 0, dev.MappedPages())

	for lp := LogicalPage(0); lp < 768; lp++ {
		require.Equal(t, Unmapped, dev.Mapping(lp))
	}
	for _, b := range dev.Blocks() {
		require.True(t, b.IsErased())
		require.Equal(t, NoGroup, b.Group)
		require.Equal(t, int64(-1), b.GCAge)
	}
	require.NoError(t, dev.CheckInvariants())
}

// TestNewDevice_InvalidConfig verifies geometry validation
func TestNewDevice_InvalidConfig(t *testing.T) {
	valid := DeviceConfig{
		CapacityBytes: 64 * 16 * testPageBytes,
		BlockBytes:    16 * testPageBytes,
		PageBytes:     testPageBytes,
		FillFactor:    0.75,
	}
	tests := []struct {
		name   string
		mutate func(c *DeviceConfig)
	}{
		{"zero page", func(c *DeviceConfig) { c.PageBytes = 0 }},
		{"block smaller than page", func(c *DeviceConfig) { c.BlockBytes = testPageBytes / 2 }},
		{"capacity smaller than block", func(c *DeviceConfig) { c.CapacityBytes = testPageBytes }},
		{"zero fill", func(c *DeviceConfig) { c.FillFactor = 0 }},
		{"fill above one", func(c *DeviceConfig) { c.FillFactor = 1.1 }},
		{"buffer share of one", func(c *DeviceConfig) { c.WriteBufferPct = 1 }},
		{"negative buffer share", func(c *DeviceConfig) { c.WriteBufferPct = -0.1 }},
		{"no logical pages", func(c *DeviceConfig) { c.FillFactor = 0.0001 }},
		{"wear leveling LUNs above blocks", func(c *DeviceConfig) {
			c.WearLeveling = WearLevelingConfig{Enabled: true, LUNs: 65}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewDevice(cfg)
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

// TestWritePage_InvalidatesOldCopy verifies that a rewrite moves the mapping
// and invalidates exactly one old slot
func TestWritePage_InvalidatesOldCopy(t *testing.T) {
	dev := newTestDevice(t, 64, 16, 0.75, 0)

	require.NoError(t, dev.WritePage(5, 0, 3))
	require.Equal(t, dev.Addr(0, 0), dev.Mapping(5))
	require.Equal(t, 3, dev.Block(0).Group, "first write after erase sets the group")

	require.NoError(t, dev.WritePage(5, 0, 7))
	require.Equal(t, dev.Addr(0, 1), dev.Mapping(5))
	require.Equal(t, 1, dev.Block(0).ValidCount)
	require.Equal(t, 2, dev.Block(0).WritePosition)
	require.Equal(t, 3, dev.Block(0).Group, "group sticks until erase")

	require.NoError(t, dev.WritePage(5, 1, 0))
	require.Equal(t, 0, dev.Block(0).ValidCount)
	require.Equal(t, 1, dev.Block(1).ValidCount)
	require.Equal(t, BlockID(1), dev.AddrBlock(dev.Mapping(5)))
	require.Equal(t, 0, dev.AddrSlot(dev.Mapping(5)))

	host, gc := dev.MappingUpdates(5)
	require.Equal(t, uint64(3), host)
	require.Equal(t, uint64(0), gc)
	require.Equal(t, uint64(3), dev.PhysicalWrites())
	require.Equal(t, 1, dev.MappedPages())
	require.NoError(t, dev.CheckInvariants())
}

// TestWritePage_Errors verifies range and capacity faults carry diagnostics
func TestWritePage_Errors(t *testing.T) {
	dev := newTestDevice(t, 64, 16, 0.75, 0)

	t.Run("full block", func(t *testing.T) {
		fillBlock(t, dev, 0, 0, 16)
		err := dev.WritePage(100, 0, NoGroup)
		require.ErrorIs(t, err, ErrInvariantViolation)

		var se *SimError
		require.True(t, errors.As(err, &se))
		require.Equal(t, "WritePage", se.Op)
		require.Len(t, se.Diagnostics, 5)
		require.Contains(t, se.Dump(), "gcGen:")
	})

	t.Run("page out of range", func(t *testing.T) {
		require.ErrorIs(t, dev.WritePage(-1, 1, NoGroup), ErrInvariantViolation)
		require.ErrorIs(t, dev.WritePage(768, 1, NoGroup), ErrInvariantViolation)
	})

	t.Run("block out of range", func(t *testing.T) {
		require.ErrorIs(t, dev.WritePage(1, 64, NoGroup), ErrInvariantViolation)
		require.ErrorIs(t, dev.WritePageWithoutCaching(1, NoBlock, NoGroup), ErrInvariantViolation)
	})

	require.NoError(t, dev.CheckInvariants())
}

// TestEraseBlock verifies that only fully invalid blocks can be erased
func TestEraseBlock(t *testing.T) {
	dev := newTestDevice(t, 64, 16, 0.75, 0)
	fillBlock(t, dev, 0, 0, 16)

	require.ErrorIs(t, dev.EraseBlock(0), ErrInvariantViolation)

	fillBlock(t, dev, 1, 0, 16)
	require.True(t, dev.Block(0).AllInvalid())
	require.NoError(t, dev.EraseBlock(0))

	info := dev.Block(0)
	require.True(t, info.IsErased())
	require.Equal(t, 1, info.EraseCount)
	require.Equal(t, NoGroup, info.Group)
	require.False(t, info.WrittenByGC)
	require.Empty(t, dev.ValidPages(0))
	require.NoError(t, dev.CheckInvariants())
}

// TestCompactBlock verifies in-place compaction keeps the page set, remaps it
// and is idempotent
func TestCompactBlock(t *testing.T) {
	dev := newTestDevice(t, 64, 16, 0.75, 0)
	fillBlock(t, dev, 0, 0, 16)
	fillBlock(t, dev, 1, 0, 8) // invalidates pages 0..7 in block 0

	require.NoError(t, dev.CompactBlock(0))

	info := dev.Block(0)
	require.Equal(t, 8, info.WritePosition)
	require.Equal(t, 8, info.ValidCount)
	require.Equal(t, 1, info.GCGeneration)
	require.Equal(t, 1, info.EraseCount)
	require.True(t, info.WrittenByGC)
	require.True(t, info.CanWrite())

	want := []LogicalPage{8, 9, 10, 11, 12, 13, 14, 15}
	require.Equal(t, want, dev.ValidPages(0))
	for i, lp := range want {
		require.Equal(t, dev.Addr(0, i), dev.Mapping(lp))
	}
	require.Equal(t, uint64(16+8+8), dev.PhysicalWrites())
	require.NoError(t, dev.CheckInvariants())

	require.NoError(t, dev.CompactBlock(0))
	require.Equal(t, want, dev.ValidPages(0))
	require.Equal(t, 8, dev.Block(0).WritePosition)
	require.Equal(t, 2, dev.Block(0).GCGeneration)

	host, gc := dev.MappingUpdates(8)
	require.Equal(t, uint64(1), host)
	require.Equal(t, uint64(2), gc)

	st := dev.Stats()
	require.Equal(t, uint64(1), st.GCedNormal)
	require.Equal(t, uint64(1), st.GCedCold)
	st = dev.Stats()
	require.Zero(t, st.GCedNormal, "stats read resets the counters")
	require.Zero(t, st.GCedCold)
	require.NoError(t, dev.CheckInvariants())
}

// TestMoveValidPagesTo verifies copying until the destination fills
func TestMoveValidPagesTo(t *testing.T) {
	t.Run("source drains", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		fillBlock(t, dev, 1, 0, 10)

		remaining, err := dev.MoveValidPagesTo(0, 1)
		require.NoError(t, err)
		require.False(t, remaining)
		require.True(t, dev.Block(0).AllInvalid())
		require.True(t, dev.Block(1).AllValid())
		require.True(t, dev.Block(1).WrittenByGC)

		_, gc := dev.MappingUpdates(12)
		require.Equal(t, uint64(1), gc)
		require.NoError(t, dev.CheckInvariants())
	})

	t.Run("destination fills first", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		fillBlock(t, dev, 1, 16, 10)
		fillBlock(t, dev, 2, 0, 4)

		remaining, err := dev.MoveValidPagesTo(0, 1)
		require.NoError(t, err)
		require.True(t, remaining)
		require.Equal(t, 6, dev.Block(0).ValidCount)
		require.Equal(t, []LogicalPage{10, 11, 12, 13, 14, 15}, dev.ValidPages(0))
		require.False(t, dev.Block(1).CanWrite())
		require.NoError(t, dev.CheckInvariants())
	})

	t.Run("same block", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		_, err := dev.MoveValidPagesTo(3, 3)
		require.ErrorIs(t, err, ErrInvariantViolation)
	})
}

// TestMoveValidPagesBy verifies per-page routing
func TestMoveValidPagesBy(t *testing.T) {
	evenOdd := func(_ BlockReader, lp LogicalPage) (BlockID, int) {
		if lp%2 == 0 {
			return 1, 1
		}
		return 2, 2
	}

	t.Run("drains into routed blocks", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		fillBlock(t, dev, 3, 0, 8)

		full, err := dev.MoveValidPagesBy(0, evenOdd)
		require.NoError(t, err)
		require.Equal(t, NoBlock, full)
		require.True(t, dev.Block(0).AllInvalid())
		require.Equal(t, []LogicalPage{8, 10, 12, 14}, dev.ValidPages(1))
		require.Equal(t, []LogicalPage{9, 11, 13, 15}, dev.ValidPages(2))
		require.Equal(t, 1, dev.Block(1).Group)
		require.Equal(t, 2, dev.Block(2).Group)
		require.True(t, dev.Block(1).WrittenByGC)
		require.NoError(t, dev.CheckInvariants())
	})

	t.Run("reports first full destination", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		fillBlock(t, dev, 3, 0, 8)
		fillBlock(t, dev, 1, 100, 14)

		toOne := func(BlockReader, LogicalPage) (BlockID, int) { return 1, 1 }
		full, err := dev.MoveValidPagesBy(0, toOne)
		require.NoError(t, err)
		require.Equal(t, BlockID(1), full)
		require.Equal(t, 6, dev.Block(0).ValidCount)
		require.NoError(t, dev.CheckInvariants())
	})

	t.Run("all valid source", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		_, err := dev.MoveValidPagesBy(0, evenOdd)
		require.ErrorIs(t, err, ErrInvariantViolation)
	})

	t.Run("routed back to source", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		fillBlock(t, dev, 3, 0, 8)
		self := func(BlockReader, LogicalPage) (BlockID, int) { return 0, 0 }
		_, err := dev.MoveValidPagesBy(0, self)
		require.ErrorIs(t, err, ErrInvariantViolation)
	})
}

// TestCompactUntilFreeBlock verifies that one erased block comes back and
// that it differs from the live GC destination
func TestCompactUntilFreeBlock(t *testing.T) {
	t.Run("reclaims the greediest blocks", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		for b := 0; b < 48; b++ {
			fillBlock(t, dev, BlockID(b), LogicalPage(b*16), 16)
		}
		fillBlock(t, dev, 48, 0, 8)  // half of block 0
		fillBlock(t, dev, 48, 16, 8) // half of block 1

		free, live, err := dev.CompactUntilFreeBlock(NoBlock, greedyVictim)
		require.NoError(t, err)
		require.Equal(t, BlockID(1), free)
		require.Equal(t, BlockID(0), live)
		require.NotEqual(t, free, live)

		freed := dev.Block(free)
		require.True(t, freed.IsErased())
		require.Equal(t, 0, freed.GCGeneration)
		require.Equal(t, 1, freed.EraseCount)

		dst := dev.Block(live)
		require.True(t, dst.AllValid())
		require.Equal(t, 1, dst.GCGeneration)
		require.Equal(t, 768, dev.MappedPages())
		require.NoError(t, dev.CheckInvariants())
	})

	t.Run("no reclaimable space", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		_, _, err := dev.CompactUntilFreeBlock(NoBlock, greedyVictim)
		require.ErrorIs(t, err, ErrNoVictimFound)
	})

	t.Run("full destination is not recompacted", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		fillBlock(t, dev, 1, 16, 16)
		fillBlock(t, dev, 5, 100, 16)
		fillBlock(t, dev, 6, 100, 4) // gc head 5 keeps 12 valid
		fillBlock(t, dev, 6, 0, 8)   // block 0 keeps 8 valid
		fillBlock(t, dev, 7, 16, 12) // block 1 keeps 4 valid
		before := dev.PhysicalWrites()

		skipHead := func(r BlockReader) (BlockID, error) {
			return singleGreedy(r, func(id BlockID) bool { return id == 5 })
		}
		free, live, err := dev.CompactUntilFreeBlock(5, skipHead)
		require.NoError(t, err)
		require.Equal(t, BlockID(0), free)
		require.Equal(t, BlockID(1), live)
		require.Equal(t, uint64(12), dev.PhysicalWrites()-before, "only victim pages move")

		head := dev.Block(5)
		require.Equal(t, 0, head.GCGeneration)
		require.Equal(t, 16, head.WritePosition)
		require.Equal(t, 12, head.ValidCount)
		require.False(t, head.WrittenByGC)
		require.Equal(t, 12, dev.Block(1).ValidCount)
		require.NoError(t, dev.CheckInvariants())
	})

	t.Run("victim equal to destination", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		fillBlock(t, dev, 1, 0, 4)
		always0 := func(BlockReader) (BlockID, error) { return 0, nil }
		_, _, err := dev.CompactUntilFreeBlock(NoBlock, always0)
		require.ErrorIs(t, err, ErrInvariantViolation)
	})
}

// TestCompactUntilFreeBlockGrouped verifies that a full destination hands the
// compacted victim to its group
func TestCompactUntilFreeBlockGrouped(t *testing.T) {
	dev := newTestDevice(t, 64, 16, 0.75, 0)
	fillBlock(t, dev, 0, 0, 16)
	fillBlock(t, dev, 1, 16, 16)
	fillBlock(t, dev, 2, 0, 4)   // block 0 keeps 12 valid
	fillBlock(t, dev, 2, 16, 12) // block 1 keeps 4 valid

	// destination for group 5 with room for 2 pages
	for i := 0; i < 14; i++ {
		require.NoError(t, dev.WritePageWithoutCaching(LogicalPage(200+i), 3, 5))
	}
	dest := BlockID(3)
	victims := []BlockID{0, 1}
	next := func(BlockReader, int) (BlockID, error) {
		v := victims[0]
		victims = victims[1:]
		return v, nil
	}
	route := func(BlockReader, LogicalPage) (BlockID, int) { return dest, 5 }
	var handed []BlockID
	onFull := func(group int, replacement BlockID) {
		require.Equal(t, 5, group)
		handed = append(handed, replacement)
		dest = replacement
	}

	free, err := dev.CompactUntilFreeBlockGrouped(5, next, route, onFull)
	require.NoError(t, err)
	require.Equal(t, []BlockID{0}, handed)
	require.Equal(t, BlockID(1), free)
	require.True(t, dev.Block(1).IsErased())

	victim := dev.Block(0)
	require.Equal(t, 5, victim.Group)
	require.Equal(t, 14, victim.ValidCount)
	require.Equal(t, 1, victim.GCGeneration)
	require.NoError(t, dev.CheckInvariants())
}

// TestCompactVictimChain verifies explicit chain compaction
func TestCompactVictimChain(t *testing.T) {
	t.Run("head drains", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		fillBlock(t, dev, 1, 16, 16)
		fillBlock(t, dev, 2, 0, 12)
		fillBlock(t, dev, 2, 16, 4)

		free, err := dev.CompactVictimChain([]BlockID{0, 1})
		require.NoError(t, err)
		require.Equal(t, BlockID(0), free)
		require.True(t, dev.Block(0).IsErased())
		require.True(t, dev.Block(1).AllValid())
		require.NoError(t, dev.CheckInvariants())
	})

	t.Run("head keeps pages", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		fillBlock(t, dev, 0, 0, 16)
		fillBlock(t, dev, 1, 16, 16)
		_, err := dev.CompactVictimChain([]BlockID{0, 1})
		require.ErrorIs(t, err, ErrInvariantViolation)
	})

	t.Run("empty chain", func(t *testing.T) {
		dev := newTestDevice(t, 64, 16, 0.75, 0)
		_, err := dev.CompactVictimChain(nil)
		require.ErrorIs(t, err, ErrInvariantViolation)
	})
}

// TestWriteBuffer verifies LRU promotion and eviction into the destination
func TestWriteBuffer(t *testing.T) {
	dev := newTestDevice(t, 64, 16, 0.75, 0.01)
	require.Equal(t, 7, dev.WriteBufferSize())

	for lp := LogicalPage(0); lp < 6; lp++ {
		require.NoError(t, dev.WritePage(lp, 0, NoGroup))
	}
	require.Zero(t, dev.PhysicalWrites(), "pages sit in the buffer")
	require.True(t, dev.Buffered(0))
	require.Equal(t, Unmapped, dev.Mapping(0))

	require.NoError(t, dev.WritePage(6, 0, NoGroup))
	require.Equal(t, uint64(1), dev.PhysicalWrites())
	require.False(t, dev.Buffered(0), "oldest page is evicted")
	require.Equal(t, dev.Addr(0, 0), dev.Mapping(0))

	require.NoError(t, dev.WritePage(1, 0, NoGroup))
	require.Equal(t, uint64(1), dev.PhysicalWrites(), "rewriting a buffered page only promotes it")

	require.NoError(t, dev.WritePage(7, 0, NoGroup))
	require.Equal(t, uint64(2), dev.PhysicalWrites())
	require.Equal(t, dev.Addr(0, 1), dev.Mapping(2), "page 1 was promoted so page 2 goes first")
	require.True(t, dev.Buffered(1))
	require.NoError(t, dev.CheckInvariants())
}

// TestPhysicalCounters verifies the oracle override and reset
func TestPhysicalCounters(t *testing.T) {
	dev := newTestDevice(t, 64, 16, 0.75, 0)
	fillBlock(t, dev, 0, 0, 4)
	require.Equal(t, uint64(4), dev.PhysicalWrites())

	dev.SetPhysicalWrites(1234)
	require.Equal(t, uint64(1234), dev.PhysicalWrites())

	dev.ResetPhysicalCounters()
	require.Zero(t, dev.PhysicalWrites())
}

// TestDeviceStats verifies the generation histogram and erase counters
func TestDeviceStats(t *testing.T) {
	dev := newTestDevice(t, 64, 16, 0.75, 0)
	fillBlock(t, dev, 0, 0, 16)
	fillBlock(t, dev, 1, 0, 8)
	require.NoError(t, dev.CompactBlock(0))

	st := dev.Stats()
	require.Len(t, st.Generations, MaxReportedGeneration)
	total := 0.0
	for _, g := range st.Generations {
		total += g.BlockPercent
	}
	require.InDelta(t, 100.0, total, 1e-9)

	gen1 := st.Generations[1]
	require.InDelta(t, 100.0/64, gen1.BlockPercent, 1e-9)
	require.InDelta(t, 50.0, gen1.AvgFillPercent, 1e-9)
	require.Equal(t, -1.0, gen1.MinFillPercent, "compacted block is not fully written")

	require.Equal(t, 1, st.WrittenByGC)
	require.Equal(t, 0, st.MinEraseCount)
	require.Equal(t, 1, st.MaxEraseCount)
	require.Equal(t, 16, st.ValidPages)
	require.Len(t, dev.Diagnostics(), 5)
}
