package simulator

import (
	"fmt"

	"github.com/miretskiy/flashsim/internal/bytesize"
)

// SimConfig holds all simulation parameters: device geometry, the GC policy
// and its knobs, the host workload and the driver pacing.
type SimConfig struct {
	// Device geometry
	CapacityBytes  bytesize.ByteSize `json:"capacityBytes" yaml:"capacityBytes" mapstructure:"capacityBytes"`    // Raw flash capacity
	BlockBytes     bytesize.ByteSize `json:"blockBytes" yaml:"blockBytes" mapstructure:"blockBytes"`             // Erase unit
	PageBytes      bytesize.ByteSize `json:"pageBytes" yaml:"pageBytes" mapstructure:"pageBytes"`                // Program unit
	FillFactor     float64           `json:"fillFactor" yaml:"fillFactor" mapstructure:"fillFactor"`             // Logical share of raw capacity (0, 1]
	WriteBufferPct float64           `json:"writeBufferPct" yaml:"writeBufferPct" mapstructure:"writeBufferPct"` // Write buffer as a share of logical pages (0 = write-through)

	// GC policy
	Policy         PolicyKind `json:"policy" yaml:"policy" mapstructure:"policy"`                         // greedy, gen, dte, 2a, tt, optimal, wl
	WriteHeads     int        `json:"writeHeads" yaml:"writeHeads" mapstructure:"writeHeads"`             // Temperature groups for 2a/tt
	DTEVictim      string     `json:"dteVictim" yaml:"dteVictim" mapstructure:"dteVictim"`                // Victim selection for dte: edt or greedy
	OptimalBuckets int        `json:"optimalBuckets" yaml:"optimalBuckets" mapstructure:"optimalBuckets"` // Histogram buckets for the optimal oracle

	WearLeveling WearLevelingConfig `json:"wearLeveling" yaml:"wearLeveling" mapstructure:"wearLeveling"`

	// Host workload
	Workload WorkloadConfig `json:"workload" yaml:"workload" mapstructure:"workload"`

	// Simulation control
	RandomSeed          int64 `json:"randomSeed" yaml:"randomSeed" mapstructure:"randomSeed"`                            // Random seed for reproducibility (0 = use time-based seed)
	WritesPerStep       int   `json:"writesPerStep" yaml:"writesPerStep" mapstructure:"writesPerStep"`                   // Host writes issued per Step()
	StatsIntervalWrites int   `json:"statsIntervalWrites" yaml:"statsIntervalWrites" mapstructure:"statsIntervalWrites"` // Host writes between stats epochs
	CheckInvariants     bool  `json:"checkInvariants" yaml:"checkInvariants" mapstructure:"checkInvariants"`             // Verify the device after every write (slow)
}

// DefaultConfig returns a small device that runs quickly under every policy
func DefaultConfig() SimConfig {
	return SimConfig{
		CapacityBytes:  64 * bytesize.MiB,  // 16384 pages
		BlockBytes:     256 * bytesize.KiB, // 64 pages per block
		PageBytes:      4 * bytesize.KiB,
		FillFactor:     0.8,
		WriteBufferPct: DefaultWriteBufferPct,
		Policy:         PolicyGreedy,
		WriteHeads:     4,
		DTEVictim:      DTEVictimEDT,
		OptimalBuckets: DefaultOptimalBuckets,
		WearLeveling: WearLevelingConfig{
			Enabled:   false,
			LUNs:      DefaultWearLevelingLUNs,
			Threshold: DefaultWearLevelingThreshold,
		},
		Workload: WorkloadConfig{
			Kind:          WorkloadUniform,
			ZipfS:         1.1,
			HotFraction:   0.2,
			HotWriteShare: 0.8,
		},
		RandomSeed:          0,      // 0 = use time-based seed
		WritesPerStep:       10000,  // one UI tick
		StatsIntervalWrites: 100000, // a few device overwrites at default size
		CheckInvariants:     false,
	}
}

// DeviceConfig converts the geometry part of the config
func (c *SimConfig) DeviceConfig() DeviceConfig {
	return DeviceConfig{
		CapacityBytes:  c.CapacityBytes.Uint64(),
		BlockBytes:     c.BlockBytes.Uint64(),
		PageBytes:      c.PageBytes.Uint64(),
		FillFactor:     c.FillFactor,
		WriteBufferPct: c.WriteBufferPct,
		WearLeveling:   c.WearLeveling,
	}
}

// PolicyOptions extracts the policy knobs
func (c *SimConfig) PolicyOptions() PolicyOptions {
	return PolicyOptions{
		WriteHeads:     c.WriteHeads,
		DTEVictim:      c.DTEVictim,
		OptimalBuckets: c.OptimalBuckets,
		Seed:           c.RandomSeed,
	}
}

// Validate checks if configuration values are reasonable. Geometry limits
// that depend on derived sizes are checked again by NewDevice and the policy
// constructors.
func (c *SimConfig) Validate() error {
	if c.PageBytes == 0 {
		return ErrInvalidConfig("pageBytes must be > 0")
	}
	if c.BlockBytes < c.PageBytes {
		return ErrInvalidConfig("blockBytes must be >= pageBytes")
	}
	if c.CapacityBytes < c.BlockBytes {
		return ErrInvalidConfig("capacityBytes must be >= blockBytes")
	}
	if c.FillFactor <= 0 || c.FillFactor > 1 {
		return ErrInvalidConfig("fillFactor must be in (0, 1]")
	}
	if c.WriteBufferPct < 0 || c.WriteBufferPct >= 1 {
		return ErrInvalidConfig("writeBufferPct must be in [0, 1)")
	}
	if c.Policy != PolicyWearLeveling && c.FillFactor >= 1 {
		return ErrInvalidConfig(fmt.Sprintf("policy %s needs fillFactor < 1 to have spare blocks", c.Policy))
	}
	if (c.Policy == PolicyTwoA || c.Policy == PolicyTT) && c.WriteHeads < 1 {
		return ErrInvalidConfig("writeHeads must be >= 1")
	}
	if c.Policy == PolicyWearLeveling && !c.WearLeveling.Enabled {
		return ErrInvalidConfig("policy wl requires wearLeveling.enabled")
	}
	if c.WearLeveling.LUNs < 0 {
		return ErrInvalidConfig("wearLeveling.luns must be >= 0")
	}
	if c.WearLeveling.Threshold < 0 {
		return ErrInvalidConfig("wearLeveling.threshold must be >= 0")
	}
	if c.OptimalBuckets < 0 {
		return ErrInvalidConfig("optimalBuckets must be >= 0")
	}
	if c.WritesPerStep < 1 {
		return ErrInvalidConfig("writesPerStep must be >= 1")
	}
	if c.StatsIntervalWrites < 0 {
		return ErrInvalidConfig("statsIntervalWrites must be >= 0")
	}
	return nil
}
