package simulator

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/gammazero/deque"
)

// Policy is a garbage collection strategy bound to one device. The driver
// feeds it host writes; the policy picks destinations and reclaims space.
type Policy interface {
	Name() string
	WritePage(lp LogicalPage) error
	// Stats reports the current epoch and starts a new one.
	Stats() PolicyStats
	ResetStats()
}

// PolicyKind selects a GC policy
type PolicyKind int

const (
	PolicyGreedy       PolicyKind = iota // Single write head, fewest-valid victim
	PolicyGenerational                   // GC destinations per compaction generation
	PolicyDeathTime                      // Death-time estimation grouping
	PolicyTwoA                           // Interval classification plus analytic fill targets
	PolicyTT                             // Interval classification, greedy reclamation
	PolicyOptimal                        // Analytic oracle, performs no writes
	PolicyWearLeveling                   // Per-LUN rotation, no GC
)

// String returns the string representation of PolicyKind
func (k PolicyKind) String() string {
	switch k {
	case PolicyGreedy:
		return "greedy"
	case PolicyGenerational:
		return "gen"
	case PolicyDeathTime:
		return "dte"
	case PolicyTwoA:
		return "2a"
	case PolicyTT:
		return "tt"
	case PolicyOptimal:
		return "optimal"
	case PolicyWearLeveling:
		return "wl"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParsePolicyKind parses a string into PolicyKind
func ParsePolicyKind(s string) (PolicyKind, error) {
	switch s {
	case "greedy":
		return PolicyGreedy, nil
	case "gen", "generational":
		return PolicyGenerational, nil
	case "dte", "deathtime":
		return PolicyDeathTime, nil
	case "2a", "twoa":
		return PolicyTwoA, nil
	case "tt":
		return PolicyTT, nil
	case "optimal", "opt":
		return PolicyOptimal, nil
	case "wl", "wearleveling":
		return PolicyWearLeveling, nil
	default:
		return PolicyGreedy, fmt.Errorf("invalid policy: %s (must be one of greedy, gen, dte, 2a, tt, optimal, wl)", s)
	}
}

// MarshalJSON implements json.Marshaler for PolicyKind
func (k PolicyKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler for PolicyKind
func (k *PolicyKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return k.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler (YAML output).
func (k PolicyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler (config decoding).
func (k *PolicyKind) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicyKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PolicyOptions carries the policy specific knobs.
type PolicyOptions struct {
	WriteHeads     int    // TwoA/TT temperature groups
	DTEVictim      string // "edt" or "greedy"
	OptimalBuckets int    // histogram buckets for the oracle
	Seed           int64  // sampling seed (0 = time based)
}

// NewPolicy builds the policy selected by kind on top of dev.
func NewPolicy(kind PolicyKind, dev *Device, opts PolicyOptions) (Policy, error) {
	switch kind {
	case PolicyGreedy:
		return NewGreedyGC(dev)
	case PolicyGenerational:
		return NewGenerationalGC(dev)
	case PolicyDeathTime:
		return NewDeathTimeGC(dev, opts.DTEVictim)
	case PolicyTwoA:
		return NewTwoAGC(dev, opts.WriteHeads, false, opts.Seed)
	case PolicyTT:
		return NewTwoAGC(dev, opts.WriteHeads, true, opts.Seed)
	case PolicyOptimal:
		return NewOptimalGC(dev, opts.OptimalBuckets)
	case PolicyWearLeveling:
		return NewWearLevelingFTL(dev)
	default:
		return nil, ErrInvalidConfig(fmt.Sprintf("unknown policy %d", int(kind)))
	}
}

// GroupStats reports one write head group of a multi-head policy.
type GroupStats struct {
	Group             int     `json:"group" yaml:"group"`
	Writes            uint64  `json:"writes" yaml:"writes"`
	WritePercent      float64 `json:"writePercent" yaml:"writePercent"`
	GCRuns            uint64  `json:"gcRuns" yaml:"gcRuns"`
	Compactions       uint64  `json:"compactions" yaml:"compactions"`
	CompactionPercent float64 `json:"compactionPercent" yaml:"compactionPercent"`
	WA                float64 `json:"wa" yaml:"wa"` // victims compacted per reclaimed block
	Blocks            int     `json:"blocks" yaml:"blocks"`
	ValidPercent      float64 `json:"validPercent" yaml:"validPercent"`
	TargetFillPercent float64 `json:"targetFillPercent,omitempty" yaml:"targetFillPercent,omitempty"`
	TargetWA          float64 `json:"targetWA,omitempty" yaml:"targetWA,omitempty"`
}

// PolicyStats is the per-epoch policy report. Fields a policy does not track
// stay zero.
type PolicyStats struct {
	Name       string `json:"name" yaml:"name"`
	HostWrites uint64 `json:"hostWrites" yaml:"hostWrites"`
	GCRuns     uint64 `json:"gcRuns" yaml:"gcRuns"`
	FreeBlocks int    `json:"freeBlocks" yaml:"freeBlocks"`

	Groups                []GroupStats `json:"groups,omitempty" yaml:"groups,omitempty"`
	UngroupedBlocks       int          `json:"ungroupedBlocks,omitempty" yaml:"ungroupedBlocks,omitempty"`
	UngroupedValidPercent float64      `json:"ungroupedValidPercent,omitempty" yaml:"ungroupedValidPercent,omitempty"`
	Percentiles           []float64    `json:"percentiles,omitempty" yaml:"percentiles,omitempty"`
	SmartGC               uint64       `json:"smartGC,omitempty" yaml:"smartGC,omitempty"`
	GreedyGC              uint64       `json:"greedyGC,omitempty" yaml:"greedyGC,omitempty"`
	Flushes               uint64       `json:"flushes,omitempty" yaml:"flushes,omitempty"`
	GCHeads               int          `json:"gcHeads,omitempty" yaml:"gcHeads,omitempty"`

	OptimalWA        float64 `json:"optimalWA,omitempty" yaml:"optimalWA,omitempty"`
	OptimalWATotal   float64 `json:"optimalWATotal,omitempty" yaml:"optimalWATotal,omitempty"`
	OptimalWACurrent float64 `json:"optimalWACurrent,omitempty" yaml:"optimalWACurrent,omitempty"`
	GreedyWA         float64 `json:"greedyWA,omitempty" yaml:"greedyWA,omitempty"`
	GreedyWACurrent  float64 `json:"greedyWACurrent,omitempty" yaml:"greedyWACurrent,omitempty"`
	TotalSamples     uint64  `json:"totalSamples,omitempty" yaml:"totalSamples,omitempty"`
}

// seedFreeBlocks queues every device block as free.
func seedFreeBlocks(q *deque.Deque[BlockID], numBlocks int) {
	for b := 0; b < numBlocks; b++ {
		q.PushBack(BlockID(b))
	}
}

// requireSpareBlocks fails unless the spare space covers more than n blocks.
func requireSpareBlocks(dev *Device, n int, policy string) error {
	spare := dev.SparePages() / dev.PagesPerBlock()
	if spare <= n {
		return ErrInvalidConfig(fmt.Sprintf("%s needs more than %d spare blocks, device has %d", policy, n, spare))
	}
	return nil
}

// singleGreedy returns the fully written block with the fewest valid pages,
// lowest index on ties, ignoring blocks for which skip is true. An all-valid
// winner means the device has no reclaimable space.
func singleGreedy(r BlockReader, skip func(BlockID) bool) (BlockID, error) {
	const op = "singleGreedy"
	best := NoBlock
	bestValid := math.MaxInt
	for i := 0; i < r.NumBlocks(); i++ {
		id := BlockID(i)
		if skip != nil && skip(id) {
			continue
		}
		info := r.Block(id)
		if info.FullyWritten() && info.ValidCount < bestValid {
			best, bestValid = id, info.ValidCount
		}
	}
	if best == NoBlock {
		return NoBlock, noVictimf(op, "no fully written block")
	}
	if bestValid == r.PagesPerBlock() {
		return NoBlock, noVictimf(op, "greediest block %d is entirely valid", best)
	}
	return best, nil
}

// finite maps NaN and infinities to 0 so reports stay encodable.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func ratio(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
