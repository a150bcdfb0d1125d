package simulator

// EpochSample is the WA observed over one stats interval
type EpochSample struct {
	Epoch          int     `json:"epoch" yaml:"epoch"`
	HostWrites     uint64  `json:"hostWrites" yaml:"hostWrites"`
	PhysicalWrites uint64  `json:"physicalWrites" yaml:"physicalWrites"`
	WA             float64 `json:"wa" yaml:"wa"`
}

// Metrics tracks write amplification, GC activity and wear across a run
type Metrics struct {
	// Geometry, fixed for the lifetime of a simulator
	Policy        string  `json:"policy" yaml:"policy"`
	NumBlocks     int     `json:"numBlocks" yaml:"numBlocks"`
	PagesPerBlock int     `json:"pagesPerBlock" yaml:"pagesPerBlock"`
	LogicalPages  int     `json:"logicalPages" yaml:"logicalPages"`
	FillFactor    float64 `json:"fillFactor" yaml:"fillFactor"`

	// Cumulative counters
	HostWrites     uint64 `json:"hostWrites" yaml:"hostWrites"`         // Every host write issued so far
	SampledWrites  uint64 `json:"sampledWrites" yaml:"sampledWrites"`   // Host writes covered by completed epochs
	PhysicalWrites uint64 `json:"physicalWrites" yaml:"physicalWrites"` // Physical writes over completed epochs
	GCRuns         uint64 `json:"gcRuns" yaml:"gcRuns"`
	GCedNormal     uint64 `json:"gcedNormal" yaml:"gcedNormal"` // Compactions of host-written blocks
	GCedCold       uint64 `json:"gcedCold" yaml:"gcedCold"`     // Compactions of blocks GC already rewrote
	Epochs         int    `json:"epochs" yaml:"epochs"`

	// Amplification
	WriteAmplification      float64 `json:"writeAmplification" yaml:"writeAmplification"`           // physical / host over completed epochs
	EpochWriteAmplification float64 `json:"epochWriteAmplification" yaml:"epochWriteAmplification"` // last epoch only
	GreedyApproxWA          float64 `json:"greedyApproxWA" yaml:"greedyApproxWA"`                   // 1 / (2(1-f))

	// Block state at the last epoch
	FreeBlocks         int                `json:"freeBlocks" yaml:"freeBlocks"`
	ValidPages         int                `json:"validPages" yaml:"validPages"`
	WrittenByGCPercent float64            `json:"writtenByGCPercent" yaml:"writtenByGCPercent"`
	Generations        []GenerationBucket `json:"generations" yaml:"generations"`
	MinEraseCount      int                `json:"minEraseCount" yaml:"minEraseCount"`
	MaxEraseCount      int                `json:"maxEraseCount" yaml:"maxEraseCount"`
	MeanEraseCount     float64            `json:"meanEraseCount" yaml:"meanEraseCount"`

	LastPolicyStats PolicyStats   `json:"lastPolicyStats" yaml:"lastPolicyStats"`
	History         []EpochSample `json:"history,omitempty" yaml:"history,omitempty"`

	Faulted bool   `json:"faulted" yaml:"faulted"`
	Fault   string `json:"fault,omitempty" yaml:"fault,omitempty"`
}

// maxHistory bounds the per-epoch WA history kept for the UI
const maxHistory = 512

// NewMetrics creates a new metrics tracker for dev
func NewMetrics(dev *Device, policy string) *Metrics {
	return &Metrics{
		Policy:             policy,
		NumBlocks:          dev.NumBlocks(),
		PagesPerBlock:      dev.PagesPerBlock(),
		LogicalPages:       dev.LogicalPages(),
		FillFactor:         dev.FillFactor(),
		WriteAmplification: 1.0,
		GreedyApproxWA:     finite(GreedyApproxWA(dev.FillFactor())),
	}
}

// RecordHostWrites counts host writes issued by the driver
func (m *Metrics) RecordHostWrites(n uint64) {
	m.HostWrites += n
}

// RecordEpoch folds one stats interval into the run totals. hostWrites and
// physicalWrites cover only the interval.
func (m *Metrics) RecordEpoch(hostWrites, physicalWrites uint64, ps PolicyStats, ds DeviceStats) {
	m.Epochs++
	m.SampledWrites += hostWrites
	m.PhysicalWrites += physicalWrites
	if m.SampledWrites > 0 {
		m.WriteAmplification = float64(m.PhysicalWrites) / float64(m.SampledWrites)
	}
	m.EpochWriteAmplification = ratio(physicalWrites, hostWrites)

	m.GCRuns += ps.GCRuns
	m.FreeBlocks = ps.FreeBlocks
	m.LastPolicyStats = ps

	m.GCedNormal += ds.GCedNormal
	m.GCedCold += ds.GCedCold
	m.ValidPages = ds.ValidPages
	m.WrittenByGCPercent = ds.WrittenByGCPercent
	m.Generations = ds.Generations
	m.MinEraseCount = ds.MinEraseCount
	m.MaxEraseCount = ds.MaxEraseCount
	m.MeanEraseCount = ds.MeanEraseCount

	m.History = append(m.History, EpochSample{
		Epoch:          m.Epochs,
		HostWrites:     hostWrites,
		PhysicalWrites: physicalWrites,
		WA:             m.EpochWriteAmplification,
	})
	if len(m.History) > maxHistory {
		m.History = m.History[len(m.History)-maxHistory:]
	}
}

// RecordFault marks the run as stopped by err
func (m *Metrics) RecordFault(err error) {
	m.Faulted = true
	m.Fault = err.Error()
}

// Clone creates a copy of the metrics. Slices are copied so the clone can be
// handed to another goroutine.
func (m *Metrics) Clone() *Metrics {
	clone := *m
	clone.Generations = append([]GenerationBucket(nil), m.Generations...)
	clone.History = append([]EpochSample(nil), m.History...)
	clone.LastPolicyStats.Groups = append([]GroupStats(nil), m.LastPolicyStats.Groups...)
	clone.LastPolicyStats.Percentiles = append([]float64(nil), m.LastPolicyStats.Percentiles...)
	return &clone
}
