package simulator

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

// WorkloadKind represents the logical page access pattern fed to a policy
type WorkloadKind int

const (
	WorkloadSequential WorkloadKind = iota // 0, 1, ..., n-1, 0, ...
	WorkloadUniform                        // uniform random pages
	WorkloadZipf                           // Zipf skew, page 0 hottest
	WorkloadHotCold                        // a hot page set takes most writes
)

// String returns the string representation of WorkloadKind
func (k WorkloadKind) String() string {
	switch k {
	case WorkloadSequential:
		return "sequential"
	case WorkloadUniform:
		return "uniform"
	case WorkloadZipf:
		return "zipf"
	case WorkloadHotCold:
		return "hotcold"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseWorkloadKind parses a string into a WorkloadKind
func ParseWorkloadKind(s string) (WorkloadKind, error) {
	switch s {
	case "sequential", "seq":
		return WorkloadSequential, nil
	case "uniform":
		return WorkloadUniform, nil
	case "zipf":
		return WorkloadZipf, nil
	case "hotcold":
		return WorkloadHotCold, nil
	default:
		return WorkloadUniform, fmt.Errorf("invalid workload: %s (must be 'sequential', 'uniform', 'zipf', or 'hotcold')", s)
	}
}

// MarshalJSON implements json.Marshaler for WorkloadKind
func (k WorkloadKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler for WorkloadKind
func (k *WorkloadKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return k.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler for WorkloadKind
func (k WorkloadKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for WorkloadKind
func (k *WorkloadKind) UnmarshalText(text []byte) error {
	parsed, err := ParseWorkloadKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// WorkloadConfig holds access pattern parameters
type WorkloadConfig struct {
	Kind          WorkloadKind `json:"kind" yaml:"kind" mapstructure:"kind"`
	ZipfS         float64      `json:"zipfS" yaml:"zipfS" mapstructure:"zipfS"`                         // Zipf exponent, must be > 1
	HotFraction   float64      `json:"hotFraction" yaml:"hotFraction" mapstructure:"hotFraction"`       // Share of pages that are hot
	HotWriteShare float64      `json:"hotWriteShare" yaml:"hotWriteShare" mapstructure:"hotWriteShare"` // Share of writes that hit hot pages
}

// Workload produces the stream of logical pages written by the host
type Workload interface {
	Next() LogicalPage
}

// SequentialWorkload cycles through every logical page in order
type SequentialWorkload struct {
	pages int
	next  int
}

func (w *SequentialWorkload) Next() LogicalPage {
	lp := LogicalPage(w.next)
	w.next = (w.next + 1) % w.pages
	return lp
}

// UniformWorkload picks pages uniformly at random
type UniformWorkload struct {
	pages int
	rng   *rand.Rand
}

func (w *UniformWorkload) Next() LogicalPage {
	return LogicalPage(w.rng.Intn(w.pages))
}

// ZipfWorkload picks page k with probability proportional to (1+k)^-s
type ZipfWorkload struct {
	zipf *rand.Zipf
}

func (w *ZipfWorkload) Next() LogicalPage {
	return LogicalPage(w.zipf.Uint64())
}

// HotColdWorkload sends HotWriteShare of the writes to the first
// HotFraction of the pages and the rest to the remaining pages
type HotColdWorkload struct {
	pages    int
	hotPages int
	hotShare float64
	rng      *rand.Rand
}

func (w *HotColdWorkload) Next() LogicalPage {
	if w.rng.Float64() < w.hotShare {
		return LogicalPage(w.rng.Intn(w.hotPages))
	}
	return LogicalPage(w.hotPages + w.rng.Intn(w.pages-w.hotPages))
}

// NewWorkload creates a workload over [0, pages) based on type
func NewWorkload(cfg WorkloadConfig, pages int, rng *rand.Rand) (Workload, error) {
	if pages < 1 {
		return nil, ErrInvalidConfig("workload needs at least one logical page")
	}
	switch cfg.Kind {
	case WorkloadSequential:
		return &SequentialWorkload{pages: pages}, nil
	case WorkloadUniform:
		return &UniformWorkload{pages: pages, rng: rng}, nil
	case WorkloadZipf:
		if cfg.ZipfS <= 1 {
			return nil, ErrInvalidConfig(fmt.Sprintf("zipf exponent %g must be > 1", cfg.ZipfS))
		}
		return &ZipfWorkload{zipf: rand.NewZipf(rng, cfg.ZipfS, 1, uint64(pages-1))}, nil
	case WorkloadHotCold:
		if cfg.HotFraction <= 0 || cfg.HotFraction >= 1 {
			return nil, ErrInvalidConfig(fmt.Sprintf("hot fraction %g must be in (0, 1)", cfg.HotFraction))
		}
		if cfg.HotWriteShare < 0 || cfg.HotWriteShare > 1 {
			return nil, ErrInvalidConfig(fmt.Sprintf("hot write share %g must be in [0, 1]", cfg.HotWriteShare))
		}
		hot := int(float64(pages) * cfg.HotFraction)
		if hot < 1 || hot >= pages {
			return nil, ErrInvalidConfig(fmt.Sprintf("hot fraction %g leaves no hot or no cold pages out of %d", cfg.HotFraction, pages))
		}
		return &HotColdWorkload{pages: pages, hotPages: hot, hotShare: cfg.HotWriteShare, rng: rng}, nil
	default:
		return nil, ErrInvalidConfig(fmt.Sprintf("unknown workload %d", int(cfg.Kind)))
	}
}
