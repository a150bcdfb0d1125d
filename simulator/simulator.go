package simulator

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/miretskiy/flashsim/internal/logger"
)

// Simulator drives a GC policy with a host workload. It has NO concurrency
// primitives of its own: the caller (cmd/server, cmd/sim_runner) owns pacing
// and threading, and the device serializes its own state.
type Simulator struct {
	config     SimConfig
	device     *Device
	policy     Policy
	workload   Workload
	metrics    *Metrics
	rng        *rand.Rand
	sinceStats int   // host writes since the last stats epoch
	err        error // first fault; once set the simulator refuses to step

	// Event logging callback (optional, for UI/debugging)
	LogEvent func(msg string)
}

// NewSimulator creates a device, policy and workload from config
func NewSimulator(config SimConfig) (*Simulator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if config.RandomSeed == 0 {
		rng = rand.New(rand.NewSource(rand.Int63()))
	} else {
		rng = rand.New(rand.NewSource(config.RandomSeed))
	}

	dev, err := NewDevice(config.DeviceConfig())
	if err != nil {
		return nil, err
	}

	opts := config.PolicyOptions()
	opts.Seed = rng.Int63()
	policy, err := NewPolicy(config.Policy, dev, opts)
	if err != nil {
		return nil, err
	}

	workload, err := NewWorkload(config.Workload, dev.LogicalPages(), rng)
	if err != nil {
		return nil, err
	}

	logger.Debug("simulator created",
		"policy", policy.Name(),
		"blocks", dev.NumBlocks(),
		"pagesPerBlock", dev.PagesPerBlock(),
		"logicalPages", dev.LogicalPages(),
		"writeBuffer", dev.WriteBufferSize(),
		"workload", config.Workload.Kind)

	return &Simulator{
		config:   config,
		device:   dev,
		policy:   policy,
		workload: workload,
		metrics:  NewMetrics(dev, policy.Name()),
		rng:      rng,
	}, nil
}

// Step issues one batch of WritesPerStep host writes.
// This is the method the server calls on every UI tick.
func (s *Simulator) Step() error {
	return s.Run(s.config.WritesPerStep)
}

// Run issues n host writes, closing a stats epoch every StatsIntervalWrites
// writes. It stops at the first fault and returns it; later calls return the
// same error without writing.
func (s *Simulator) Run(n int) error {
	if s.err != nil {
		return s.err
	}
	for i := 0; i < n; i++ {
		if err := s.policy.WritePage(s.workload.Next()); err != nil {
			return s.fail(err)
		}
		if s.config.CheckInvariants {
			if err := s.device.CheckInvariants(); err != nil {
				return s.fail(err)
			}
		}
		s.metrics.RecordHostWrites(1)
		s.sinceStats++
		if s.config.StatsIntervalWrites > 0 && s.sinceStats >= s.config.StatsIntervalWrites {
			s.snapshot()
		}
	}
	return nil
}

// Snapshot closes the current stats epoch early. It is a no-op when no host
// writes happened since the last epoch.
func (s *Simulator) Snapshot() {
	if s.err != nil || s.sinceStats == 0 {
		return
	}
	s.snapshot()
}

// snapshot reads the policy first: the oracle policy sets the device's
// physical write counter from its Stats call.
func (s *Simulator) snapshot() {
	ps := s.policy.Stats()
	phys := s.device.PhysicalWrites()
	s.device.ResetPhysicalCounters()
	ds := s.device.Stats()

	host := uint64(s.sinceStats)
	s.sinceStats = 0
	s.metrics.RecordEpoch(host, phys, ps, ds)

	logger.Info("stats",
		"policy", ps.Name,
		"epoch", s.metrics.Epochs,
		"writes", host,
		"wa", s.metrics.EpochWriteAmplification,
		"cumulativeWA", s.metrics.WriteAmplification,
		"gcRuns", ps.GCRuns,
		"freeBlocks", ps.FreeBlocks)
	s.logEvent("[epoch %d] %s: writes=%d WA=%.3f (cumulative %.3f) gcRuns=%d",
		s.metrics.Epochs, ps.Name, host, s.metrics.EpochWriteAmplification, s.metrics.WriteAmplification, ps.GCRuns)
}

func (s *Simulator) fail(err error) error {
	s.err = err
	s.metrics.RecordFault(err)

	var se *SimError
	if errors.As(err, &se) {
		logger.Error("simulation fault",
			"policy", s.policy.Name(),
			"op", se.Op,
			"kind", se.Kind,
			"error", se.Message,
			"hostWrites", s.metrics.HostWrites)
		for _, line := range se.Diagnostics {
			logger.Debug("device state", "line", line)
		}
		s.logEvent("FAULT: %s", se.Error())
	} else {
		logger.Error("simulation fault", "policy", s.policy.Name(), "error", err)
		s.logEvent("FAULT: %v", err)
	}
	return err
}

// Reset resets the simulation to initial state
func (s *Simulator) Reset() error {
	// A fresh simulator guarantees that device, policy and workload agree
	newSim, err := NewSimulator(s.config)
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	logEvent := s.LogEvent
	*s = *newSim
	s.LogEvent = logEvent
	return nil
}

// UpdateConfig applies a new configuration. Pacing and the workload change in
// place; anything that shapes the device or the policy resets the run.
func (s *Simulator) UpdateConfig(newConfig SimConfig) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}

	// Ignore dynamic params when deciding whether a reset is needed
	oldConfig := s.config
	oldConfig.WritesPerStep = newConfig.WritesPerStep
	oldConfig.StatsIntervalWrites = newConfig.StatsIntervalWrites
	oldConfig.CheckInvariants = newConfig.CheckInvariants
	oldConfig.Workload = newConfig.Workload
	needsReset := oldConfig != newConfig

	workloadChanged := s.config.Workload != newConfig.Workload
	s.config = newConfig

	if needsReset {
		s.logEvent("[config] static config changed, resetting simulation")
		return s.Reset()
	}
	if workloadChanged {
		w, err := NewWorkload(newConfig.Workload, s.device.LogicalPages(), s.rng)
		if err != nil {
			return err
		}
		s.workload = w
		s.logEvent("[config] workload changed to %s", newConfig.Workload.Kind)
	}
	return nil
}

// Config returns a copy of the current configuration
func (s *Simulator) Config() SimConfig {
	return s.config
}

// Metrics returns a copy of current metrics
func (s *Simulator) Metrics() *Metrics {
	return s.metrics.Clone()
}

// Device exposes the simulated device for inspection
func (s *Simulator) Device() *Device {
	return s.device
}

// Policy returns the active GC policy
func (s *Simulator) Policy() Policy {
	return s.policy
}

// Err returns the fault that stopped the simulation, if any
func (s *Simulator) Err() error {
	return s.err
}

// State returns a snapshot of block occupancy for the UI
func (s *Simulator) State() map[string]interface{} {
	blocks := s.device.Blocks()
	valid := make([]int, len(blocks))
	erase := make([]int, len(blocks))
	groups := make([]int, len(blocks))
	for i, b := range blocks {
		valid[i] = b.ValidCount
		erase[i] = b.EraseCount
		groups[i] = b.Group
	}
	state := map[string]interface{}{
		"policy":          s.policy.Name(),
		"hostWrites":      s.metrics.HostWrites,
		"numBlocks":       s.device.NumBlocks(),
		"pagesPerBlock":   s.device.PagesPerBlock(),
		"logicalPages":    s.device.LogicalPages(),
		"mappedPages":     s.device.MappedPages(),
		"writeBufferSize": s.device.WriteBufferSize(),
		"validPerBlock":   valid,
		"erasePerBlock":   erase,
		"groupPerBlock":   groups,
		"faulted":         s.err != nil,
	}
	if s.err != nil {
		state["fault"] = s.err.Error()
	}
	return state
}

// logEvent sends a log message to the UI (if callback is set)
func (s *Simulator) logEvent(format string, args ...interface{}) {
	if s.LogEvent == nil {
		return
	}
	s.LogEvent(fmt.Sprintf(format, args...))
}
