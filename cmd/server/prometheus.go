package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/miretskiy/flashsim/simulator"
)

var (
	// Prometheus metrics (gauges)
	promMetrics = struct {
		writeAmp       prometheus.Gauge
		epochWriteAmp  prometheus.Gauge
		greedyWriteAmp prometheus.Gauge
		hostWrites     prometheus.Gauge
		physicalWrites prometheus.Gauge
		gcRuns         prometheus.Gauge
		freeBlocks     prometheus.Gauge
		writtenByGC    prometheus.Gauge
		eraseCount     *prometheus.GaugeVec
		faulted        prometheus.Gauge
	}{
		writeAmp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashsim_write_amplification",
			Help: "Physical writes per host write over completed epochs",
		}),
		epochWriteAmp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashsim_epoch_write_amplification",
			Help: "Write amplification of the last stats epoch",
		}),
		greedyWriteAmp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashsim_greedy_approx_write_amplification",
			Help: "Analytic greedy WA for the configured fill factor",
		}),
		hostWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashsim_host_writes",
			Help: "Host page writes issued",
		}),
		physicalWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashsim_physical_writes",
			Help: "Physical page writes over completed epochs",
		}),
		gcRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashsim_gc_runs",
			Help: "Garbage collection runs",
		}),
		freeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashsim_free_blocks",
			Help: "Erased blocks queued by the policy",
		}),
		writtenByGC: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashsim_written_by_gc_percent",
			Help: "Share of blocks last written by GC",
		}),
		eraseCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flashsim_erase_count",
			Help: "Block erase counts (min, mean, max)",
		}, []string{"stat"}),
		faulted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashsim_faulted",
			Help: "Simulation fault state (0=running, 1=faulted)",
		}),
	}
)

func initPrometheusMetrics() {
	prometheus.MustRegister(
		promMetrics.writeAmp,
		promMetrics.epochWriteAmp,
		promMetrics.greedyWriteAmp,
		promMetrics.hostWrites,
		promMetrics.physicalWrites,
		promMetrics.gcRuns,
		promMetrics.freeBlocks,
		promMetrics.writtenByGC,
		promMetrics.eraseCount,
		promMetrics.faulted,
	)
}

func updatePrometheusMetrics(m *simulator.Metrics) {
	promMetrics.writeAmp.Set(m.WriteAmplification)
	promMetrics.epochWriteAmp.Set(m.EpochWriteAmplification)
	promMetrics.greedyWriteAmp.Set(m.GreedyApproxWA)
	promMetrics.hostWrites.Set(float64(m.HostWrites))
	promMetrics.physicalWrites.Set(float64(m.PhysicalWrites))
	promMetrics.gcRuns.Set(float64(m.GCRuns))
	promMetrics.freeBlocks.Set(float64(m.FreeBlocks))
	promMetrics.writtenByGC.Set(m.WrittenByGCPercent)
	promMetrics.eraseCount.WithLabelValues("min").Set(float64(m.MinEraseCount))
	promMetrics.eraseCount.WithLabelValues("mean").Set(m.MeanEraseCount)
	promMetrics.eraseCount.WithLabelValues("max").Set(float64(m.MaxEraseCount))

	if m.Faulted {
		promMetrics.faulted.Set(1.0)
	} else {
		promMetrics.faulted.Set(0.0)
	}
}
