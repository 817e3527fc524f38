// Package promcollector exports buffer manager metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	mc := promcollector.New("query", reg)
//	bm, _ := bufmgr.New(bufmgr.WithMetricsCollector(mc))
package promcollector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/bufmgr"
)

// Collector implements bufmgr.MetricsCollector with Prometheus instruments.
type Collector struct {
	spills       prometheus.Counter
	spillBytes   prometheus.Counter
	spillLatency prometheus.Histogram
	loads        *prometheus.CounterVec
	loadBytes    prometheus.Counter
	loadLatency  prometheus.Histogram
	compactions  prometheus.Counter
	relocated    prometheus.Counter
	freedBytes   prometheus.Counter
	reservations *prometheus.CounterVec
	shortfallKB  prometheus.Counter
	live         *prometheus.GaugeVec
}

var _ bufmgr.MetricsCollector = (*Collector)(nil)

// New creates a collector whose metric names start with namespace and registers
// it with reg. A nil reg leaves registration to the caller.
func New(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		spills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spills_total",
			Help:      "Batches and pages written to spill storage.",
		}),
		spillBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spill_bytes_total",
			Help:      "Compressed bytes written to spill storage.",
		}),
		spillLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "spill_duration_seconds",
			Help:      "Latency of spill writes.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Spilled values read back, by source.",
		}, []string{"source"}),
		loadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_bytes_total",
			Help:      "Compressed bytes read back from spill storage.",
		}),
		loadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Latency of loads of spilled values.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Spill store compaction cycles.",
		}),
		relocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relocated_frames_total",
			Help:      "Frames moved by compaction.",
		}),
		freedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compacted_bytes_total",
			Help:      "Bytes returned to storage by compaction.",
		}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Processing memory reservations, by outcome.",
		}, []string{"status"}),
		shortfallKB: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_shortfall_kilobytes_total",
			Help:      "Requested but not granted processing memory.",
		}),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_objects",
			Help:      "Open tuple buffers, trees and file stores.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(c)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.metrics() {
		m.Collect(ch)
	}
}

func (c *Collector) metrics() []prometheus.Collector {
	return []prometheus.Collector{
		c.spills, c.spillBytes, c.spillLatency,
		c.loads, c.loadBytes, c.loadLatency,
		c.compactions, c.relocated, c.freedBytes,
		c.reservations, c.shortfallKB, c.live,
	}
}

// RecordSpill implements bufmgr.MetricsCollector.
func (c *Collector) RecordSpill(bytes int, duration time.Duration) {
	c.spills.Inc()
	c.spillBytes.Add(float64(bytes))
	c.spillLatency.Observe(duration.Seconds())
}

// RecordLoad implements bufmgr.MetricsCollector.
func (c *Collector) RecordLoad(bytes int, fromMemory bool, duration time.Duration) {
	source := "storage"
	if fromMemory {
		source = "memory"
	}
	c.loads.WithLabelValues(source).Inc()
	c.loadBytes.Add(float64(bytes))
	c.loadLatency.Observe(duration.Seconds())
}

// RecordCompaction implements bufmgr.MetricsCollector.
func (c *Collector) RecordCompaction(relocated int, freedBytes int64) {
	c.compactions.Inc()
	c.relocated.Add(float64(relocated))
	if freedBytes > 0 {
		c.freedBytes.Add(float64(freedBytes))
	}
}

// RecordReservation implements bufmgr.MetricsCollector.
func (c *Collector) RecordReservation(requestedKB, grantedKB int, err error) {
	switch {
	case err != nil:
		c.reservations.WithLabelValues("error").Inc()
	case grantedKB < requestedKB:
		c.reservations.WithLabelValues("partial").Inc()
		c.shortfallKB.Add(float64(requestedKB - grantedKB))
	default:
		c.reservations.WithLabelValues("granted").Inc()
	}
}

// RecordBuffer implements bufmgr.MetricsCollector.
func (c *Collector) RecordBuffer(kind string, delta int) {
	c.live.WithLabelValues(kind).Add(float64(delta))
}
