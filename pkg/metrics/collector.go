package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "closureleak"

// Collector exposes the demo's progress as prometheus metrics.
type Collector struct {
	Registry *prometheus.Registry

	QueueLength        prometheus.Gauge
	RetainedBytes      prometheus.Gauge
	PressureIterations prometheus.Counter
	LastFactorial      prometheus.Gauge
	HeapAllocBytes     prometheus.Gauge
	GCCycles           prometheus.Gauge
	ForcedGCSeconds    prometheus.Histogram
	DriverState        *prometheus.GaugeVec

	withRuntime bool
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithRuntimeCollectors also registers the Go and process collectors.
func WithRuntimeCollectors() CollectorOption {
	return func(c *Collector) { c.withRuntime = true }
}

// NewCollector creates a collector backed by its own registry.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Number of deferred computations held by the recorder.",
		}),
		RetainedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retained_bytes",
			Help:      "Bytes reachable from the recorder at the last scan.",
		}),
		PressureIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pressure_iterations_total",
			Help:      "Completed iterations of the pressure loop.",
		}),
		LastFactorial: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_factorial",
			Help:      "Most recent factorial value computed by the pressure loop.",
		}),
		HeapAllocBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_alloc_bytes",
			Help:      "runtime.MemStats.HeapAlloc after the last forced GC.",
		}),
		GCCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gc_cycles",
			Help:      "runtime.MemStats.NumGC after the last forced GC.",
		}),
		ForcedGCSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forced_gc_seconds",
			Help:      "Duration of forced collections.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		DriverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "driver_state",
			Help:      "1 for the state the driver is currently in.",
		}, []string{"state"}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Registry.MustRegister(
		c.QueueLength,
		c.RetainedBytes,
		c.PressureIterations,
		c.LastFactorial,
		c.HeapAllocBytes,
		c.GCCycles,
		c.ForcedGCSeconds,
		c.DriverState,
	)
	if c.withRuntime {
		c.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// SetState marks state as the current driver state.
func (c *Collector) SetState(state string) {
	c.DriverState.Reset()
	c.DriverState.WithLabelValues(state).Set(1)
}

// ObserveMemStats copies the relevant runtime counters into the gauges.
func (c *Collector) ObserveMemStats() {
	m := MemStats()
	c.HeapAllocBytes.Set(float64(m.HeapAlloc))
	c.GCCycles.Set(float64(m.NumGC))
}
