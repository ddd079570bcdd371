// Package metrics exposes lifecycle and transit counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "realmkeeper"

// Collectors is safe to use as a nil pointer; every recorder becomes a no-op.
type Collectors struct {
	ops          *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	warps        *prometheus.CounterVec
	loaded       prometheus.Gauge
	portals      prometheus.Gauge
	scanDuration prometheus.Histogram
	uploads      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by kind and outcome.",
		}, []string{"op", "result"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Wall time from request to settlement of lifecycle operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op"}),
		warps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transit",
			Name:      "warps_total",
			Help:      "Portal activations by portal kind and outcome.",
		}, []string{"kind", "result"}),
		loaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "loaded_worlds",
			Help:      "Worlds currently loaded in the engine.",
		}),
		portals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transit",
			Name:      "portals",
			Help:      "Registered portal regions.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transit",
			Name:      "scan_duration_seconds",
			Help:      "Time spent in one portal scan pass.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "uploads_total",
			Help:      "Object storage uploads by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(c.ops, c.opDuration, c.warps, c.loaded, c.portals, c.scanDuration, c.uploads)
	}
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collectors) ObserveOp(op string, started time.Time, err error) {
	if c == nil {
		return
	}
	c.ops.WithLabelValues(op, result(err)).Inc()
	if !started.IsZero() {
		c.opDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	}
}

func (c *Collectors) ObserveWarp(kind string, err error) {
	if c == nil {
		return
	}
	c.warps.WithLabelValues(kind, result(err)).Inc()
}

func (c *Collectors) SetLoaded(n int) {
	if c == nil {
		return
	}
	c.loaded.Set(float64(n))
}

func (c *Collectors) SetPortals(n int) {
	if c == nil {
		return
	}
	c.portals.Set(float64(n))
}

func (c *Collectors) ObserveScan(d time.Duration) {
	if c == nil {
		return
	}
	c.scanDuration.Observe(d.Seconds())
}

func (c *Collectors) ObserveUpload(_ string, err error) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(result(err)).Inc()
}
