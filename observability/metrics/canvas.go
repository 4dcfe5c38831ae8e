package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type CanvasMetrics struct {
	placements      *prometheus.CounterVec
	placementTime   prometheus.Histogram
	balanceLookups  *prometheus.CounterVec
	queueProcessed  *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	processorRuns   *prometheus.CounterVec
	publishFailures prometheus.Counter
}

var (
	canvasOnce     sync.Once
	canvasRegistry *CanvasMetrics
)

// Canvas returns the process-wide collectors registered on the default registry.
func Canvas() *CanvasMetrics {
	canvasOnce.Do(func() {
		canvasRegistry = NewCanvas(prometheus.DefaultRegisterer)
	})
	return canvasRegistry
}

// NewCanvas builds collectors registered on reg. Tests pass a fresh registry.
func NewCanvas(reg prometheus.Registerer) *CanvasMetrics {
	m := &CanvasMetrics{
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "placements_total",
			Help:      "Placement attempts segmented by outcome.",
		}, []string{"outcome"}),
		placementTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canvas",
			Name:      "placement_duration_seconds",
			Help:      "Latency of the placement pipeline.",
			Buckets:   prometheus.DefBuckets,
		}),
		balanceLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "balance_lookups_total",
			Help:      "Balance resolutions segmented by source (cache, oracle, fallback, error).",
		}, []string{"source"}),
		queueProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvas",
			Subsystem: "queue",
			Name:      "items_total",
			Help:      "Persistence queue items handled by kind and result.",
		}, []string{"kind", "result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "canvas",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Persistence queue depth observed at the end of a processor run.",
		}, []string{"kind"}),
		processorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvas",
			Subsystem: "queue",
			Name:      "runs_total",
			Help:      "Queue processor runs by result.",
		}, []string{"result"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "publish_failures_total",
			Help:      "Placement events that could not be published after retries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.placements,
			m.placementTime,
			m.balanceLookups,
			m.queueProcessed,
			m.queueDepth,
			m.processorRuns,
			m.publishFailures,
		)
	}
	return m
}

func (m *CanvasMetrics) ObservePlacement(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.placements.WithLabelValues(outcome).Inc()
	m.placementTime.Observe(took.Seconds())
}

func (m *CanvasMetrics) ObserveBalanceLookup(source string) {
	if m == nil {
		return
	}
	m.balanceLookups.WithLabelValues(source).Inc()
}

func (m *CanvasMetrics) ObserveQueueItems(kind, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.queueProcessed.WithLabelValues(kind, result).Add(float64(n))
}

func (m *CanvasMetrics) SetQueueDepth(kind string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(kind).Set(float64(depth))
}

func (m *CanvasMetrics) ObserveProcessorRun(result string) {
	if m == nil {
		return
	}
	m.processorRuns.WithLabelValues(result).Inc()
}

func (m *CanvasMetrics) ObservePublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// PublishFailures exposes the dropped-event counter for assertions.
func (m *CanvasMetrics) PublishFailures() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.publishFailures
}

// Placements exposes the outcome counter for assertions.
func (m *CanvasMetrics) Placements() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.placements
}
