package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanvasMetricsRecord(t *testing.T) {
	m := NewCanvas(prometheus.NewRegistry())
	m.ObservePlacement("accepted", 10*time.Millisecond)
	m.ObservePlacement("accepted", 5*time.Millisecond)
	m.ObservePlacement("", time.Millisecond)
	m.ObserveQueueItems("pixels", "written", 3)
	m.ObserveQueueItems("pixels", "written", 0)
	m.SetQueueDepth("pixels", 7)
	m.ObserveProcessorRun("ok")
	m.ObservePublishFailure()

	if got := testutil.ToFloat64(m.placements.WithLabelValues("accepted")); got != 2 {
		t.Fatalf("expected 2 accepted placements, got %v", got)
	}
	if got := testutil.ToFloat64(m.placements.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected empty outcome to be labelled unknown, got %v", got)
	}
	if got := testutil.ToFloat64(m.queueProcessed.WithLabelValues("pixels", "written")); got != 3 {
		t.Fatalf("expected 3 written pixels, got %v", got)
	}
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("pixels")); got != 7 {
		t.Fatalf("expected depth 7, got %v", got)
	}
	if got := testutil.ToFloat64(m.publishFailures); got != 1 {
		t.Fatalf("expected one publish failure, got %v", got)
	}
}

func TestNilCanvasMetricsAreNoops(t *testing.T) {
	var m *CanvasMetrics
	m.ObservePlacement("accepted", time.Second)
	m.ObserveBalanceLookup("cache")
	m.ObserveQueueItems("users", "written", 1)
	m.SetQueueDepth("users", 1)
	m.ObserveProcessorRun("ok")
	m.ObservePublishFailure()
}
