package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yeti47/chunkvault/events"
)

func TestMetrics_ObservesBusEvents(t *testing.T) {
	m := New()
	bus := events.NewBus(nil)
	m.Attach(bus)

	bus.Publish(events.NewSessionStartedEvent("s1", 5*time.Second, 500*time.Millisecond))
	if got := testutil.ToFloat64(m.RecordingActive); got != 1 {
		t.Errorf("Expected recording active 1, got %v", got)
	}

	bus.Publish(events.NewSegmentCompletedEvent("s1", "seg1", "name", 1, 6000, 5, true))
	bus.Publish(events.NewSegmentCompletedEvent("s1", "seg2", "name", 2, 2000, 2, true))
	bus.Publish(events.NewSessionSummaryEvent("s1", 2, 7*time.Second, false))
	bus.Publish(events.NewSegmentEvictedEvent("seg1", 6000))
	bus.Publish(events.NewCapacityEvent(2000, 10000, 20, false, false))
	bus.Publish(events.NewErrorEvent(events.KindCapacityExceeded, "", errors.New("full")))

	if got := testutil.ToFloat64(m.SessionsStarted); got != 1 {
		t.Errorf("Expected 1 session started, got %v", got)
	}
	if got := testutil.ToFloat64(m.SegmentsStored); got != 2 {
		t.Errorf("Expected 2 segments stored, got %v", got)
	}
	if got := testutil.ToFloat64(m.RecordingActive); got != 0 {
		t.Errorf("Expected recording inactive after summary, got %v", got)
	}
	if got := testutil.ToFloat64(m.EvictedBytes); got != 6000 {
		t.Errorf("Expected 6000 evicted bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.StorageUsedBytes); got != 2000 {
		t.Errorf("Expected 2000 used bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.ErrorsByKind.WithLabelValues("capacity_exceeded")); got != 1 {
		t.Errorf("Expected 1 capacity_exceeded error, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveUpload(true, 120*time.Millisecond)
	m.ObserveUpload(false, time.Second)
	m.SetQueueDepth("pending", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`chunkvault_uploads_total{outcome="success"} 1`,
		`chunkvault_uploads_total{outcome="failure"} 1`,
		`chunkvault_sync_queue_items{status="pending"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected exposition to contain %q", want)
		}
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := New()
	b := New()
	a.SegmentsStored.Inc()
	if got := testutil.ToFloat64(b.SegmentsStored); got != 0 {
		t.Errorf("Expected separate counters, got %v", got)
	}
}
