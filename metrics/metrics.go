package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yeti47/chunkvault/events"
)

// Metrics holds the Prometheus collectors of one process. Each instance registers
// on its own registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Recording
	SessionsStarted prometheus.Counter
	SessionsAborted prometheus.Counter
	SegmentsStored  prometheus.Counter
	SegmentDuration prometheus.Histogram
	SegmentSize     prometheus.Histogram
	RecordingActive prometheus.Gauge
	ErrorsByKind    *prometheus.CounterVec

	// Storage
	StorageUsedBytes     prometheus.Gauge
	StorageCapacityBytes prometheus.Gauge
	SegmentsEvicted      prometheus.Counter
	EvictedBytes         prometheus.Counter

	// Sync
	QueueDepth     *prometheus.GaugeVec
	Uploads        *prometheus.CounterVec
	UploadDuration prometheus.Histogram

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkvault_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkvault_sessions_aborted_total",
			Help: "Total number of recording sessions aborted by a capture error",
		}),
		SegmentsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkvault_segments_stored_total",
			Help: "Total number of segments persisted",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkvault_segment_duration_seconds",
			Help:    "Duration of persisted segments",
			Buckets: prometheus.LinearBuckets(5, 5, 12), // 5s to 60s
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkvault_segment_size_bytes",
			Help:    "Size of persisted segments",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KiB to 8MiB
		}),
		RecordingActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chunkvault_recording_active",
			Help: "1 while a recording session is running",
		}),
		ErrorsByKind: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkvault_errors_total",
			Help: "Errors surfaced to the interface layer by kind",
		}, []string{"kind"}),

		StorageUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chunkvault_storage_used_bytes",
			Help: "Bytes used by stored segments",
		}),
		StorageCapacityBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chunkvault_storage_capacity_bytes",
			Help: "Configured storage budget",
		}),
		SegmentsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkvault_segments_evicted_total",
			Help: "Total number of synced segments removed by eviction",
		}),
		EvictedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkvault_evicted_bytes_total",
			Help: "Total bytes reclaimed by eviction",
		}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chunkvault_sync_queue_items",
			Help: "Sync queue items by status",
		}, []string{"status"}),
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkvault_uploads_total",
			Help: "Upload attempts by outcome",
		}, []string{"outcome"}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkvault_upload_duration_seconds",
			Help:    "Duration of upload attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkvault_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkvault_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collectors to bus events. It returns the subscription id.
func (m *Metrics) Attach(bus *events.Bus) uint64 {
	return bus.SubscribeAll(m.observe)
}

func (m *Metrics) observe(event events.Event) {
	switch e := event.(type) {
	case events.SessionStartedEvent:
		m.SessionsStarted.Inc()
		m.RecordingActive.Set(1)
	case events.SessionSummaryEvent:
		m.RecordingActive.Set(0)
		if e.Aborted {
			m.SessionsAborted.Inc()
		}
	case events.SegmentCompletedEvent:
		m.SegmentsStored.Inc()
		m.SegmentDuration.Observe(e.Duration)
		m.SegmentSize.Observe(float64(e.SizeBytes))
	case events.SegmentEvictedEvent:
		m.SegmentsEvicted.Inc()
		m.EvictedBytes.Add(float64(e.SizeBytes))
	case events.CapacityEvent:
		m.StorageUsedBytes.Set(float64(e.UsedBytes))
		m.StorageCapacityBytes.Set(float64(e.CapacityBytes))
	case events.ErrorEvent:
		m.ErrorsByKind.WithLabelValues(string(e.Kind)).Inc()
	}
}

// ObserveUpload records one upload attempt.
func (m *Metrics) ObserveUpload(success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.Uploads.WithLabelValues(outcome).Inc()
	m.UploadDuration.Observe(duration.Seconds())
}

// SetQueueDepth records the number of queue items in a status.
func (m *Metrics) SetQueueDepth(status string, n int) {
	m.QueueDepth.WithLabelValues(status).Set(float64(n))
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
