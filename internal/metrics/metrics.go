// Package metrics provides Prometheus metrics for pixelping.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pixelping"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	// Packet pipeline
	PacketsReceived prometheus.Counter
	BytesReceived   prometheus.Counter
	PacketsRejected *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	BackendErrors   *prometheus.CounterVec
	BackendQueued   prometheus.Gauge

	// Canvas
	PixelsCommitted prometheus.Counter
	PixelsUnchanged prometheus.Counter
	ApplyLatency    prometheus.Histogram

	// Replies
	RepliesSent   prometheus.Counter
	RepliesFailed prometheus.Counter

	// Viewers
	ViewersActive     prometheus.Gauge
	ViewersTotal      prometheus.Counter
	ViewerDisconnects *prometheus.CounterVec
	UpdatesBroadcast  prometheus.Counter

	// Persistence
	PersistDuration prometheus.Histogram
	PersistFailures prometheus.Counter
	PersistBytes    prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// Discard returns metrics registered on a private registry nobody scrapes.
func Discard() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total packets read from the backend",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from the backend",
		}),
		PacketsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_rejected_total",
			Help:      "Total packets rejected by the decoder by reason",
		}, []string{"reason"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total packets or replies dropped by pipeline stage",
		}, []string{"stage"}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total backend I/O errors by kind",
		}, []string{"kind"}),
		BackendQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_queued_packets",
			Help:      "Packets waiting in the backend receive queue",
		}),

		PixelsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixels_committed_total",
			Help:      "Total pixel changes committed to the canvas",
		}),
		PixelsUnchanged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixels_unchanged_total",
			Help:      "Total draw commands that did not change the canvas",
		}),
		ApplyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_latency_seconds",
			Help:      "Histogram of draw command apply latency",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),

		RepliesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_sent_total",
			Help:      "Total echo replies injected",
		}),
		RepliesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_failed_total",
			Help:      "Total echo replies that could not be encoded or injected",
		}),

		ViewersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers_active",
			Help:      "Number of connected live viewers",
		}),
		ViewersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewers_total",
			Help:      "Total live viewers connected",
		}),
		ViewerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_disconnects_total",
			Help:      "Total viewer disconnections by reason",
		}, []string{"reason"}),
		UpdatesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_broadcast_total",
			Help:      "Total pixel updates handed to viewer queues",
		}),

		PersistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Histogram of canvas persist duration",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Total failed canvas persists",
		}),
		PersistBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_bytes",
			Help:      "Size of the last persisted canvas image",
		}),
	}

	return m
}

// RecordPacketReceived records a packet read from the backend.
func (m *Metrics) RecordPacketReceived(bytes int) {
	m.PacketsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordPacketRejected records a decoder rejection.
func (m *Metrics) RecordPacketRejected(reason string) {
	m.PacketsRejected.WithLabelValues(reason).Inc()
}

// RecordPacketDropped records a packet or reply dropped at a pipeline stage.
func (m *Metrics) RecordPacketDropped(stage string) {
	m.PacketsDropped.WithLabelValues(stage).Inc()
}

// RecordBackendError records a backend I/O error.
func (m *Metrics) RecordBackendError(kind string) {
	m.BackendErrors.WithLabelValues(kind).Inc()
}

// SetBackendQueued sets the backend receive queue depth.
func (m *Metrics) SetBackendQueued(n int) {
	m.BackendQueued.Set(float64(n))
}

// RecordApply records the outcome of a draw command.
func (m *Metrics) RecordApply(changed bool, latencySeconds float64) {
	if changed {
		m.PixelsCommitted.Inc()
	} else {
		m.PixelsUnchanged.Inc()
	}
	m.ApplyLatency.Observe(latencySeconds)
}

// RecordReply records an echo reply injection attempt.
func (m *Metrics) RecordReply(err error) {
	if err != nil {
		m.RepliesFailed.Inc()
		return
	}
	m.RepliesSent.Inc()
}

// RecordViewerConnect records a new viewer.
func (m *Metrics) RecordViewerConnect() {
	m.ViewersActive.Inc()
	m.ViewersTotal.Inc()
}

// RecordViewerDisconnect records a viewer leaving.
func (m *Metrics) RecordViewerDisconnect(reason string) {
	m.ViewersActive.Dec()
	m.ViewerDisconnects.WithLabelValues(reason).Inc()
}

// RecordBroadcast records updates handed to viewer queues.
func (m *Metrics) RecordBroadcast(n int) {
	m.UpdatesBroadcast.Add(float64(n))
}

// RecordPersist records a persist attempt.
func (m *Metrics) RecordPersist(durationSeconds float64, bytes int, err error) {
	m.PersistDuration.Observe(durationSeconds)
	if err != nil {
		m.PersistFailures.Inc()
		return
	}
	m.PersistBytes.Set(float64(bytes))
}
