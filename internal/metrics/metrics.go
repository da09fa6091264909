// Package metrics registers the Prometheus collectors exposed by the
// dashboard bridge's /metrics-adjacent instrumentation points: pipeline
// throughput, detector hit counts, queue depth, and validator outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the pipeline updates. A single
// instance is constructed at startup and shared by value-reference
// across components (never copied).
type Registry struct {
	FramesReceived   *prometheus.CounterVec
	BufferOverflows  *prometheus.CounterVec
	DetectorFired    *prometheus.CounterVec
	SignalsGenerated prometheus.Counter
	ValidatorReason  *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	QueueDropped     *prometheus.CounterVec
	AlertsSent       prometheus.Counter
	AlertSendLatency prometheus.Histogram
	TrackedOutcomes  *prometheus.CounterVec
	WinRate          *prometheus.GaugeVec
	PollerErrors     *prometheus.CounterVec
	StreamState      prometheus.Gauge
}

// NewRegistry constructs and registers every collector against reg.
// Pass prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidwatch",
			Name:      "frames_received_total",
			Help:      "Stream frames received by kind.",
		}, []string{"kind"}),
		BufferOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidwatch",
			Name:      "buffer_overflows_total",
			Help:      "Ring buffer entries evicted before being read.",
		}, []string{"symbol", "kind"}),
		DetectorFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidwatch",
			Name:      "detector_fired_total",
			Help:      "Detector evaluations that produced a non-nil signal.",
		}, []string{"detector"}),
		SignalsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liquidwatch",
			Name:      "signals_generated_total",
			Help:      "Fused trading signals produced by the generator.",
		}),
		ValidatorReason: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidwatch",
			Name:      "validator_outcome_total",
			Help:      "Validator decisions by reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liquidwatch",
			Name:      "alert_queue_depth",
			Help:      "Current alert queue length.",
		}),
		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidwatch",
			Name:      "alert_queue_dropped_total",
			Help:      "Alerts dropped by the queue, by cause.",
		}, []string{"cause"}),
		AlertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liquidwatch",
			Name:      "alerts_sent_total",
			Help:      "Alerts successfully delivered to the chat sink.",
		}),
		AlertSendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "liquidwatch",
			Name:      "alert_send_latency_seconds",
			Help:      "Chat sink delivery latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		TrackedOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidwatch",
			Name:      "tracked_outcomes_total",
			Help:      "Terminal tracked-signal outcomes by signal type and result.",
		}, []string{"signal_type", "outcome"}),
		WinRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "liquidwatch",
			Name:      "confidence_win_rate",
			Help:      "Current smoothed win rate per signal type.",
		}, []string{"signal_type"}),
		PollerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidwatch",
			Name:      "poller_errors_total",
			Help:      "REST poller fetch failures by endpoint.",
		}, []string{"endpoint"}),
		StreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liquidwatch",
			Name:      "stream_connection_state",
			Help:      "Stream client state (0=disconnected,1=connecting,2=connected,3=reconnecting,4=closed).",
		}),
	}

	reg.MustRegister(
		r.FramesReceived, r.BufferOverflows, r.DetectorFired, r.SignalsGenerated,
		r.ValidatorReason, r.QueueDepth, r.QueueDropped, r.AlertsSent,
		r.AlertSendLatency, r.TrackedOutcomes, r.WinRate, r.PollerErrors, r.StreamState,
	)
	return r
}
