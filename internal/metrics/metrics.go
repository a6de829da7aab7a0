// Package metrics exposes Prometheus collectors for the recording engine.
// Each engine instance owns its own registry so parallel recorders in one
// process never collide on collector registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine-scoped collectors.
type Metrics struct {
	registry *prometheus.Registry

	SessionAttempts   prometheus.Counter
	SessionFailures   prometheus.Counter
	SessionCreateSecs prometheus.Histogram
	PoolSize          prometheus.Gauge

	FramesAccepted  prometheus.Counter
	FramesDuplicate prometheus.Counter
	FramesRejected  prometheus.Counter
	FrameProcSecs   prometheus.Histogram

	FramesEncoded prometheus.Counter
	FramesDropped prometheus.Counter
	QueueDepth    prometheus.Gauge
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SessionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screenreel_session_create_attempts_total",
			Help: "Instrumentation session creation attempts.",
		}),
		SessionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screenreel_session_create_failures_total",
			Help: "Instrumentation session creation attempts that failed.",
		}),
		SessionCreateSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screenreel_session_create_seconds",
			Help:    "Latency of instrumentation session creation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screenreel_session_pool_size",
			Help: "Generic sessions currently pooled.",
		}),
		FramesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screenreel_frames_accepted_total",
			Help: "Frames accepted by the capture pipeline.",
		}),
		FramesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screenreel_frames_duplicate_total",
			Help: "Frame events discarded as duplicates.",
		}),
		FramesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screenreel_frames_rejected_total",
			Help: "Frames rejected during decode or validation.",
		}),
		FrameProcSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screenreel_frame_processing_seconds",
			Help:    "Per-frame processing latency in the capture workers.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		FramesEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screenreel_frames_encoded_total",
			Help: "Frames written to the encoder subprocess.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screenreel_frames_dropped_total",
			Help: "Frames dropped because the encode queue was full.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screenreel_encode_queue_depth",
			Help: "Frames currently buffered ahead of the encoder.",
		}),
	}

	reg.MustRegister(
		m.SessionAttempts, m.SessionFailures, m.SessionCreateSecs, m.PoolSize,
		m.FramesAccepted, m.FramesDuplicate, m.FramesRejected, m.FrameProcSecs,
		m.FramesEncoded, m.FramesDropped, m.QueueDepth,
	)
	return m
}

// Registry returns the engine-scoped registry, e.g. for an exposition handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
