// Package stats exposes the agent's pipeline counters through a
// private prometheus registry, served on the status API.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the agent registers. Fields are used
// directly by the capture and playback services.
type Metrics struct {
	registry *prometheus.Registry

	FramesEncoded     *prometheus.CounterVec
	FramesSuppressed  prometheus.Counter
	KeyframeFallbacks prometheus.Counter
	EncodeErrors      prometheus.Counter
	FragmentsSent     prometheus.Counter
	BytesSent         prometheus.Counter

	FramesApplied    *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	StaleFrames      prometheus.Counter
	FragmentsExpired prometheus.Counter

	Subscribers   prometheus.Gauge
	StreamsKnown  prometheus.Gauge
	StreamsActive prometheus.Gauge
}

// New builds the metric set on a fresh registry so tests never collide
// on the global default.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesEncoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webmumble_frames_encoded_total",
			Help: "Frames encoded by the capture pipeline, by frame type.",
		}, []string{"type"}),
		FramesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmumble_frames_suppressed_total",
			Help: "Capture ticks skipped because no tile changed.",
		}),
		KeyframeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmumble_keyframe_fallbacks_total",
			Help: "Deltas demoted to keyframes by the size or coverage rule.",
		}),
		EncodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmumble_encode_errors_total",
			Help: "Capture or compression failures.",
		}),
		FragmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmumble_fragments_sent_total",
			Help: "Frame messages handed to the transport.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmumble_bytes_sent_total",
			Help: "Serialized frame bytes handed to the transport.",
		}),
		FramesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webmumble_frames_applied_total",
			Help: "Frames applied to a playback surface, by frame type.",
		}, []string{"type"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmumble_decode_errors_total",
			Help: "Payloads that failed to decode during playback.",
		}),
		StaleFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmumble_stale_frames_total",
			Help: "Frames dropped for arriving at or behind the applied id.",
		}),
		FragmentsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmumble_fragments_expired_total",
			Help: "Incomplete fragment buffers discarded by the sweep.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webmumble_subscribers",
			Help: "Peers currently subscribed to the local stream.",
		}),
		StreamsKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webmumble_streams_known",
			Help: "Remote streams currently announced or active.",
		}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webmumble_streams_active",
			Help: "Remote streams with at least one decoded frame.",
		}),
	}
	m.registry.MustRegister(
		m.FramesEncoded, m.FramesSuppressed, m.KeyframeFallbacks,
		m.EncodeErrors, m.FragmentsSent, m.BytesSent,
		m.FramesApplied, m.DecodeErrors, m.StaleFrames, m.FragmentsExpired,
		m.Subscribers, m.StreamsKnown, m.StreamsActive,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
