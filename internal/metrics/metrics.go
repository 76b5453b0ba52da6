package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the feed collectors. A nil *Metrics is not valid; use New(nil) for an unregistered set.
type Metrics struct {
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	DepthUpdates      *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	DisconnectPackets *prometheus.CounterVec
	SessionState      prometheus.Gauge
	LastFrameUnixMs   prometheus.Gauge
	ReconnectDelayMs  prometheus.Histogram
}

// New creates the collectors and registers them with reg when it is not nil.
// Registering twice with the same registry panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depth_frames_received_total", Help: "Decoded packets by kind"}, []string{"kind"}),
		FramesDropped:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depth_frames_dropped_total", Help: "Discarded packets by reason"}, []string{"reason"}),
		DepthUpdates:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depth_side_updates_total", Help: "Side replacements applied to the store"}, []string{"side"}),
		Reconnects:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depth_feed_reconnects_total", Help: "Feed reconnects by reason"}, []string{"reason"}),
		DisconnectPackets: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depth_feed_disconnect_packets_total", Help: "Vendor disconnect packets by code"}, []string{"code"}),
		SessionState:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth_feed_session_state", Help: "0 disconnected, 1 connecting, 2 subscribed, 3 streaming"}),
		LastFrameUnixMs:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth_feed_last_frame_unix_ms", Help: "Receive time of the last inbound message"}),
		ReconnectDelayMs:  prometheus.NewHistogram(prometheus.HistogramOpts{Name: "depth_feed_reconnect_delay_ms", Help: "Backoff delay before reconnect", Buckets: prometheus.ExponentialBuckets(100, 2, 10)}),
	}

	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesReceived, m.FramesDropped, m.DepthUpdates, m.Reconnects,
		m.DisconnectPackets, m.SessionState, m.LastFrameUnixMs, m.ReconnectDelayMs,
	}
}

// NewRegistry returns a registry carrying the Go runtime and process collectors
func NewRegistry(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	logger.Info().Msg("Prometheus registry initialized")
	return reg
}

// Handler serves reg in the exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
