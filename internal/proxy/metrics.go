package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream kinds used as metric labels.
const (
	streamSSE       = "sse"
	streamWebSocket = "websocket"
)

// Metrics holds Prometheus metrics for long-lived streams. A nil
// *Metrics records nothing.
type Metrics struct {
	streamsTotal    *prometheus.CounterVec
	streamsActive   *prometheus.GaugeVec
	streamFailures  *prometheus.CounterVec
	wsMessagesTotal *prometheus.CounterVec
	streamDuration  *prometheus.HistogramVec
}

// NewMetrics registers the stream metrics with registerer under
// namespace. A nil registerer uses the default one.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	m := &Metrics{
		streamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "streams_total",
				Help:      "Total number of SSE and WebSocket streams opened",
			},
			[]string{"group", "kind"},
		),
		streamsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "streams_active",
				Help:      "Number of SSE and WebSocket streams currently open",
			},
			[]string{"group", "kind"},
		),
		streamFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "stream_failures_total",
				Help:      "Streams that ended because the upstream failed",
			},
			[]string{"group", "kind"},
		),
		wsMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "websocket_messages_total",
				Help:      "WebSocket messages relayed, by direction",
			},
			[]string{"group", "direction"},
		),
		streamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "stream_duration_seconds",
				Help:      "Lifetime of SSE and WebSocket streams",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"group", "kind"},
		),
	}
	return m
}

func (m *Metrics) streamOpened(group, kind string) {
	if m == nil {
		return
	}
	m.streamsTotal.WithLabelValues(group, kind).Inc()
	m.streamsActive.WithLabelValues(group, kind).Inc()
}

func (m *Metrics) streamClosed(group, kind string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.streamsActive.WithLabelValues(group, kind).Dec()
	m.streamDuration.WithLabelValues(group, kind).Observe(seconds)
	if failed {
		m.streamFailures.WithLabelValues(group, kind).Inc()
	}
}

func (m *Metrics) messagesRelayed(group string, toClient, toUpstream int64) {
	if m == nil {
		return
	}
	m.wsMessagesTotal.WithLabelValues(group, "to_client").Add(float64(toClient))
	m.wsMessagesTotal.WithLabelValues(group, "to_upstream").Add(float64(toUpstream))
}
