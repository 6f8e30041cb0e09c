package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the status endpoints. A nil
// *Metrics records nothing.
type Metrics struct {
	requestsTotal *prometheus.CounterVec
	checkStatus   *prometheus.GaugeVec
}

// NewMetrics registers the health metrics with registerer.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	m := &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "requests_total",
				Help:      "Requests to the health endpoints",
			},
			[]string{"endpoint"},
		),
		checkStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Last health check outcome (1=healthy, 0=unhealthy)",
			},
			[]string{"check"},
		),
	}
	for _, endpoint := range []string{"health", "live", "ready"} {
		m.requestsTotal.WithLabelValues(endpoint)
	}
	return m
}

func (m *Metrics) request(endpoint string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) observe(check string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.checkStatus.WithLabelValues(check).Set(v)
}
