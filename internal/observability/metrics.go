package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the dialer's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Claims         *prometheus.CounterVec
	Dials          *prometheus.CounterVec
	GatewayEvents  *prometheus.CounterVec
	InboundRoutes  *prometheus.CounterVec
	OrphansReaped  prometheus.Counter
	ActiveSessions prometheus.Gauge
	FeedClients    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics registers every instrument on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_claims_total",
			Help:      "Queue claim attempts by result.",
		}, []string{"result"}),
		Dials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Outbound dial requests by result.",
		}, []string{"result"}),
		GatewayEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_events_total",
			Help:      "Gateway callbacks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		InboundRoutes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_routes_total",
			Help:      "Inbound routing decisions by mode.",
		}, []string{"mode"}),
		OrphansReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_reaped_total",
			Help:      "Active calls failed by the reconciliation sweep.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Turbo sessions seen active by the last sweep.",
		}),
		FeedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients",
			Help:      "Connected change feed websocket clients.",
		}),
	}
}

func (m *Metrics) Claim(result string) {
	if m == nil {
		return
	}
	m.Claims.WithLabelValues(result).Inc()
}

func (m *Metrics) Dial(result string) {
	if m == nil {
		return
	}
	m.Dials.WithLabelValues(result).Inc()
}

func (m *Metrics) GatewayEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.GatewayEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) InboundRoute(mode string) {
	if m == nil {
		return
	}
	m.InboundRoutes.WithLabelValues(mode).Inc()
}

func (m *Metrics) OrphanReaped() {
	if m == nil {
		return
	}
	m.OrphansReaped.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) FeedClientConnected(delta int) {
	if m == nil {
		return
	}
	m.FeedClients.Add(float64(delta))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
