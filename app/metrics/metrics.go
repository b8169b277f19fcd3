package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	paymentsCreated *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	webhookOutcomes *prometheus.CounterVec
	gatewayRequests *prometheus.HistogramVec
	stuckRefunds    prometheus.Gauge
}

func New(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		paymentsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Payments persisted after a successful gateway initiate.",
		}, []string{"provider", "currency"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_transitions_total",
			Help: "Applied payment status transitions.",
		}, []string{"from", "to"}),
		webhookOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_webhook_events_total",
			Help: "Inbound gateway webhook deliveries by outcome.",
		}, []string{"provider", "outcome"}),
		gatewayRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payments_gateway_request_duration_seconds",
			Help:    "Latency of outbound gateway calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op", "result"}),
		stuckRefunds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "payments_stuck_refunds",
			Help: "Refunds pending beyond the corroboration threshold at the last recheck.",
		}),
	}
}

func (m *Metrics) PaymentCreated(provider, currency string) {
	m.paymentsCreated.WithLabelValues(provider, currency).Inc()
}

func (m *Metrics) Transition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) WebhookOutcome(provider, outcome string) {
	m.webhookOutcomes.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveGateway(provider, op, result string, started time.Time) {
	m.gatewayRequests.WithLabelValues(provider, op, result).Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetStuckRefunds(n int) {
	m.stuckRefunds.Set(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
