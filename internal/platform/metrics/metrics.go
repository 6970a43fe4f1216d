package metrics

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeCreated  = "created"
	OutcomeLinked   = "linked"
	OutcomeExisting = "existing"
	OutcomeIssued   = "issued"
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeMatched  = "matched"
)

// Metrics provides observability for the broker flows. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Ledger registrations by outcome: created, linked
	Registrations *prometheus.CounterVec

	// Token exchanges by outcome: issued, invalid_request, invalid_grant
	TokenExchanges *prometheus.CounterVec

	// Subscriptions created
	Subscriptions prometheus.Counter

	// Ingested events by outcome: matched, unmapped-patient, no-subscribers
	Fanouts *prometheus.CounterVec

	// Delivery attempts by outcome: success, failed
	Deliveries *prometheus.CounterVec

	// Single delivery latency
	DeliveryLatency prometheus.Histogram
}

// New creates a Metrics instance registered on its own registry so several
// broker instances can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_identity_registrations_total",
			Help: "Patient registrations by outcome",
		}, []string{"outcome"}),

		TokenExchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_token_exchanges_total",
			Help: "Permission ticket exchanges by outcome",
		}, []string{"outcome"}),

		Subscriptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_subscriptions_created_total",
			Help: "Subscriptions created",
		}),

		Fanouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_fanout_events_total",
			Help: "Ingested clinical events by outcome",
		}, []string{"outcome"}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_notification_deliveries_total",
			Help: "Notification delivery attempts by outcome",
		}, []string{"outcome"}),

		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_notification_delivery_duration_seconds",
			Help:    "Duration of a single notification delivery",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

func (m *Metrics) IncRegistration(outcome string) {
	if m != nil {
		m.Registrations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncTokenExchange(outcome string) {
	if m != nil {
		m.TokenExchanges.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncSubscription() {
	if m != nil {
		m.Subscriptions.Inc()
	}
}

func (m *Metrics) IncFanout(outcome string) {
	if m != nil {
		m.Fanouts.WithLabelValues(outcome).Inc()
	}
}

// ObserveDelivery records one delivery attempt and its latency.
func (m *Metrics) ObserveDelivery(success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeFailed
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	m.DeliveryLatency.Observe(d.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	if m == nil {
		return func(c echo.Context) error {
			return c.NoContent(http.StatusNotFound)
		}
	}
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
