/*
metrics.go - Prometheus metrics for the credits service

PURPOSE:
  Exposes counters and histograms for the ledger's hot paths. Scraped
  from /metrics.

SEE ALSO:
  - server.go: metrics endpoint and request instrumentation
*/
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the credits service.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Ledger metrics
	ConsumptionsTotal   *prometheus.CounterVec
	CreditsConsumed     *prometheus.CounterVec
	InsufficientCredits *prometheus.CounterVec
	AllocationsTotal    *prometheus.CounterVec
	CreditsAllocated    prometheus.Counter
	PacksPurchased      *prometheus.CounterVec
	CreditsForfeited    prometheus.Counter

	// Webhook metrics
	WebhookEvents *prometheus.CounterVec
}

// NewMetrics creates a collector registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a collector registered on reg. Tests pass a
// fresh registry so repeated construction never collides.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credits",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "credits",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),

		ConsumptionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credits",
				Name:      "consumptions_total",
				Help:      "Total successful credit consumptions",
			},
			[]string{"operation"},
		),
		CreditsConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credits",
				Name:      "consumed_total",
				Help:      "Total credits consumed",
			},
			[]string{"operation"},
		),
		InsufficientCredits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credits",
				Name:      "insufficient_total",
				Help:      "Consumption attempts rejected for insufficient balance",
			},
			[]string{"operation"},
		),
		AllocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credits",
				Name:      "allocations_total",
				Help:      "Total plan credit allocations",
			},
			[]string{"plan", "billing_period"},
		),
		CreditsAllocated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "credits",
				Name:      "allocated_total",
				Help:      "Total credits granted by plan allocations",
			},
		),
		PacksPurchased: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credits",
				Name:      "packs_purchased_total",
				Help:      "Total credit pack purchases",
			},
			[]string{"pack"},
		),
		CreditsForfeited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "credits",
				Name:      "forfeited_total",
				Help:      "Total credits forfeited on subscription end",
			},
		),

		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credits",
				Name:      "webhook_events_total",
				Help:      "Webhook events received by type and outcome",
			},
			[]string{"provider", "type", "outcome"},
		),
	}
}
