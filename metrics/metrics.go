// Package metrics holds the Prometheus collectors of the index.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fdpindex"

var (
	// Pings counts received pings by result: accepted, invalid, denied,
	// rate_limited, error.
	Pings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pings_total",
		Help:      "Received pings by result.",
	}, []string{"result"})

	// Harvests counts harvest attempts by resulting entry state.
	Harvests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "harvests_total",
		Help:      "Harvest attempts by resulting entry state.",
	}, []string{"state"})

	// HarvestsSkipped counts harvest jobs that were not run, by reason:
	// rate_limited, queue_full.
	HarvestsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "harvests_skipped_total",
		Help:      "Harvest jobs that were not run by reason.",
	}, []string{"reason"})

	// WebhookDeliveries counts webhook deliveries by exchange state.
	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by exchange state.",
	}, []string{"state"})

	// WebhookDropped counts deliveries dropped because the queue was full.
	WebhookDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_queue_dropped_total",
		Help:      "Webhook deliveries dropped because the delivery queue was full.",
	})
)

func init() {
	prometheus.MustRegister(Pings, Harvests, HarvestsSkipped, WebhookDeliveries, WebhookDropped)
}
