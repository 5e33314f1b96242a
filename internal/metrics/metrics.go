// Package metrics registers the Prometheus instruments the payment core
// emits. Everything registers against the default registry and is served
// by the promhttp handler in cmd/server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentOperations counts orchestrator operations by gateway,
	// operation and resulting status.
	PaymentOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "payments",
		Name:      "operations_total",
		Help:      "Payment operations by gateway, operation and result status.",
	}, []string{"gateway", "operation", "status"})

	// OperationDuration observes end-to-end orchestrator operation latency,
	// including the gateway round trip.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Subsystem: "payments",
		Name:      "operation_duration_seconds",
		Help:      "Orchestrator operation latency in seconds.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"gateway", "operation"})

	// AdapterCacheSize tracks how many adapter instances the factory holds.
	AdapterCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkout",
		Subsystem: "gateway_factory",
		Name:      "cached_adapters",
		Help:      "Number of cached gateway adapter instances.",
	})

	// WebhookEvents counts webhook deliveries by gateway and disposition.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "webhooks",
		Name:      "events_total",
		Help:      "Webhook deliveries by gateway and disposition.",
	}, []string{"gateway", "disposition"})
)
