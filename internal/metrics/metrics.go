package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsEvaluatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_events_evaluated_total",
			Help: "Total number of lifecycle calls evaluated by the dispatch guard.",
		},
		[]string{"entity_type", "method"},
	)

	EventsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_events_suppressed_total",
			Help: "Total number of dispatches suppressed by the guard.",
		},
		[]string{"reason"}, // non_public, debounce
	)

	DispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_events_dispatched_total",
			Help: "Total number of dispatch events produced.",
		},
		[]string{"entity_type", "method"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_deliveries_total",
			Help: "Total number of delivery attempts by final status.",
		},
		[]string{"status"}, // delivered, failed, dropped
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifier_delivery_latency_seconds",
			Help:    "Latency of outbound HTTP calls.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // http_5xx, http_4xx, timeout, network, other
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_dead_letters_total",
			Help: "Total number of deliveries dropped after exhausting retries.",
		},
	)

	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_callbacks_total",
			Help: "Total number of result callbacks invoked by status.",
		},
		[]string{"status"}, // ok, error, missing
	)
)

// MustRegister registers all notifier collectors on the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsEvaluatedTotal,
		EventsSuppressedTotal,
		DispatchedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		DeadLettersTotal,
		CallbacksTotal,
	)
}

// RecordDelivery records a delivery attempt outcome with its latency.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.Observe(latency.Seconds())
	}
}

// RecordRetry records a retry with a classified reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordSuppressed records a guard suppression.
func RecordSuppressed(reason string) {
	EventsSuppressedTotal.WithLabelValues(reason).Inc()
}
