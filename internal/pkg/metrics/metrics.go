package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts billing webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitloop",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "habitloop",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ResolutionsTotal counts entitlement writes by resolved tier and status.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitloop",
		Subsystem: "billing",
		Name:      "resolutions_total",
		Help:      "Entitlement resolutions written to the store by tier, status and source.",
	}, []string{"tier", "status", "source"})

	// ReconcileTotal counts reconciliation attempts by outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitloop",
		Subsystem: "billing",
		Name:      "reconcile_total",
		Help:      "Reconciliation attempts by outcome.",
	}, []string{"outcome"})

	// CheckoutTotal counts checkout initiations by outcome.
	CheckoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitloop",
		Subsystem: "billing",
		Name:      "checkout_total",
		Help:      "Checkout session initiations by outcome.",
	}, []string{"outcome"})

	// GateChecksTotal counts feature gate decisions.
	GateChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitloop",
		Subsystem: "entitlements",
		Name:      "gate_checks_total",
		Help:      "Feature gate checks by required tier and decision.",
	}, []string{"required", "allowed"})

	// ProviderBreakerState reports the billing provider circuit breaker state (0 closed, 1 half-open, 2 open).
	ProviderBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "habitloop",
		Subsystem: "billing",
		Name:      "provider_breaker_state",
		Help:      "Billing provider circuit breaker state (0 closed, 1 half-open, 2 open).",
	})
)

func ObserveWebhook(eventType string, status int, seconds float64) {
	WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	WebhookDuration.WithLabelValues(eventType).Observe(seconds)
}

func ObserveResolution(tier, status, source string) {
	ResolutionsTotal.WithLabelValues(tier, status, source).Inc()
}

func ObserveReconcile(outcome string) {
	ReconcileTotal.WithLabelValues(outcome).Inc()
}

func ObserveCheckout(outcome string) {
	CheckoutTotal.WithLabelValues(outcome).Inc()
}

func ObserveGateCheck(required string, allowed bool) {
	GateChecksTotal.WithLabelValues(required, strconv.FormatBool(allowed)).Inc()
}
