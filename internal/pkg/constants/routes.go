package constants

// Route constants
const (
	WebhookRoute     = "/webhooks/billing"
	CheckoutRoute    = "/checkout"
	EntitlementRoute = "/entitlement"
	ReconcileRoute   = "/entitlement/reconcile"

	HealthRoute  = "/healthz"
	MetricsRoute = "/metrics"
	MonitorRoute = "/monitor"
	// Swagger UI is served below DocsBasePath + "v1"
	DocsBasePath = "/docs/api/"
)
