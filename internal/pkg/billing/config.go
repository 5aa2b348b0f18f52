package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/HabitLoop/internal/pkg/env"
)

const (
	defaultProviderTimeout   = 10 * time.Second
	defaultWebhookTolerance  = 5 * time.Minute
	defaultReconcileInterval = 15 * time.Minute
)

// Config holds the billing settings read from the environment.
type Config struct {
	WebhookSecret     string
	StripeAPIKey      string
	CatalogFile       string
	ProviderTimeout   time.Duration
	WebhookTolerance  time.Duration
	ReconcileInterval time.Duration
	SuccessURL        string
	CancelURL         string
	PublicDomain      string
}

// LoadConfig reads billing settings. Call Validate before serving traffic.
func LoadConfig() Config {
	return Config{
		WebhookSecret:     strings.TrimSpace(env.GetEnv("BILLING_WEBHOOK_SECRET", "")),
		StripeAPIKey:      strings.TrimSpace(env.GetEnv("STRIPE_API_KEY", "")),
		CatalogFile:       strings.TrimSpace(env.GetEnv("PLAN_CATALOG_FILE", "")),
		ProviderTimeout:   parseDuration(env.GetEnv("BILLING_PROVIDER_TIMEOUT", ""), defaultProviderTimeout),
		WebhookTolerance:  parseDuration(env.GetEnv("BILLING_WEBHOOK_TOLERANCE", ""), defaultWebhookTolerance),
		ReconcileInterval: parseDuration(env.GetEnv("BILLING_RECONCILE_INTERVAL", ""), defaultReconcileInterval),
		SuccessURL:        strings.TrimSpace(env.GetEnv("CHECKOUT_SUCCESS_URL", "")),
		CancelURL:         strings.TrimSpace(env.GetEnv("CHECKOUT_CANCEL_URL", "")),
		PublicDomain:      strings.TrimRight(strings.TrimSpace(env.GetEnv("PUBLIC_DOMAIN", "")), "/"),
	}
}

// Validate fails when a required secret is missing. The service must refuse to start then.
func (c Config) Validate() error {
	var missing []string
	if c.WebhookSecret == "" {
		missing = append(missing, "BILLING_WEBHOOK_SECRET")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.CatalogFile == "" {
		missing = append(missing, "PLAN_CATALOG_FILE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return nil
}

func parseDuration(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
