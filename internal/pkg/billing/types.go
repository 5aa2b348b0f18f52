package billing

import (
	"time"

	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
)

// Snapshot is the provider-agnostic view of one subscription item at fetch time.
// It is the only input the resolver consumes.
type Snapshot struct {
	SubscriptionID   string
	CustomerID       string
	Status           string
	ProductID        string
	CurrentPeriodEnd *time.Time
}

// Resolution is the effective entitlement derived from a snapshot set.
type Resolution struct {
	Tier      entitlements.Tier
	Status    string
	PeriodEnd *time.Time
}

// CheckoutRequest is the normalized input for starting a checkout.
type CheckoutRequest struct {
	UserID     string
	Email      string
	Tier       string
	Interval   string
	SuccessURL string
	CancelURL  string
}

// CheckoutSessionInput is what the provider needs to open a hosted checkout.
type CheckoutSessionInput struct {
	UserID     string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// Sources recorded with each resolution write.
const (
	SourceWebhook   = "webhook"
	SourceReconcile = "reconcile"
)
