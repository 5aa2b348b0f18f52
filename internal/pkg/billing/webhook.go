package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"
)

// Event types that can change a customer's subscription state.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventSubscriptionPaused  = "customer.subscription.paused"
	EventSubscriptionResumed = "customer.subscription.resumed"
	EventCheckoutCompleted   = "checkout.session.completed"
)

// WebhookResult describes how an accepted event was handled.
type WebhookResult struct {
	EventID   string
	EventType string
	UserID    string
	Ignored   bool
	Reason    string
}

// WebhookProcessor verifies provider callbacks and turns them into store updates.
type WebhookProcessor struct {
	secret    string
	tolerance time.Duration
	svc       *Service
}

func NewWebhookProcessor(secret string, tolerance time.Duration, svc *Service) *WebhookProcessor {
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	return &WebhookProcessor{secret: strings.TrimSpace(secret), tolerance: tolerance, svc: svc}
}

// subscriptionPayload is the minimal shape of a customer.subscription.* object.
type subscriptionPayload struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// checkoutSessionPayload is the minimal shape of a checkout.session object.
type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Process handles one callback. A nil error means the provider may stop retrying.
// ErrInvalidSignature and ErrMalformedEvent are never retried successfully; any other
// error is transient or a configuration problem and should be answered with a 5xx.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, sigHeader string) (WebhookResult, error) {
	if p.secret == "" {
		return WebhookResult{}, fmt.Errorf("%w: BILLING_WEBHOOK_SECRET", ErrMissingConfig)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, strings.TrimSpace(sigHeader), p.secret, p.tolerance); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(string(event.Type)) == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return WebhookResult{}, fmt.Errorf("%w: missing type or data", ErrMalformedEvent)
	}

	result := WebhookResult{EventID: event.ID, EventType: string(event.Type)}

	var customerID, userHint string
	switch result.EventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventSubscriptionPaused, EventSubscriptionResumed:
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return result, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		customerID = sub.Customer
		userHint = sub.Metadata[metadataUserID]
		log.Infof("[Webhook] %s %s: subscription %s customer %s status %s", event.ID, result.EventType, sub.ID, sub.Customer, sub.Status)

	case EventCheckoutCompleted:
		var session checkoutSessionPayload
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return result, fmt.Errorf("%w: decode checkout session: %v", ErrMalformedEvent, err)
		}
		customerID = session.Customer
		userHint = session.ClientReferenceID
		if userHint == "" {
			userHint = session.Metadata[metadataUserID]
		}
		log.Infof("[Webhook] %s %s: session %s customer %s subscription %s", event.ID, result.EventType, session.ID, session.Customer, session.Subscription)

	default:
		log.Infof("[Webhook] %s ignored (unhandled type %s)", event.ID, result.EventType)
		result.Ignored = true
		result.Reason = "unhandled_type"
		return result, nil
	}

	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		log.Warnf("[Webhook] %s %s carries no customer, ignoring", event.ID, result.EventType)
		result.Ignored = true
		result.Reason = "no_customer"
		return result, nil
	}

	rec, err := p.svc.SyncCustomer(ctx, customerID, SourceWebhook)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		userHint = strings.TrimSpace(userHint)
		if userHint == "" {
			log.Warnf("[Webhook] %s customer %s is not linked to any user, ignoring", event.ID, customerID)
			result.Ignored = true
			result.Reason = "unlinked_customer"
			return result, nil
		}
		rec, err = p.svc.LinkAndSync(ctx, userHint, customerID, SourceWebhook)
	}
	if errors.Is(err, ErrUnknownUser) {
		log.Warnf("[Webhook] %s names user %s who has no entitlement record, ignoring", event.ID, userHint)
		result.Ignored = true
		result.Reason = "unknown_user"
		return result, nil
	}
	if errors.Is(err, ErrCustomerConflict) {
		log.Warnf("[Webhook] %s customer %s conflicts with an existing link, ignoring", event.ID, customerID)
		result.Ignored = true
		result.Reason = "customer_conflict"
		return result, nil
	}
	if err != nil {
		if IsConfigError(err) {
			log.Errorf("[Webhook] %s configuration error for customer %s: %v", event.ID, customerID, err)
		}
		return result, err
	}

	result.UserID = rec.UserID
	return result, nil
}
