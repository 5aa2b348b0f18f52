package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HabitLoop/app/models"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/billing"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/metrics"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/usercontext"
)

const (
	headerStripeSignature = "Stripe-Signature"
	headerSignature       = "X-Signature"

	defaultRequestTimeout = 20 * time.Second
)

// BillingController serves the webhook, checkout and entitlement endpoints.
type BillingController struct {
	service   *billing.Service
	processor *billing.WebhookProcessor
	gate      *entitlements.Gate
	validate  *validator.Validate
	timeout   time.Duration
}

func NewBillingController(service *billing.Service, processor *billing.WebhookProcessor, gate *entitlements.Gate) *BillingController {
	return &BillingController{
		service:   service,
		processor: processor,
		gate:      gate,
		validate:  validator.New(),
		timeout:   defaultRequestTimeout,
	}
}

// WithTimeout bounds every provider-facing request. Zero keeps the default.
func (bc *BillingController) WithTimeout(d time.Duration) *BillingController {
	if d > 0 {
		bc.timeout = d
	}
	return bc
}

type checkoutBody struct {
	Tier       string `json:"tier" validate:"required"`
	Interval   string `json:"interval" validate:"required"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,url"`
}

type entitlementResponse struct {
	Tier      string     `json:"tier"`
	Status    string     `json:"status"`
	PeriodEnd *time.Time `json:"period_end"`
	Stale     bool       `json:"stale,omitempty"`
}

func toEntitlementResponse(rec *models.Entitlement) entitlementResponse {
	if rec == nil {
		return entitlementResponse{Tier: models.PlanTierFree, Status: models.SubscriptionStatusInactive}
	}
	return entitlementResponse{Tier: rec.PlanTier, Status: rec.SubscriptionStatus, PeriodEnd: rec.CurrentPeriodEnd}
}

func (bc *BillingController) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), bc.timeout)
}

// HandleBillingWebhook verifies and applies one provider callback.
// 200 tells the provider to stop retrying, so it is only sent once the store is written.
func (bc *BillingController) HandleBillingWebhook(c *fiber.Ctx) error {
	started := time.Now()
	sig := c.Get(headerStripeSignature)
	if strings.TrimSpace(sig) == "" {
		sig = c.Get(headerSignature)
	}

	// Body() is reused by fasthttp after the handler returns.
	payload := append([]byte(nil), c.Body()...)

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	result, err := bc.processor.Process(ctx, payload, sig)
	status := webhookStatus(err)
	metrics.ObserveWebhook(result.EventType, status, time.Since(started).Seconds())

	switch status {
	case fiber.StatusOK:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"received": true,
			"ignored":  result.Ignored,
		})
	case fiber.StatusUnauthorized:
		log.Warnf("[Webhook] rejected callback from %s: %v", c.IP(), err)
		return c.Status(status).JSON(fiber.Map{"error": "invalid_signature", "message": "Signature verification failed"})
	case fiber.StatusBadRequest:
		log.Warnf("[Webhook] malformed callback: %v", err)
		return c.Status(status).JSON(fiber.Map{"error": "malformed_event", "message": "Event could not be decoded"})
	default:
		log.Errorf("[Webhook] %s %s failed: %v", result.EventID, result.EventType, err)
		return c.Status(status).JSON(fiber.Map{"error": "processing_failed", "message": "Event could not be applied"})
	}
}

func webhookStatus(err error) int {
	switch {
	case err == nil:
		return fiber.StatusOK
	case errors.Is(err, billing.ErrInvalidSignature):
		return fiber.StatusUnauthorized
	case errors.Is(err, billing.ErrMalformedEvent):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// HandleCheckout opens a hosted checkout for the caller.
func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	uc := usercontext.GetUserContext(c)
	if !uc.IsLoggedIn || uc.UserID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "login required"})
	}

	var body checkoutBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Invalid JSON body"})
	}
	if err := bc.validate.Struct(body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	checkoutURL, err := bc.service.StartCheckout(ctx, billing.CheckoutRequest{
		UserID:     uc.UserID,
		Email:      uc.Email,
		Tier:       body.Tier,
		Interval:   body.Interval,
		SuccessURL: body.SuccessURL,
		CancelURL:  body.CancelURL,
	})
	if err != nil {
		status, code := checkoutError(err)
		if status >= fiber.StatusInternalServerError {
			log.Errorf("[Checkout] user %s: %v", uc.UserID, err)
		}
		return c.Status(status).JSON(fiber.Map{"error": code, "message": err.Error()})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": checkoutURL})
}

func checkoutError(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrInvalidTier):
		return fiber.StatusBadRequest, "invalid_tier"
	case errors.Is(err, billing.ErrInvalidInterval):
		return fiber.StatusBadRequest, "invalid_interval"
	case errors.Is(err, billing.ErrInvalidRedirect):
		return fiber.StatusBadRequest, "invalid_request"
	case errors.Is(err, billing.ErrAlreadySubscribed):
		return fiber.StatusConflict, "already_subscribed"
	case errors.Is(err, billing.ErrUserRequired):
		return fiber.StatusUnauthorized, "unauthorized"
	case errors.Is(err, billing.ErrPriceNotConfigured):
		return fiber.StatusInternalServerError, "price_not_configured"
	case errors.Is(err, billing.ErrProviderUnavailable):
		return fiber.StatusServiceUnavailable, "provider_unavailable"
	default:
		return fiber.StatusInternalServerError, "checkout_failed"
	}
}

// HandleReconcile re-pulls the caller's subscriptions. Provider trouble is answered
// with the cached projection marked stale instead of an error.
func (bc *BillingController) HandleReconcile(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "login required"})
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	rec, err := bc.service.Reconcile(ctx, userID)
	if err == nil {
		return c.Status(fiber.StatusOK).JSON(toEntitlementResponse(rec))
	}

	if billing.IsConfigError(err) {
		log.Errorf("[Reconcile] configuration error for user %s: %v", userID, err)
	} else {
		log.Warnf("[Reconcile] user %s: %v", userID, err)
	}

	cached, cerr := bc.service.Entitlement(c.UserContext(), userID)
	if cerr != nil {
		log.Errorf("[Reconcile] cached read failed for user %s: %v", userID, cerr)
		cached = nil
	}
	resp := toEntitlementResponse(cached)
	resp.Stale = true
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleGetEntitlement returns the cached projection and the capabilities it unlocks.
func (bc *BillingController) HandleGetEntitlement(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "login required"})
	}

	rec, err := bc.service.Entitlement(c.UserContext(), userID)
	if err != nil {
		log.Errorf("[Billing] entitlement read failed for user %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "Entitlement could not be loaded"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"entitlement":  toEntitlementResponse(rec),
		"capabilities": bc.gate.Capabilities(c.UserContext(), userID),
	})
}
