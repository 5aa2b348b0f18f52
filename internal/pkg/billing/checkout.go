package billing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HabitLoop/app/models"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/metrics"
)

// Redirects are the checkout return destinations.
type Redirects struct {
	SuccessURL   string
	CancelURL    string
	PublicDomain string
}

// WithRedirects sets the default checkout destinations and the domain overrides must live on.
func (s *Service) WithRedirects(r Redirects) *Service {
	s.redirects = r
	return s
}

// StartCheckout opens a hosted checkout for a paid tier and returns its URL.
// It links a provider customer to the user but never touches plan or status.
func (s *Service) StartCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	checkoutURL, err := s.startCheckout(ctx, req)
	metrics.ObserveCheckout(checkoutOutcome(err))
	return checkoutURL, err
}

func (s *Service) startCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return "", ErrUserRequired
	}
	tier, ok := entitlements.ParseTier(req.Tier)
	if !ok || !tier.IsPaid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, req.Tier)
	}
	interval, ok := entitlements.ParseInterval(req.Interval)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, req.Interval)
	}
	priceID, ok := s.catalog.PriceFor(tier, interval)
	if !ok {
		log.Errorf("[Checkout] no price configured for %s/%s", tier, interval)
		return "", fmt.Errorf("%w: tier=%s interval=%s", ErrPriceNotConfigured, tier, interval)
	}

	successURL, err := s.redirectURL(req.SuccessURL, s.redirects.SuccessURL)
	if err != nil {
		return "", err
	}
	cancelURL, err := s.redirectURL(req.CancelURL, s.redirects.CancelURL)
	if err != nil {
		return "", err
	}

	rec, err := s.repo.EnsureEntitlement(ctx, userID)
	if err != nil {
		return "", err
	}
	if rec.PlanTier == string(tier) && models.IsEntitlingStatus(rec.SubscriptionStatus) {
		return "", ErrAlreadySubscribed
	}

	customerID, err := s.ensureCustomer(ctx, rec, req.Email)
	if err != nil {
		return "", err
	}

	checkoutURL, err := s.provider.CreateCheckoutSession(ctx, CheckoutSessionInput{
		UserID:     userID,
		CustomerID: customerID,
		PriceID:    priceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		log.Warnf("[Checkout] session creation failed for user %s: %v", userID, err)
		return "", err
	}
	log.Infof("[Checkout] session created for user %s (%s/%s, customer %s)", userID, tier, interval, customerID)
	return checkoutURL, nil
}

// ensureCustomer returns the user's provider customer, creating and linking one if needed.
// Concurrent callers converge on whichever id was linked first.
func (s *Service) ensureCustomer(ctx context.Context, rec *models.Entitlement, email string) (string, error) {
	if rec.HasCustomer() {
		return rec.CustomerID(), nil
	}

	customerID, err := s.provider.FindCustomer(ctx, rec.UserID, email)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		customerID, err = s.provider.CreateCustomer(ctx, rec.UserID, email)
		if err != nil {
			return "", err
		}
	}

	linked, err := s.repo.LinkExternalCustomer(ctx, rec.UserID, customerID)
	if err != nil {
		return "", err
	}
	if linked != customerID {
		log.Infof("[Checkout] user %s already linked to customer %s, discarding %s", rec.UserID, linked, customerID)
	}
	return linked, nil
}

// redirectURL returns fallback when override is empty. Overrides must be absolute
// URLs on the public domain.
func (s *Service) redirectURL(override, fallback string) (string, error) {
	override = strings.TrimSpace(override)
	if override == "" {
		if fallback == "" {
			return "", fmt.Errorf("%w: checkout redirect url", ErrMissingConfig)
		}
		return fallback, nil
	}

	u, err := url.Parse(override)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRedirect, override)
	}
	allowed, err := url.Parse(s.redirects.PublicDomain)
	if err != nil || allowed.Host == "" {
		return "", fmt.Errorf("%w: no public domain configured", ErrInvalidRedirect)
	}
	if !strings.EqualFold(u.Scheme, allowed.Scheme) || !strings.EqualFold(u.Host, allowed.Host) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRedirect, override)
	}
	return u.String(), nil
}

func checkoutOutcome(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, ErrInvalidTier), errors.Is(err, ErrInvalidInterval), errors.Is(err, ErrInvalidRedirect):
		return "rejected"
	case errors.Is(err, ErrAlreadySubscribed):
		return "already_subscribed"
	case IsConfigError(err):
		return "config_error"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "failed"
	}
}
