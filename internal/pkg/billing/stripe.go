package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

const (
	metadataUserID        = "user_id"
	customerIdempotencyNS = "habitloop-customer-"
)

// StripeProvider talks to Stripe through the package-level stripe-go client.
type StripeProvider struct {
	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	createCustomer        func(params *stripe.CustomerParams) (*stripe.Customer, error)
	listCustomers         func(ctx context.Context, email string) ([]*stripe.Customer, error)
	listSubscriptions     func(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
}

// NewStripeProvider configures the global stripe client with the api key and a bounded
// HTTP timeout. Network retries are disabled; callers decide when to try again.
func NewStripeProvider(apiKey string, timeout time.Duration) *StripeProvider {
	stripe.Key = strings.TrimSpace(apiKey)
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}))

	return &StripeProvider{
		createCheckoutSession: stripesession.New,
		createCustomer:        customer.New,
		listCustomers:         listStripeCustomers,
		listSubscriptions:     listStripeSubscriptions,
	}
}

func listStripeCustomers(ctx context.Context, email string) ([]*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []*stripe.Customer
	it := customer.List(params)
	for it.Next() {
		out = append(out, it.Customer())
	}
	return out, it.Err()
}

func listStripeSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []*stripe.Subscription
	it := subscription.List(params)
	for it.Next() {
		out = append(out, it.Subscription())
	}
	return out, it.Err()
}

func (p *StripeProvider) ListSubscriptions(ctx context.Context, customerID string) ([]Snapshot, error) {
	subs, err := p.listSubscriptions(ctx, customerID)
	if isMissingResource(err) {
		// A deleted customer holds no subscriptions.
		log.Infof("[Billing] stripe customer %s no longer exists, treating as no subscriptions", customerID)
		return nil, nil
	}
	if err != nil {
		return nil, classifyStripeError("list subscriptions", err)
	}
	var snaps []Snapshot
	for _, sub := range subs {
		snaps = append(snaps, subscriptionToSnapshots(sub, customerID)...)
	}
	return snaps, nil
}

// FindCustomer only trusts customers whose metadata names the same user.
func (p *StripeProvider) FindCustomer(ctx context.Context, userID, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", nil
	}
	customers, err := p.listCustomers(ctx, email)
	if err != nil {
		return "", classifyStripeError("list customers", err)
	}
	for _, c := range customers {
		if c == nil || c.Deleted {
			continue
		}
		if c.Metadata[metadataUserID] == userID {
			return c.ID, nil
		}
	}
	return "", nil
}

// CreateCustomer uses an idempotency key per user and email so concurrent calls
// collapse to one customer. Stripe rejects a replayed key with different parameters.
func (p *StripeProvider) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email = strings.TrimSpace(email); email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(metadataUserID, userID)
	params.SetIdempotencyKey(customerIdempotencyKey(userID, email))

	c, err := p.createCustomer(params)
	if err != nil {
		return "", classifyStripeError("create customer", err)
	}
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return "", errors.New("stripe returned empty customer id")
	}
	return c.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(in.CustomerID),
		ClientReferenceID: stripe.String(in.UserID),
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(in.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metadataUserID: in.UserID},
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataUserID, in.UserID)

	session, err := p.createCheckoutSession(params)
	if err != nil {
		return "", classifyStripeError("create checkout session", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return "", errors.New("stripe returned empty checkout URL")
	}
	return strings.TrimSpace(session.URL), nil
}

// subscriptionToSnapshots flattens a subscription into one snapshot per item.
func subscriptionToSnapshots(sub *stripe.Subscription, fallbackCustomer string) []Snapshot {
	if sub == nil {
		return nil
	}
	customerID := fallbackCustomer
	if sub.Customer != nil && sub.Customer.ID != "" {
		customerID = sub.Customer.ID
	}
	if sub.Items == nil {
		return nil
	}

	snaps := make([]Snapshot, 0, len(sub.Items.Data))
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		productID := ""
		if item.Price != nil && item.Price.Product != nil {
			productID = item.Price.Product.ID
		}
		snaps = append(snaps, Snapshot{
			SubscriptionID:   sub.ID,
			CustomerID:       customerID,
			Status:           string(sub.Status),
			ProductID:        productID,
			CurrentPeriodEnd: unixToTime(item.CurrentPeriodEnd),
		})
	}
	return snaps
}

func unixToTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func customerIdempotencyKey(userID, email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return customerIdempotencyNS + userID + "-" + hex.EncodeToString(sum[:8])
}

func isMissingResource(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}

// classifyStripeError marks rate limits, server errors and network failures as transient.
// Anything else is a permanent request error.
func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500 {
			log.Warnf("[Billing] stripe %s transient failure (%d): %v", op, stripeErr.HTTPStatusCode, err)
			return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
		}
		return fmt.Errorf("stripe %s: %w", op, err)
	}
	log.Warnf("[Billing] stripe %s failed: %v", op, err)
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
}
