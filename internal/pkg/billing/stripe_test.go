package billing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
)

func stripeSubscription(id, customerID string, status stripe.SubscriptionStatus, items ...*stripe.SubscriptionItem) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Customer: &stripe.Customer{ID: customerID},
		Status:   status,
		Items:    &stripe.SubscriptionItemList{Data: items},
	}
}

func stripeItem(productID string, periodEnd int64) *stripe.SubscriptionItem {
	return &stripe.SubscriptionItem{
		CurrentPeriodEnd: periodEnd,
		Price:            &stripe.Price{Product: &stripe.Product{ID: productID}},
	}
}

func TestSubscriptionToSnapshots(t *testing.T) {
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := stripeSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive,
		stripeItem(productPro, end.Unix()),
		stripeItem(productPlus, 0),
		nil,
	)

	snaps := subscriptionToSnapshots(sub, "cus_fallback")
	require.Len(t, snaps, 2)
	assert.Equal(t, Snapshot{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: "active", ProductID: productPro, CurrentPeriodEnd: &end}, snaps[0])
	assert.Nil(t, snaps[1].CurrentPeriodEnd)
	assert.Equal(t, productPlus, snaps[1].ProductID)
}

func TestSubscriptionToSnapshotsFallbackCustomer(t *testing.T) {
	sub := &stripe.Subscription{
		ID:     "sub_2",
		Status: stripe.SubscriptionStatusTrialing,
		Items:  &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{}}},
	}
	snaps := subscriptionToSnapshots(sub, "cus_fallback")
	require.Len(t, snaps, 1)
	assert.Equal(t, "cus_fallback", snaps[0].CustomerID)
	assert.Empty(t, snaps[0].ProductID)

	assert.Nil(t, subscriptionToSnapshots(nil, "cus"))
}

func TestClassifyStripeError(t *testing.T) {
	transient := []error{
		&stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Msg: "slow down"},
		&stripe.Error{HTTPStatusCode: http.StatusBadGateway, Msg: "bad gateway"},
		errors.New("dial tcp: i/o timeout"),
	}
	for _, err := range transient {
		assert.ErrorIs(t, classifyStripeError("op", err), ErrProviderUnavailable)
	}

	permanent := classifyStripeError("op", &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Msg: "no such price"})
	assert.NotErrorIs(t, permanent, ErrProviderUnavailable)
	var stripeErr *stripe.Error
	assert.True(t, errors.As(permanent, &stripeErr))
}

func newStubStripeProvider() *StripeProvider {
	return &StripeProvider{
		createCheckoutSession: func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			return &stripe.CheckoutSession{URL: "https://checkout.stripe.test/cs_1"}, nil
		},
		createCustomer: func(*stripe.CustomerParams) (*stripe.Customer, error) {
			return &stripe.Customer{ID: "cus_new"}, nil
		},
		listCustomers: func(context.Context, string) ([]*stripe.Customer, error) {
			return nil, nil
		},
		listSubscriptions: func(context.Context, string) ([]*stripe.Subscription, error) {
			return nil, nil
		},
	}
}

func TestStripeProviderCheckoutParams(t *testing.T) {
	p := newStubStripeProvider()
	var got *stripe.CheckoutSessionParams
	p.createCheckoutSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = params
		return &stripe.CheckoutSession{URL: " https://checkout.stripe.test/cs_1 "}, nil
	}

	url, err := p.CreateCheckoutSession(context.Background(), CheckoutSessionInput{
		UserID: "user-1", CustomerID: "cus_1", PriceID: pricePlusM,
		SuccessURL: "https://app.habitloop.test/ok", CancelURL: "https://app.habitloop.test/no",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", url)

	require.NotNil(t, got)
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *got.Mode)
	assert.Equal(t, "cus_1", *got.Customer)
	assert.Equal(t, "user-1", *got.ClientReferenceID)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, pricePlusM, *got.LineItems[0].Price)
	assert.Equal(t, "user-1", got.SubscriptionData.Metadata["user_id"])
}

func TestStripeProviderCreateCustomerIdempotencyKey(t *testing.T) {
	p := newStubStripeProvider()
	var got *stripe.CustomerParams
	p.createCustomer = func(params *stripe.CustomerParams) (*stripe.Customer, error) {
		got = params
		return &stripe.Customer{ID: "cus_new"}, nil
	}

	id, err := p.CreateCustomer(context.Background(), "user-1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", id)
	require.NotNil(t, got.IdempotencyKey)
	assert.True(t, strings.HasPrefix(*got.IdempotencyKey, "habitloop-customer-user-1-"))
	assert.Equal(t, "user-1", got.Metadata["user_id"])
	assert.Equal(t, "a@example.com", *got.Email)
	first := *got.IdempotencyKey

	_, err = p.CreateCustomer(context.Background(), "user-1", " A@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, first, *got.IdempotencyKey)

	_, err = p.CreateCustomer(context.Background(), "user-1", "b@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first, *got.IdempotencyKey)
	assert.Equal(t, "b@example.com", *got.Email)
}

func TestStripeProviderFindCustomerRequiresMatchingUser(t *testing.T) {
	p := newStubStripeProvider()
	p.listCustomers = func(context.Context, string) ([]*stripe.Customer, error) {
		return []*stripe.Customer{
			{ID: "cus_other", Metadata: map[string]string{"user_id": "user-2"}},
			{ID: "cus_gone", Deleted: true, Metadata: map[string]string{"user_id": "user-1"}},
			{ID: "cus_mine", Metadata: map[string]string{"user_id": "user-1"}},
		}, nil
	}

	id, err := p.FindCustomer(context.Background(), "user-1", "shared@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_mine", id)

	id, err = p.FindCustomer(context.Background(), "user-3", "shared@example.com")
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = p.FindCustomer(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestStripeProviderListSubscriptionsFlattens(t *testing.T) {
	p := newStubStripeProvider()
	p.listSubscriptions = func(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
		return []*stripe.Subscription{
			stripeSubscription("sub_1", customerID, stripe.SubscriptionStatusActive, stripeItem(productPlus, 1_800_000_000)),
			stripeSubscription("sub_2", customerID, stripe.SubscriptionStatusCanceled, stripeItem(productPro, 1_700_000_000)),
		}, nil
	}

	snaps, err := p.ListSubscriptions(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	res, err := Resolve(testCatalog(), snaps)
	require.NoError(t, err)
	assert.Equal(t, "plus", string(res.Tier))
}

func TestStripeProviderListSubscriptionsTransient(t *testing.T) {
	p := newStubStripeProvider()
	p.listSubscriptions = func(context.Context, string) ([]*stripe.Subscription, error) {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable}
	}
	_, err := p.ListSubscriptions(context.Background(), "cus_1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestStripeProviderListSubscriptionsDeletedCustomer(t *testing.T) {
	p := newStubStripeProvider()
	p.listSubscriptions = func(context.Context, string) ([]*stripe.Subscription, error) {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing, Msg: "No such customer: 'cus_1'"}
	}
	snaps, err := p.ListSubscriptions(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Empty(t, snaps)

	res, err := Resolve(testCatalog(), snaps)
	require.NoError(t, err)
	assert.Equal(t, entitlements.TierFree, res.Tier)
}
