package billing

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/sony/gobreaker/v2"

	"github.com/ManuelReschke/HabitLoop/internal/pkg/metrics"
)

// Provider is the billing authority as seen by this service.
type Provider interface {
	// ListSubscriptions returns every subscription item the customer currently has,
	// including canceled ones.
	ListSubscriptions(ctx context.Context, customerID string) ([]Snapshot, error)
	// FindCustomer looks up an existing customer tagged with userID. Returns "" when none exists.
	FindCustomer(ctx context.Context, userID, email string) (string, error)
	// CreateCustomer creates a customer for userID. Repeated calls for the same user
	// return the same customer.
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (string, error)
}

// BreakerConfig configures the circuit breaker in front of the provider.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// breakerProvider fails fast while the provider is known to be down. It never retries.
type breakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker[any]
}

// WithCircuitBreaker wraps a provider so consecutive transient failures open the circuit.
func WithCircuitBreaker(next Provider, cfg BreakerConfig) Provider {
	settings := gobreaker.Settings{
		Name:        "billing-provider",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrProviderUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("[Billing] circuit breaker %s: %s -> %s", name, from.String(), to.String())
			metrics.ProviderBreakerState.Set(float64(to))
		},
	}
	return &breakerProvider{next: next, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func (b *breakerProvider) execute(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Join(ErrProviderUnavailable, err)
	}
	return out, err
}

func (b *breakerProvider) ListSubscriptions(ctx context.Context, customerID string) ([]Snapshot, error) {
	out, err := b.execute(func() (any, error) {
		return b.next.ListSubscriptions(ctx, customerID)
	})
	if err != nil {
		return nil, err
	}
	snaps, _ := out.([]Snapshot)
	return snaps, nil
}

func (b *breakerProvider) FindCustomer(ctx context.Context, userID, email string) (string, error) {
	out, err := b.execute(func() (any, error) {
		return b.next.FindCustomer(ctx, userID, email)
	})
	if err != nil {
		return "", err
	}
	id, _ := out.(string)
	return id, nil
}

func (b *breakerProvider) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	out, err := b.execute(func() (any, error) {
		return b.next.CreateCustomer(ctx, userID, email)
	})
	if err != nil {
		return "", err
	}
	id, _ := out.(string)
	return id, nil
}

func (b *breakerProvider) CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (string, error) {
	out, err := b.execute(func() (any, error) {
		return b.next.CreateCheckoutSession(ctx, in)
	})
	if err != nil {
		return "", err
	}
	url, _ := out.(string)
	return url, nil
}
