package billing

import "errors"

var (
	// ErrInvalidSignature means the webhook body was not signed with the shared secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent means the webhook body could not be decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrUnmappedProduct means a subscription references a product missing from the plan catalog.
	ErrUnmappedProduct = errors.New("product not mapped in plan catalog")
	// ErrPriceNotConfigured means the catalog has no price for the requested tier and interval.
	ErrPriceNotConfigured = errors.New("price not configured for tier and interval")
	// ErrMissingConfig means a required secret or setting is absent.
	ErrMissingConfig = errors.New("required billing configuration missing")

	ErrInvalidTier       = errors.New("tier cannot be purchased")
	ErrInvalidInterval   = errors.New("unknown billing interval")
	ErrInvalidRedirect   = errors.New("redirect url not allowed")
	ErrAlreadySubscribed = errors.New("user already holds the requested tier")
	ErrUserRequired      = errors.New("user id is required")

	// ErrProviderUnavailable marks transient provider failures (timeouts, 5xx, open breaker).
	ErrProviderUnavailable = errors.New("billing provider unavailable")
	// ErrUnknownUser means no entitlement row exists for the user, e.g. after account erasure.
	ErrUnknownUser = errors.New("no entitlement record for user")
	// ErrCustomerConflict means the provider customer is already linked to a different user.
	ErrCustomerConflict = errors.New("provider customer linked to another user")
)

// IsConfigError reports whether err is a configuration error that must never be coerced
// into a default plan.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnmappedProduct) ||
		errors.Is(err, ErrPriceNotConfigured) ||
		errors.Is(err, ErrMissingConfig)
}
