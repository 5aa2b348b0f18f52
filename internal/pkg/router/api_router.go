package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/HabitLoop/internal/pkg/constants"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/middleware"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/usercontext"
)

const (
	defaultLimiterMax    = 30
	defaultLimiterWindow = time.Minute
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	bc := h.deps.Billing

	// Provider callbacks are authenticated by signature, not by bearer token.
	app.Post(constants.WebhookRoute, bc.HandleBillingWebhook)

	auth := []fiber.Handler{
		middleware.JWTAuthMiddleware(h.deps.Verifier),
		middleware.LoadPlan(h.deps.Gate),
		middleware.RequireAPIAuth,
	}
	limit := limiter.New(h.limiterConfig())

	app.Get(constants.EntitlementRoute, chain(auth, bc.HandleGetEntitlement)...)
	app.Post(constants.CheckoutRoute, chain(auth, limit, bc.HandleCheckout)...)
	app.Post(constants.ReconcileRoute, chain(auth, limit, bc.HandleReconcile)...)
}

func (h ApiRouter) limiterConfig() limiter.Config {
	limit := h.deps.LimiterMax
	if limit <= 0 {
		limit = defaultLimiterMax
	}
	window := h.deps.LimiterWindow
	if window <= 0 {
		window = defaultLimiterWindow
	}
	return limiter.Config{
		Max:        limit,
		Expiration: window,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id := usercontext.GetUserID(c); id != "" {
				return "user:" + id
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	}
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}

func chain(base []fiber.Handler, handlers ...fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(base)+len(handlers))
	out = append(out, base...)
	return append(out, handlers...)
}
