package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/HabitLoop/app/controllers"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/middleware"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// HealthCheck reports whether one backing service answers.
type HealthCheck func(ctx context.Context) error

// Dependencies are the wired services the routes dispatch to.
type Dependencies struct {
	Billing  *controllers.BillingController
	Verifier *middleware.TokenVerifier
	Gate     *entitlements.Gate

	// LimiterStorage backs the API rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	LimiterMax     int
	LimiterWindow  time.Duration

	MonitorUser     string
	MonitorPassword string

	HealthChecks map[string]HealthCheck
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// System routes first so /healthz and /metrics bypass auth and the limiter.
	setup(app, NewSystemRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
