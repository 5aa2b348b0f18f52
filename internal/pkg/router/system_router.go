package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/HabitLoop/internal/pkg/constants"
)

const healthCheckTimeout = 2 * time.Second

// SystemRouter serves health, metrics and the fiber monitor.
type SystemRouter struct {
	deps Dependencies
}

func (h SystemRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, h.handleHealth)
	app.Get(constants.MetricsRoute, adaptor.HTTPHandler(promhttp.Handler()))

	if h.deps.MonitorUser != "" && h.deps.MonitorPassword != "" {
		app.Get(constants.MonitorRoute, basicauth.New(basicauth.Config{
			Users: map[string]string{
				h.deps.MonitorUser: h.deps.MonitorPassword,
			},
		}), monitor.New(monitor.Config{Title: "HabitLoop Billing"}))
	}
}

func (h SystemRouter) handleHealth(c *fiber.Ctx) error {
	checks := fiber.Map{}
	healthy := true
	for name, check := range h.deps.HealthChecks {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			log.Warnf("[Health] %s check failed: %v", name, err)
			checks[name] = "down"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status := fiber.StatusOK
	state := "ok"
	if !healthy {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{"status": state, "checks": checks})
}

func NewSystemRouter(deps Dependencies) *SystemRouter {
	return &SystemRouter{deps: deps}
}
