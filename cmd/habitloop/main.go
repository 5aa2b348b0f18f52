package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/HabitLoop/app/controllers"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/billing"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/cache"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/constants"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/database"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/env"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/middleware"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/router"
)

func main() {
	app, manager := NewApplication()

	manager.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		fiberlog.Info("[Server] Shutting down")
		manager.Stop()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	_ = cache.Close()
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()

	cfg := billing.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("billing configuration: %v", err)
	}
	jwtSecret := strings.TrimSpace(env.GetEnv("AUTH_JWT_SECRET", ""))
	if jwtSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}

	catalog, err := entitlements.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		log.Fatalf("plan catalog: %v", err)
	}

	if err := database.SetupDatabase(); err != nil {
		log.Fatalf("database: %v", err)
	}
	cache.SetupCache()

	provider := billing.WithCircuitBreaker(
		billing.NewStripeProvider(cfg.StripeAPIKey, cfg.ProviderTimeout),
		billing.DefaultBreakerConfig(),
	)
	repo := billing.NewRepository(database.GetDB())
	svc := billing.NewService(repo, provider, catalog).WithRedirects(billing.Redirects{
		SuccessURL:   cfg.SuccessURL,
		CancelURL:    cfg.CancelURL,
		PublicDomain: cfg.PublicDomain,
	})
	processor := billing.NewWebhookProcessor(cfg.WebhookSecret, cfg.WebhookTolerance, svc)
	gate := entitlements.NewGate(repo)

	workers, err := strconv.Atoi(env.GetEnv("RECONCILE_WORKERS", "2"))
	if err != nil || workers <= 0 {
		workers = 2
	}
	manager := jobqueue.NewManager(jobqueue.NewQueue(workers), svc, repo, cfg.ReconcileInterval)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "HabitLoop Billing",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if docs := findDocsFile("docs/v1/openapi.yml"); docs != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: constants.DocsBasePath,
			FilePath: docs,
			Path:     "v1",
		}))
	} else {
		fiberlog.Warn("[Server] openapi.yml not found, /docs/api/v1 disabled")
	}

	limiterMax, _ := strconv.Atoi(env.GetEnv("RATE_LIMIT_MAX", "30"))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing:         controllers.NewBillingController(svc, processor, gate).WithTimeout(2 * cfg.ProviderTimeout),
		Verifier:        middleware.NewTokenVerifier(jwtSecret),
		Gate:            gate,
		LimiterStorage:  cache.NewFiberStorage(cache.LimiterDatabase),
		LimiterMax:      limiterMax,
		LimiterWindow:   time.Minute,
		MonitorUser:     env.GetEnv("MONITOR_USER", ""),
		MonitorPassword: env.GetEnv("MONITOR_PASSWORD", ""),
		HealthChecks: map[string]router.HealthCheck{
			"database": func(context.Context) error { return database.Ping() },
			"cache":    cache.Ping,
		},
	})

	return app, manager
}

// findDocsFile resolves rel against the working directory and the project root.
func findDocsFile(rel string) string {
	for _, base := range []string{"./", "../../", "../../../"} {
		if _, err := os.Stat(base + rel); err == nil {
			return base + rel
		}
	}
	return ""
}
