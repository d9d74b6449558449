package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/botfleet/orchestrator/internal/config"
	"github.com/botfleet/orchestrator/internal/middleware"
)

type RouterConfig struct {
	ServiceAPIKey      string
	AdminKeyHash       string
	RunnerSecret       string
	RateLimitPerMinute int
	IsProduction       bool
}

type Handlers struct {
	Instances *InstanceHandler
	Billing   *BillingHandler
	Admin     *AdminHandler
	Runner    *RunnerHandler
	Events    *EventsHandler
	Health    *HealthHandler
	Metrics   http.Handler
}

// NewRouter mounts every surface of the orchestrator. Rate limiting is
// skipped when redisClient is nil.
func NewRouter(cfg RouterConfig, h Handlers, redisClient *redis.Client) http.Handler {
	serviceAuth := middleware.NewServiceAuthMiddleware(cfg.ServiceAPIKey)
	adminAuth := middleware.NewAdminAuthMiddleware(cfg.AdminKeyHash)
	runnerAuth := middleware.NewRunnerAuthMiddleware(cfg.RunnerSecret)
	bodyLimit := middleware.NewBodyLimitMiddleware(0)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(cfg.IsProduction)

	limit := func(scope string, perMinute int) func(http.Handler) http.Handler {
		if redisClient == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return middleware.NewRedisRateLimitMiddleware(redisClient, perMinute, scope).Handler
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeaders.Handler)
	r.Use(bodyLimit.Handler)

	r.Get("/health", h.Health.ServeHTTP)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(serviceAuth.Handler)
		r.Use(limit("api", cfg.RateLimitPerMinute))

		// The stream outlives the request timeout.
		r.Get("/events", h.Events.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Mount("/instances", h.Instances.Routes())
			r.Get("/subscription", h.Billing.Subscription)
			r.Post("/payments", h.Billing.InitiatePayment)
		})
	})

	r.Route("/payments", func(r chi.Router) {
		r.Use(limit("webhook", config.WebhookRateLimitPerMinute))
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Post("/webhook", h.Billing.Webhook)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(limit("admin", config.AdminRateLimitPerMinute))
		r.Use(adminAuth.Handler)
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Mount("/", h.Admin.Routes())
	})

	r.Route("/runner/v1", func(r chi.Router) {
		r.Use(runnerAuth.Handler)
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Mount("/", h.Runner.Routes())
	})

	return r
}
