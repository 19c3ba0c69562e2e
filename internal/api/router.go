package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiox-platform/meter/internal/governance/ratelimit"
	mw "github.com/aiox-platform/meter/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Usage and quota handlers
	GetUsage        http.HandlerFunc
	ListUsageEvents http.HandlerFunc
	CheckQuota      http.HandlerFunc

	// Admin handlers
	UpdateTierLimits http.HandlerFunc

	// Internal metering handlers
	RecordUsage http.HandlerFunc

	// Auth middleware
	AuthMiddleware  func(http.Handler) http.Handler
	AdminMiddleware func(http.Handler) http.Handler
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	// RateLimit returns middleware for a traffic class. Nil disables rate limiting.
	RateLimit func(ratelimit.Class) func(http.Handler) http.Handler
	// HealthChecks are run by the readiness probe, keyed by dependency name.
	HealthChecks map[string]HealthCheck
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	limit := func(class ratelimit.Class) func(http.Handler) http.Handler {
		if cfg.RateLimit == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return cfg.RateLimit(class)
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(chimw.Recoverer)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe: checks every configured dependency
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for name, check := range cfg.HealthChecks {
			if err := check(r.Context()); err != nil {
				health[name] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			health[name] = "healthy"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Usage reports from internal services. Limited per metering
		// credential only, so the global per-address window does not apply.
		r.With(limit(ratelimit.ClassMetering)).Post("/internal/usage", h.RecordUsage)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(limit(ratelimit.ClassGlobal))
			r.Use(h.AuthMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(limit(ratelimit.ClassRead))
				r.Get("/usage", h.GetUsage)
				r.Get("/usage/events", h.ListUsageEvents)
			})

			r.Group(func(r chi.Router) {
				r.Use(limit(ratelimit.ClassAI))
				r.Post("/quota/{feature}/check", h.CheckQuota)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.AdminMiddleware)
				r.Use(limit(ratelimit.ClassWrite))
				r.Put("/limits/{tier}", h.UpdateTierLimits)
			})
		})
	})

	return r
}
