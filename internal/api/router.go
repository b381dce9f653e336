package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/deaddrop/internal/api/middleware"
	"github.com/eldtechnologies/deaddrop/internal/handlers"
	"github.com/eldtechnologies/deaddrop/internal/ratelimit"
)

// Options configures the edge of the router.
type Options struct {
	MaxBodyBytes int64

	// IPThrottle is nil when IP throttling is disabled.
	IPThrottle *IPThrottle
}

// IPThrottle wires the per-IP limits on unauthenticated endpoints.
type IPThrottle struct {
	Limiter ratelimit.Limiter
	Blocker ratelimit.Blocker
	Config  middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, deps handlers.Deps, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	if opts.MaxBodyBytes > 0 {
		r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))
	}
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	if t := opts.IPThrottle; t != nil {
		limiter := middleware.NewRateLimiter(t.Limiter, t.Blocker, logger, t.Config)
		r.Use(limiter.Middleware)
	}

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Create handler and auth middleware
	h := handlers.NewHandler(deps)
	auth := middleware.NewAuthMiddleware(deps.Registry, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/health", h.Health)
	r.Post("/agent/register", h.Register)
	r.Post("/agents/search", h.Search)
	r.Get("/agents", h.ListAgents)
	r.Get("/admin/stats", h.AdminStats)

	// Authenticated routes (require bearer API key)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/agent", h.GetAgent)
		r.Patch("/agent", h.UpdateAgent)
		r.Post("/agent/activate", h.Activate)
		r.Post("/agent/deactivate", h.Deactivate)
		r.Post("/messages/send", h.SendMessage)
		r.Get("/messages", h.PollMessages)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusBadRequest, "method not allowed")
	})

	return r
}
