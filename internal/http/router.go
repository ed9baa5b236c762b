package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/jw6ventures/calsync/internal/api"
	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/http/ratelimit"
	"github.com/jw6ventures/calsync/internal/metrics"
)

// HealthChecker reports whether the backing database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handlers are the route targets the router mounts.
type Handlers struct {
	Health   HealthChecker
	Auth     *auth.Service
	API      *api.Handler
	Webhooks http.Handler
}

// NewRouter wires all HTTP routes. Rate limiter bookkeeping stops with ctx.
func NewRouter(ctx context.Context, cfg *config.Config, h Handlers) http.Handler {
	r := chi.NewRouter()

	clientIP := ratelimit.ByClientIP(cfg.TrustedProxies)
	// OAuth callbacks: 5 requests per second, burst of 10
	authLimiter := ratelimit.New(rate.Limit(5), 10, 10*time.Minute, clientIP)
	// Push notifications: per channel, 2 per second with a burst of 20
	hookLimiter := ratelimit.New(rate.Limit(2), 20, 10*time.Minute, ratelimit.ByHeader("X-Goog-Channel-ID", clientIP))
	go authLimiter.Run(ctx)
	go hookLimiter.Run(ctx)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.Health.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.With(hookLimiter.Middleware()).Post("/webhooks/calendar", h.Webhooks.ServeHTTP)
	// The callback is proxied by the upstream web layer, which names the user.
	r.With(authLimiter.Middleware(), h.Auth.RequireAPIToken).Get(cfg.OAuth.RedirectPath, h.Auth.HandleOAuthCallback)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.Auth.RequireAPIToken)
		h.API.Routes(r)
	})

	return r
}
