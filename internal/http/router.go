package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auth-platform/rate-limiter-service/internal/auth"
	"github.com/auth-platform/rate-limiter-service/internal/observability"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	MetricsEnabled bool
	MetricsPath    string
	MetricsHandler http.Handler // defaults to promhttp.Handler()
	AuthMiddleware *auth.Middleware
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// NewRouter creates a new HTTP router.
func NewRouter(handler *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(correlation)
	r.Use(requestLogger(logger, cfg.Metrics))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", handler.Health)
	r.Get("/ready", handler.Ready)

	if cfg.MetricsEnabled {
		metricsHandler := cfg.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = promhttp.Handler()
		}
		r.Handle(cfg.MetricsPath, metricsHandler)
	}

	r.Get("/check", handler.Check)
	r.Get("/usage", handler.Usage)
	r.Get("/events/stats", handler.EventStats)

	r.Route("/limits", func(r chi.Router) {
		r.Get("/", handler.ListLimits)

		r.Group(func(r chi.Router) {
			if cfg.AuthMiddleware != nil {
				r.Use(cfg.AuthMiddleware.RequireScope(auth.ScopeLimitsWrite))
			}
			r.Post("/", handler.CreateLimit)
			r.Delete("/{apiKey}", handler.RemoveLimit)
		})
	})

	return r
}
