// Package http provides the REST API of the rate limiter.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/auth-platform/rate-limiter-service/internal/consumer"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
)

// HealthMessage is the liveness response body.
const HealthMessage = "Rate Limiter Service is running"

// Limiter is the decision engine as seen by the handlers.
type Limiter interface {
	CheckAccess(ctx context.Context, apiKey string) ratelimit.Decision
	GetUsage(ctx context.Context, apiKey string) (*ratelimit.Usage, error)
	CreateLimit(ctx context.Context, apiKey string, limit, windowSeconds int) (*ratelimit.Policy, error)
	RemoveLimit(ctx context.Context, apiKey string) error
	ListLimits(ctx context.Context, page, size int) (ratelimit.LimitsPage, error)
}

// StoreProbe reports counter store reachability.
type StoreProbe interface {
	Healthy(ctx context.Context) bool
}

// DatabaseProbe reports policy store reachability.
type DatabaseProbe interface {
	Ping(ctx context.Context) error
}

// BrokerProbe reports broker reachability.
type BrokerProbe interface {
	Healthy() bool
}

// Handler provides HTTP handlers for the rate limiter.
type Handler struct {
	limiter Limiter
	store   StoreProbe
	db      DatabaseProbe
	broker  BrokerProbe
	stats   func() consumer.Stats
	logger  *slog.Logger
}

// HandlerConfig holds the handler dependencies. Database, Broker and Stats are optional.
type HandlerConfig struct {
	Store    StoreProbe
	Database DatabaseProbe
	Broker   BrokerProbe
	Stats  func() consumer.Stats
	Logger *slog.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(limiter Limiter, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		limiter: limiter,
		store:   cfg.Store,
		db:      cfg.Database,
		broker:  cfg.Broker,
		stats:   cfg.Stats,
		logger:  logger,
	}
}

// CreateLimitRequest is the POST /limits body.
type CreateLimitRequest struct {
	APIKey        string `json:"apiKey"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"windowSeconds"`
}

// CreateLimit handles POST /limits
func (h *Handler) CreateLimit(w http.ResponseWriter, r *http.Request) {
	var req CreateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid request body")
		return
	}

	p, err := h.limiter.CreateLimit(r.Context(), req.APIKey, req.Limit, req.WindowSeconds)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "error creating limit",
			slog.String("api_key", req.APIKey),
			slog.Any("error", err),
		)
		WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// Check handles GET /check?apiKey=
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		WriteBadRequest(w, r, "apiKey is required")
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.ErrorContext(r.Context(), "error checking API access",
				slog.String("api_key", apiKey),
				slog.Any("panic", rec),
			)
			writeJSON(w, http.StatusInternalServerError, ratelimit.Decision{
				Allowed: true,
				Message: ratelimit.MessageServiceError,
			})
		}
	}()

	d := h.limiter.CheckAccess(r.Context(), apiKey)
	setRateLimitHeaders(w, d)

	if !d.Allowed {
		h.logger.InfoContext(r.Context(), "request blocked",
			slog.String("api_key", apiKey),
			slog.String("message", d.Message),
		)
		writeJSON(w, http.StatusTooManyRequests, d)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.LimitCount == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(*d.LimitCount))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining(), 10))
	if !d.Allowed && d.RemainingTTL != nil && *d.RemainingTTL > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(*d.RemainingTTL, 10))
	}
}

// Usage handles GET /usage?apiKey=
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		WriteBadRequest(w, r, "apiKey is required")
		return
	}

	u, err := h.limiter.GetUsage(r.Context(), apiKey)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// RemoveLimit handles DELETE /limits/{apiKey}
func (h *Handler) RemoveLimit(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "apiKey")

	if err := h.limiter.RemoveLimit(r.Context(), apiKey); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListLimits handles GET /limits?page=&size=
func (h *Handler) ListLimits(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(r, "page", 0)
	if !ok {
		WriteBadRequest(w, r, "page must be an integer")
		return
	}
	size, ok := queryInt(r, "size", 10)
	if !ok {
		WriteBadRequest(w, r, "size must be an integer")
		return
	}

	result, err := h.limiter.ListLimits(r.Context(), page, size)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(HealthMessage))
}

// Ready handles GET /ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status := ratelimit.HealthStatus{Healthy: true, Redis: "up", Broker: "disabled"}

	if h.store != nil && !h.store.Healthy(r.Context()) {
		status.Healthy = false
		status.Redis = "down"
	}
	if h.db != nil {
		status.Database = "up"
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "database ping failed", slog.Any("error", err))
			status.Healthy = false
			status.Database = "down"
		}
	}
	if h.broker != nil {
		status.Broker = "up"
		if !h.broker.Healthy() {
			status.Healthy = false
			status.Broker = "down"
		}
	}

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// EventStats handles GET /events/stats
func (h *Handler) EventStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		WriteServiceUnavailable(w, r, "event consumer is disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.stats())
}
