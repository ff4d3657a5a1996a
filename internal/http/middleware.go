package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/auth-platform/rate-limiter-service/internal/observability"
)

// CorrelationIDHeader carries the correlation id in and out.
const CorrelationIDHeader = "X-Correlation-ID"

// correlation propagates X-Correlation-ID, falling back to the chi request id.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}

		ctx := r.Context()
		if id != "" {
			ctx = observability.WithCorrelationID(ctx, id)
		} else {
			ctx = observability.EnsureCorrelationID(ctx)
		}

		w.Header().Set(CorrelationIDHeader, observability.GetCorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs each request with slog and counts it.
func requestLogger(logger *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			logger.DebugContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("correlation_id", observability.GetCorrelationID(r.Context())),
			)
			if metrics != nil {
				metrics.RecordRequest(r.Method, route, strconv.Itoa(status))
			}
		})
	}
}
