package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Middleware provides HTTP middleware for JWT authentication.
type Middleware struct {
	validator *JWTValidator
	logger    *slog.Logger
}

// NewMiddleware creates a new authentication middleware.
func NewMiddleware(validator *JWTValidator, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{validator: validator, logger: logger}
}

// RequireScope rejects requests without a valid token granting scope.
func (m *Middleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := m.validator.Validate(r.Header.Get("Authorization"))
			if err != nil {
				m.logger.WarnContext(r.Context(), "admin request rejected",
					slog.String("path", r.URL.Path),
					slog.String("reason", err.Error()),
				)
				writeError(w, http.StatusUnauthorized, message(err))
				return
			}

			if !claims.HasScope(scope) {
				writeError(w, http.StatusForbidden, "missing scope "+scope)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func message(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing token"
	case errors.Is(err, ErrExpiredToken):
		return "token expired"
	default:
		return "invalid token"
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": msg,
	})
}
