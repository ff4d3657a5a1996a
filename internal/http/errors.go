package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/auth-platform/rate-limiter-service/internal/observability"
	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
)

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteError writes err with the status mapped from its code.
// Internal failure details are not exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := observability.GetCorrelationID(r.Context())

	var rlErr *ratelimit.Error
	if errors.As(err, &rlErr) {
		status := rlErr.ToHTTPStatus()
		message := rlErr.Message
		if status >= http.StatusInternalServerError {
			message = "An internal error occurred"
		}
		writeJSONError(w, status, ErrorResponse{
			Error:         http.StatusText(status),
			Code:          rlErr.Code.String(),
			Message:       message,
			CorrelationID: correlationID,
		})
		return
	}

	writeJSONError(w, http.StatusInternalServerError, ErrorResponse{
		Error:         "internal_error",
		Message:       "An internal error occurred",
		CorrelationID: correlationID,
	})
}

// WriteErrorWithStatus writes an error response with a specific status code.
func WriteErrorWithStatus(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSONError(w, status, ErrorResponse{
		Error:         http.StatusText(status),
		Message:       message,
		CorrelationID: observability.GetCorrelationID(r.Context()),
	})
}

// WriteBadRequest writes a 400 Bad Request error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorWithStatus(w, r, http.StatusBadRequest, message)
}

// WriteServiceUnavailable writes a 503 Service Unavailable error response.
func WriteServiceUnavailable(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorWithStatus(w, r, http.StatusServiceUnavailable, message)
}

func writeJSONError(w http.ResponseWriter, status int, response ErrorResponse) {
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // response already committed
}
