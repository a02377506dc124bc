package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/provisioner/pkg/registry"
	"github.com/cuemby/provisioner/pkg/storage"
)

// Error codes carried in the "error" field of error responses
const (
	CodeInvalidLaunchSpecifications = "InvalidLaunchSpecifications"
	CodeInvalidRequest              = "InvalidRequest"
	CodeResourceNotFound            = "ResourceNotFound"
	CodeRequestConflict             = "RequestConflict"
	CodeInsufficientScopes          = "InsufficientScopes"
	CodeTooManyRequests             = "TooManyRequests"
	CodeServiceUnavailable          = "ServiceUnavailable"
	CodeInternalServerError         = "InternalServerError"
)

// ErrorResponse is the body of every 4xx and 5xx response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

// writeError maps registry errors onto status codes. Anything unexpected
// is logged in full and answered with a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *registry.InvalidLaunchSpecificationsError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   CodeInvalidLaunchSpecifications,
			Message: "worker type definition produces invalid launch specifications",
			Reasons: invalid.Reasons,
		})
	case errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: CodeResourceNotFound, Message: err.Error()})
	case errors.Is(err, registry.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: CodeRequestConflict, Message: err.Error()})
	case errors.Is(err, storage.ErrTooManyRetries):
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Gave up on contended write")
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   CodeServiceUnavailable,
			Message: "the resource is being modified concurrently, retry later",
		})
	default:
		s.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", w.Header().Get(RequestIDHeader)).
			Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   CodeInternalServerError,
			Message: "internal error",
		})
	}
}

func writeBadRequest(w http.ResponseWriter, message string, reasons ...string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   CodeInvalidRequest,
		Message: message,
		Reasons: reasons,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
