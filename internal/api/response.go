package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/auth"
)

type failure struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	JobID   string `json:"jobId,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, analysis.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, analysis.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, analysis.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, analysis.ErrConflict),
		errors.Is(err, analysis.ErrInvalidTransition),
		errors.Is(err, analysis.ErrStatusChanged):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusNotFound:
		writeJSON(w, s.logger, status, failure{})
	case http.StatusForbidden:
		s.writeFailure(w, status, "analysis belongs to another owner", "")
	case http.StatusInternalServerError:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err))
		s.writeFailure(w, status, "internal server error", "")
	default:
		s.writeFailure(w, status, err.Error(), "")
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, status int, msg, jobID string) {
	writeJSON(w, s.logger, status, failure{Message: msg, JobID: jobID})
}

func (s *Server) unauthorized(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="site-analyzer"`)
	s.writeFailure(w, http.StatusUnauthorized, "missing or invalid bearer token", "")
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
