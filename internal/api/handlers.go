package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/auth"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

const maxBodyBytes = 16 << 10

type startRequest struct {
	WebsiteURL string `json:"websiteUrl" validate:"required,max=2048"`
}

type startResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

// AnalysisView is the status projection returned by the read endpoints.
type AnalysisView struct {
	ID             string           `json:"id"`
	WebsiteURL     string           `json:"websiteUrl"`
	Status         analysis.Status  `json:"status"`
	Progress       int              `json:"progress"`
	Attempt        int              `json:"attempt"`
	Error          string           `json:"error,omitempty"`
	Result         *analysis.Result `json:"result,omitempty"`
	StageStartedAt time.Time        `json:"stageStartedAt"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	FinishedAt     *time.Time       `json:"finishedAt,omitempty"`
}

type analysisResponse struct {
	Success  bool         `json:"success"`
	Analysis AnalysisView `json:"analysis"`
}

// NewAnalysisView projects a job for API consumers.
func NewAnalysisView(job analysis.Job) AnalysisView {
	view := AnalysisView{
		ID:             job.ID,
		WebsiteURL:     job.WebsiteURL,
		Status:         job.Status,
		Progress:       analysis.Progress(job.Status),
		Attempt:        job.Attempt,
		Error:          job.Error,
		StageStartedAt: job.StageStartedAt,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
		FinishedAt:     job.FinishedAt,
	}
	if !job.Result.Empty() {
		result := job.Result.Clone()
		view.Result = &result
	}
	return view
}

func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	var req startRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		metrics.ObserveStart("invalid")
		s.writeFailure(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		metrics.ObserveStart("invalid")
		s.writeFailure(w, http.StatusBadRequest, validationMessage(err), "")
		return
	}

	handle, err := s.service.Start(r.Context(), owner, req.WebsiteURL)
	if err != nil {
		var conflict *analysis.ConflictError
		switch {
		case errors.As(err, &conflict):
			metrics.ObserveStart("conflict")
			s.writeFailure(w, http.StatusConflict, err.Error(), conflict.ActiveJobID)
		case errors.Is(err, analysis.ErrValidation):
			metrics.ObserveStart("invalid")
			s.writeFailure(w, http.StatusBadRequest, err.Error(), "")
		default:
			metrics.ObserveStart("error")
			s.writeError(w, r, err)
		}
		return
	}
	metrics.ObserveStart("accepted")
	s.logger.Info("analysis started",
		zap.String("job_id", handle.ID),
		zap.String("owner_id", owner),
		zap.String("website_url", handle.WebsiteURL),
		zap.Int("attempt", handle.Attempt))
	writeJSON(w, s.logger, http.StatusAccepted, startResponse{Success: true, JobID: handle.ID})
}

func (s *Server) analysisByID(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	job, err := s.service.Get(r.Context(), owner, chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, analysisResponse{Success: true, Analysis: NewAnalysisView(job)})
}

func (s *Server) analysisByURL(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || strings.TrimSpace(raw) == "" {
		s.writeFailure(w, http.StatusBadRequest, "websiteUrl must be a path-escaped URL", "")
		return
	}
	job, err := s.service.Status(r.Context(), owner, raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, analysisResponse{Success: true, Analysis: NewAnalysisView(job)})
}

func (s *Server) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	job, err := s.service.Cancel(r.Context(), owner, chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, analysisResponse{Success: true, Analysis: NewAnalysisView(job)})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("websiteUrl failed on '%s' validation", fe.Tag())
	}
	return "invalid request"
}
