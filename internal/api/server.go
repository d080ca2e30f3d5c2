package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/auth"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

const defaultRequestTimeout = 30 * time.Second

// Service is the orchestration surface the handlers drive.
type Service interface {
	Start(ctx context.Context, ownerID, websiteURL string) (analysis.JobHandle, error)
	Status(ctx context.Context, ownerID, websiteURL string) (analysis.Job, error)
	Get(ctx context.Context, ownerID, jobID string) (analysis.Job, error)
	Cancel(ctx context.Context, ownerID, jobID string) (analysis.Job, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tunes the server.
type Options struct {
	RequestTimeout time.Duration
	ReadyTimeout   time.Duration
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router   chi.Router
	service  Service
	ready    Pinger
	verifier *auth.Verifier
	validate *validator.Validate
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(service Service, ready Pinger, verifier *auth.Verifier, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Second
	}
	s := &Server{
		service:  service,
		ready:    ready,
		verifier: verifier,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/analyses", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Use(auth.Middleware(verifier, s.unauthorized))
		r.Post("/", s.startAnalysis)
		r.Get("/by-url/*", s.analysisByURL)
		r.Route("/{jobId}", func(r chi.Router) {
			r.Get("/", s.analysisByID)
			r.Post("/cancel", s.cancelAnalysis)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.ReadyTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}
