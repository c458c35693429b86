package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/admission"
	"github.com/JakeFAU/reply-report-engine/internal/auth"
	"github.com/JakeFAU/reply-report-engine/internal/metrics"
	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// ReportCreator admits new reports.
type ReportCreator interface {
	CreateReport(ctx context.Context, caller string, in admission.CreateInput) (string, error)
}

// EvaluationRecorder applies results reported by the evaluation task.
type EvaluationRecorder interface {
	RecordEvaluation(ctx context.Context, res report.EvaluationResult) error
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Creator     ReportCreator
	Reports     report.ReportStore
	Replies     report.ReplyStore
	Activity    report.ActivityStore
	Evaluations EvaluationRecorder
	Ready       ReadinessCheck
}

// Config tunes the HTTP surface.
type Config struct {
	// Verifier validates bearer tokens; nil trusts auth.DevCallerHeader.
	Verifier       *auth.Verifier
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the admission controller and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		deps:   deps,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Use(auth.Middleware(cfg.Verifier))
		r.Route("/reports", func(r chi.Router) {
			r.Post("/", s.createReport)
			r.Route("/{report_id}", func(r chi.Router) {
				r.Get("/", s.getReport)
				r.Get("/replies", s.listReplies)
				r.Get("/activity", s.listActivity)
			})
		})
		r.Post("/evaluations", s.recordEvaluation)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
