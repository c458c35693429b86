package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/admission"
	"github.com/JakeFAU/reply-report-engine/internal/auth"
	"github.com/JakeFAU/reply-report-engine/internal/report"
)

const (
	defaultRepliesLimit  = 100
	maxRepliesLimit      = 1000
	defaultActivityLimit = 50
	maxActivityLimit     = 500
	maxBodyBytes         = 1 << 20
)

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.Caller(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	var in admission.CreateInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.deps.Creator.CreateReport(r.Context(), caller, in)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.ownedReport(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep})
}

func (s *Server) listReplies(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.ownedReport(w, r)
	if !ok {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRepliesLimit, maxRepliesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	replies, err := s.deps.Replies.ListReplies(r.Context(), rep.ID, limit, offset)
	if err != nil {
		s.logger.Error("list replies failed", zap.String("report_id", rep.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list replies")
		return
	}
	if replies == nil {
		replies = []report.Reply{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.ownedReport(w, r)
	if !ok {
		return
	}
	limit, _, err := parseLimitOffset(r, defaultActivityLimit, maxActivityLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deps.Activity.ListActivity(r.Context(), rep.ID, limit)
	if err != nil {
		s.logger.Error("list activity failed", zap.String("report_id", rep.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}
	if entries == nil {
		entries = []report.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

type evaluationRequest struct {
	ReplyID   string  `json:"replyId"`
	ReportID  string  `json:"reportId"`
	Qualified bool    `json:"qualified"`
	Score     float64 `json:"score"`
}

func (s *Server) recordEvaluation(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireRole(r.Context(), auth.RoleEvaluator); err != nil {
		s.writeDomainError(w, err)
		return
	}
	var req evaluationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.ReplyID) == "" || strings.TrimSpace(req.ReportID) == "" {
		writeError(w, http.StatusBadRequest, "replyId and reportId are required")
		return
	}
	err := s.deps.Evaluations.RecordEvaluation(r.Context(), report.EvaluationResult{
		ReplyID:   req.ReplyID,
		ReportID:  req.ReportID,
		Qualified: req.Qualified,
		Score:     req.Score,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedReport loads the report named in the path and writes 404 unless the
// caller owns it.
func (s *Server) ownedReport(w http.ResponseWriter, r *http.Request) (report.Report, bool) {
	caller, err := auth.Caller(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return report.Report{}, false
	}
	id := chi.URLParam(r, "report_id")
	rep, err := s.deps.Reports.GetReport(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return report.Report{}, false
	}
	if rep.Owner != caller {
		writeError(w, http.StatusNotFound, "report not found")
		return report.Report{}, false
	}
	return rep, true
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var validation *report.ValidationError
	var limited *report.RateLimitedError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": validation.Error(),
			"field": validation.Field,
		})
	case errors.Is(err, report.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, report.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.As(err, &limited):
		retryAfter := limited.RetryAfter.UTC()
		seconds := int(time.Until(retryAfter).Seconds() + 0.999)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limited",
			"retry_after": retryAfter.Format(time.RFC3339),
		})
	case errors.Is(err, report.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
