package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/lifecycle"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/monitor"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/postgres"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/rediscache"
	"github.com/Arcay322/Granja-cuyes-sub002/pkg/telemetry"
)

// userHeader carries the caller identity. Real session auth lives in the web
// app in front of this service; the header is what it forwards.
const userHeader = "X-User-ID"

// Handler serves the export REST surface.
type Handler struct {
	manager *lifecycle.Manager
	monitor *monitor.Monitor
	cache   rediscache.StatusCache
	logger  *slog.Logger
}

// NewHandler creates the REST handler. cache may be nil when Redis is
// disabled; status reads then always hit the store.
func NewHandler(manager *lifecycle.Manager, mon *monitor.Monitor, cache rediscache.StatusCache, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, monitor: mon, cache: cache, logger: logger}
}

// JobResponse is the JSON shape of an export job.
type JobResponse struct {
	ID           string         `json:"id"`
	TemplateID   string         `json:"template_id"`
	Format       string         `json:"format"`
	Status       string         `json:"status"`
	Progress     int            `json:"progress"`
	ProgressNote string         `json:"progress_note,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Files        []FileResponse `json:"files,omitempty"`
}

// FileResponse describes one generated artifact.
type FileResponse struct {
	FileName  string `json:"file_name"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`
}

func toJobResponse(job *domain.Job) JobResponse {
	resp := JobResponse{
		ID:           job.ID,
		TemplateID:   job.TemplateID,
		Format:       string(job.Format),
		Status:       string(job.Status),
		Progress:     job.Progress,
		ProgressNote: job.ProgressNote,
		Error:        job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
	for _, f := range job.Files {
		resp.Files = append(resp.Files, FileResponse{
			FileName:  f.FileName,
			SizeBytes: f.SizeBytes,
			MimeType:  f.MimeType,
		})
	}
	return resp
}

// CreateExport handles POST /api/v1/exports.
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("export-api").Start(r.Context(), "api.create_export")
	defer span.End()

	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return
	}

	var req lifecycle.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	span.SetAttributes(
		attribute.String("export.template", req.TemplateID),
		attribute.String("export.format", string(req.Format)),
	)

	job, err := h.manager.CreateJob(ctx, userID, req)
	if err != nil {
		span.RecordError(err)
		h.writeDomainError(w, err)
		return
	}

	telemetry.APIExportsCreated.WithLabelValues(req.TemplateID, string(req.Format)).Inc()
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// GetExport handles GET /api/v1/exports/{id}.
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "id")
	userID := r.Header.Get(userHeader)

	job, err := h.manager.GetJobDetails(ctx, jobID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if userID != "" && job.UserID != userID {
		// Do not leak existence of other users' jobs.
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}

	resp := toJobResponse(job)

	// The cache usually has a fresher progress value than the row we just
	// read, since workers write it on every checkpoint.
	if h.cache != nil && !job.Status.IsTerminal() {
		if entry, err := h.cache.Get(ctx, jobID); err == nil && entry != nil {
			resp.Status = string(entry.Status)
			resp.Progress = entry.Progress
			resp.ProgressNote = entry.Note
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListExports handles GET /api/v1/exports.
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return
	}

	q := r.URL.Query()
	filter := postgres.HistoryFilter{
		Status:     domain.Status(q.Get("status")),
		Format:     domain.Format(q.Get("format")),
		TemplateID: q.Get("template"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be an integer in [1,200]")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	jobs, err := h.manager.GetJobHistory(ctx, userID, filter)
	if err != nil {
		h.logger.Error("history query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list exports")
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": out, "count": len(out)})
}

// CancelExport handles DELETE /api/v1/exports/{id}.
func (h *Handler) CancelExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "id")
	userID := r.Header.Get(userHeader)

	job, err := h.manager.GetJobDetails(ctx, jobID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if userID != "" && job.UserID != userID {
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}

	if !h.manager.CancelJob(ctx, jobID, r.URL.Query().Get("reason")) {
		writeError(w, http.StatusConflict, "export cannot be cancelled in its current status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// RetryExport handles POST /api/v1/exports/{id}/retry.
func (h *Handler) RetryExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "id")
	userID := r.Header.Get(userHeader)

	job, err := h.manager.GetJobDetails(ctx, jobID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if userID != "" && job.UserID != userID {
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}

	if !h.manager.RetryJob(ctx, jobID) {
		writeError(w, http.StatusConflict, "only failed or timed-out exports can be retried")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// GetStats handles GET /api/v1/exports/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.GetStats(r.Context())
	if err != nil {
		h.logger.Error("stats query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetHealth handles GET /api/v1/monitoring/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := h.monitor.GetHealthStatus()
	code := http.StatusOK
	if !status.IsHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// GetAlerts handles GET /api/v1/monitoring/alerts.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.monitor.GetCurrentAlerts()
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// GetRecoveryHistory handles GET /api/v1/monitoring/recovery.
func (h *Handler) GetRecoveryHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	actions := h.monitor.GetRecoveryHistory(limit)
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions, "count": len(actions)})
}

// TriggerTimeoutCheck handles POST /api/v1/monitoring/timeout-check.
func (h *Handler) TriggerTimeoutCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.SweepTimeouts(r.Context()); err != nil {
		h.logger.Error("manual timeout sweep failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "timeout sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TriggerHealthCheck handles POST /api/v1/monitoring/health-check.
func (h *Handler) TriggerHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.GetHealthStatus())
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz. Readiness is a cheap stats read against the
// store.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.manager.GetStats(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var notFound *domain.JobNotFoundError
	var validation *domain.ValidationError
	var template *domain.UnknownTemplateError
	var quota *domain.QuotaExceededError

	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "export job not found")
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &template):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &quota):
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("active export limit of %d reached, wait for running exports to finish", quota.Limit))
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
