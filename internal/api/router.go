package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// NewRouter mounts the export surface and the health endpoints.
func NewRouter(h *Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger(logger))
	r.Use(maxBodySize(1 << 20)) // 1MB limit

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/exports", func(r chi.Router) {
			r.Post("/", h.CreateExport)
			r.Get("/", h.ListExports)
			r.Get("/stats", h.GetStats)
			r.Get("/{id}", h.GetExport)
			r.Delete("/{id}", h.CancelExport)
			r.Post("/{id}/retry", h.RetryExport)
		})
		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/health", h.GetHealth)
			r.Get("/alerts", h.GetAlerts)
			r.Get("/recovery", h.GetRecoveryHistory)
			r.Post("/timeout-check", h.TriggerTimeoutCheck)
			r.Post("/health-check", h.TriggerHealthCheck)
		})
	})

	return r
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requestLogger logs every request with method, path, status and duration.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// maxBodySize caps request bodies so a runaway client cannot exhaust memory.
func maxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
