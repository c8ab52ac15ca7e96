package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueBacklogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "granja",
		Subsystem: "exports",
		Name:      "queue_backlog",
		Help:      "Export jobs waiting for a worker slot.",
	})

	QueueInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "granja",
		Subsystem: "exports",
		Name:      "queue_inflight",
		Help:      "Export jobs currently being rendered.",
	})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "granja",
		Subsystem: "exports",
		Name:      "jobs_processed_total",
		Help:      "Jobs finished, labelled by output format and terminal status.",
	}, []string{"format", "status"})

	JobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "granja",
		Subsystem: "exports",
		Name:      "job_duration_seconds",
		Help:      "Render time per job in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"format"})

	JobRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "granja",
		Subsystem: "exports",
		Name:      "job_retries_total",
		Help:      "Automatic retries of transient render failures.",
	}, []string{"format"})

	// ─── Monitor ─────────────────────────────────────────────────────────────────

	JobTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "granja",
		Subsystem: "exports",
		Name:      "job_timeouts_total",
		Help:      "Jobs evicted by the timeout sweep.",
	})

	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "granja",
		Subsystem: "exports",
		Name:      "alerts_raised_total",
		Help:      "Monitor alerts raised, labelled by severity.",
	}, []string{"severity"})

	RecoveryActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "granja",
		Subsystem: "exports",
		Name:      "recovery_actions_total",
		Help:      "Corrective actions taken by the monitor.",
	}, []string{"type", "success"})

	// ─── API ─────────────────────────────────────────────────────────────────────

	APIExportsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "granja",
		Subsystem: "exports",
		Name:      "api_created_total",
		Help:      "Export jobs accepted through the REST API.",
	}, []string{"template", "format"})
)
