package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/lifecycle"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/postgres"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/queue"
	"github.com/Arcay322/Granja-cuyes-sub002/pkg/telemetry"
)

const (
	alertBufferSize    = 1000
	recoveryBufferSize = 500
	alertWindow        = 24 * time.Hour
)

// LifecycleControl is the slice of the lifecycle manager the monitor drives.
type LifecycleControl interface {
	HandleJobTimeout(ctx context.Context, jobID string) domain.TransitionResult
	RetryJob(ctx context.Context, jobID string) bool
	GetStats(ctx context.Context) (*lifecycle.Stats, error)
}

// QueueControl is the slice of the queue the monitor drives.
type QueueControl interface {
	GetStatus() queue.Status
	HandleTimeouts(jobIDs []string) []string
	StopAccepting()
}

// Thresholds configure the health tiers. Exceeding a threshold raises a
// WARNING alert; exceeding double marks the system unhealthy.
type Thresholds struct {
	FailureRate    float64
	QueueSize      int
	ProcessingTime time.Duration
}

// Monitor is the operational safety net around the queue and lifecycle
// manager: timeout detection, health evaluation, alerting and shutdown.
type Monitor struct {
	store     postgres.JobStore
	lifecycle LifecycleControl
	queue     QueueControl
	logger    *slog.Logger

	timeoutInterval   time.Duration
	healthInterval    time.Duration
	processingTimeout time.Duration
	thresholds        Thresholds
	cleanupSchedule   string
	retention         time.Duration
	drainPoll         time.Duration

	mu         sync.Mutex
	running    bool
	loopCancel context.CancelFunc
	cronRunner *cron.Cron
	alerts     *ring[Alert]
	recovery   *ring[RecoveryAction]

	sweepBusy  bool
	healthBusy bool

	shutdownCh  chan struct{}
	shutdownErr error
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithTimeoutInterval(d time.Duration) Option   { return func(m *Monitor) { m.timeoutInterval = d } }
func WithHealthInterval(d time.Duration) Option    { return func(m *Monitor) { m.healthInterval = d } }
func WithProcessingTimeout(d time.Duration) Option { return func(m *Monitor) { m.processingTimeout = d } }
func WithThresholds(t Thresholds) Option           { return func(m *Monitor) { m.thresholds = t } }
func WithCleanupSchedule(spec string) Option       { return func(m *Monitor) { m.cleanupSchedule = spec } }
func WithRetention(d time.Duration) Option         { return func(m *Monitor) { m.retention = d } }
func WithDrainPollInterval(d time.Duration) Option { return func(m *Monitor) { m.drainPoll = d } }
func WithLogger(l *slog.Logger) Option             { return func(m *Monitor) { m.logger = l } }

// New constructs a Monitor with the default intervals and thresholds.
func New(store postgres.JobStore, lc LifecycleControl, qc QueueControl, opts ...Option) *Monitor {
	m := &Monitor{
		store:             store,
		lifecycle:         lc,
		queue:             qc,
		logger:            slog.Default(),
		timeoutInterval:   time.Minute,
		healthInterval:    30 * time.Second,
		processingTimeout: 10 * time.Minute,
		thresholds: Thresholds{
			FailureRate:    0.20,
			QueueSize:      50,
			ProcessingTime: 15 * time.Minute,
		},
		cleanupSchedule: "0 3 * * *",
		retention:       7 * 24 * time.Hour,
		drainPoll:       time.Second,
		alerts:          newRing[Alert](alertBufferSize),
		recovery:        newRing[RecoveryAction](recoveryBufferSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartMonitoring starts both supervisory loops. Idempotent. One immediate
// recovery pass (timeout sweep + expired cleanup) runs before returning; if
// it fails, monitoring is torn down and the error propagates so startup
// failure is visible.
func (m *Monitor) StartMonitoring(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	m.mu.Unlock()

	if err := m.SweepTimeouts(ctx); err != nil {
		m.StopMonitoring()
		return fmt.Errorf("initial timeout sweep: %w", err)
	}
	if err := m.CleanupExpired(ctx); err != nil {
		m.StopMonitoring()
		return fmt.Errorf("initial cleanup: %w", err)
	}

	go m.loop(loopCtx, m.timeoutInterval, m.timeoutTick)
	go m.loop(loopCtx, m.healthInterval, m.healthTick)

	m.mu.Lock()
	m.cronRunner = cron.New()
	if _, err := m.cronRunner.AddFunc(m.cleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = m.CleanupExpired(ctx)
	}); err != nil {
		m.mu.Unlock()
		m.StopMonitoring()
		return fmt.Errorf("cleanup schedule %q: %w", m.cleanupSchedule, err)
	}
	m.cronRunner.Start()
	m.mu.Unlock()

	m.logger.Info("export monitor started",
		slog.Duration("timeout_interval", m.timeoutInterval),
		slog.Duration("health_interval", m.healthInterval),
	)
	return nil
}

// StopMonitoring cancels both loops. Idempotent.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	if m.cronRunner != nil {
		m.cronRunner.Stop()
		m.cronRunner = nil
	}
	m.logger.Info("export monitor stopped")
}

// IsMonitoring reports whether the loops are running.
func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, tick func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// timeoutTick runs one sweep, skipping the tick if the previous sweep is
// still in progress.
func (m *Monitor) timeoutTick() {
	m.mu.Lock()
	if m.sweepBusy {
		m.mu.Unlock()
		return
	}
	m.sweepBusy = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.sweepBusy = false
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeoutInterval)
	defer cancel()
	if err := m.SweepTimeouts(ctx); err != nil {
		m.logger.Error("timeout sweep failed", slog.String("error", err.Error()))
	}
}

func (m *Monitor) healthTick() {
	m.mu.Lock()
	if m.healthBusy {
		m.mu.Unlock()
		return
	}
	m.healthBusy = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.healthBusy = false
		m.mu.Unlock()
	}()

	m.GetHealthStatus()
}

// SweepTimeouts finds jobs stuck in PROCESSING past the threshold, times
// them out through the lifecycle manager, evicts them from the queue and
// batch-marks them in the store. Sweep errors raise an ERROR alert; they
// only propagate to the caller (they never crash the loop).
func (m *Monitor) SweepTimeouts(ctx context.Context) error {
	jobs, err := m.store.TimedOutJobs(ctx, m.processingTimeout)
	if err != nil {
		m.recordAlert(newAlert(SeverityError, fmt.Sprintf("timeout sweep failed: %v", err)))
		return fmt.Errorf("query timed-out jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)

		res := m.lifecycle.HandleJobTimeout(ctx, job.ID)
		if !res.OK {
			m.logger.Warn("timeout transition rejected",
				slog.String("job_id", job.ID), slog.String("message", res.Message))
		}

		a := newAlert(SeverityWarning, fmt.Sprintf("job exceeded processing timeout of %s", m.processingTimeout))
		a.JobID = job.ID
		a.Metric = "processingTime"
		a.Value = time.Since(derefTime(job.StartedAt, job.CreatedAt)).Seconds()
		a.Threshold = m.processingTimeout.Seconds()
		m.recordAlert(a)
	}

	m.queue.HandleTimeouts(ids)

	markErr := m.store.MarkTimedOut(ctx, ids)
	m.recordRecovery(RecoveryAction{
		Type:    RecoveryTimeoutJob,
		Reason:  fmt.Sprintf("%d jobs exceeded the %s processing timeout", len(ids), m.processingTimeout),
		Success: markErr == nil,
		Error:   errString(markErr),
	})
	if markErr != nil {
		m.recordAlert(newAlert(SeverityError, fmt.Sprintf("batch timeout mark failed: %v", markErr)))
		return fmt.Errorf("mark jobs timed out: %w", markErr)
	}

	m.logger.Warn("timed out stuck jobs", slog.Int("count", len(ids)))
	return nil
}

// HealthMetrics is the snapshot the health check evaluates.
type HealthMetrics struct {
	PendingJobs       int           `json:"pending_jobs"`
	ProcessingJobs    int           `json:"processing_jobs"`
	FailedJobs        int           `json:"failed_jobs"`
	FailureRate       float64       `json:"failure_rate"`
	QueueSize         int           `json:"queue_size"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

// HealthStatus is the combined health snapshot exposed to dashboards.
type HealthStatus struct {
	IsHealthy bool          `json:"is_healthy"`
	CheckedAt time.Time     `json:"checked_at"`
	Metrics   HealthMetrics `json:"metrics"`
	Alerts    []Alert       `json:"alerts"`
}

// GetHealthStatus evaluates current metrics against the thresholds. It never
// propagates errors: a failed read yields isHealthy=false plus one
// synthesized CRITICAL alert, so observability reads cannot crash a caller.
func (m *Monitor) GetHealthStatus() HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	qs := m.queue.GetStatus()
	stats, err := m.lifecycle.GetStats(ctx)
	if err != nil {
		a := newAlert(SeverityCritical, fmt.Sprintf("health check failed to read lifecycle stats: %v", err))
		m.recordAlert(a)
		m.logger.Error("health check degraded", slog.String("error", err.Error()))
		return HealthStatus{
			IsHealthy: false,
			CheckedAt: time.Now().UTC(),
			Alerts:    []Alert{a},
		}
	}

	metrics := HealthMetrics{
		PendingJobs:       stats.Pending,
		ProcessingJobs:    stats.Processing,
		FailedJobs:        stats.Failed,
		FailureRate:       stats.RetryRate,
		QueueSize:         qs.Pending,
		AvgProcessingTime: stats.AvgProcessingTime,
	}

	healthy := true
	check := func(metric string, value, threshold float64) {
		if threshold <= 0 || value <= threshold {
			return
		}
		a := newAlert(SeverityWarning, fmt.Sprintf("%s %.2f exceeds threshold %.2f", metric, value, threshold))
		a.Metric = metric
		a.Value = value
		a.Threshold = threshold
		m.recordAlert(a)
		if value > 2*threshold {
			healthy = false
		}
	}
	check("failureRate", metrics.FailureRate, m.thresholds.FailureRate)
	check("queueSize", float64(metrics.QueueSize), float64(m.thresholds.QueueSize))
	check("processingTime", metrics.AvgProcessingTime.Seconds(), m.thresholds.ProcessingTime.Seconds())

	m.mu.Lock()
	recent := m.alerts.last(10)
	m.mu.Unlock()

	return HealthStatus{
		IsHealthy: healthy,
		CheckedAt: time.Now().UTC(),
		Metrics:   metrics,
		Alerts:    recent,
	}
}

// RetryJob retries a job through the lifecycle manager and always records a
// recovery action for audit, success or not.
func (m *Monitor) RetryJob(ctx context.Context, jobID, reason string) bool {
	ok := m.lifecycle.RetryJob(ctx, jobID)
	action := RecoveryAction{
		Type:    RecoveryRetryJob,
		JobID:   jobID,
		Reason:  reason,
		Success: ok,
	}
	if !ok {
		action.Error = "retry rejected: job unknown or not in a retryable status"
	}
	m.recordRecovery(action)
	return ok
}

// CleanupExpired deletes terminal jobs past the retention window and records
// the action.
func (m *Monitor) CleanupExpired(ctx context.Context) error {
	n, err := m.store.DeleteExpired(ctx, m.retention)
	m.recordRecovery(RecoveryAction{
		Type:    RecoveryCleanupExpired,
		Reason:  fmt.Sprintf("removed %d terminal jobs older than %s", n, m.retention),
		Success: err == nil,
		Error:   errString(err),
	})
	if err != nil {
		m.recordAlert(newAlert(SeverityError, fmt.Sprintf("expired cleanup failed: %v", err)))
		return fmt.Errorf("cleanup expired jobs: %w", err)
	}
	if n > 0 {
		m.logger.Info("cleaned up expired export jobs", slog.Int("count", n))
	}
	return nil
}

// GracefulShutdown stops monitoring, stops queue intake, then polls until
// in-flight work drains or the deadline passes (elapsing is not an error),
// runs one final sweep and clears the buffers. Memoized: concurrent and
// repeated calls share the same shutdown.
func (m *Monitor) GracefulShutdown(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if m.shutdownCh != nil {
		ch := m.shutdownCh
		m.mu.Unlock()
		<-ch
		return m.shutdownErr
	}
	ch := make(chan struct{})
	m.shutdownCh = ch
	m.mu.Unlock()

	err := m.doShutdown(ctx, timeout)
	m.shutdownErr = err
	close(ch)
	return err
}

func (m *Monitor) doShutdown(ctx context.Context, timeout time.Duration) error {
	m.logger.Info("graceful shutdown starting", slog.Duration("timeout", timeout))

	m.StopMonitoring()
	m.queue.StopAccepting()

	deadline := time.Now().Add(timeout)
	for m.queue.GetStatus().Processing > 0 {
		if time.Now().After(deadline) {
			m.logger.Warn("shutdown deadline elapsed with jobs still in flight",
				slog.Int("processing", m.queue.GetStatus().Processing))
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.drainPoll):
		}
	}

	if err := m.SweepTimeouts(ctx); err != nil {
		m.logger.Error("final timeout sweep failed", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	m.alerts.clear()
	m.recovery.clear()
	m.mu.Unlock()

	m.logger.Info("graceful shutdown complete")
	return nil
}

// GetCurrentAlerts returns alerts raised in the last 24 hours, oldest first.
func (m *Monitor) GetCurrentAlerts() []Alert {
	m.mu.Lock()
	all := m.alerts.last(0)
	m.mu.Unlock()

	cutoff := time.Now().Add(-alertWindow)
	out := make([]Alert, 0, len(all))
	for _, a := range all {
		if a.Timestamp.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// GetRecoveryHistory returns up to limit recovery actions, oldest first.
func (m *Monitor) GetRecoveryHistory(limit int) []RecoveryAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovery.last(limit)
}

// MonitoringStats summarizes the monitor's own bookkeeping.
type MonitoringStats struct {
	Monitoring       bool             `json:"monitoring"`
	TotalAlerts      int              `json:"total_alerts"`
	AlertsBySeverity map[Severity]int `json:"alerts_by_severity"`
	RecoveryActions  int              `json:"recovery_actions"`
}

// GetMonitoringStats reports buffer totals and loop state.
func (m *Monitor) GetMonitoringStats() MonitoringStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	bySeverity := make(map[Severity]int)
	for _, a := range m.alerts.last(0) {
		bySeverity[a.Severity]++
	}
	return MonitoringStats{
		Monitoring:       m.running,
		TotalAlerts:      m.alerts.len(),
		AlertsBySeverity: bySeverity,
		RecoveryActions:  m.recovery.len(),
	}
}

func (m *Monitor) recordAlert(a Alert) {
	m.mu.Lock()
	m.alerts.add(a)
	m.mu.Unlock()
}

func (m *Monitor) recordRecovery(action RecoveryAction) {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now().UTC()
	}
	telemetry.RecoveryActionsTotal.WithLabelValues(string(action.Type), fmt.Sprintf("%t", action.Success)).Inc()
	m.mu.Lock()
	m.recovery.add(action)
	m.mu.Unlock()
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
