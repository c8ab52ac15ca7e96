package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/postgres"
)

// Enqueuer is the slice of the queue the lifecycle manager drives.
type Enqueuer interface {
	Add(ctx context.Context, job *domain.Job) error
	Cancel(jobID, reason string) bool
}

// Manager validates export requests, owns the job status state machine and
// mediates between API callers and the queue/store.
type Manager struct {
	store         postgres.JobStore
	queue         Enqueuer
	maxActiveJobs int
	logger        *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithMaxActiveJobs(n int) Option { return func(m *Manager) { m.maxActiveJobs = n } }
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager constructs a Manager with the given dependencies.
func NewManager(store postgres.JobStore, queue Enqueuer, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		queue:         queue,
		maxActiveJobs: 10,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateJob validates the request, enforces the per-user active quota,
// persists the job and enqueues it.
func (m *Manager) CreateJob(ctx context.Context, userID string, req CreateRequest) (*domain.Job, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	active, err := m.store.CountActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check active quota: %w", err)
	}
	if active >= m.maxActiveJobs {
		return nil, &domain.QuotaExceededError{UserID: userID, Limit: m.maxActiveJobs}
	}

	job := &domain.Job{
		ID:         uuid.New().String(),
		UserID:     userID,
		TemplateID: req.TemplateID,
		Format:     req.Format,
		Parameters: req.Parameters,
		Options:    req.Options,
		Status:     domain.StatusPending,
		Progress:   0,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	if err := m.queue.Add(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	m.logger.Info("export job created",
		slog.String("job_id", job.ID),
		slog.String("user_id", userID),
		slog.String("template", req.TemplateID),
		slog.String("format", string(req.Format)),
	)
	return job, nil
}

// TransitionStatus validates and applies jobID → newStatus per the state
// machine. Invalid transitions and unknown jobs are reported in the result,
// not as errors: transition races (a job completing while a cancel is in
// flight) are routine and must not crash callers.
func (m *Manager) TransitionStatus(ctx context.Context, jobID string, newStatus domain.Status, patch postgres.JobPatch) domain.TransitionResult {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.TransitionResult{
			OK:      false,
			Next:    newStatus,
			Message: err.Error(),
		}
	}

	if !job.Status.CanTransitionTo(newStatus) {
		m.logger.Warn("invalid status transition rejected",
			slog.String("job_id", jobID),
			slog.String("from", string(job.Status)),
			slog.String("to", string(newStatus)),
		)
		return domain.TransitionResult{
			OK:       false,
			Previous: job.Status,
			Next:     newStatus,
			Message:  fmt.Sprintf("cannot transition from %s to %s", job.Status, newStatus),
		}
	}

	now := time.Now().UTC()
	patch.Status = &newStatus
	if newStatus == domain.StatusProcessing && job.StartedAt == nil && patch.StartedAt == nil {
		patch.StartedAt = &now
	}
	if newStatus.IsTerminal() && patch.CompletedAt == nil {
		patch.CompletedAt = &now
	}

	if err := m.store.UpdateJob(ctx, jobID, patch); err != nil {
		return domain.TransitionResult{
			OK:       false,
			Previous: job.Status,
			Next:     newStatus,
			Message:  fmt.Sprintf("persist transition: %v", err),
		}
	}
	return domain.TransitionResult{OK: true, Previous: job.Status, Next: newStatus}
}

// CancelJob cancels a job unless it is unknown or already COMPLETED.
// Queue-level cancellation is best effort; the store transition is applied
// regardless so the record reflects the user's intent.
func (m *Manager) CancelJob(ctx context.Context, jobID, reason string) bool {
	if reason == "" {
		reason = "cancelled by user"
	}

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	if job.Status == domain.StatusCompleted {
		return false
	}

	if m.queue.Cancel(jobID, reason) {
		// The queue already finalized the store record.
		return true
	}

	now := time.Now().UTC()
	status := domain.StatusFailed
	if err := m.store.UpdateJob(ctx, jobID, postgres.JobPatch{
		Status:       &status,
		ErrorMessage: &reason,
		CompletedAt:  &now,
	}); err != nil {
		m.logger.Error("failed to persist cancellation",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
		return false
	}
	m.logger.Info("job cancelled outside queue", slog.String("job_id", jobID))
	return true
}

// RetryJob resets a FAILED or TIMEOUT job back to PENDING and re-enqueues it
// on the same job ID. Returns false when the current status disallows retry
// or the job is unknown.
func (m *Manager) RetryJob(ctx context.Context, jobID string) bool {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	if job.Status != domain.StatusFailed && job.Status != domain.StatusTimeout {
		m.logger.Warn("retry rejected",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return false
	}

	pending := domain.StatusPending
	progress := 0
	empty := ""
	if err := m.store.UpdateJob(ctx, jobID, postgres.JobPatch{
		Status:          &pending,
		Progress:        &progress,
		ProgressNote:    &empty,
		ErrorMessage:    &empty,
		ClearTimestamps: true,
	}); err != nil {
		m.logger.Error("failed to reset job for retry",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
		return false
	}

	job.Status = domain.StatusPending
	job.Progress = 0
	job.ErrorMessage = ""
	job.StartedAt = nil
	job.CompletedAt = nil

	if err := m.queue.Add(ctx, job); err != nil {
		m.logger.Error("failed to re-enqueue job",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
		return false
	}
	m.logger.Info("job reset for retry", slog.String("job_id", jobID))
	return true
}

// UpdateProgress persists a progress checkpoint with an optional note. The
// note goes to its own column, never into the terminal error message.
func (m *Manager) UpdateProgress(ctx context.Context, jobID string, progress int, note string) error {
	if progress < 0 || progress > 100 {
		return &domain.ValidationError{
			Field:   "progress",
			Message: fmt.Sprintf("%d is outside [0,100]", progress),
		}
	}
	patch := postgres.JobPatch{Progress: &progress}
	if note != "" {
		patch.ProgressNote = &note
	}
	if err := m.store.UpdateJob(ctx, jobID, patch); err != nil {
		return fmt.Errorf("persist progress for %s: %w", jobID, err)
	}
	return nil
}

// GetJobDetails reads a job with its files.
func (m *Manager) GetJobDetails(ctx context.Context, jobID string) (*domain.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// GetJobHistory lists jobs for a user (or all users when userID is empty),
// delegating filters to the store.
func (m *Manager) GetJobHistory(ctx context.Context, userID string, filter postgres.HistoryFilter) ([]*domain.Job, error) {
	filter.UserID = userID
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return m.store.ListJobs(ctx, filter)
}

// HandleJobTimeout transitions a stuck job to TIMEOUT. Delegated to by the
// monitor's sweep.
func (m *Manager) HandleJobTimeout(ctx context.Context, jobID string) domain.TransitionResult {
	msg := "export timed out"
	return m.TransitionStatus(ctx, jobID, domain.StatusTimeout, postgres.JobPatch{ErrorMessage: &msg})
}

// Stats derives success/retry/timeout rates from the aggregate counts.
type Stats struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Processing  int     `json:"processing"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Timeout     int     `json:"timeout"`
	SuccessRate float64 `json:"success_rate"`
	RetryRate   float64 `json:"retry_rate"`
	TimeoutRate float64 `json:"timeout_rate"`
	// AvgProcessingTime is not yet derived from timestamps.
	// TODO: compute from started_at/completed_at once the stats query grows
	// a duration aggregate.
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

// GetStats reads aggregate counts and derives rates.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	agg, err := m.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read export stats: %w", err)
	}
	stats := &Stats{
		Total:      agg.Total,
		Pending:    agg.Pending,
		Processing: agg.Processing,
		Completed:  agg.Completed,
		Failed:     agg.Failed,
		Timeout:    agg.Timeout,
	}
	if agg.Total > 0 {
		stats.SuccessRate = float64(agg.Completed) / float64(agg.Total)
		stats.RetryRate = float64(agg.Failed+agg.Timeout) / float64(agg.Total)
		stats.TimeoutRate = float64(agg.Timeout) / float64(agg.Total)
	}
	return stats, nil
}
