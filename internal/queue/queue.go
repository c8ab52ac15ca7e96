package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/postgres"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/render"
	"github.com/Arcay322/Granja-cuyes-sub002/pkg/backoff"
	"github.com/Arcay322/Granja-cuyes-sub002/pkg/telemetry"
)

// ErrNotAccepting is returned by Add after the queue has been told to stop
// taking new work (shutdown in progress).
var ErrNotAccepting = errors.New("export queue is not accepting new jobs")

type inflightJob struct {
	job       *QueuedJob
	cancel    context.CancelFunc
	startedAt time.Time
}

// Queue holds pending export jobs in priority order and renders up to
// maxConcurrent of them in parallel, each under a hard execution timeout.
type Queue struct {
	store    postgres.JobStore
	renderer render.Renderer

	maxConcurrent int
	pollInterval  time.Duration
	execTimeout   time.Duration
	maxAttempts   int
	bo            backoff.Exponential
	logger        *slog.Logger

	// progressSink, when set, receives every progress write (used to mirror
	// progress into the Redis status cache).
	progressSink func(jobID string, pct int, note string)

	mu          sync.Mutex
	backlog     []*QueuedJob
	inflight    map[string]*inflightJob
	listeners   []func(domain.Event)
	retryTimers map[string]*time.Timer
	dispatching bool
	accepting   bool
	loopCancel  context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

func WithMaxConcurrent(n int) Option          { return func(q *Queue) { q.maxConcurrent = n } }
func WithPollInterval(d time.Duration) Option { return func(q *Queue) { q.pollInterval = d } }
func WithExecTimeout(d time.Duration) Option  { return func(q *Queue) { q.execTimeout = d } }
func WithMaxAttempts(n int) Option            { return func(q *Queue) { q.maxAttempts = n } }
func WithBackoff(b backoff.Exponential) Option { return func(q *Queue) { q.bo = b } }
func WithLogger(l *slog.Logger) Option        { return func(q *Queue) { q.logger = l } }
func WithProgressSink(fn func(jobID string, pct int, note string)) Option {
	return func(q *Queue) { q.progressSink = fn }
}

// New constructs a Queue with the given store and renderer.
func New(store postgres.JobStore, renderer render.Renderer, opts ...Option) *Queue {
	q := &Queue{
		store:         store,
		renderer:      renderer,
		maxConcurrent: 3,
		pollInterval:  5 * time.Second,
		execTimeout:   10 * time.Minute,
		maxAttempts:   3,
		bo:            backoff.Default,
		logger:        slog.Default(),
		inflight:      make(map[string]*inflightJob),
		retryTimers:   make(map[string]*time.Timer),
		accepting:     true,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Subscribe registers a listener for queue lifecycle events. Listeners are
// invoked synchronously, outside the queue lock, in registration order.
func (q *Queue) Subscribe(fn func(domain.Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Start launches the polling loop that tops up in-flight work whenever
// capacity and backlog both exist.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.loopCancel != nil {
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.loopCancel = cancel
	q.mu.Unlock()

	go func() {
		ticker := time.NewTicker(q.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.dispatch()
			}
		}
	}()
}

// Add computes the job's priority, inserts it into the backlog, persists
// PENDING/progress 0 and triggers an immediate scheduling pass. A job id
// that is already queued or running is ignored, so racing callers cannot
// get the same export rendered twice.
func (q *Queue) Add(ctx context.Context, job *domain.Job) error {
	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return ErrNotAccepting
	}
	if q.isQueuedLocked(job.ID) {
		q.mu.Unlock()
		q.logger.Warn("duplicate enqueue ignored",
			slog.String("job_id", job.ID))
		return nil
	}
	now := time.Now().UTC()
	qj := &QueuedJob{
		JobID:       job.ID,
		UserID:      job.UserID,
		TemplateID:  job.TemplateID,
		Format:      job.Format,
		Parameters:  job.Parameters,
		Options:     job.Options,
		Priority:    computePriority(job.Format, job.CreatedAt, now),
		MaxAttempts: q.maxAttempts,
		CreatedAt:   job.CreatedAt,
		EnqueuedAt:  now,
	}
	q.backlog = insertByPriority(q.backlog, qj)
	backlogLen := len(q.backlog)
	q.mu.Unlock()

	telemetry.QueueBacklogSize.Set(float64(backlogLen))

	status := domain.StatusPending
	progress := 0
	if err := q.store.UpdateJob(ctx, job.ID, postgres.JobPatch{Status: &status, Progress: &progress}); err != nil {
		q.logger.Error("failed to persist PENDING status",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}

	q.emit(domain.JobAdded{EventMeta: domain.Meta(job.ID), Priority: qj.Priority, Format: qj.Format})
	q.logger.Info("job added to export queue",
		slog.String("job_id", job.ID),
		slog.String("template", job.TemplateID),
		slog.String("format", string(job.Format)),
		slog.Float64("priority", qj.Priority),
	)

	go q.dispatch()
	return nil
}

// dispatch pops the highest-priority jobs onto workers while capacity lasts.
// The dispatching flag is a reentrancy guard: Add, the poll timer and job
// completions can all trigger a pass concurrently.
func (q *Queue) dispatch() {
	q.mu.Lock()
	if q.dispatching {
		q.mu.Unlock()
		return
	}
	q.dispatching = true

	for len(q.inflight) < q.maxConcurrent && len(q.backlog) > 0 {
		qj := q.backlog[0]
		q.backlog = q.backlog[1:]

		// One worker per job id. A backlog entry whose id is already
		// in flight is a duplicate and gets dropped.
		if _, busy := q.inflight[qj.JobID]; busy {
			q.logger.Warn("dropping queued duplicate of in-flight job",
				slog.String("job_id", qj.JobID))
			continue
		}
		qj.Attempts++

		jobCtx, cancel := context.WithCancel(context.Background())
		q.inflight[qj.JobID] = &inflightJob{job: qj, cancel: cancel, startedAt: time.Now().UTC()}
		q.mu.Unlock()

		q.startJob(jobCtx, qj)

		q.mu.Lock()
	}
	q.dispatching = false
	backlogLen, inflightLen := len(q.backlog), len(q.inflight)
	q.mu.Unlock()

	telemetry.QueueBacklogSize.Set(float64(backlogLen))
	telemetry.QueueInFlight.Set(float64(inflightLen))
}

func (q *Queue) startJob(ctx context.Context, qj *QueuedJob) {
	now := time.Now().UTC()
	status := domain.StatusProcessing
	progress := 0
	if err := q.store.UpdateJob(context.Background(), qj.JobID, postgres.JobPatch{
		Status:    &status,
		Progress:  &progress,
		StartedAt: &now,
	}); err != nil {
		q.logger.Error("failed to persist PROCESSING status",
			slog.String("job_id", qj.JobID), slog.String("error", err.Error()))
	}

	q.emit(domain.JobStarted{EventMeta: domain.Meta(qj.JobID), Attempt: qj.Attempts})
	q.logger.Info("job started",
		slog.String("job_id", qj.JobID),
		slog.Int("attempt", qj.Attempts),
	)

	go q.execute(ctx, qj)
}

// execute runs the render pipeline for one job under the hard execution
// timeout and finalizes the outcome.
func (q *Queue) execute(ctx context.Context, qj *QueuedJob) {
	ctx, span := otel.Tracer("export-queue").Start(ctx, "queue.execute_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", qj.JobID),
		attribute.String("job.template", qj.TemplateID),
		attribute.String("job.format", string(qj.Format)),
		attribute.Int("job.attempt", qj.Attempts),
	)

	execCtx, cancel := context.WithTimeout(ctx, q.execTimeout)
	defer cancel()

	q.reportProgress(qj.JobID, 10, "fetching report data")

	start := time.Now()
	artifact, err := q.render(execCtx, qj)
	duration := time.Since(start)
	telemetry.JobDurationSeconds.WithLabelValues(string(qj.Format)).Observe(duration.Seconds())

	if err == nil {
		q.reportProgress(qj.JobID, 80, "file generated")
		err = q.persistArtifact(qj, artifact)
	}

	if err == nil {
		q.finishSuccess(qj, artifact, duration)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "render failed")

	// Eviction (cancel/timeout sweep) already finalized the job elsewhere.
	if ctx.Err() != nil && execCtx.Err() != context.DeadlineExceeded {
		q.logger.Info("job evicted mid-render, dropping result",
			slog.String("job_id", qj.JobID))
		return
	}

	if render.IsRetryable(err) && qj.Attempts < qj.MaxAttempts {
		q.scheduleRetry(qj, err)
		return
	}
	q.finishFailure(qj, err)
}

// render invokes the renderer in a goroutine and races it against the
// execution deadline, so a renderer that ignores ctx still cannot hold a
// worker slot past the timeout.
func (q *Queue) render(ctx context.Context, qj *QueuedJob) (*render.Artifact, error) {
	type result struct {
		artifact *render.Artifact
		err      error
	}
	done := make(chan result, 1)

	req := render.Request{
		JobID:      qj.JobID,
		TemplateID: qj.TemplateID,
		Format:     qj.Format,
		Parameters: qj.Parameters,
		Options:    qj.Options,
		OnProgress: func(pct int, note string) {
			if pct > 10 && pct < 80 {
				q.reportProgress(qj.JobID, pct, note)
			}
		},
	}
	go func() {
		artifact, err := q.renderer.Render(ctx, req)
		done <- result{artifact: artifact, err: err}
	}()

	select {
	case res := <-done:
		return res.artifact, res.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, render.Retryable(fmt.Sprintf("render timed out after %s", q.execTimeout), ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (q *Queue) persistArtifact(qj *QueuedJob, artifact *render.Artifact) error {
	file := &domain.ExportFile{
		JobID:     qj.JobID,
		FileName:  artifact.FileName,
		FilePath:  artifact.FilePath,
		SizeBytes: artifact.SizeBytes,
		MimeType:  artifact.MimeType,
	}
	if err := q.store.CreateFile(context.Background(), file); err != nil {
		return render.Retryable("persist file record", err)
	}
	return nil
}

func (q *Queue) finishSuccess(qj *QueuedJob, artifact *render.Artifact, duration time.Duration) {
	q.removeInflight(qj.JobID)

	now := time.Now().UTC()
	status := domain.StatusCompleted
	progress := 100
	if q.finalizeIfProcessing(qj.JobID, postgres.JobPatch{
		Status:      &status,
		Progress:    &progress,
		CompletedAt: &now,
	}) {
		telemetry.JobsProcessed.WithLabelValues(string(qj.Format), string(domain.StatusCompleted)).Inc()
		q.emit(domain.JobCompleted{
			EventMeta: domain.Meta(qj.JobID),
			FileName:  artifact.FileName,
			Duration:  duration,
		})
		q.logger.Info("job completed",
			slog.String("job_id", qj.JobID),
			slog.String("file", artifact.FileName),
			slog.Duration("duration", duration),
		)
	}
	q.dispatch()
}

func (q *Queue) scheduleRetry(qj *QueuedJob, cause error) {
	q.removeInflight(qj.JobID)

	delay := q.bo.Delay(qj.Attempts)
	msg := fmt.Sprintf("Retry %d/%d: %v", qj.Attempts, qj.MaxAttempts, cause)

	status := domain.StatusPending
	errMsg := msg
	if !q.finalizeIfProcessing(qj.JobID, postgres.JobPatch{Status: &status, ErrorMessage: &errMsg}) {
		q.dispatch()
		return
	}

	telemetry.JobRetriesTotal.WithLabelValues(string(qj.Format)).Inc()
	q.emit(domain.JobRetried{
		EventMeta: domain.Meta(qj.JobID),
		Attempt:   qj.Attempts,
		Delay:     delay,
		Reason:    msg,
	})
	q.logger.Warn("job failed, retrying",
		slog.String("job_id", qj.JobID),
		slog.Int("attempt", qj.Attempts),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)

	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return
	}
	q.retryTimers[qj.JobID] = time.AfterFunc(delay, func() { q.reenqueue(qj) })
	q.mu.Unlock()

	q.dispatch()
}

func (q *Queue) reenqueue(qj *QueuedJob) {
	q.mu.Lock()
	delete(q.retryTimers, qj.JobID)
	if !q.accepting {
		q.mu.Unlock()
		return
	}
	q.backlog = insertByPriority(q.backlog, qj)
	q.mu.Unlock()
	q.dispatch()
}

func (q *Queue) finishFailure(qj *QueuedJob, cause error) {
	q.removeInflight(qj.JobID)

	now := time.Now().UTC()
	status := domain.StatusFailed
	errMsg := cause.Error()
	if q.finalizeIfProcessing(qj.JobID, postgres.JobPatch{
		Status:       &status,
		ErrorMessage: &errMsg,
		CompletedAt:  &now,
	}) {
		telemetry.JobsProcessed.WithLabelValues(string(qj.Format), string(domain.StatusFailed)).Inc()
		q.emit(domain.JobFailed{
			EventMeta: domain.Meta(qj.JobID),
			Attempt:   qj.Attempts,
			Reason:    cause.Error(),
		})
		q.logger.Error("job failed permanently",
			slog.String("job_id", qj.JobID),
			slog.Int("attempts", qj.Attempts),
			slog.String("error", cause.Error()),
		)
	}
	q.dispatch()
}

// finalizeIfProcessing applies patch only if the job is still PROCESSING in
// the store. A cancel or timeout sweep may have finalized the job while the
// render was running; its write wins and the late result is dropped.
func (q *Queue) finalizeIfProcessing(jobID string, patch postgres.JobPatch) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		q.logger.Error("failed to read job before terminal write, applying anyway",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
	} else if current.Status != domain.StatusProcessing {
		q.logger.Info("job no longer PROCESSING, dropping stale terminal write",
			slog.String("job_id", jobID),
			slog.String("status", string(current.Status)),
		)
		return false
	}

	if err := q.store.UpdateJob(ctx, jobID, patch); err != nil {
		q.logger.Error("failed to persist terminal status",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	return true
}

// Cancel removes a pending job from the backlog or evicts an in-flight one.
// In-flight cancellation is cooperative: the render context is cancelled, but
// a renderer that ignores it simply has its late result dropped. Returns
// false if the job is in neither set.
func (q *Queue) Cancel(jobID, reason string) bool {
	if reason == "" {
		reason = "cancelled by user"
	}

	q.mu.Lock()
	for i, qj := range q.backlog {
		if qj.JobID == jobID {
			q.backlog = append(q.backlog[:i], q.backlog[i+1:]...)
			q.mu.Unlock()
			q.finalizeCancelled(jobID, reason)
			return true
		}
	}
	if timer, ok := q.retryTimers[jobID]; ok {
		timer.Stop()
		delete(q.retryTimers, jobID)
		q.mu.Unlock()
		q.finalizeCancelled(jobID, reason)
		return true
	}
	if entry, ok := q.inflight[jobID]; ok {
		entry.cancel()
		delete(q.inflight, jobID)
		q.mu.Unlock()
		q.finalizeCancelled(jobID, reason)
		q.dispatch()
		return true
	}
	q.mu.Unlock()
	return false
}

func (q *Queue) finalizeCancelled(jobID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	status := domain.StatusFailed
	if err := q.store.UpdateJob(ctx, jobID, postgres.JobPatch{
		Status:       &status,
		ErrorMessage: &reason,
		CompletedAt:  &now,
	}); err != nil {
		q.logger.Error("failed to persist cancellation",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	q.emit(domain.JobCancelled{EventMeta: domain.Meta(jobID), Reason: reason})
	q.logger.Info("job cancelled", slog.String("job_id", jobID), slog.String("reason", reason))
}

// HandleTimeouts evicts the given jobs from in-flight bookkeeping. The store
// writes are the caller's responsibility (the monitor batch-marks them).
// Returns the IDs actually evicted.
func (q *Queue) HandleTimeouts(jobIDs []string) []string {
	var evicted []string
	q.mu.Lock()
	for _, id := range jobIDs {
		if entry, ok := q.inflight[id]; ok {
			entry.cancel()
			delete(q.inflight, id)
			evicted = append(evicted, id)
		}
	}
	q.mu.Unlock()

	for _, id := range evicted {
		telemetry.JobTimeoutsTotal.Inc()
		q.emit(domain.JobTimedOut{EventMeta: domain.Meta(id)})
		q.logger.Warn("job evicted by timeout sweep", slog.String("job_id", id))
	}
	if len(evicted) > 0 {
		q.dispatch()
	}
	return evicted
}

// Status is a point-in-time snapshot of the queue.
type Status struct {
	Pending       int  `json:"pending"`
	Processing    int  `json:"processing"`
	MaxConcurrent int  `json:"max_concurrent"`
	Dispatching   bool `json:"dispatching"`
	Accepting     bool `json:"accepting"`
}

// GetStatus reports backlog length, in-flight count and whether a scheduling
// pass is currently running.
func (q *Queue) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Pending:       len(q.backlog),
		Processing:    len(q.inflight),
		MaxConcurrent: q.maxConcurrent,
		Dispatching:   q.dispatching,
		Accepting:     q.accepting,
	}
}

// StopAccepting makes subsequent Add calls fail while letting in-flight work
// drain. Used by graceful shutdown.
func (q *Queue) StopAccepting() {
	q.mu.Lock()
	q.accepting = false
	q.mu.Unlock()
}

// Stop halts the polling loop, cancels pending retries, evicts all in-flight
// jobs, clears the backlog and detaches every listener.
func (q *Queue) Stop() {
	q.StopAccepting()

	q.mu.Lock()
	if q.loopCancel != nil {
		q.loopCancel()
		q.loopCancel = nil
	}
	for id, timer := range q.retryTimers {
		timer.Stop()
		delete(q.retryTimers, id)
	}
	var stranded []string
	for id, entry := range q.inflight {
		entry.cancel()
		stranded = append(stranded, id)
		delete(q.inflight, id)
	}
	q.backlog = nil
	q.mu.Unlock()

	for _, id := range stranded {
		q.emit(domain.JobTimedOut{EventMeta: domain.Meta(id)})
	}

	q.mu.Lock()
	q.listeners = nil
	q.mu.Unlock()

	telemetry.QueueBacklogSize.Set(0)
	telemetry.QueueInFlight.Set(0)
	q.logger.Info("export queue stopped", slog.Int("stranded_inflight", len(stranded)))
}

// isQueuedLocked reports whether the job id is already tracked in the
// backlog, a pending retry timer or the in-flight set. Caller holds q.mu.
func (q *Queue) isQueuedLocked(jobID string) bool {
	if _, ok := q.inflight[jobID]; ok {
		return true
	}
	if _, ok := q.retryTimers[jobID]; ok {
		return true
	}
	for _, qj := range q.backlog {
		if qj.JobID == jobID {
			return true
		}
	}
	return false
}

func (q *Queue) removeInflight(jobID string) {
	q.mu.Lock()
	if entry, ok := q.inflight[jobID]; ok {
		entry.cancel()
		delete(q.inflight, jobID)
	}
	inflightLen := len(q.inflight)
	q.mu.Unlock()
	telemetry.QueueInFlight.Set(float64(inflightLen))
}

func (q *Queue) reportProgress(jobID string, pct int, note string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.store.UpdateJob(ctx, jobID, postgres.JobPatch{Progress: &pct, ProgressNote: &note}); err != nil {
		q.logger.Warn("failed to persist progress",
			slog.String("job_id", jobID), slog.Int("progress", pct), slog.String("error", err.Error()))
	}
	if q.progressSink != nil {
		q.progressSink(jobID, pct, note)
	}
}

func (q *Queue) emit(ev domain.Event) {
	q.mu.Lock()
	listeners := make([]func(domain.Event), len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
