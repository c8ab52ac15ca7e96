package rediscache

import (
	"context"
	"log/slog"
	"time"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
)

// EventMirror returns a queue event listener that keeps the status cache in
// sync with job lifecycle events. Cache write failures are logged, never
// propagated: a cold cache only means the API falls back to Postgres.
func EventMirror(cache StatusCache, logger *slog.Logger) func(domain.Event) {
	return func(ev domain.Event) {
		entry, ok := entryFor(ev)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cache.Set(ctx, ev.Job(), entry); err != nil {
			logger.Warn("status cache write failed",
				slog.String("job_id", ev.Job()),
				slog.String("event", string(ev.Kind())),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ProgressMirror returns a progress sink that pushes every checkpoint write
// into the cache, so polling clients see progress without a Postgres read.
func ProgressMirror(cache StatusCache, logger *slog.Logger) func(jobID string, pct int, note string) {
	return func(jobID string, pct int, note string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		entry := Entry{Status: domain.StatusProcessing, Progress: pct, Note: note}
		if err := cache.Set(ctx, jobID, entry); err != nil {
			logger.Warn("progress cache write failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func entryFor(ev domain.Event) (Entry, bool) {
	switch e := ev.(type) {
	case domain.JobAdded:
		return Entry{Status: domain.StatusPending, Progress: 0}, true
	case domain.JobStarted:
		return Entry{Status: domain.StatusProcessing, Progress: 0}, true
	case domain.JobCompleted:
		return Entry{Status: domain.StatusCompleted, Progress: 100}, true
	case domain.JobFailed:
		return Entry{Status: domain.StatusFailed, Note: e.Reason}, true
	case domain.JobRetried:
		return Entry{Status: domain.StatusPending, Note: e.Reason}, true
	case domain.JobCancelled:
		return Entry{Status: domain.StatusFailed, Note: e.Reason}, true
	case domain.JobTimedOut:
		return Entry{Status: domain.StatusTimeout}, true
	default:
		return Entry{}, false
	}
}
