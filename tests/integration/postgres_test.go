//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/postgres"
)

// newStore connects to the test Postgres container and truncates the tables
// on cleanup.
func newStore(t *testing.T) postgres.JobStore {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE export_files, export_jobs CASCADE") //nolint:errcheck
		pool.Close()
	})
	return postgres.NewStore(pool)
}

func makeJob(userID string, format domain.Format) *domain.Job {
	return &domain.Job{
		ID:         uuid.New().String(),
		UserID:     userID,
		TemplateID: "inventory",
		Format:     format,
		Parameters: map[string]any{"from": "2026-01-01", "to": "2026-06-30"},
		Status:     domain.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	job := makeJob("user-1", domain.FormatPDF)
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "inventory", got.TemplateID)
	assert.Equal(t, domain.FormatPDF, got.Format)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "2026-01-01", got.Parameters["from"])
}

func TestStore_GetJob_NotFound(t *testing.T) {
	store := newStore(t)

	_, err := store.GetJob(context.Background(), uuid.New().String())
	require.Error(t, err)

	var notFound *domain.JobNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStore_UpdateJob_PartialPatch(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	job := makeJob("user-1", domain.FormatCSV)
	require.NoError(t, store.CreateJob(ctx, job))

	processing := domain.StatusProcessing
	progress := 40
	note := "rendering rows"
	now := time.Now().UTC()
	require.NoError(t, store.UpdateJob(ctx, job.ID, postgres.JobPatch{
		Status:    &processing,
		Progress:  &progress,
		StartedAt: &now,
	}))
	require.NoError(t, store.UpdateJob(ctx, job.ID, postgres.JobPatch{ProgressNote: &note}))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, 40, got.Progress, "note-only patch must not reset progress")
	assert.Equal(t, "rendering rows", got.ProgressNote)
	require.NotNil(t, got.StartedAt)
}

func TestStore_UpdateJob_ClearTimestamps(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	job := makeJob("user-1", domain.FormatCSV)
	now := time.Now().UTC()
	job.Status = domain.StatusFailed
	job.StartedAt = &now
	job.CompletedAt = &now
	require.NoError(t, store.CreateJob(ctx, job))

	pending := domain.StatusPending
	require.NoError(t, store.UpdateJob(ctx, job.ID, postgres.JobPatch{
		Status:          &pending,
		ClearTimestamps: true,
	}))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestStore_UpdateJob_UnknownID(t *testing.T) {
	store := newStore(t)

	progress := 10
	err := store.UpdateJob(context.Background(), uuid.New().String(), postgres.JobPatch{Progress: &progress})
	var notFound *domain.JobNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStore_ListJobs_Filters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateJob(ctx, makeJob("user-1", domain.FormatCSV)))
	}
	other := makeJob("user-2", domain.FormatPDF)
	require.NoError(t, store.CreateJob(ctx, other))

	mine, err := store.ListJobs(ctx, postgres.HistoryFilter{UserID: "user-1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	pdfs, err := store.ListJobs(ctx, postgres.HistoryFilter{Format: domain.FormatPDF, Limit: 10})
	require.NoError(t, err)
	require.Len(t, pdfs, 1)
	assert.Equal(t, other.ID, pdfs[0].ID)

	page, err := store.ListJobs(ctx, postgres.HistoryFilter{UserID: "user-1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestStore_CountActive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	pendingJob := makeJob("user-1", domain.FormatCSV)
	require.NoError(t, store.CreateJob(ctx, pendingJob))

	processingJob := makeJob("user-1", domain.FormatCSV)
	processingJob.Status = domain.StatusProcessing
	require.NoError(t, store.CreateJob(ctx, processingJob))

	doneJob := makeJob("user-1", domain.FormatCSV)
	doneJob.Status = domain.StatusCompleted
	require.NoError(t, store.CreateJob(ctx, doneJob))

	require.NoError(t, store.CreateJob(ctx, makeJob("user-2", domain.FormatCSV)))

	n, err := store.CountActive(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "only PENDING and PROCESSING count toward the quota")
}

func TestStore_Stats(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, status := range []domain.Status{
		domain.StatusPending, domain.StatusCompleted, domain.StatusCompleted, domain.StatusFailed,
	} {
		job := makeJob("user-1", domain.FormatCSV)
		job.Status = status
		require.NoError(t, store.CreateJob(ctx, job))
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
}

func TestStore_TimedOutJobs_MarkTimedOut(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	stuck := makeJob("user-1", domain.FormatPDF)
	stuck.Status = domain.StatusProcessing
	old := time.Now().UTC().Add(-30 * time.Minute)
	stuck.StartedAt = &old
	require.NoError(t, store.CreateJob(ctx, stuck))

	fresh := makeJob("user-1", domain.FormatPDF)
	fresh.Status = domain.StatusProcessing
	recent := time.Now().UTC()
	fresh.StartedAt = &recent
	require.NoError(t, store.CreateJob(ctx, fresh))

	timedOut, err := store.TimedOutJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, stuck.ID, timedOut[0].ID)

	require.NoError(t, store.MarkTimedOut(ctx, []string{stuck.ID}))

	got, err := store.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimeout, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestStore_CreateFile_ReadBackWithJob(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	job := makeJob("user-1", domain.FormatExcel)
	require.NoError(t, store.CreateJob(ctx, job))

	file := &domain.ExportFile{
		JobID:     job.ID,
		FileName:  "inventory-20260831.xlsx",
		FilePath:  "/exports/inventory-20260831.xlsx",
		SizeBytes: 2048,
		MimeType:  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
	require.NoError(t, store.CreateFile(ctx, file))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "inventory-20260831.xlsx", got.Files[0].FileName)
	assert.Equal(t, int64(2048), got.Files[0].SizeBytes)
}

func TestStore_DeleteExpired(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	stale := makeJob("user-1", domain.FormatCSV)
	stale.Status = domain.StatusCompleted
	long := time.Now().UTC().Add(-10 * 24 * time.Hour)
	stale.CompletedAt = &long
	require.NoError(t, store.CreateJob(ctx, stale))

	kept := makeJob("user-1", domain.FormatCSV)
	kept.Status = domain.StatusCompleted
	recent := time.Now().UTC()
	kept.CompletedAt = &recent
	require.NoError(t, store.CreateJob(ctx, kept))

	n, err := store.DeleteExpired(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetJob(ctx, stale.ID)
	var notFound *domain.JobNotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = store.GetJob(ctx, kept.ID)
	require.NoError(t, err)
}
