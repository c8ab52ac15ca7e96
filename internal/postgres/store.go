package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
)

// JobPatch holds the mutable fields of an export job. Nil pointers leave the
// column untouched; ClearTimestamps resets started_at/completed_at to NULL
// (used by retry).
type JobPatch struct {
	Status          *domain.Status
	Progress        *int
	ProgressNote    *string
	ErrorMessage    *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ClearTimestamps bool
}

// HistoryFilter narrows ListJobs. Zero values mean "no constraint";
// UserID == "" lists jobs across all users.
type HistoryFilter struct {
	UserID     string
	Status     domain.Status
	Format     domain.Format
	TemplateID string
	Limit      int
	Offset     int
}

// AggregateStats are the store-wide job counts.
type AggregateStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Timeout    int `json:"timeout"`
}

// JobStore abstracts all database access for export jobs and their files.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	UpdateJob(ctx context.Context, id string, patch JobPatch) error
	ListJobs(ctx context.Context, filter HistoryFilter) ([]*domain.Job, error)
	CountActive(ctx context.Context, userID string) (int, error)
	Stats(ctx context.Context) (*AggregateStats, error)
	TimedOutJobs(ctx context.Context, threshold time.Duration) ([]*domain.Job, error)
	MarkTimedOut(ctx context.Context, ids []string) error
	CreateFile(ctx context.Context, file *domain.ExportFile) error
	DeleteExpired(ctx context.Context, olderThan time.Duration) (int, error)
}

type store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a pgxpool with the JobStore interface.
func NewStore(pool *pgxpool.Pool) JobStore {
	return &store{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (s *store) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO export_jobs
			(id, user_id, template_id, format, parameters, options,
			 status, progress, progress_note, error_message, created_at, started_at, completed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		job.ID, job.UserID, job.TemplateID, string(job.Format), params, opts,
		string(job.Status), job.Progress, job.ProgressNote, job.ErrorMessage,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create export job %s: %w", job.ID, err)
	}
	return nil
}

func (s *store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, template_id, format, parameters, options,
		       status, progress, progress_note, error_message, created_at, started_at, completed_at
		FROM export_jobs
		WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: id}
		}
		return nil, err
	}

	files, err := s.listFiles(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Files = files
	return job, nil
}

func (s *store) UpdateJob(ctx context.Context, id string, patch JobPatch) error {
	set := make([]string, 0, 6)
	args := make([]any, 0, 7)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		set = append(set, "status = "+arg(string(*patch.Status)))
	}
	if patch.Progress != nil {
		set = append(set, "progress = "+arg(*patch.Progress))
	}
	if patch.ProgressNote != nil {
		set = append(set, "progress_note = "+arg(*patch.ProgressNote))
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = "+arg(*patch.ErrorMessage))
	}
	if patch.ClearTimestamps {
		set = append(set, "started_at = NULL", "completed_at = NULL")
	} else {
		if patch.StartedAt != nil {
			set = append(set, "started_at = "+arg(*patch.StartedAt))
		}
		if patch.CompletedAt != nil {
			set = append(set, "completed_at = "+arg(*patch.CompletedAt))
		}
	}
	if len(set) == 0 {
		return nil
	}

	query := "UPDATE export_jobs SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE id = " + arg(id)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update export job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.JobNotFoundError{JobID: id}
	}
	return nil
}

func (s *store) ListJobs(ctx context.Context, filter HistoryFilter) ([]*domain.Job, error) {
	query := `
		SELECT id, user_id, template_id, format, parameters, options,
		       status, progress, progress_note, error_message, created_at, started_at, completed_at
		FROM export_jobs
		WHERE 1=1`
	args := make([]any, 0, 6)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		query += " AND user_id = " + arg(filter.UserID)
	}
	if filter.Status != "" {
		query += " AND status = " + arg(string(filter.Status))
	}
	if filter.Format != "" {
		query += " AND format = " + arg(string(filter.Format))
	}
	if filter.TemplateID != "" {
		query += " AND template_id = " + arg(filter.TemplateID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, job := range jobs {
		files, err := s.listFiles(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		job.Files = files
	}
	return jobs, nil
}

func (s *store) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM export_jobs
		WHERE user_id = $1 AND status IN ($2, $3)
	`, userID, string(domain.StatusPending), string(domain.StatusProcessing)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs for user %s: %w", userID, err)
	}
	return n, nil
}

func (s *store) Stats(ctx context.Context) (*AggregateStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM export_jobs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("export stats: %w", err)
	}
	defer rows.Close()

	stats := &AggregateStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.Total += count
		switch domain.Status(status) {
		case domain.StatusPending:
			stats.Pending = count
		case domain.StatusProcessing:
			stats.Processing = count
		case domain.StatusCompleted:
			stats.Completed = count
		case domain.StatusFailed:
			stats.Failed = count
		case domain.StatusTimeout:
			stats.Timeout = count
		}
	}
	return stats, rows.Err()
}

func (s *store) TimedOutJobs(ctx context.Context, threshold time.Duration) ([]*domain.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, template_id, format, parameters, options,
		       status, progress, progress_note, error_message, created_at, started_at, completed_at
		FROM export_jobs
		WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2
	`, string(domain.StatusProcessing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query timed-out jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *store) MarkTimedOut(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $1, completed_at = $2, error_message = $3
		WHERE id = ANY($4)
	`, string(domain.StatusTimeout), now, "export timed out", ids)
	if err != nil {
		return fmt.Errorf("mark jobs timed out: %w", err)
	}
	return nil
}

func (s *store) CreateFile(ctx context.Context, file *domain.ExportFile) error {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO export_files
			(id, job_id, file_name, file_path, size_bytes, mime_type, download_count, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		file.ID, file.JobID, file.FileName, file.FilePath,
		file.SizeBytes, file.MimeType, file.DownloadCount, file.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create export file for job %s: %w", file.JobID, err)
	}
	return nil
}

func (s *store) DeleteExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM export_jobs
		WHERE status IN ($1, $2, $3) AND completed_at IS NOT NULL AND completed_at < $4
	`, string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusTimeout), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *store) listFiles(ctx context.Context, jobID string) ([]domain.ExportFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, file_name, file_path, size_bytes, mime_type,
		       download_count, created_at, last_downloaded_at
		FROM export_files
		WHERE job_id = $1
		ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list files for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var files []domain.ExportFile
	for rows.Next() {
		var f domain.ExportFile
		if err := rows.Scan(
			&f.ID, &f.JobID, &f.FileName, &f.FilePath, &f.SizeBytes, &f.MimeType,
			&f.DownloadCount, &f.CreatedAt, &f.LastDownloadedAt,
		); err != nil {
			return nil, fmt.Errorf("scan export file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// scanJob reads a job row from any pgx row type.
func scanJob(row interface {
	Scan(...any) error
}) (*domain.Job, error) {
	var job domain.Job
	var statusStr, formatStr string
	var params, opts []byte
	err := row.Scan(
		&job.ID, &job.UserID, &job.TemplateID, &formatStr, &params, &opts,
		&statusStr, &job.Progress, &job.ProgressNote, &job.ErrorMessage,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.Status(statusStr)
	job.Format = domain.Format(formatStr)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters for job %s: %w", job.ID, err)
		}
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &job.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options for job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}
