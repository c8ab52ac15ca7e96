package domain

import "time"

// Status represents the lifecycle states of an export job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimeout    Status = "TIMEOUT"
)

// IsTerminal returns true if no further automatic transitions are possible.
// FAILED and TIMEOUT jobs can still be reset to PENDING via an explicit retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// transitions is the authoritative state machine. Retry is not modeled here:
// it is a reset, validated separately by the lifecycle manager.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTimeout},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusTimeout:    {},
}

// CanTransitionTo reports whether s → next is a valid transition.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Format is the output format of a report export.
type Format string

const (
	FormatPDF   Format = "PDF"
	FormatExcel Format = "EXCEL"
	FormatCSV   Format = "CSV"
)

// Valid reports whether f is one of the supported formats.
func (f Format) Valid() bool {
	return f == FormatPDF || f == FormatExcel || f == FormatCSV
}

// Job is the core domain entity: one unit of report-export work.
type Job struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	TemplateID   string         `json:"template_id"`
	Format       Format         `json:"format"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	ProgressNote string         `json:"progress_note,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Files        []ExportFile   `json:"files,omitempty"`
}

// ExportFile records one artifact produced by a job.
type ExportFile struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id"`
	FileName         string     `json:"file_name"`
	FilePath         string     `json:"-"`
	SizeBytes        int64      `json:"size_bytes"`
	MimeType         string     `json:"mime_type"`
	DownloadCount    int        `json:"download_count"`
	CreatedAt        time.Time  `json:"created_at"`
	LastDownloadedAt *time.Time `json:"last_downloaded_at,omitempty"`
}

// TransitionResult is the structured outcome of a status-transition attempt.
// Invalid transitions are routine under concurrent workers and monitors, so
// they are reported here rather than as errors.
type TransitionResult struct {
	OK       bool   `json:"ok"`
	Previous Status `json:"previous"`
	Next     Status `json:"next"`
	Message  string `json:"message,omitempty"`
}
