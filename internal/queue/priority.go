package queue

import (
	"time"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
)

// Priority weights. PDF renders are the most expensive, so they are scheduled
// ahead of spreadsheet exports; beyond the format, newer jobs outrank older
// ones, with the freshness bonus decaying linearly to 0 over decayWindow.
const (
	weightPDF         = 20.0
	weightSpreadsheet = 10.0
	freshnessMax      = 100.0
	decayWindow       = 10 * time.Hour
)

// QueuedJob is the in-memory scheduling representation of a job. It exists
// only inside the queue and is never persisted.
type QueuedJob struct {
	JobID       string
	UserID      string
	TemplateID  string
	Format      domain.Format
	Parameters  map[string]any
	Options     map[string]any
	Priority    float64
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	EnqueuedAt  time.Time
}

func computePriority(format domain.Format, createdAt time.Time, now time.Time) float64 {
	weight := weightSpreadsheet
	if format == domain.FormatPDF {
		weight = weightPDF
	}

	age := now.Sub(createdAt)
	freshness := freshnessMax * (1 - float64(age)/float64(decayWindow))
	if freshness < 0 {
		freshness = 0
	}
	return weight + freshness
}

// insertByPriority places qj into backlog keeping descending priority order.
// Equal priorities keep insertion order (stable).
func insertByPriority(backlog []*QueuedJob, qj *QueuedJob) []*QueuedJob {
	pos := len(backlog)
	for i, existing := range backlog {
		if existing.Priority < qj.Priority {
			pos = i
			break
		}
	}
	backlog = append(backlog, nil)
	copy(backlog[pos+1:], backlog[pos:])
	backlog[pos] = qj
	return backlog
}
