package monitor

import (
	"time"

	"github.com/google/uuid"

	"github.com/Arcay322/Granja-cuyes-sub002/pkg/telemetry"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one observability record raised by the monitor.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id,omitempty"`
	Metric    string    `json:"metric,omitempty"`
	Value     float64   `json:"value,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

// RecoveryType tags a corrective action.
type RecoveryType string

const (
	RecoveryRetryJob       RecoveryType = "RETRY_JOB"
	RecoveryTimeoutJob     RecoveryType = "TIMEOUT_JOB"
	RecoveryRestartQueue   RecoveryType = "RESTART_QUEUE"
	RecoveryCleanupExpired RecoveryType = "CLEANUP_EXPIRED"
)

// RecoveryAction is an audit record of one corrective operation.
type RecoveryAction struct {
	ID        string       `json:"id"`
	Type      RecoveryType `json:"type"`
	JobID     string       `json:"job_id,omitempty"`
	Reason    string       `json:"reason"`
	Timestamp time.Time    `json:"timestamp"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
}

// ring is an append-only buffer that evicts the oldest entry past capacity.
type ring[T any] struct {
	entries []T
	limit   int
}

func newRing[T any](limit int) *ring[T] {
	return &ring[T]{limit: limit}
}

func (r *ring[T]) add(v T) {
	if len(r.entries) >= r.limit {
		drop := len(r.entries) - r.limit + 1
		r.entries = append(r.entries[:0], r.entries[drop:]...)
	}
	r.entries = append(r.entries, v)
}

// last returns up to n entries, newest last. n <= 0 returns everything.
func (r *ring[T]) last(n int) []T {
	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]T, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

func (r *ring[T]) len() int { return len(r.entries) }

func (r *ring[T]) clear() { r.entries = nil }

func newAlert(sev Severity, msg string) Alert {
	telemetry.AlertsRaised.WithLabelValues(string(sev)).Inc()
	return Alert{
		ID:        uuid.New().String(),
		Severity:  sev,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}
