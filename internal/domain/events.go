package domain

import "time"

// EventKind tags the concrete type of a queue lifecycle event.
type EventKind string

const (
	EventJobAdded     EventKind = "job.added"
	EventJobStarted   EventKind = "job.started"
	EventJobCompleted EventKind = "job.completed"
	EventJobFailed    EventKind = "job.failed"
	EventJobRetried   EventKind = "job.retried"
	EventJobCancelled EventKind = "job.cancelled"
	EventJobTimedOut  EventKind = "job.timeout"
)

// Event is one queue lifecycle notification. Each concrete type carries the
// payload for its kind; subscribers switch on the type, not on string tags.
type Event interface {
	Kind() EventKind
	Job() string
	At() time.Time
}

type EventMeta struct {
	JobID string    `json:"job_id"`
	Time  time.Time `json:"time"`
}

func (e EventMeta) Job() string   { return e.JobID }
func (e EventMeta) At() time.Time { return e.Time }

// JobAdded is emitted when a job enters the backlog.
type JobAdded struct {
	EventMeta
	Priority float64 `json:"priority"`
	Format   Format  `json:"format"`
}

func (JobAdded) Kind() EventKind { return EventJobAdded }

// JobStarted is emitted when a worker picks the job up.
type JobStarted struct {
	EventMeta
	Attempt int `json:"attempt"`
}

func (JobStarted) Kind() EventKind { return EventJobStarted }

// JobCompleted is emitted on successful render and file persistence.
type JobCompleted struct {
	EventMeta
	FileName string        `json:"file_name"`
	Duration time.Duration `json:"duration_ms"`
}

func (JobCompleted) Kind() EventKind { return EventJobCompleted }

// JobFailed is emitted when a job fails permanently (retries exhausted or
// the error is not retryable).
type JobFailed struct {
	EventMeta
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

func (JobFailed) Kind() EventKind { return EventJobFailed }

// JobRetried is emitted when a retryable failure re-enqueues the job.
type JobRetried struct {
	EventMeta
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay_ms"`
	Reason  string        `json:"reason"`
}

func (JobRetried) Kind() EventKind { return EventJobRetried }

// JobCancelled is emitted when a caller cancels a pending or in-flight job.
type JobCancelled struct {
	EventMeta
	Reason string `json:"reason"`
}

func (JobCancelled) Kind() EventKind { return EventJobCancelled }

// JobTimedOut is emitted when the monitor evicts a stuck job.
type JobTimedOut struct {
	EventMeta
}

func (JobTimedOut) Kind() EventKind { return EventJobTimedOut }

// Meta stamps the shared identity fields of an event.
func Meta(jobID string) EventMeta {
	return EventMeta{JobID: jobID, Time: time.Now().UTC()}
}
