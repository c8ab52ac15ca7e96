package domain

import "fmt"

// JobNotFoundError is returned when a job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("export job not found: %s", e.JobID)
}

// ValidationError is returned when a create/update request fails validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// QuotaExceededError is returned when a user has too many active export jobs.
type QuotaExceededError struct {
	UserID string
	Limit  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("user %s exceeded the active export quota: limit is %d", e.UserID, e.Limit)
}

// UnknownTemplateError is returned when a request names a template that is
// not in the registered set.
type UnknownTemplateError struct {
	TemplateID string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown report template %q", e.TemplateID)
}
