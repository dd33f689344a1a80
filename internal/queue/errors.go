package queue

import (
	"errors"
	"fmt"
)

var (
	ErrEmpty          = errors.New("no jobs ready")
	ErrUnknownQueue   = errors.New("unknown queue")
	ErrUnknownJob     = errors.New("unknown job")
	ErrUnknownJobType = errors.New("unknown job type")
	ErrInvalidState   = errors.New("invalid job state for operation")
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnrecoverable marks a handler failure that must not be retried.
	ErrUnrecoverable = errors.New("unrecoverable job failure")
)

// HandlerError wraps the error returned by a job handler. It is recorded on
// the job and only surfaces to operators once attempts are exhausted.
type HandlerError struct {
	Queue string
	JobID string
	Type  string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("job %s/%s (%s): %v", e.Queue, e.JobID, e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
