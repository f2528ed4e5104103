package jobqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound indicates a job that was never enqueued, has expired
	// or was already consumed.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTimeout indicates a job that did not reach a terminal state
	// within the wait timeout.
	ErrJobTimeout = errors.New("job did not finish in time")

	// ErrJobFailed matches every *FailedError.
	ErrJobFailed = errors.New("job failed")

	// ErrInvalidInput indicates a work descriptor that is not valid JSON.
	ErrInvalidInput = errors.New("job input must be valid JSON")
)

// FailedError carries the failure detail recorded by the worker.
type FailedError struct {
	JobID  string
	Detail string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Detail)
}

// Is makes errors.Is(err, ErrJobFailed) hold.
func (e *FailedError) Is(target error) bool {
	return target == ErrJobFailed
}

// retryable is implemented by errors that know whether a retry may help,
// such as *generation.Error.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err, or an error it wraps, asks to be retried.
func IsRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}
