package queue

import (
	"errors"
	"time"
)

// ErrQueueFull is returned by bounded backends that cannot accept a job
// without blocking.
var ErrQueueFull = errors.New("queue full")

// ErrClosed is returned when enqueueing on a stopped backend.
var ErrClosed = errors.New("queue closed")

// RetryableError marks a handler failure that should be retried. After
// overrides the policy delay when non-zero.
type RetryableError struct {
	Err   error
	After time.Duration
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retry wraps err so the runner schedules another attempt.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// RetryAfter wraps err with an explicit delay before the next attempt.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, After: after}
}

// IsRetryable reports whether err asks for another attempt.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
