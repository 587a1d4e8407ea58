package utils

import (
	"errors"
	"fmt"
	"time"
)

// PermanentError fails an operation outright.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// RetryableError signals that the caller may re-drive the step after Delay.
type RetryableError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

func NewPermanent(reason string, format string, args ...any) error {
	return &PermanentError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

func NewRetryable(delay time.Duration, format string, args ...any) error {
	return &RetryableError{Delay: delay, Err: fmt.Errorf(format, args...)}
}

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryDelay returns the requested delay of a retryable error, or fallback.
func RetryDelay(err error, fallback time.Duration) time.Duration {
	var re *RetryableError
	if errors.As(err, &re) && re.Delay > 0 {
		return re.Delay
	}
	return fallback
}
