package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// TransientError marks a failed attempt that may succeed when retried:
// a non-200 answer, a timeout or a dropped connection.
type TransientError struct {
	Err        error
	StatusCode int
}

// Error returns the error message
func (e *TransientError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return "transient error"
}

// Unwrap returns the underlying error
func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error should be retried
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BatchIncompleteError is reported when a batch settles with failed tasks.
// Callers must not hand the rewritten manifest to the muxer in that case.
type BatchIncompleteError struct {
	Total  int
	Failed int
}

func (e *BatchIncompleteError) Error() string {
	return fmt.Sprintf("batch incomplete: %d of %d tasks failed", e.Failed, e.Total)
}

// IsBatchIncomplete returns true if err carries a BatchIncompleteError.
func IsBatchIncomplete(err error) bool {
	var be *BatchIncompleteError
	return errors.As(err, &be)
}

// classify wraps timeout and connection-reset class errors as transient and
// leaves everything else untouched.
func classify(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	if isTimeoutOrReset(err) {
		return &TransientError{Err: err}
	}
	return err
}

func isTimeoutOrReset(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}
	return false
}
