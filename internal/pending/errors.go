package pending

import (
	"errors"
	"fmt"
	"time"
)

// ErrAborted is the root of every cancellation outcome. Aborted requests are never retried.
var ErrAborted = errors.New("request aborted")

var (
	// ErrCancelled is returned to callers whose request was cancelled explicitly
	ErrCancelled = fmt.Errorf("%w: cancelled", ErrAborted)

	// ErrSuperseded is returned when a higher-priority duplicate replaced the request
	ErrSuperseded = fmt.Errorf("%w: superseded by a higher-priority duplicate", ErrAborted)

	// ErrTimeout is matched by every *TimeoutError
	ErrTimeout = fmt.Errorf("%w: timed out", ErrAborted)
)

// TimeoutError is raised by the per-request timer
type TimeoutError struct {
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s (timeout %s)", e.Elapsed.Round(time.Millisecond), e.Timeout)
}

// Unwrap lets errors.Is match ErrTimeout and ErrAborted
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// TransportError is a non-2xx status or a network failure, surfaced once retries are exhausted
type TransportError struct {
	StatusCode int
	Body       []byte
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error: HTTP %d after %d attempt(s)", e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("transport error after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap returns the underlying cause
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsAborted reports whether err is a cancellation outcome (explicit cancel, supersession or timeout)
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
