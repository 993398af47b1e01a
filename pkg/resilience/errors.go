package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrMalformed marks a response that could not be understood. It is never retried.
var ErrMalformed = errors.New("malformed response")

// StatusError carries the HTTP status returned by an upstream service
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// NewStatusError wraps err with an upstream HTTP status code
func NewStatusError(code int, err error) error {
	return &StatusError{Code: code, Err: err}
}

// Malformed wraps err so that IsRetryable reports false for it
func Malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}

// RetryableStatus reports whether an HTTP status code is worth retrying:
// 408, 425, 429 and every 5xx.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500 && code <= 599
}

// IsRetryable classifies an error from an outbound call.
// Network failures, timeouts, an open circuit and retryable statuses are
// transient; everything else, including cancellation, is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformed) || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return RetryableStatus(statusErr.Code)
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
