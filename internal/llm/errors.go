package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"protorelay/internal/protocol"
)

// APIError is a non-2xx upstream response.
type APIError struct {
	StatusCode int
	Body       []byte
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %d: %s", e.StatusCode, truncate(string(e.Body), 200))
}

func newAPIError(status int, body []byte) *APIError {
	return &APIError{StatusCode: status, Body: body, Message: protocol.ExtractErrorMessage(body)}
}

// TimeoutError means the upstream did not finish within the configured deadline.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportError is a connection level failure (DNS, refused, reset, ...).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "upstream transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// classify turns a raw client or read error into the relay's taxonomy.
// Caller cancellation is returned as the parent context's error untouched.
func classify(parent, ctx context.Context, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	var timeoutErr *TimeoutError
	var transportErr *TransportError
	if errors.As(err, &apiErr) || errors.As(err, &timeoutErr) || errors.As(err, &transportErr) {
		return err
	}

	if perr := parent.Err(); perr != nil {
		if errors.Is(perr, context.DeadlineExceeded) {
			return &TimeoutError{Timeout: timeout, Err: err}
		}
		return perr
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Timeout: timeout, Err: err}
	}
	return &TransportError{Err: err}
}

// IsCanceled reports whether err is the caller going away.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// truncate limits string length for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
