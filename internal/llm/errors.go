package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrBridgeProvider is returned before any I/O when a bridge-kind provider
// (cursor-bridge, copilot-bridge) is executed from the core instead of the
// host IDE.
var ErrBridgeProvider = errors.New("bridge providers execute in the host IDE, not the core")

// RateLimitError reports an HTTP 429 or provider-equivalent throttle signal.
// RetryAfter is zero when the provider did not suggest a wait.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d, retry after %s): %s", e.StatusCode, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("rate limited (status %d): %s", e.StatusCode, e.Message)
}

// TransportError covers non-429 HTTP faults, refused connections and
// timeouts. StatusCode is zero for network-level failures.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transport error: %s", e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err carries a throttle signal.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// RetryAfter extracts the suggested wait from a rate-limit error, or zero.
func RetryAfter(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}

// IsTransport reports whether err is a transport-level fault.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAPIFault reports whether err came from the provider or the network
// rather than the pipeline itself. Such failures score 25 instead of 0.
func IsAPIFault(err error) bool {
	return IsRateLimited(err) || IsTransport(err)
}

// mapHTTPError converts a non-2xx response into the typed error set.
func mapHTTPError(statusCode int, body []byte, header http.Header) error {
	message := string(body)
	if len(message) > 300 {
		message = message[:300]
	}
	if statusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			StatusCode: statusCode,
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
			Message:    message,
		}
	}
	return &TransportError{StatusCode: statusCode, Message: message}
}

// parseRetryAfter handles the delta-seconds form of the Retry-After header.
// The HTTP-date form is rare from model providers and is ignored.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// wrapRequestError classifies request-level failures (dial errors, timeouts,
// cancelled contexts) as transport faults.
func wrapRequestError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TransportError{Message: "request deadline exceeded", Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &TransportError{Message: "network timeout", Err: err}
	default:
		return &TransportError{Message: err.Error(), Err: err}
	}
}
