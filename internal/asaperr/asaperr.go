// Package asaperr defines the typed error values surfaced across the ASAP
// runtime, matching the error table in the runtime specification: transport
// failures on the client side, and JSON-RPC / HTTP failures on the server
// side.
package asaperr

import (
	"fmt"
	"net/url"
	"time"
)

// ConnectionError is raised when a client cannot reach a remote agent, or
// when the remote returns a non-retriable HTTP error.
type ConnectionError struct {
	Message string
	Cause   error
	URL     string
}

func NewConnectionError(message string, cause error, target string) *ConnectionError {
	msg := message
	if target != "" {
		msg = fmt.Sprintf(
			"%s\nTroubleshooting: connection failed to %s. Verify the agent is running and reachable, "+
				"check the URL, network connectivity, and firewall rules.",
			message, SanitizeURL(target))
	}
	return &ConnectionError{Message: msg, Cause: cause, URL: SanitizeURL(target)}
}

func (e *ConnectionError) Error() string { return e.Message }
func (e *ConnectionError) Unwrap() error { return e.Cause }

// TimeoutError is raised when a per-request or pool-acquisition deadline
// expires.
type TimeoutError struct {
	Message string
	Timeout time.Duration
}

func NewTimeoutError(message string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{Message: message, Timeout: timeout}
}

func (e *TimeoutError) Error() string { return e.Message }

// RemoteError wraps a JSON-RPC error body returned by a remote agent.
type RemoteError struct {
	Code    int
	Message string
	Data    any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// CircuitOpenError is raised when a client send is short-circuited by an
// open breaker, without making a network call.
type CircuitOpenError struct {
	BaseURL             string
	ConsecutiveFailures int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s after %d consecutive failures", SanitizeURL(e.BaseURL), e.ConsecutiveFailures)
}

// HandlerNotFoundError is raised by the handler registry when no handler is
// registered for a payload type.
type HandlerNotFoundError struct {
	PayloadType string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for payload type %q", e.PayloadType)
}

// ThreadPoolExhaustedError is raised by the bounded handler worker pool when
// no worker slot is available for immediate dispatch.
type ThreadPoolExhaustedError struct {
	MaxThreads    int
	ActiveThreads int
}

func (e *ThreadPoolExhaustedError) Error() string {
	return fmt.Sprintf("handler thread pool exhausted: %d/%d active", e.ActiveThreads, e.MaxThreads)
}

// ValidationError carries the reason an envelope failed the validation
// pipeline (§4.3): timestamp, nonce, or sender-vs-auth checks.
type ValidationError struct {
	Reason  string // "timestamp" | "nonce" | "sender"
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// SanitizeURL strips userinfo (credentials) from a URL before it is placed
// into an error message or log line.
func SanitizeURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}
