// Package agenterr defines the failure taxonomy shared by every stage of the
// agent runtime. Each failure carries a Kind so that retry decisions, call
// records, and HTTP responses all agree on what went wrong.
package agenterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a runtime failure.
type Kind string

const (
	UnknownAgent     Kind = "unknown_agent"
	RateLimited      Kind = "rate_limited"
	Transient        Kind = "transient_upstream_error"
	Terminal         Kind = "terminal_upstream_error"
	RetriesExhausted Kind = "retries_exhausted"
	Timeout          Kind = "timeout"
	CircuitOpen      Kind = "circuit_open"
)

// Temporary reports whether a failure of this kind may clear without any
// change to the request: upstream blips, timeouts, throttling, and open
// circuits.
func (k Kind) Temporary() bool {
	switch k {
	case RateLimited, Transient, Timeout, RetriesExhausted, CircuitOpen:
		return true
	}
	return false
}

// maxMessageLen bounds the length of any upstream text carried in an Error.
const maxMessageLen = 200

// Error is the typed failure returned by the runtime.
type Error struct {
	Kind       Kind
	Agent      string
	Message    string
	StatusCode int           // upstream status when known
	Attempts   int           // attempts made before giving up
	RetryAfter time.Duration // set for RateLimited and CircuitOpen
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Agent != "" {
		b.WriteString(" [")
		b.WriteString(e.Agent)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so callers can
// write errors.Is(err, &agenterr.Error{Kind: agenterr.RateLimited}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error of the given kind for agent.
func New(kind Kind, agent, message string) *Error {
	return &Error{Kind: kind, Agent: agent, Message: Sanitize(message)}
}

// Wrap builds an Error of the given kind around err.
func Wrap(kind Kind, agent string, err error) *Error {
	e := &Error{Kind: kind, Agent: agent, Err: err}
	if err != nil {
		e.Message = Sanitize(err.Error())
	}
	var se *StatusError
	if errors.As(err, &se) {
		e.StatusCode = se.StatusCode
	}
	return e
}

// StatusError lets agents and provider adapters report an upstream HTTP-like
// status so Classify can tell transient from terminal failures.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// Retryable is the retry predicate: only transient failures and attempt
// timeouts are worth repeating unchanged.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case Transient, Timeout:
		return true
	}
	return false
}

// Classify maps an arbitrary error onto a Kind. Unrecognized errors are
// treated as terminal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Terminal
	}
	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return Transient
	}
	return Terminal
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Transient
	case code >= 500 && code < 600:
		return Transient
	}
	return Terminal
}

// Sanitize reduces upstream text to a single bounded line so raw provider
// payloads and stack traces never reach callers.
func Sanitize(msg string) string {
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if len(msg) > maxMessageLen {
		msg = strings.ToValidUTF8(msg[:maxMessageLen], "") + "..."
	}
	return msg
}
