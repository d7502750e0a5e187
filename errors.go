package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// =============================================================================
// Classification
// =============================================================================

// ErrorKind is the classification tag carried by every error that crosses the
// control surface.
type ErrorKind string

const (
	KindTransient   ErrorKind = "TRANSIENT"
	KindRateLimited ErrorKind = "RATE_LIMITED"
	KindChallenge   ErrorKind = "CHALLENGE"
	KindRejected    ErrorKind = "REJECTED"
	KindFatal       ErrorKind = "FATAL"
	KindExpired     ErrorKind = "EXPIRED"
)

var (
	ErrNoIdentityAvailable = errors.New("no identity available")
	ErrRetriesExhausted    = errors.New("retry ceiling exceeded")
	ErrUnresolved          = errors.New("challenge unresolved")
	ErrPollExhausted       = errors.New("poll budget exhausted")
	ErrBrowserGone         = errors.New("browser process gone")
	ErrInvalidTransition   = errors.New("invalid handshake transition")
	ErrInvalidCall         = errors.New("invalid endpoint call")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session closed")
	ErrSessionExpired      = errors.New("session expired")
	ErrTooManySessions     = errors.New("supervisor at capacity")
	ErrNoPendingChallenge  = errors.New("no challenge awaiting manual resolution")
	ErrNoBearer            = errors.New("authenticated state requires bearer material")
)

// EngineError is a classified failure. Step names the handshake or collection
// step that produced it and Status carries the last HTTP status seen, if any.
type EngineError struct {
	Kind   ErrorKind
	Step   string
	Status int
	Err    error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Step != "" {
		b.WriteString(" [")
		b.WriteString(e.Step)
		b.WriteString("]")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func newEngineError(kind ErrorKind, step string, status int, err error) *EngineError {
	return &EngineError{Kind: kind, Step: step, Status: status, Err: err}
}

// KindOf reports the classification of err. Unclassified errors are mapped
// onto the taxonomy by inspecting them; anything unknown is FATAL.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	switch {
	case errors.Is(err, ErrSessionExpired):
		return KindExpired
	case errors.Is(err, ErrNoIdentityAvailable):
		return KindTransient
	case errors.Is(err, ErrUnresolved):
		return KindChallenge
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionClosed), errors.Is(err, ErrNoPendingChallenge):
		return KindRejected
	case errors.Is(err, ErrTooManySessions):
		return KindTransient
	case IsFatalError(err):
		return KindFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case IsRetryableError(err):
		return KindTransient
	}
	return KindFatal
}

// classified guarantees err is an *EngineError, tagging it from KindOf when it
// is not one already.
func classified(step string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}
	return newEngineError(KindOf(err), step, 0, err)
}

// =============================================================================
// Fatal Errors
// =============================================================================

// FatalError marks a backend failure that retrying cannot fix, typically a
// billing or credential problem at a solver service.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsFatalError checks if the error is a fatal error that should stop the task.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

var fatalErrorStrings = []string{
	"ERROR_ZERO_BALANCE",
	"ERROR_KEY_DOES_NOT_EXIST",
	"ERROR_WRONG_USER_KEY",
	"ERROR_WRONG_GOOGLEKEY",
	"access denied",
}

// ContainsFatalErrorString checks if an error message contains a fatal error indicator.
func ContainsFatalErrorString(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range fatalErrorStrings {
		if strings.Contains(errStr, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// =============================================================================
// Retryable Errors
// =============================================================================

// Only this narrow set of network failures is retried by the transport.
var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
	"Client.Timeout exceeded",
}

// IsRetryableError checks if the error is a temporary network failure worth
// another attempt, possibly through a different egress.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if IsFatalError(err) || ContainsFatalErrorString(err) {
		return false
	}

	if isNetworkTimeout(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
