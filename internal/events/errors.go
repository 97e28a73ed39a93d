// internal/events/errors.go
package events

import (
	"fmt"
	"time"
)

// ErrorKind is the closed taxonomy of structured browser errors. Watchdogs
// never let a raw failure escape into the dispatch loop; everything becomes a
// BrowserError notification carrying one of these kinds.
type ErrorKind string

const (
	ErrStartup           ErrorKind = "StartupError"
	ErrNavigation        ErrorKind = "NavigationError"
	ErrSecurityViolation ErrorKind = "SecurityViolation"
	ErrNetworkTimeout    ErrorKind = "NetworkTimeout"
	ErrPageUnresponsive  ErrorKind = "PageUnresponsive"
	ErrProcessCrashed    ErrorKind = "ProcessCrashed"
	ErrConnectionLost    ErrorKind = "ConnectionLost"
)

// BrowserError is both an error value and a bus payload. The typed context
// fields (target, url, elapsed) let consumers act without parsing messages.
type BrowserError struct {
	ErrKind  ErrorKind
	Message  string
	TargetID string
	URL      string
	Elapsed  time.Duration
	Cause    error
}

func (BrowserError) Kind() Kind { return KindBrowserError }

func (e *BrowserError) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.ErrKind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As chains.
func (e *BrowserError) Unwrap() error { return e.Cause }

// Is lets errors.Is match two BrowserErrors by kind alone, so callers can
// compare against a bare &BrowserError{ErrKind: ...} sentinel.
func (e *BrowserError) Is(target error) bool {
	other, ok := target.(*BrowserError)
	if !ok {
		return false
	}
	return other.ErrKind == e.ErrKind
}

// Fatal reports whether this error must force the session from Connected to
// Stopping. Only process crashes and transport loss qualify.
func (e *BrowserError) Fatal() bool {
	return e.ErrKind == ErrProcessCrashed || e.ErrKind == ErrConnectionLost
}

// NewError builds a BrowserError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *BrowserError {
	return &BrowserError{ErrKind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause while keeping the structured kind.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *BrowserError {
	return &BrowserError{ErrKind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithTarget returns a copy annotated with target context.
func (e *BrowserError) WithTarget(targetID string) *BrowserError {
	clone := *e
	clone.TargetID = targetID
	return &clone
}

// WithURL returns a copy annotated with the URL being acted on.
func (e *BrowserError) WithURL(url string) *BrowserError {
	clone := *e
	clone.URL = url
	return &clone
}

// WithElapsed returns a copy annotated with how long the operation ran.
func (e *BrowserError) WithElapsed(d time.Duration) *BrowserError {
	clone := *e
	clone.Elapsed = d
	return &clone
}
