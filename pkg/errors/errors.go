// Package errors defines the error taxonomy for the uidriver client.
//
// Startup failures are typed by the phase that produced them (install,
// spawn, handshake, probe) so callers can distinguish "the bundle could not
// be placed on disk" from "the server never answered". Runtime failures
// from the transport carry the HTTP status and raw body for diagnostics.
//
// The standard helpers are re-exported so callers can import this package
// alone for error handling:
//
//	if errors.Is(err, errors.ErrTimeout) { ... }
//
//	var httpErr *errors.HTTPError
//	if errors.As(err, &httpErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-export the standard library helpers for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Sentinel values for classification with errors.Is. The typed errors
// below report these through Is, so a caller can match on the category
// without naming the concrete type.
var (
	// ErrTimeout matches both handshake and readiness timeouts.
	ErrTimeout = errors.New("uidriver: startup deadline exceeded")

	// ErrInvalidState matches misuse of the session lifecycle.
	ErrInvalidState = errors.New("uidriver: invalid session state")
)

// InstallError reports a failure to place the server bundle on disk. It is
// cached by the installation manager and re-surfaced to every later caller.
type InstallError struct {
	Dir string
	Err error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install server bundle in %s: %v", e.Dir, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// ProcessLaunchError reports that the operating system refused to create
// the server process (missing binary, permission denial).
type ProcessLaunchError struct {
	Path string
	Err  error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("launch server process %s: %v", e.Path, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error { return e.Err }

// HandshakeTimeoutError reports that the port file never appeared within
// the startup budget. The spawned process has already been terminated
// (best effort) by the time this error is returned.
type HandshakeTimeoutError struct {
	File   string
	Budget time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("handshake file %s did not appear within %s", e.File, e.Budget)
}

func (e *HandshakeTimeoutError) Is(target error) bool { return target == ErrTimeout }

// ReadinessTimeoutError reports that the server never answered the
// liveness probe correctly within the remaining startup budget.
type ReadinessTimeoutError struct {
	BaseURL string
	Budget  time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("server at %s not ready within %s", e.BaseURL, e.Budget)
}

func (e *ReadinessTimeoutError) Is(target error) bool { return target == ErrTimeout }

// InvalidStateError reports misuse of the session lifecycle, such as
// starting a session that already has a configured endpoint.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// HTTPError reports a non-success status from the running server. Body
// holds the raw response for diagnostics.
type HTTPError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d for %s: %s", e.StatusCode, e.Path, e.Body)
}

// ProtocolError reports malformed data from the server: a handshake file
// that does not contain a port, or a response body that cannot be decoded
// into the requested shape.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a handshake or readiness timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
