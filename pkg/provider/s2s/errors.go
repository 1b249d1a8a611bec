package s2s

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect classifies every handshake failure. Match it with errors.Is;
	// use errors.As with [*ConnectError] for the remote diagnostic.
	ErrConnect = errors.New("s2s: connect failed")

	// ErrTransport is returned when the connection breaks while the session is
	// open. Sessions never reconnect on their own.
	ErrTransport = errors.New("s2s: transport error")

	// ErrTimeout is returned when the connect phase or a receive wait exceeds
	// its bound.
	ErrTimeout = errors.New("s2s: timeout")

	// ErrSessionClosed is returned by operations attempted after Close.
	ErrSessionClosed = errors.New("s2s: session closed")
)

// ConnectError describes a failed handshake.
type ConnectError struct {
	// Provider names the backend, e.g. "gemini-live".
	Provider string

	// Diagnostic is the remote's explanation, if it sent one.
	Diagnostic string

	// Err is the underlying cause.
	Err error
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("s2s: %s: connect failed", e.Provider)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Diagnostic != "" {
		msg += " (remote: " + e.Diagnostic + ")"
	}
	return msg
}

// Unwrap exposes both [ErrConnect] and the underlying cause, so
// errors.Is(err, ErrTimeout) holds for a handshake that timed out.
func (e *ConnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnect}
	}
	return []error{ErrConnect, e.Err}
}
