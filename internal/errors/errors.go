// Package errors defines the failure taxonomy shared by the session,
// rpc and preview packages. Every failure is recovered at the component
// boundary and returned as an *Error carrying a Kind, so callers can
// tell "could not start the helper" from "helper reported an error"
// from "no response in time" without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Re-exported so callers only need this package.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is any error that did not come from this module.
	KindUnknown Kind = iota
	// KindSpawn means the worker executable was missing, the OS refused
	// to start it, or it exited during startup.
	KindSpawn
	// KindChannelClosed means the worker exited while calls were pending.
	KindChannelClosed
	// KindTimeout means no response arrived before the deadline.
	KindTimeout
	// KindApplication means the worker answered with its error field set.
	KindApplication
	// KindGeometry means viewport dimensions could not be obtained.
	KindGeometry
)

func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "spawn_failure"
	case KindChannelClosed:
		return "channel_closed"
	case KindTimeout:
		return "rpc_timeout"
	case KindApplication:
		return "rpc_application_error"
	case KindGeometry:
		return "window_geometry_unavailable"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	ErrChannelClosed       = New("channel closed")
	ErrTimeout             = New("request timed out")
	ErrNotAttached         = New("session is not attached")
	ErrExecutableNotFound  = New("worker executable not found")
	ErrViewportUnavailable = New("viewport dimensions unavailable")
)

// Error is a classified failure. Op names the operation ("attach",
// "request regexrailroad", "open"), Key the session or anchor key.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " [" + e.Key + "]"
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so
// errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Key == "" && t.Err == nil
}

// E builds a classified error.
func E(kind Kind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// Spawn wraps err as a KindSpawn failure for key.
func Spawn(key string, err error) *Error {
	return E(KindSpawn, "attach", key, err)
}

// Application builds a KindApplication failure carrying the worker's
// message verbatim.
func Application(method, message string) *Error {
	return E(KindApplication, "request "+method, "", New(message))
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	switch {
	case Is(err, ErrChannelClosed):
		return KindChannelClosed
	case Is(err, ErrTimeout):
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether retrying the same call could succeed.
// Only timeouts qualify; application errors are never retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTimeout
}

// UserMessage renders err for the editor's message area.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindSpawn:
		return fmt.Sprintf("regex-railroad: could not start the helper (%s)", rootCause(err))
	case KindApplication:
		return "regex-railroad: " + rootCause(err)
	case KindTimeout:
		return "regex-railroad: no response from the helper in time"
	case KindChannelClosed:
		return "regex-railroad: the helper exited unexpectedly"
	case KindGeometry:
		return "regex-railroad: cannot size the preview window"
	default:
		return "regex-railroad: " + err.Error()
	}
}

func rootCause(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

// InstallExitMessage maps the installer's exit codes to a description.
// Unknown codes return "".
func InstallExitMessage(code int) string {
	switch code {
	case 3:
		return "could not write the downloaded worker to disk"
	case 4:
		return "network failure while downloading the worker"
	case 5:
		return "TLS certificate verification failed"
	case 6:
		return "authentication with the release server failed"
	case 7:
		return "transport protocol error while downloading the worker"
	case 8:
		return "no release found for this platform"
	default:
		return ""
	}
}
