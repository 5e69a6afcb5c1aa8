package session

import (
	"errors"
	"strings"
)

// NoSessionError is returned when no usable session exists and none could
// be obtained. Callers should ask the user to log in.
type NoSessionError struct {
	// Err is the failure that prevented a renewal, if any.
	Err error
}

func (e *NoSessionError) Error() string { return "user is not logged in" }

func (e *NoSessionError) Unwrap() error { return e.Err }

// UnavailableSessionError is returned when the current session is a guest
// session, or the manager runs in guest-only mode.
type UnavailableSessionError struct{}

func (e *UnavailableSessionError) Error() string { return "user is logged in as guest" }

// SessionInvalidError may be returned by call functions to report that the
// backend rejected the token. It triggers the same single retry as a
// backend message mentioning the session.
type SessionInvalidError struct {
	Reason string
}

func (e *SessionInvalidError) Error() string {
	if e.Reason == "" {
		return "session invalid"
	}
	return "session invalid: " + e.Reason
}

// IsSessionError reports whether err indicates an invalid or expired token:
// a *SessionInvalidError anywhere in the chain, or an error message that
// contains "session" in any case.
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	var invalid *SessionInvalidError
	if errors.As(err, &invalid) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "session")
}
