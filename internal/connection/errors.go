package connection

import (
	"errors"
	"regexp"
)

var (
	// ErrInactiveConnection is returned by sends while the connection is
	// down and auto-reconnect is off.
	ErrInactiveConnection = errors.New("connection is inactive")
	ErrManualOpenDisabled = errors.New("manual open is not allowed while auto-reconnect is enabled")
	ErrNotInactive        = errors.New("connection is not inactive")
	// ErrConnectionClosed cancels sends still waiting when the connection
	// goes down.
	ErrConnectionClosed = errors.New("connection closed")
	ErrNoScene          = errors.New("no scene loaded")
)

var authErrorPattern = regexp.MustCompile(`(?i)(session (has )?expired|invalid (session |auth(entication)? )?token|token (is )?(invalid|expired)|unauthenticated)`)

// IsAuthError reports errors that mean the session token is no longer
// accepted. They are recovered by reconnecting with a fresh token.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return authErrorPattern.MatchString(err.Error())
}
