// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

// SessionKey names a conversation from the host's point of view,
// e.g. "telegram:<chat id>" or "cli:default".
type SessionKey string

// SessionID identifies a local session directory and its packet log.
type SessionID string

type RecordID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRecordID() RecordID {
	return RecordID(uuid.New().String())
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}

// Source returns the leading segment of the key.
func (k SessionKey) Source() string {
	src, _, _ := strings.Cut(string(k), ":")
	return src
}
