// internal/types/interfaces.go
package types

import (
	"context"

	"github.com/user/agentlink/pkg/packet"
)

type SessionStore interface {
	ResolveOrCreate(ctx context.Context, key SessionKey, scene string) (SessionID, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
}

type PacketStore interface {
	Append(ctx context.Context, record *PacketRecord) error
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*PacketRecord, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}

// KVStore is the persistence target for session-state snapshots.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Player plays character audio in arrival order. It is owned by a single
// connection.
type Player interface {
	AddToQueue(item PlaybackItem)
	// StopForInteraction drops queued and playing packets of the interaction
	// and returns the ones that were stopped.
	StopForInteraction(ctx context.Context, interactionID string) ([]*packet.Packet, error)
	CurrentPacket() *packet.Packet
	Muted() bool
	Enabled() bool
}
