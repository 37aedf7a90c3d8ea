// internal/types/models.go
package types

import (
	"encoding/json"
	"time"

	"github.com/user/agentlink/pkg/packet"
)

// Direction of a logged packet.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// PacketRecord is one line of a session's packet log.
type PacketRecord struct {
	ID        RecordID        `json:"id"`
	SessionID SessionID       `json:"session_id"`
	Seq       int64           `json:"seq"`
	Direction string          `json:"direction"`
	Type      packet.Type     `json:"type"`
	At        time.Time       `json:"at"`
	Frame     json.RawMessage `json:"frame"`
}

type SessionIndex struct {
	SessionID        SessionID  `json:"session_id"`
	SessionKey       SessionKey `json:"session_key"`
	Scene            string     `json:"scene"`
	BackendSessionID string     `json:"backend_session_id,omitempty"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// InboundMessage is player input arriving from a host surface.
type InboundMessage struct {
	Source     string     `json:"source"`
	SessionKey SessionKey `json:"session_key"`
	UserID     string     `json:"user_id"`
	UserName   string     `json:"user_name,omitempty"`
	Text       string     `json:"text"`
}

// PlaybackItem is a packet handed to the player, with hooks fired when its
// playback starts and ends.
type PlaybackItem struct {
	Packet  *packet.Packet
	OnStart func(*packet.Packet)
	OnEnd   func(*packet.Packet)
}
