package packet

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventFactory builds outbound packets routed from the player to the
// current character. Each packet gets a fresh packet id; utterances sent by
// the player open a new interaction.
type EventFactory struct {
	mu        sync.RWMutex
	player    string
	character *Actor
	now       func() time.Time
}

func NewEventFactory(playerName string) *EventFactory {
	return &EventFactory{player: playerName, now: time.Now}
}

// SetCurrentCharacter changes the target of subsequent packets. An empty
// name routes packets to the scene without a specific character.
func (f *EventFactory) SetCurrentCharacter(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		f.character = nil
		return
	}
	f.character = &Actor{Name: name, IsCharacter: true}
}

func (f *EventFactory) CurrentCharacter() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.character == nil {
		return "", false
	}
	return f.character.Name, true
}

func (f *EventFactory) PlayerName() string {
	return f.player
}

func (f *EventFactory) routing() Routing {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r := Routing{Source: Actor{Name: f.player, IsPlayer: true}}
	if f.character != nil {
		r.Targets = []Actor{*f.character}
	}
	return r
}

func (f *EventFactory) newID() ID {
	return ID{
		PacketID:      uuid.NewString(),
		InteractionID: uuid.NewString(),
		UtteranceID:   uuid.NewString(),
	}
}

// Text builds a final player utterance.
func (f *EventFactory) Text(text string) *Packet {
	return NewText(f.newID(), f.routing(), f.now(), TextEvent{Text: text, Final: true})
}

func (f *EventFactory) Trigger(name string, params ...TriggerParameter) *Packet {
	return NewTrigger(f.newID(), f.routing(), f.now(), TriggerEvent{Name: name, Parameters: params})
}

func (f *EventFactory) NarratedAction(content string) *Packet {
	return NewNarratedAction(f.newID(), f.routing(), f.now(), NarratedActionEvent{Content: content})
}

// AudioChunk builds a player audio packet. Chunks of one spoken turn share
// interactionID; pass an empty id to start a new interaction.
func (f *EventFactory) AudioChunk(interactionID string, chunk []byte) *Packet {
	id := f.newID()
	if interactionID != "" {
		id.InteractionID = interactionID
	}
	return NewAudio(id, f.routing(), f.now(), AudioEvent{Chunk: chunk})
}

// CancelResponse tells the server to drop the listed utterances of an
// interaction.
func (f *EventFactory) CancelResponse(interactionID string, utteranceIDs []string) *Packet {
	id := ID{PacketID: uuid.NewString(), InteractionID: interactionID}
	ids := make([]string, len(utteranceIDs))
	copy(ids, utteranceIDs)
	return NewCancelResponse(id, f.routing(), f.now(), CancelResponseEvent{
		InteractionID: interactionID,
		UtteranceIDs:  ids,
	})
}

// Mute builds the playback mute or unmute control signal.
func (f *EventFactory) Mute(muted bool) *Packet {
	ct := ControlPlaybackUnmute
	if muted {
		ct = ControlPlaybackMute
	}
	return NewControl(f.newID(), f.routing(), f.now(), ControlEvent{Type: ct})
}
