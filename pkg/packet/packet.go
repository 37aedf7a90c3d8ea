// Package packet defines the conversation packet model exchanged with the
// character backend. A Packet is a closed tagged union: Type selects exactly
// one payload field, and every predicate is derived from Type alone.
package packet

import (
	"fmt"
	"time"
)

// Type discriminates the payload carried by a Packet.
type Type string

const (
	TypeAudio          Type = "AUDIO"
	TypeText           Type = "TEXT"
	TypeTrigger        Type = "TRIGGER"
	TypeEmotion        Type = "EMOTION"
	TypeSilence        Type = "SILENCE"
	TypeCancelResponse Type = "CANCEL_RESPONSE"
	TypeControl        Type = "CONTROL"
	TypeNarratedAction Type = "NARRATED_ACTION"
	TypeUnknown        Type = "UNKNOWN"
)

// ControlType is the sub-type of a CONTROL packet.
type ControlType string

const (
	ControlInteractionEnd ControlType = "INTERACTION_END"
	ControlPlaybackMute   ControlType = "TTS_PLAYBACK_MUTE"
	ControlPlaybackUnmute ControlType = "TTS_PLAYBACK_UNMUTE"
	ControlWarning        ControlType = "WARNING"
	ControlUnknown        ControlType = "UNKNOWN"
)

// Actor is one endpoint of a packet route.
type Actor struct {
	Name        string `json:"name"`
	IsPlayer    bool   `json:"isPlayer"`
	IsCharacter bool   `json:"isCharacter"`
	// Kind is the wire actor type of an actor that is neither the player
	// nor a character. Empty means WORLD.
	Kind string `json:"kind,omitempty"`
}

// Routing describes who sent a packet and who it is addressed to.
type Routing struct {
	Source  Actor   `json:"source"`
	Targets []Actor `json:"targets"`
}

// ID groups the identifiers every packet carries.
type ID struct {
	PacketID      string `json:"packetId"`
	InteractionID string `json:"interactionId"`
	UtteranceID   string `json:"utteranceId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// AudioEvent is a chunk of synthesized or recorded audio.
type AudioEvent struct {
	Chunk         []byte         `json:"chunk"`
	PhonemeTiming []PhonemeEvent `json:"phonemes,omitempty"`
}

// PhonemeEvent aligns a phoneme with an offset inside an audio chunk.
type PhonemeEvent struct {
	Phoneme     string        `json:"phoneme"`
	StartOffset time.Duration `json:"startOffset"`
}

// TextEvent is an utterance, possibly partial.
type TextEvent struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// TriggerParameter is a named trigger argument.
type TriggerParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TriggerEvent fires a named server-side trigger.
type TriggerEvent struct {
	Name       string             `json:"name"`
	Parameters []TriggerParameter `json:"parameters,omitempty"`
	// Kind is the custom event type when it is not a plain trigger.
	Kind string `json:"kind,omitempty"`
}

// EmotionEvent carries the character's current emotional behavior.
type EmotionEvent struct {
	Behavior string `json:"behavior"`
	Strength string `json:"strength"`
}

// SilenceEvent is a pause in character speech.
type SilenceEvent struct {
	Duration time.Duration `json:"duration"`
}

// CancelResponseEvent discards the listed utterances of an interaction.
type CancelResponseEvent struct {
	InteractionID string   `json:"interactionId"`
	UtteranceIDs  []string `json:"utteranceId"`
}

// ControlEvent is a protocol-level signal.
type ControlEvent struct {
	Type        ControlType `json:"type"`
	Description string      `json:"description,omitempty"`
}

// NarratedActionEvent describes an action rather than speech.
type NarratedActionEvent struct {
	Content string `json:"content"`
}

// UnknownEvent keeps a payload this client does not model exactly as it
// arrived, so it can be logged or forwarded without loss.
type UnknownEvent struct {
	Payload Frame `json:"payload"`
}

// Packet is the in-memory form of one wire packet. Exactly one payload
// pointer is set and it is the one matching Type; use the New* constructors
// rather than building a Packet literal.
type Packet struct {
	ID      ID
	Routing Routing
	Date    time.Time
	Type    Type

	Audio    *AudioEvent
	Text     *TextEvent
	Trigger  *TriggerEvent
	Emotion  *EmotionEvent
	Silence  *SilenceEvent
	Cancel   *CancelResponseEvent
	Control  *ControlEvent
	Narrated *NarratedActionEvent
	Unknown  *UnknownEvent
}

func newPacket(t Type, id ID, routing Routing, date time.Time) *Packet {
	return &Packet{ID: id, Routing: routing, Date: date, Type: t}
}

func NewText(id ID, routing Routing, date time.Time, ev TextEvent) *Packet {
	p := newPacket(TypeText, id, routing, date)
	p.Text = &ev
	return p
}

func NewAudio(id ID, routing Routing, date time.Time, ev AudioEvent) *Packet {
	p := newPacket(TypeAudio, id, routing, date)
	p.Audio = &ev
	return p
}

func NewTrigger(id ID, routing Routing, date time.Time, ev TriggerEvent) *Packet {
	p := newPacket(TypeTrigger, id, routing, date)
	p.Trigger = &ev
	return p
}

func NewEmotion(id ID, routing Routing, date time.Time, ev EmotionEvent) *Packet {
	p := newPacket(TypeEmotion, id, routing, date)
	p.Emotion = &ev
	return p
}

func NewSilence(id ID, routing Routing, date time.Time, ev SilenceEvent) *Packet {
	p := newPacket(TypeSilence, id, routing, date)
	p.Silence = &ev
	return p
}

func NewCancelResponse(id ID, routing Routing, date time.Time, ev CancelResponseEvent) *Packet {
	p := newPacket(TypeCancelResponse, id, routing, date)
	p.Cancel = &ev
	return p
}

func NewControl(id ID, routing Routing, date time.Time, ev ControlEvent) *Packet {
	p := newPacket(TypeControl, id, routing, date)
	p.Control = &ev
	return p
}

func NewNarratedAction(id ID, routing Routing, date time.Time, ev NarratedActionEvent) *Packet {
	p := newPacket(TypeNarratedAction, id, routing, date)
	p.Narrated = &ev
	return p
}

// NewUnknown keeps a packet whose payload this client does not understand.
// A packet built without a payload cannot be encoded.
func NewUnknown(id ID, routing Routing, date time.Time) *Packet {
	return newPacket(TypeUnknown, id, routing, date)
}

// NewUnknownPayload keeps payload, the frame minus its header, verbatim.
func NewUnknownPayload(id ID, routing Routing, date time.Time, payload Frame) *Packet {
	p := newPacket(TypeUnknown, id, routing, date)
	payload.PacketID, payload.Routing, payload.Timestamp = nil, nil, ""
	p.Unknown = &UnknownEvent{Payload: payload}
	return p
}

func (p *Packet) IsAudio() bool          { return p != nil && p.Type == TypeAudio }
func (p *Packet) IsText() bool           { return p != nil && p.Type == TypeText }
func (p *Packet) IsTrigger() bool        { return p != nil && p.Type == TypeTrigger }
func (p *Packet) IsEmotion() bool        { return p != nil && p.Type == TypeEmotion }
func (p *Packet) IsSilence() bool        { return p != nil && p.Type == TypeSilence }
func (p *Packet) IsCancelResponse() bool { return p != nil && p.Type == TypeCancelResponse }
func (p *Packet) IsControl() bool        { return p != nil && p.Type == TypeControl }
func (p *Packet) IsNarratedAction() bool { return p != nil && p.Type == TypeNarratedAction }

// IsInteractionEnd reports a CONTROL packet closing its interaction.
func (p *Packet) IsInteractionEnd() bool {
	return p.IsControl() && p.Control.Type == ControlInteractionEnd
}

// FromPlayer reports whether the packet was sent by the player.
func (p *Packet) FromPlayer() bool {
	return p != nil && p.Routing.Source.IsPlayer
}

// IsPlayerText reports a TEXT packet sourced from the player.
func (p *Packet) IsPlayerText() bool {
	return p.IsText() && p.FromPlayer()
}

// IsCharacterText reports a TEXT packet that did not come from the player.
func (p *Packet) IsCharacterText() bool {
	return p.IsText() && !p.FromPlayer()
}

// Validate checks that exactly the payload matching Type is present.
func (p *Packet) Validate() error {
	if p == nil {
		return fmt.Errorf("packet is nil")
	}
	present := map[Type]bool{
		TypeAudio:          p.Audio != nil,
		TypeText:           p.Text != nil,
		TypeTrigger:        p.Trigger != nil,
		TypeEmotion:        p.Emotion != nil,
		TypeSilence:        p.Silence != nil,
		TypeCancelResponse: p.Cancel != nil,
		TypeControl:        p.Control != nil,
		TypeNarratedAction: p.Narrated != nil,
	}
	if _, known := present[p.Type]; !known && p.Type != TypeUnknown {
		return fmt.Errorf("unknown packet type %q", p.Type)
	}
	if p.Unknown != nil && p.Type != TypeUnknown {
		return fmt.Errorf("packet type %s carries an unknown payload", p.Type)
	}
	for t, ok := range present {
		if t == p.Type && !ok {
			return fmt.Errorf("packet type %s has no payload", p.Type)
		}
		if t != p.Type && ok {
			return fmt.Errorf("packet type %s carries a %s payload", p.Type, t)
		}
	}
	return nil
}

// String renders a short human-readable description, used in logs.
func (p *Packet) String() string {
	if p == nil {
		return "<nil>"
	}
	switch p.Type {
	case TypeText:
		return fmt.Sprintf("TEXT(%q final=%t)", p.Text.Text, p.Text.Final)
	case TypeAudio:
		return fmt.Sprintf("AUDIO(%d bytes)", len(p.Audio.Chunk))
	case TypeTrigger:
		return fmt.Sprintf("TRIGGER(%s)", p.Trigger.Name)
	case TypeEmotion:
		return fmt.Sprintf("EMOTION(%s %s)", p.Emotion.Behavior, p.Emotion.Strength)
	case TypeSilence:
		return fmt.Sprintf("SILENCE(%s)", p.Silence.Duration)
	case TypeCancelResponse:
		return fmt.Sprintf("CANCEL_RESPONSE(%s %v)", p.Cancel.InteractionID, p.Cancel.UtteranceIDs)
	case TypeControl:
		return fmt.Sprintf("CONTROL(%s)", p.Control.Type)
	case TypeNarratedAction:
		return fmt.Sprintf("NARRATED_ACTION(%q)", p.Narrated.Content)
	default:
		return string(p.Type)
	}
}
