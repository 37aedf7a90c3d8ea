package packet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Wire actor types.
const (
	actorPlayer = "PLAYER"
	actorAgent  = "AGENT"
	actorWorld  = "WORLD"
)

const (
	chunkAudio   = "AUDIO"
	chunkSilence = "SILENCE"
	customTrig   = "TRIGGER"
)

// Frame is the JSON form of a packet on the socket.
type Frame struct {
	PacketID        *WireID      `json:"packetId,omitempty"`
	Routing         *WireRouting `json:"routing,omitempty"`
	Timestamp       string       `json:"timestamp,omitempty"`
	Text            *WireText    `json:"text,omitempty"`
	DataChunk       *WireChunk   `json:"dataChunk,omitempty"`
	Custom          *WireCustom  `json:"custom,omitempty"`
	Emotion         *WireEmotion `json:"emotion,omitempty"`
	Control         *WireControl `json:"control,omitempty"`
	CancelResponses *WireCancel  `json:"cancelResponses,omitempty"`
	Action          *WireAction  `json:"action,omitempty"`
}

type WireID struct {
	PacketID      string `json:"packetId,omitempty"`
	InteractionID string `json:"interactionId,omitempty"`
	UtteranceID   string `json:"utteranceId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type WireActor struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type WireRouting struct {
	Source  WireActor   `json:"source"`
	Targets []WireActor `json:"targets,omitempty"`
}

type WireText struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type WirePhoneme struct {
	Phoneme       string `json:"phoneme"`
	StartOffsetMS int64  `json:"startOffsetMs"`
}

type WireChunk struct {
	Chunk                 []byte        `json:"chunk,omitempty"`
	Type                  string        `json:"type"`
	DurationMS            int64         `json:"durationMs,omitempty"`
	AdditionalPhonemeInfo []WirePhoneme `json:"additionalPhonemeInfo,omitempty"`
}

type WireCustom struct {
	Name       string             `json:"name"`
	Type       string             `json:"type,omitempty"`
	Parameters []TriggerParameter `json:"parameters,omitempty"`
}

type WireEmotion struct {
	Behavior string `json:"behavior"`
	Strength string `json:"strength"`
}

type WireControl struct {
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

type WireCancel struct {
	InteractionID string   `json:"interactionId"`
	UtteranceID   []string `json:"utteranceId,omitempty"`
}

type WireAction struct {
	NarratedAction *WireNarrated `json:"narratedAction,omitempty"`
}

type WireNarrated struct {
	Content string `json:"content"`
}

// ErrorFrame is the error payload of an inbound envelope.
type ErrorFrame struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Details []json.RawMessage `json:"details,omitempty"`
}

// Envelope wraps every inbound frame: either a packet result or an error.
type Envelope struct {
	Result *Frame      `json:"result,omitempty"`
	Error  *ErrorFrame `json:"error,omitempty"`
}

// Decode reconstructs a Packet from its wire form. A frame carrying more than
// one payload is rejected. A frame carrying none, or a data chunk of a type
// this client does not play, decodes as TypeUnknown with the payload kept.
// Unrecognized control actions, custom types and actor types are kept as
// received so Encode reproduces them.
func Decode(f Frame) (*Packet, error) {
	var id ID
	if f.PacketID != nil {
		id = ID{
			PacketID:      f.PacketID.PacketID,
			InteractionID: f.PacketID.InteractionID,
			UtteranceID:   f.PacketID.UtteranceID,
			CorrelationID: f.PacketID.CorrelationID,
		}
	}
	var routing Routing
	if f.Routing != nil {
		routing.Source = actorFromWire(f.Routing.Source)
		for _, t := range f.Routing.Targets {
			routing.Targets = append(routing.Targets, actorFromWire(t))
		}
	}
	var date time.Time
	if f.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, f.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse packet timestamp: %w", err)
		}
		date = parsed
	}

	payloads := 0
	for _, set := range []bool{
		f.Text != nil, f.DataChunk != nil, f.Custom != nil, f.Emotion != nil,
		f.Control != nil, f.CancelResponses != nil, f.Action != nil && f.Action.NarratedAction != nil,
	} {
		if set {
			payloads++
		}
	}
	if payloads > 1 {
		return nil, fmt.Errorf("packet %s carries %d payloads", id.PacketID, payloads)
	}

	switch {
	case f.Text != nil:
		return NewText(id, routing, date, TextEvent{Text: f.Text.Text, Final: f.Text.Final}), nil
	case f.DataChunk != nil:
		switch strings.ToUpper(f.DataChunk.Type) {
		case chunkSilence:
			return NewSilence(id, routing, date, SilenceEvent{
				Duration: time.Duration(f.DataChunk.DurationMS) * time.Millisecond,
			}), nil
		case chunkAudio, "":
			ev := AudioEvent{Chunk: f.DataChunk.Chunk}
			for _, ph := range f.DataChunk.AdditionalPhonemeInfo {
				ev.PhonemeTiming = append(ev.PhonemeTiming, PhonemeEvent{
					Phoneme:     ph.Phoneme,
					StartOffset: time.Duration(ph.StartOffsetMS) * time.Millisecond,
				})
			}
			return NewAudio(id, routing, date, ev), nil
		default:
			return NewUnknownPayload(id, routing, date, f), nil
		}
	case f.Custom != nil:
		ev := TriggerEvent{Name: f.Custom.Name, Parameters: f.Custom.Parameters}
		if !strings.EqualFold(f.Custom.Type, customTrig) {
			ev.Kind = f.Custom.Type
		}
		return NewTrigger(id, routing, date, ev), nil
	case f.Emotion != nil:
		return NewEmotion(id, routing, date, EmotionEvent{
			Behavior: f.Emotion.Behavior,
			Strength: f.Emotion.Strength,
		}), nil
	case f.Control != nil:
		return NewControl(id, routing, date, ControlEvent{
			Type:        controlFromWire(f.Control.Action),
			Description: f.Control.Description,
		}), nil
	case f.CancelResponses != nil:
		return NewCancelResponse(id, routing, date, CancelResponseEvent{
			InteractionID: f.CancelResponses.InteractionID,
			UtteranceIDs:  f.CancelResponses.UtteranceID,
		}), nil
	case f.Action != nil && f.Action.NarratedAction != nil:
		return NewNarratedAction(id, routing, date, NarratedActionEvent{
			Content: f.Action.NarratedAction.Content,
		}), nil
	default:
		return NewUnknownPayload(id, routing, date, f), nil
	}
}

// Encode converts a Packet into its wire form.
func Encode(p *Packet) (Frame, error) {
	if err := p.Validate(); err != nil {
		return Frame{}, err
	}
	f := Frame{
		PacketID: &WireID{
			PacketID:      p.ID.PacketID,
			InteractionID: p.ID.InteractionID,
			UtteranceID:   p.ID.UtteranceID,
			CorrelationID: p.ID.CorrelationID,
		},
		Routing: &WireRouting{Source: actorToWire(p.Routing.Source)},
	}
	for _, t := range p.Routing.Targets {
		f.Routing.Targets = append(f.Routing.Targets, actorToWire(t))
	}
	if !p.Date.IsZero() {
		f.Timestamp = p.Date.UTC().Format(time.RFC3339Nano)
	}

	switch p.Type {
	case TypeText:
		f.Text = &WireText{Text: p.Text.Text, Final: p.Text.Final}
	case TypeAudio:
		chunk := &WireChunk{Chunk: p.Audio.Chunk, Type: chunkAudio}
		for _, ph := range p.Audio.PhonemeTiming {
			chunk.AdditionalPhonemeInfo = append(chunk.AdditionalPhonemeInfo, WirePhoneme{
				Phoneme:       ph.Phoneme,
				StartOffsetMS: ph.StartOffset.Milliseconds(),
			})
		}
		f.DataChunk = chunk
	case TypeSilence:
		f.DataChunk = &WireChunk{Type: chunkSilence, DurationMS: p.Silence.Duration.Milliseconds()}
	case TypeTrigger:
		kind := p.Trigger.Kind
		if kind == "" {
			kind = customTrig
		}
		f.Custom = &WireCustom{Name: p.Trigger.Name, Type: kind, Parameters: p.Trigger.Parameters}
	case TypeEmotion:
		f.Emotion = &WireEmotion{Behavior: p.Emotion.Behavior, Strength: p.Emotion.Strength}
	case TypeControl:
		f.Control = &WireControl{Action: string(p.Control.Type), Description: p.Control.Description}
	case TypeCancelResponse:
		f.CancelResponses = &WireCancel{
			InteractionID: p.Cancel.InteractionID,
			UtteranceID:   p.Cancel.UtteranceIDs,
		}
	case TypeNarratedAction:
		f.Action = &WireAction{NarratedAction: &WireNarrated{Content: p.Narrated.Content}}
	case TypeUnknown:
		if p.Unknown == nil {
			return Frame{}, fmt.Errorf("cannot encode packet of unknown type without its payload")
		}
		payload := p.Unknown.Payload
		f.DataChunk = payload.DataChunk
		f.Custom = payload.Custom
		f.Emotion = payload.Emotion
		f.Control = payload.Control
		f.CancelResponses = payload.CancelResponses
		f.Action = payload.Action
	}
	return f, nil
}

// Marshal encodes a packet straight to JSON bytes.
func Marshal(p *Packet) ([]byte, error) {
	f, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Unmarshal decodes JSON bytes holding a single frame.
func Unmarshal(data []byte) (*Packet, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return Decode(f)
}

func actorFromWire(a WireActor) Actor {
	switch strings.ToUpper(a.Type) {
	case actorPlayer:
		return Actor{Name: a.Name, IsPlayer: true}
	case actorAgent:
		return Actor{Name: a.Name, IsCharacter: true}
	case actorWorld, "":
		return Actor{Name: a.Name}
	default:
		return Actor{Name: a.Name, Kind: a.Type}
	}
}

func actorToWire(a Actor) WireActor {
	switch {
	case a.IsPlayer:
		return WireActor{Type: actorPlayer, Name: a.Name}
	case a.IsCharacter:
		return WireActor{Type: actorAgent, Name: a.Name}
	case a.Kind != "":
		return WireActor{Type: a.Kind, Name: a.Name}
	default:
		return WireActor{Type: actorWorld, Name: a.Name}
	}
}

// controlFromWire normalizes the case of known actions and keeps any other
// action verbatim.
func controlFromWire(action string) ControlType {
	if action == "" {
		return ControlUnknown
	}
	switch t := ControlType(strings.ToUpper(action)); t {
	case ControlInteractionEnd, ControlPlaybackMute, ControlPlaybackUnmute, ControlWarning:
		return t
	default:
		return ControlType(action)
	}
}
