// Package history accumulates the conversation shown to the player. Text
// packets are upserted by utterance so partial recognitions update in place.
package history

import (
	"strings"
	"sync"
	"time"

	"github.com/user/agentlink/pkg/backend"
	"github.com/user/agentlink/pkg/packet"
)

type ItemType string

const (
	ItemActor          ItemType = "actor"
	ItemTrigger        ItemType = "trigger"
	ItemNarratedAction ItemType = "narrated_action"
	// ItemInteractionEnd is an internal marker; Get never returns it.
	ItemInteractionEnd ItemType = "interaction_end"
)

type Item struct {
	ID            string             `json:"id"`
	Type          ItemType           `json:"type"`
	Date          time.Time          `json:"date"`
	InteractionID string             `json:"interactionId"`
	UtteranceID   string             `json:"utteranceId"`
	Source        packet.Actor       `json:"source"`
	Character     *backend.Character `json:"character,omitempty"`
	Text          string             `json:"text"`
	IsRecognizing bool               `json:"isRecognizing"`
	Cancelled     bool               `json:"cancelled,omitempty"`
	// Playing is set while the utterance's audio is being played.
	Playing bool `json:"playing,omitempty"`
}

// AudioContext tells the history whether character text is revealed by
// audio playback rather than on arrival.
type AudioContext struct {
	Enabled bool
}

// DisplayType is the playback event passed to Display.
type DisplayType int

const (
	DisplayStart DisplayType = iota
	DisplayEnd
)

// Interruption names the utterances of an interaction the client cut off.
type Interruption struct {
	InteractionID string   `json:"interactionId"`
	UtteranceIDs  []string `json:"utteranceId"`
}

type History struct {
	mu        sync.Mutex
	items     []Item
	pending   []Item
	displayed map[string]bool
	cancelled map[string]bool
}

func New() *History {
	return &History{
		displayed: make(map[string]bool),
		cancelled: make(map[string]bool),
	}
}

// AddOrUpdate ingests p and returns the entries that changed.
func (h *History) AddOrUpdate(p *packet.Packet, characters []backend.Character, audio AudioContext) []Item {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch p.Type {
	case packet.TypeText:
		if h.cancelled[p.ID.UtteranceID] {
			return nil
		}
		item := newItem(p, ItemActor, characters)
		item.Text = p.Text.Text
		item.IsRecognizing = !p.Text.Final
		if audio.Enabled && !p.FromPlayer() && !h.displayed[p.ID.UtteranceID] {
			h.pending, _ = upsert(h.pending, item)
			return nil
		}
		h.items, item = upsert(h.items, item)
		return []Item{item}
	case packet.TypeTrigger:
		item := newItem(p, ItemTrigger, characters)
		item.Text = p.Trigger.Name
		h.items = append(h.items, item)
		return []Item{item}
	case packet.TypeNarratedAction:
		item := newItem(p, ItemNarratedAction, characters)
		item.Text = p.Narrated.Content
		h.items = append(h.items, item)
		return []Item{item}
	case packet.TypeControl:
		if p.IsInteractionEnd() {
			h.items = append(h.items, newItem(p, ItemInteractionEnd, characters))
		}
		return nil
	case packet.TypeAudio, packet.TypeSilence, packet.TypeEmotion,
		packet.TypeCancelResponse, packet.TypeUnknown:
		return nil
	}
	return nil
}

// Display applies a playback event for the utterance p belongs to.
// DisplayStart reveals its pending text and marks its entries Playing;
// DisplayEnd clears the mark. It returns the entries that changed.
func (h *History) Display(p *packet.Packet, dt DisplayType) []Item {
	h.mu.Lock()
	defer h.mu.Unlock()

	utterance := p.ID.UtteranceID
	if h.cancelled[utterance] {
		return nil
	}

	var changed []Item
	if dt == DisplayStart {
		h.displayed[utterance] = true
		rest := h.pending[:0]
		for _, item := range h.pending {
			if item.UtteranceID == utterance {
				h.items, item = upsert(h.items, item)
				if utterance == "" {
					changed = append(changed, item)
				}
				continue
			}
			rest = append(rest, item)
		}
		h.pending = rest
	}
	if utterance == "" {
		return changed
	}

	playing := dt == DisplayStart
	for i := range h.items {
		item := &h.items[i]
		if item.Type != ItemActor || item.UtteranceID != utterance || item.Playing == playing {
			continue
		}
		item.Playing = playing
		changed = append(changed, *item)
	}
	return changed
}

// Filter marks the interrupted utterances cancelled and drops any of their
// text still waiting for audio.
func (h *History) Filter(intr Interruption) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make(map[string]bool, len(intr.UtteranceIDs))
	for _, id := range intr.UtteranceIDs {
		ids[id] = true
		h.cancelled[id] = true
	}
	for i := range h.items {
		if h.items[i].InteractionID == intr.InteractionID && ids[h.items[i].UtteranceID] {
			h.items[i].Cancelled = true
		}
	}
	rest := h.pending[:0]
	for _, item := range h.pending {
		if !ids[item.UtteranceID] {
			rest = append(rest, item)
		}
	}
	h.pending = rest
}

// Get returns the visible entries in arrival order.
func (h *History) Get() []Item {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Item, 0, len(h.items))
	for _, item := range h.items {
		if item.Type != ItemInteractionEnd {
			out = append(out, item)
		}
	}
	return out
}

// Last returns the most recent entry, interaction-end markers included.
func (h *History) Last() (Item, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) == 0 {
		return Item{}, false
	}
	return h.items[len(h.items)-1], true
}

// Transcript renders the final, uncancelled utterances one per line.
func (h *History) Transcript(playerName string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if playerName == "" {
		playerName = "Player"
	}
	var b strings.Builder
	for _, item := range h.items {
		if item.Type != ItemActor || item.Cancelled || item.IsRecognizing {
			continue
		}
		b.WriteString(Speaker(item, playerName))
		b.WriteString(": ")
		b.WriteString(item.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = nil
	h.pending = nil
	h.displayed = make(map[string]bool)
	h.cancelled = make(map[string]bool)
}

// Speaker names who said item.
func Speaker(item Item, playerName string) string {
	switch {
	case item.Source.IsPlayer:
		return playerName
	case item.Character != nil && item.Character.DisplayName != "":
		return item.Character.DisplayName
	case item.Source.Name != "":
		return item.Source.Name
	default:
		return "Character"
	}
}

func newItem(p *packet.Packet, t ItemType, characters []backend.Character) Item {
	item := Item{
		ID:            p.ID.UtteranceID,
		Type:          t,
		Date:          p.Date,
		InteractionID: p.ID.InteractionID,
		UtteranceID:   p.ID.UtteranceID,
		Source:        p.Routing.Source,
	}
	if item.ID == "" {
		item.ID = p.ID.PacketID
	}
	if item.Date.IsZero() {
		item.Date = time.Now()
	}
	if !p.FromPlayer() {
		for i := range characters {
			c := characters[i]
			if c.ID == p.Routing.Source.Name || c.ResourceName == p.Routing.Source.Name {
				item.Character = &c
				break
			}
		}
	}
	return item
}

// upsert replaces the entry with item's utterance id in place, or appends.
// A replaced entry keeps its playback mark. It returns the stored entry.
func upsert(items []Item, item Item) ([]Item, Item) {
	for i := range items {
		if items[i].Type == item.Type && items[i].UtteranceID != "" && items[i].UtteranceID == item.UtteranceID {
			item.Playing = items[i].Playing
			items[i] = item
			return items, item
		}
	}
	return append(items, item), item
}
