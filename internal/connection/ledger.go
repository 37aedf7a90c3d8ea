package connection

import (
	"sync"

	"github.com/user/agentlink/pkg/packet"
)

// Producer builds the packet for a send. It may be called again when the
// packet is replayed after a reconnect.
type Producer func() *packet.Packet

// ledger tracks per-interaction bookkeeping: interactions the client has
// cancelled, and interactive packets the server has not finished answering.
type ledger struct {
	mu         sync.Mutex
	cancelled  map[string]bool
	inProgress map[string]Producer
	order      []string
}

func newLedger() *ledger {
	return &ledger{
		cancelled:  make(map[string]bool),
		inProgress: make(map[string]Producer),
	}
}

func (l *ledger) markCancelled(interactionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled[interactionID] = true
}

func (l *ledger) clearCancel(interactionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cancelled, interactionID)
}

func (l *ledger) isCancelled(interactionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled[interactionID]
}

// recordInProgress keeps the first producer seen for an interaction.
func (l *ledger) recordInProgress(interactionID string, p Producer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inProgress[interactionID]; ok {
		return
	}
	l.inProgress[interactionID] = p
	l.order = append(l.order, interactionID)
}

func (l *ledger) clearInProgress(interactionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inProgress[interactionID]; !ok {
		return
	}
	delete(l.inProgress, interactionID)
	for i, id := range l.order {
		if id == interactionID {
			l.order = append(l.order[:i:i], l.order[i+1:]...)
			break
		}
	}
}

// pending returns the unanswered producers in the order they were sent.
func (l *ledger) pending() []Producer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Producer, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.inProgress[id])
	}
	return out
}

func (l *ledger) hasInProgress() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inProgress) > 0
}
