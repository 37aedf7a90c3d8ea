package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/agentlink/internal/types"
)

// Lanes runs inbound messages through per-chat FIFO lanes with a global
// concurrency semaphore. Messages of one chat are handled in order, while
// the semaphore bounds how many chats are being handled at once.
type Lanes struct {
	lanes     map[types.SessionKey]chan *types.InboundMessage
	semaphore *semaphore.Weighted
	processor func(context.Context, *types.InboundMessage) error
	onError   func(*types.InboundMessage, error)
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewLanes(maxConcurrent int64, processor func(context.Context, *types.InboundMessage) error) *Lanes {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Lanes{
		lanes:     make(map[types.SessionKey]chan *types.InboundMessage),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		processor: processor,
	}
}

// OnError sets the callback for messages whose processor failed.
func (l *Lanes) OnError(fn func(*types.InboundMessage, error)) {
	l.onError = fn
}

// Start initialises the lanes' context. Must be called before Enqueue.
func (l *Lanes) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight work, closes all lanes and waits for them to drain.
func (l *Lanes) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	l.stopped = true
	for _, lane := range l.lanes {
		close(lane)
	}
	l.lanes = make(map[types.SessionKey]chan *types.InboundMessage)
	l.mu.Unlock()
	l.wg.Wait()
}

// Enqueue adds msg to its chat's lane, creating the lane on first use.
func (l *Lanes) Enqueue(msg *types.InboundMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return fmt.Errorf("lanes stopped")
	}

	lane, exists := l.lanes[msg.SessionKey]
	if !exists {
		lane = make(chan *types.InboundMessage, 100)
		l.lanes[msg.SessionKey] = lane
		l.wg.Add(1)
		go l.processLane(lane)
	}

	select {
	case lane <- msg:
		return nil
	default:
		return fmt.Errorf("queue full for chat %s", msg.SessionKey)
	}
}

func (l *Lanes) processLane(lane chan *types.InboundMessage) {
	defer l.wg.Done()
	for {
		select {
		case msg, ok := <-lane:
			if !ok {
				return
			}
			if err := l.semaphore.Acquire(l.ctx, 1); err != nil {
				return
			}
			l.active.Add(1)
			if err := l.processor(l.ctx, msg); err != nil {
				slog.Error("inbound message failed", "session_key", string(msg.SessionKey), "error", err)
				if l.onError != nil {
					l.onError(msg, err)
				}
			}
			l.active.Add(-1)
			l.semaphore.Release(1)
		case <-l.ctx.Done():
			return
		}
	}
}

// WaitIdle blocks until no message is being processed, or the timeout
// expires. Returns true if idle.
func (l *Lanes) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if l.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}
