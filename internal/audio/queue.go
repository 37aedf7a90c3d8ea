// Package audio plays character speech in arrival order.
package audio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/packet"
)

// Config describes the output. Chunks are 16-bit mono PCM at SampleRate.
type Config struct {
	// Sink receives raw PCM. A nil sink disables audio: Enabled reports
	// false and chunks are only timed.
	Sink       io.Writer
	SampleRate int
	// Realtime paces playback by each chunk's duration. When false items
	// play back to back without waiting.
	Realtime bool
}

// Queue is a single-owner playback queue. One goroutine plays items FIFO,
// firing OnStart before a chunk is written and OnEnd after it has played.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	items   []types.PlaybackItem
	current *types.PlaybackItem
	stop    context.CancelFunc
	muted   bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(cfg Config) *Queue {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Queue{cfg: cfg, wake: make(chan struct{}, 1)}
}

// Start launches the playback goroutine. Must be called before items play.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.run()
}

// Stop halts playback and waits for the playback goroutine to exit.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) AddToQueue(item types.PlaybackItem) {
	if item.Packet == nil {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		item, ctx, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		q.play(ctx, item)
	}
}

// next pops the head of the queue and makes it current.
func (q *Queue) next() (types.PlaybackItem, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.PlaybackItem{}, nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	ctx, stop := context.WithCancel(q.ctx)
	q.current = &item
	q.stop = stop
	return item, ctx, true
}

func (q *Queue) play(ctx context.Context, item types.PlaybackItem) {
	defer func() {
		q.mu.Lock()
		if q.stop != nil {
			q.stop()
		}
		q.current = nil
		q.stop = nil
		q.mu.Unlock()
	}()

	p := item.Packet
	if item.OnStart != nil {
		item.OnStart(p)
	}

	if p.IsAudio() && q.cfg.Sink != nil && !q.Muted() {
		if _, err := q.cfg.Sink.Write(p.Audio.Chunk); err != nil {
			slog.Warn("audio sink write failed", "interaction_id", p.ID.InteractionID, "error", err)
		}
	}

	if d := q.duration(p); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	} else if ctx.Err() != nil {
		return
	}

	if item.OnEnd != nil {
		item.OnEnd(p)
	}
}

func (q *Queue) duration(p *packet.Packet) time.Duration {
	if !q.cfg.Realtime {
		return 0
	}
	switch {
	case p.IsAudio():
		bytesPerSecond := q.cfg.SampleRate * 2
		return time.Duration(len(p.Audio.Chunk)) * time.Second / time.Duration(bytesPerSecond)
	case p.IsSilence():
		return p.Silence.Duration
	}
	return 0
}

// StopForInteraction cuts the playing item if it belongs to interactionID
// and drops the interaction's queued items. The stopped packets are
// returned, the playing one first. A cut item does not fire OnEnd.
func (q *Queue) StopForInteraction(_ context.Context, interactionID string) ([]*packet.Packet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stopped []*packet.Packet
	if q.current != nil && q.current.Packet.ID.InteractionID == interactionID {
		stopped = append(stopped, q.current.Packet)
		if q.stop != nil {
			q.stop()
		}
	}

	kept := q.items[:0:0]
	for _, item := range q.items {
		if item.Packet.ID.InteractionID == interactionID {
			stopped = append(stopped, item.Packet)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept

	if len(stopped) > 0 {
		slog.Debug("playback stopped", "interaction_id", interactionID, "packets", len(stopped))
	}
	return stopped, nil
}

// CurrentPacket returns the packet being played, or nil.
func (q *Queue) CurrentPacket() *packet.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil
	}
	return q.current.Packet
}

// Len returns the number of items waiting to play.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Mute silences the sink without changing playback timing.
func (q *Queue) Mute(muted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.muted = muted
}

func (q *Queue) Muted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.muted
}

// Enabled reports whether audio reaches a sink. When it does, character
// text is revealed as its audio starts playing.
func (q *Queue) Enabled() bool {
	return q.cfg.Sink != nil
}

var _ types.Player = (*Queue)(nil)
