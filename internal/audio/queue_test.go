package audio

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/packet"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

var speaker = packet.Routing{Source: packet.Actor{Name: "a1", IsCharacter: true}}

func chunk(interactionID, utteranceID string, data []byte) *packet.Packet {
	return packet.NewAudio(packet.ID{PacketID: utteranceID, InteractionID: interactionID, UtteranceID: utteranceID},
		speaker, time.Now(), packet.AudioEvent{Chunk: data})
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) item(p *packet.Packet) types.PlaybackItem {
	return types.PlaybackItem{
		Packet:  p,
		OnStart: func(p *packet.Packet) { r.add("start " + p.ID.UtteranceID) },
		OnEnd:   func(p *packet.Packet) { r.add("end " + p.ID.UtteranceID) },
	}
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestQueuePlaysInOrder(t *testing.T) {
	sink := &syncBuffer{}
	q := NewQueue(Config{Sink: sink})
	q.Start(context.Background())
	defer q.Stop()

	rec := &recorder{}
	q.AddToQueue(rec.item(chunk("i1", "u1", []byte{1, 2})))
	q.AddToQueue(rec.item(chunk("i1", "u2", []byte{3})))

	waitFor(t, "playback", func() bool { return len(rec.snapshot()) == 4 })
	want := []string{"start u1", "end u1", "start u2", "end u2"}
	for i, e := range rec.snapshot() {
		if e != want[i] {
			t.Errorf("event %d = %q, want %q", i, e, want[i])
		}
	}
	if got := sink.Bytes(); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("sink got %v", got)
	}
	if !q.Enabled() {
		t.Error("queue with a sink should be enabled")
	}
}

func TestMutedQueueSkipsSink(t *testing.T) {
	sink := &syncBuffer{}
	q := NewQueue(Config{Sink: sink})
	q.Mute(true)
	q.Start(context.Background())
	defer q.Stop()

	rec := &recorder{}
	q.AddToQueue(rec.item(chunk("i1", "u1", []byte{1, 2})))
	waitFor(t, "playback", func() bool { return len(rec.snapshot()) == 2 })

	if len(sink.Bytes()) != 0 {
		t.Error("muted queue should not write to the sink")
	}
	if !q.Muted() {
		t.Error("expected muted")
	}
}

func TestStopForInteraction(t *testing.T) {
	// 100 samples per second: 200 bytes play for one second.
	q := NewQueue(Config{Sink: &syncBuffer{}, SampleRate: 100, Realtime: true})
	q.Start(context.Background())
	defer q.Stop()

	rec := &recorder{}
	long := make([]byte, 200)
	playing := chunk("i1", "u1", long)
	q.AddToQueue(rec.item(playing))
	q.AddToQueue(rec.item(chunk("i1", "u2", long)))
	q.AddToQueue(rec.item(chunk("i2", "u3", []byte{0, 0})))

	waitFor(t, "first chunk", func() bool { return q.CurrentPacket() == playing })

	stopped, err := q.StopForInteraction(context.Background(), "i1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stopped) != 2 || stopped[0].ID.UtteranceID != "u1" || stopped[1].ID.UtteranceID != "u2" {
		t.Fatalf("unexpected stopped packets %v", stopped)
	}

	waitFor(t, "next interaction", func() bool { return len(rec.snapshot()) == 3 })
	want := []string{"start u1", "start u3", "end u3"}
	for i, e := range rec.snapshot() {
		if e != want[i] {
			t.Errorf("event %d = %q, want %q", i, e, want[i])
		}
	}

	if stopped, _ := q.StopForInteraction(context.Background(), "i1"); len(stopped) != 0 {
		t.Errorf("nothing left to stop, got %v", stopped)
	}
}

func TestSilenceIsTimed(t *testing.T) {
	q := NewQueue(Config{Realtime: true})
	silence := packet.NewSilence(packet.ID{InteractionID: "i1"}, speaker, time.Now(),
		packet.SilenceEvent{Duration: 150 * time.Millisecond})
	if d := q.duration(silence); d != 150*time.Millisecond {
		t.Errorf("expected 150ms, got %v", d)
	}
	if d := q.duration(chunk("i1", "u1", make([]byte, 32000))); d != time.Second {
		t.Errorf("expected 1s for 32000 bytes at 16kHz, got %v", d)
	}
	if q.Enabled() {
		t.Error("queue without a sink should not be enabled")
	}
}
