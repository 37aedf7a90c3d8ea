// internal/persist/loop_test.go
package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/agentlink/internal/history"
	"github.com/user/agentlink/internal/state"
	"github.com/user/agentlink/pkg/backend"
)

type fakeSource struct {
	mu         sync.Mutex
	last       *history.Item
	inProgress bool
	state      backend.SessionState
	err        error
	fetches    atomic.Int32
}

func (f *fakeSource) LastHistoryItem() (history.Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return history.Item{}, false
	}
	return *f.last, true
}

func (f *fakeSource) HasPacketsInProgress() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inProgress
}

func (f *fakeSource) SessionState(context.Context) (backend.SessionState, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.err
}

func (f *fakeSource) set(fn func(*fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newLoop(src Source) (*Loop, *state.MemoryStore) {
	store := state.NewMemoryStore()
	l := New(src, store, Config{RetryInterval: 5 * time.Millisecond, MaxAttempts: 4})
	return l, store
}

func storedSnapshot(t *testing.T, store *state.MemoryStore) (Snapshot, bool) {
	t.Helper()
	snap, ok, err := Load(context.Background(), store, "")
	if err != nil {
		t.Fatal(err)
	}
	return snap, ok
}

func TestTriggerSkipsEmptyHistory(t *testing.T) {
	src := &fakeSource{}
	l, store := newLoop(src)
	l.Trigger(context.Background())
	if src.fetches.Load() != 0 {
		t.Error("should not fetch state without history")
	}
	if _, ok := storedSnapshot(t, store); ok {
		t.Error("expected nothing stored")
	}
}

func TestTriggerSavesWhenSettled(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		last:  &history.Item{Type: history.ItemActor, Date: created.Add(-time.Minute)},
		state: backend.SessionState{State: []byte("snap"), CreationTime: created},
	}
	l, store := newLoop(src)
	l.Trigger(context.Background())

	snap, ok := storedSnapshot(t, store)
	if !ok {
		t.Fatal("expected snapshot to be stored")
	}
	if string(snap.State) != "snap" || !snap.CreationTime.Equal(created) {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestTriggerSkipsWhenStoredIsNewer(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		last:  &history.Item{Type: history.ItemActor, Date: now.Add(-time.Hour)},
		state: backend.SessionState{State: []byte("new")},
	}
	l, store := newLoop(src)
	data, _ := EncodeSnapshot(backend.SessionState{State: []byte("old"), CreationTime: now})
	store.Set(context.Background(), DefaultKey, data)

	l.Trigger(context.Background())
	if src.fetches.Load() != 0 {
		t.Error("expected save to be skipped")
	}
}

func TestTriggerWaitsForInteractionEnd(t *testing.T) {
	src := &fakeSource{
		last:       &history.Item{Type: history.ItemActor, Date: time.Now()},
		inProgress: true,
		state:      backend.SessionState{State: []byte("s")},
	}
	l := New(src, state.NewMemoryStore(), Config{RetryInterval: 20 * time.Millisecond, MaxAttempts: 1000})

	done := make(chan struct{})
	go func() {
		l.Trigger(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if src.fetches.Load() != 0 {
		t.Fatal("should wait while packets are in progress")
	}
	src.set(func(f *fakeSource) {
		f.last = &history.Item{Type: history.ItemInteractionEnd, Date: time.Now()}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("save did not complete after interaction end")
	}
	if src.fetches.Load() != 1 {
		t.Errorf("expected one fetch, got %d", src.fetches.Load())
	}
}

func TestTriggerSavesAfterAttemptsExhausted(t *testing.T) {
	src := &fakeSource{
		last:       &history.Item{Type: history.ItemActor, Date: time.Now()},
		inProgress: true,
		state:      backend.SessionState{State: []byte("s")},
	}
	l, store := newLoop(src)
	l.Trigger(context.Background())
	if _, ok := storedSnapshot(t, store); !ok {
		t.Error("expected unconditional save after max attempts")
	}
}

func TestTriggerSkipsWhileInFlight(t *testing.T) {
	src := &fakeSource{
		last:       &history.Item{Type: history.ItemActor, Date: time.Now()},
		inProgress: true,
	}
	l := New(src, state.NewMemoryStore(), Config{RetryInterval: 10 * time.Millisecond, MaxAttempts: 20})

	done := make(chan struct{})
	go func() {
		l.Trigger(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	l.Trigger(context.Background())
	src.set(func(f *fakeSource) { f.inProgress = false })
	<-done

	if got := src.fetches.Load(); got != 1 {
		t.Errorf("expected a single save, got %d", got)
	}
}

func TestSaveErrorIsReportedAndCleared(t *testing.T) {
	src := &fakeSource{
		last: &history.Item{Type: history.ItemActor, Date: time.Now()},
		err:  errors.New("backend down"),
	}
	l, store := newLoop(src)
	var reported []error
	l.OnError = func(err error) { reported = append(reported, err) }

	l.Trigger(context.Background())
	if len(reported) != 1 {
		t.Fatalf("expected 1 reported error, got %d", len(reported))
	}
	if _, ok := storedSnapshot(t, store); ok {
		t.Error("nothing should be stored on error")
	}

	src.set(func(f *fakeSource) {
		f.err = nil
		f.state = backend.SessionState{State: []byte("ok")}
	})
	l.Trigger(context.Background())
	if _, ok := storedSnapshot(t, store); !ok {
		t.Error("expected a later save to succeed once in-flight is cleared")
	}
}

func TestFocusDoesNotDuplicateSchedule(t *testing.T) {
	l, _ := newLoop(&fakeSource{})
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	l.Focus()
	l.Focus()
	if n := len(l.cron.Entries()); n != 1 {
		t.Errorf("expected one scheduled entry, got %d", n)
	}

	l.Blur()
	if n := len(l.cron.Entries()); n != 0 {
		t.Errorf("expected blur to remove the schedule, got %d", n)
	}
	l.Focus()
	if n := len(l.cron.Entries()); n != 1 {
		t.Errorf("expected focus to restore one entry, got %d", n)
	}
}

func TestBlurSavesImmediately(t *testing.T) {
	src := &fakeSource{
		last:  &history.Item{Type: history.ItemInteractionEnd, Date: time.Now()},
		state: backend.SessionState{State: []byte("s")},
	}
	l, store := newLoop(src)
	l.Blur()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := storedSnapshot(t, store); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("blur did not trigger a save")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBlurAfterStopDoesNotSave(t *testing.T) {
	src := &fakeSource{
		last:  &history.Item{Type: history.ItemInteractionEnd, Date: time.Now()},
		state: backend.SessionState{State: []byte("s")},
	}
	l, store := newLoop(src)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	l.Stop()

	l.Blur()
	l.Focus()
	time.Sleep(50 * time.Millisecond)
	if _, ok := storedSnapshot(t, store); ok {
		t.Error("a stopped loop should not save")
	}
	if n := len(l.cron.Entries()); n != 1 {
		t.Errorf("expected the schedule left as it was, got %d entries", n)
	}
}

func TestScheduleFires(t *testing.T) {
	src := &fakeSource{
		last:  &history.Item{Type: history.ItemInteractionEnd, Date: time.Now()},
		state: backend.SessionState{State: []byte("s")},
	}
	l := New(src, state.NewMemoryStore(), Config{Interval: time.Second, RetryInterval: 5 * time.Millisecond})
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("scheduled save did not fire within 2.5s")
		case <-ticker.C:
			if src.fetches.Load() > 0 {
				return
			}
		}
	}
}
