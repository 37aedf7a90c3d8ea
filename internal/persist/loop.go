// internal/persist/loop.go
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/agentlink/internal/history"
	"github.com/user/agentlink/internal/metrics"
	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/backend"
)

const DefaultKey = "agentlink.session_state"

// Snapshot is the stored form of a session state.
type Snapshot struct {
	CreationTime time.Time `json:"creationTime"`
	State        []byte    `json:"state"`
}

func EncodeSnapshot(s backend.SessionState) ([]byte, error) {
	return json.Marshal(Snapshot{CreationTime: s.CreationTime, State: s.State})
}

func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// Source is the conversation whose state is saved.
type Source interface {
	LastHistoryItem() (history.Item, bool)
	HasPacketsInProgress() bool
	SessionState(ctx context.Context) (backend.SessionState, error)
}

type Config struct {
	Key           string
	Interval      time.Duration
	RetryInterval time.Duration
	MaxAttempts   int
}

// Loop periodically snapshots session state into a KV store. A save waits
// for the current interaction to settle, polling up to MaxAttempts times
// before saving anyway.
type Loop struct {
	source Source
	store  types.KVStore
	cfg    Config

	OnError func(error)
	Metrics *metrics.Metrics
	Now     func() time.Time

	cron *cron.Cron

	mu        sync.Mutex
	entry     cron.EntryID
	scheduled bool
	focused   bool
	inFlight  bool
	stopped   bool
}

func New(source Source, store types.KVStore, cfg Config) *Loop {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Loop{
		source:  source,
		store:   store,
		cfg:     cfg,
		Now:     time.Now,
		cron:    cron.New(),
		focused: true,
	}
}

// Start registers the recurring save and starts the cron ticker.
func (l *Loop) Start() error {
	l.mu.Lock()
	err := l.schedule()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.cron.Start()
	return nil
}

// Stop stops the ticker and waits for a running tick to return. Focus and
// Blur do nothing afterwards.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	<-l.cron.Stop().Done()
}

// schedule adds the recurring entry unless one is already registered.
// Caller must hold l.mu.
func (l *Loop) schedule() error {
	if l.scheduled {
		return nil
	}
	id, err := l.cron.AddFunc("@every "+l.cfg.Interval.String(), l.tick)
	if err != nil {
		return fmt.Errorf("schedule state save: %w", err)
	}
	l.entry = id
	l.scheduled = true
	slog.Debug("state save scheduled", "interval", l.cfg.Interval, "key", l.cfg.Key)
	return nil
}

// Focus resumes the recurring save. Focusing twice keeps one schedule.
// Hosts call Focus and Blur as the conversation gains and loses the user;
// the agentlink CLI ties them to the socket coming up and going down.
func (l *Loop) Focus() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.focused = true
	if err := l.schedule(); err != nil {
		l.report(err)
	}
}

// Blur pauses the recurring save and saves once right away.
func (l *Loop) Blur() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.focused = false
	if l.scheduled {
		l.cron.Remove(l.entry)
		l.scheduled = false
	}
	l.mu.Unlock()
	go l.Trigger(context.Background())
}

func (l *Loop) tick() {
	l.mu.Lock()
	focused := l.focused
	l.mu.Unlock()
	if !focused {
		return
	}
	l.Trigger(context.Background())
}

// Trigger attempts one save. It returns without saving when a save is
// already running, when there is no history, or when the stored snapshot
// is newer than the latest history entry.
func (l *Loop) Trigger(ctx context.Context) {
	l.mu.Lock()
	if l.inFlight {
		l.mu.Unlock()
		l.Metrics.RecordSave("skipped")
		return
	}
	l.inFlight = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.inFlight = false
		l.mu.Unlock()
	}()

	last, ok := l.source.LastHistoryItem()
	if !ok {
		l.Metrics.RecordSave("skipped")
		return
	}
	if l.storedAfter(ctx, last.Date) {
		l.Metrics.RecordSave("skipped")
		return
	}

	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()
	for attempt := 0; attempt < l.cfg.MaxAttempts && !l.settled(); attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	l.save(ctx)
}

func (l *Loop) settled() bool {
	if last, ok := l.source.LastHistoryItem(); ok && last.Type == history.ItemInteractionEnd {
		return true
	}
	return !l.source.HasPacketsInProgress()
}

func (l *Loop) storedAfter(ctx context.Context, t time.Time) bool {
	data, ok, err := l.store.Get(ctx, l.cfg.Key)
	if err != nil {
		l.report(fmt.Errorf("read stored state: %w", err))
		return false
	}
	if !ok {
		return false
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		l.report(err)
		return false
	}
	return snap.CreationTime.After(t)
}

func (l *Loop) save(ctx context.Context) {
	state, err := l.source.SessionState(ctx)
	if err != nil {
		l.Metrics.RecordSave("error")
		l.report(fmt.Errorf("fetch session state: %w", err))
		return
	}
	if state.CreationTime.IsZero() {
		state.CreationTime = l.Now()
	}
	data, err := EncodeSnapshot(state)
	if err != nil {
		l.Metrics.RecordSave("error")
		l.report(err)
		return
	}
	if err := l.store.Set(ctx, l.cfg.Key, data); err != nil {
		l.Metrics.RecordSave("error")
		l.report(fmt.Errorf("store session state: %w", err))
		return
	}
	l.Metrics.RecordSave("saved")
	slog.Debug("session state saved", "key", l.cfg.Key, "created", state.CreationTime)
}

func (l *Loop) report(err error) {
	if l.OnError != nil {
		l.OnError(err)
		return
	}
	slog.Error("state save failed", "error", err)
}

// Load returns the stored snapshot, if any.
func Load(ctx context.Context, store types.KVStore, key string) (Snapshot, bool, error) {
	if key == "" {
		key = DefaultKey
	}
	data, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}
