package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/agentlink/internal/audio"
	"github.com/user/agentlink/internal/config"
	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/continuation"
	"github.com/user/agentlink/internal/metrics"
	"github.com/user/agentlink/internal/persist"
	"github.com/user/agentlink/internal/state"
	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/backend"
	"github.com/user/agentlink/pkg/backend/studio"
	"github.com/user/agentlink/pkg/packet"
)

// stack holds the collaborators shared by every session of a process.
type stack struct {
	cfg      *config.Config
	backend  *studio.Client
	kv       *state.FileStore
	sessions *state.SessionStore
	packets  *state.PacketLog
	metrics  *metrics.Metrics
	builder  *continuation.Builder
}

func newStack(cfg *config.Config) (*stack, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	builder, err := continuation.New(cfg.Continuation.Encoding, cfg.Continuation.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("create continuation builder: %w", err)
	}
	return &stack{
		cfg: cfg,
		backend: studio.New(&backend.Config{
			BaseURL:   cfg.Backend.BaseURL,
			WSURL:     cfg.Backend.WSURL,
			APIKey:    cfg.Backend.APIKey,
			APISecret: cfg.Backend.APISecret,
			Workspace: cfg.Backend.Workspace,
		}),
		kv:       state.NewFileStore(cfg.DataDir),
		sessions: state.NewSessionStore(cfg.DataDir),
		packets:  state.NewPacketLog(cfg.DataDir),
		metrics:  metrics.New(cfg.Metrics.Namespace),
		builder:  builder,
	}, nil
}

// stateKey is the KV key under which a session's snapshot is stored.
func stateKey(cfg *config.Config, key types.SessionKey) string {
	return cfg.Persist.Key + "/" + string(key)
}

// session is one connection with its player and persistence loop.
type session struct {
	id     types.SessionID
	key    types.SessionKey
	conn   *connection.Connection
	loop   *persist.Loop
	player *audio.Queue
	sink   io.Closer
	once   sync.Once
}

// openSession builds the connection for key. Audio goes to the configured
// output only when withAudio is set. The connection itself opens lazily on
// the first send.
func (s *stack) openSession(ctx context.Context, key types.SessionKey, withAudio bool, handlers connection.Handlers) (*session, error) {
	sessionID, err := s.sessions.ResolveOrCreate(ctx, key, s.cfg.Session.Scene)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	return s.openResolved(ctx, key, sessionID, withAudio, handlers)
}

func (s *stack) openResolved(ctx context.Context, key types.SessionKey, sessionID types.SessionID, withAudio bool, handlers connection.Handlers) (*session, error) {
	sess := &session{id: sessionID, key: key}

	audioCfg := audio.Config{SampleRate: s.cfg.Audio.SampleRate, Realtime: s.cfg.Audio.Realtime}
	if withAudio && s.cfg.Audio.Output != "" {
		f, err := os.OpenFile(s.cfg.Audio.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audio output: %w", err)
		}
		audioCfg.Sink = f
		sess.sink = f
	}
	sess.player = audio.NewQueue(audioCfg)
	sess.player.Start(ctx)

	traffic := handlers.OnTraffic
	handlers.OnTraffic = func(direction string, p *packet.Packet) {
		if err := s.packets.AppendPacket(context.Background(), sessionID, direction, p); err != nil {
			slog.Warn("append packet log failed", "session_id", sessionID, "error", err)
		}
		if traffic != nil {
			traffic(direction, p)
		}
	}

	// Pick up the backend session this key used last time.
	var resume string
	if index, err := s.sessions.Get(ctx, sessionID); err == nil {
		resume = index.BackendSessionID
	}
	var conn *connection.Connection
	stateChange := handlers.OnStateChange
	handlers.OnStateChange = func(st connection.State) {
		if st == connection.StateActive {
			s.rememberBackendSession(ctx, sessionID, conn.SessionID())
		}
		if stateChange != nil {
			stateChange(st)
		}
	}

	// Save on every disconnect and pause the schedule until the socket is
	// back. A reconnect after session expiry does not blur.
	ready, disconnect := handlers.OnReady, handlers.OnDisconnect
	handlers.OnReady = func() {
		if sess.loop != nil {
			sess.loop.Focus()
		}
		if ready != nil {
			ready()
		}
	}
	handlers.OnDisconnect = func() {
		if sess.loop != nil {
			sess.loop.Blur()
		}
		if disconnect != nil {
			disconnect()
		}
	}

	autoReconnect := s.cfg.Session.AutoReconnect
	historyEnabled := s.cfg.Session.History
	conn, err := connection.New(connection.Config{
		Scene:             s.cfg.Session.Scene,
		Player:            s.cfg.Session.Player,
		AutoReconnect:     &autoReconnect,
		HistoryEnabled:    &historyEnabled,
		DisconnectTimeout: s.cfg.DisconnectTimeout(),
		Interruptions:     s.cfg.Session.Interruptions,
		StateKey:          stateKey(s.cfg, key),
		SessionID:         resume,
		Handlers:          handlers,
		Metrics:           s.metrics,
	}, connection.Deps{
		Backend:      s.backend,
		Player:       sess.player,
		Store:        s.kv,
		Continuation: s.builder,
	})
	if err != nil {
		sess.releasePlayback()
		return nil, fmt.Errorf("create connection: %w", err)
	}
	sess.conn = conn

	sess.loop = persist.New(conn, s.kv, persist.Config{
		Key:           stateKey(s.cfg, key),
		Interval:      s.cfg.PersistInterval(),
		RetryInterval: s.cfg.PersistRetryInterval(),
		MaxAttempts:   s.cfg.Persist.MaxAttempts,
	})
	sess.loop.OnError = conn.ReportError
	sess.loop.Metrics = s.metrics
	if err := sess.loop.Start(); err != nil {
		conn.Close()
		sess.releasePlayback()
		return nil, fmt.Errorf("start state loop: %w", err)
	}

	slog.Info("session ready", "session_key", key, "session_id", sessionID, "scene", s.cfg.Session.Scene)
	return sess, nil
}

// rememberBackendSession records the backend session a local session is
// bound to, so the next process resumes it.
func (s *stack) rememberBackendSession(ctx context.Context, id types.SessionID, backendID string) {
	index, err := s.sessions.Get(ctx, id)
	if err != nil || backendID == "" || index.BackendSessionID == backendID {
		return
	}
	index.BackendSessionID = backendID
	if err := s.sessions.Update(ctx, index); err != nil {
		slog.Warn("record backend session failed", "session_id", id, "error", err)
	}
}

// close saves state one last time, then tears the session down.
func (s *session) close() {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.loop.Stop()
		s.loop.Trigger(ctx)
		s.conn.Close()
		s.releasePlayback()
	})
}

// releasePlayback stops the player and closes the audio output.
func (s *session) releasePlayback() {
	s.player.Stop()
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			slog.Warn("close audio output failed", "error", err)
		}
	}
}

func dataPath(cfg *config.Config, name string) string {
	return filepath.Join(cfg.DataDir, name)
}
