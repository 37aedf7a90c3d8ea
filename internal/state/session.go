// internal/state/session.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/agentlink/internal/types"
)

// sessionIndex is the on-disk form of sessions/sessions.json.
type sessionIndex map[types.SessionKey]*types.SessionIndex

// SessionStore maps host session keys (a chat, the CLI) to local sessions
// and remembers the backend session each one last used. Every session owns
// sessions/<sessionID>/ for its packet log.
type SessionStore struct {
	root string
	mu   sync.RWMutex
}

func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root}
}

func (s *SessionStore) path(elem ...string) string {
	return filepath.Join(append([]string{s.root, "sessions"}, elem...)...)
}

func (s *SessionStore) read() (sessionIndex, error) {
	index := make(sessionIndex)
	data, err := os.ReadFile(s.path("sessions.json"))
	if errors.Is(err, os.ErrNotExist) {
		return index, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse session index: %w", err)
	}
	return index, nil
}

// modify runs fn on the index under the write lock and saves the result
// when fn succeeds.
func (s *SessionStore) modify(fn func(sessionIndex) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(index); err != nil {
		return err
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	return writeFileAtomic(s.path("sessions.json"), data)
}

// ResolveOrCreate returns the session for key, creating it bound to scene
// the first time key is seen.
func (s *SessionStore) ResolveOrCreate(_ context.Context, key types.SessionKey, scene string) (types.SessionID, error) {
	s.mu.RLock()
	index, err := s.read()
	s.mu.RUnlock()
	if err != nil {
		return "", err
	}
	if existing, ok := index[key]; ok {
		return existing.SessionID, nil
	}

	var id types.SessionID
	err = s.modify(func(index sessionIndex) error {
		// Another caller may have created it since the read above.
		if existing, ok := index[key]; ok {
			id = existing.SessionID
			return nil
		}
		now := time.Now()
		id = types.NewSessionID()
		index[key] = &types.SessionIndex{
			SessionID:  id,
			SessionKey: key,
			Scene:      scene,
			Status:     "active",
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.path(string(id)), 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return id, nil
}

func (s *SessionStore) Get(_ context.Context, id types.SessionID) (*types.SessionIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, sess := range index {
		if sess.SessionID == id {
			return sess, nil
		}
	}
	return nil, fmt.Errorf("session not found: %s", id)
}

// List returns all sessions, oldest first.
func (s *SessionStore) List(_ context.Context) ([]*types.SessionIndex, error) {
	s.mu.RLock()
	index, err := s.read()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	list := make([]*types.SessionIndex, 0, len(index))
	for _, sess := range index {
		list = append(list, sess)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

// Update replaces the stored entry for session.SessionKey and stamps
// UpdatedAt.
func (s *SessionStore) Update(_ context.Context, session *types.SessionIndex) error {
	return s.modify(func(index sessionIndex) error {
		if _, ok := index[session.SessionKey]; !ok {
			return fmt.Errorf("session not found: %s", session.SessionKey)
		}
		session.UpdatedAt = time.Now()
		index[session.SessionKey] = session
		return nil
	})
}

// writeFileAtomic replaces path via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
