// internal/state/packetlog.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/packet"
)

const maxLineSize = 4 << 20

// PacketLog is a JSONL append-only log of every packet a session sent or
// received, stored at sessions/<sessionID>/packets.jsonl.
type PacketLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	seqs  map[types.SessionID]int64
}

func NewPacketLog(root string) *PacketLog {
	return &PacketLog{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
		seqs:  make(map[types.SessionID]int64),
	}
}

func (l *PacketLog) getLock(sessionID types.SessionID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[sessionID] = lock
	return lock
}

func (l *PacketLog) logPath(sessionID types.SessionID) string {
	return filepath.Join(l.root, "sessions", string(sessionID), "packets.jsonl")
}

// count scans the log. Caller must hold the session lock.
func (l *PacketLog) count(sessionID types.SessionID) (int64, error) {
	f, err := os.Open(l.logPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open packet log: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan packet log: %w", err)
	}
	return count, nil
}

// Append writes record with the next sequence number for its session.
func (l *PacketLog) Append(_ context.Context, record *types.PacketRecord) error {
	lock := l.getLock(record.SessionID)
	lock.Lock()
	defer lock.Unlock()

	path := l.logPath(record.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	l.mu.Lock()
	seq, known := l.seqs[record.SessionID]
	l.mu.Unlock()
	if !known {
		existing, err := l.count(record.SessionID)
		if err != nil {
			return err
		}
		seq = existing
	}
	record.Seq = seq + 1
	if record.ID == "" {
		record.ID = types.NewRecordID()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal packet record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open packet log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write packet record: %w", err)
	}

	l.mu.Lock()
	l.seqs[record.SessionID] = record.Seq
	l.mu.Unlock()
	return nil
}

// AppendPacket encodes p and appends it in the given direction.
func (l *PacketLog) AppendPacket(ctx context.Context, sessionID types.SessionID, direction string, p *packet.Packet) error {
	frame, err := packet.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	at := p.Date
	if at.IsZero() {
		at = time.Now()
	}
	return l.Append(ctx, &types.PacketRecord{
		SessionID: sessionID,
		Direction: direction,
		Type:      p.Type,
		At:        at,
		Frame:     frame,
	})
}

// Tail returns the last limit records of the session.
func (l *PacketLog) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*types.PacketRecord, error) {
	lock := l.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(l.logPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open packet log: %w", err)
	}
	defer f.Close()

	var records []*types.PacketRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		var record types.PacketRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("unmarshal packet record: %w", err)
		}
		records = append(records, &record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan packet log: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func (l *PacketLog) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := l.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return l.count(sessionID)
}

// Sessions lists the sessions that have a packet log.
func (l *PacketLog) Sessions(_ context.Context) ([]types.SessionID, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var ids []types.SessionID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := types.SessionID(e.Name())
		if _, err := os.Stat(l.logPath(id)); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
