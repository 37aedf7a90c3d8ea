package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/history"
	"github.com/user/agentlink/internal/metrics"
	"github.com/user/agentlink/internal/state"
	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/backend"
	"github.com/user/agentlink/pkg/packet"
)

type mockConn struct {
	mu          sync.Mutex
	factory     *packet.EventFactory
	texts       []string
	triggers    []string
	params      []packet.TriggerParameter
	interrupted int
	closed      bool
	sendErr     error
	items       []history.Item
}

func newMockConn() *mockConn {
	return &mockConn{factory: packet.NewEventFactory("Alice")}
}

func (m *mockConn) SendText(_ context.Context, text string) (*packet.Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.texts = append(m.texts, text)
	return m.factory.Text(text), nil
}

func (m *mockConn) SendTrigger(_ context.Context, name string, params ...packet.TriggerParameter) (*packet.Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, name)
	m.params = params
	return m.factory.Trigger(name, params...), nil
}

func (m *mockConn) Interrupt(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted++
	return nil
}

func (m *mockConn) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockConn) State() connection.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return connection.StateInactive
	}
	return connection.StateActive
}

func (m *mockConn) History() []history.Item { return m.items }

func (m *mockConn) Transcript() string { return "Alice: hi\nGuide: hello\n" }

func (m *mockConn) SessionState(context.Context) (backend.SessionState, error) {
	return backend.SessionState{
		State:        []byte("snapshot"),
		CreationTime: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(newMockConn(), nil, nil)

	w := do(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" || resp["connection"] != "active" {
		t.Errorf("unexpected health %v", resp)
	}
}

func TestSendText(t *testing.T) {
	conn := newMockConn()
	srv := NewServer(conn, nil, nil)

	w := do(t, srv, http.MethodPost, "/send", `{"text":"say hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp sendResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.PacketID == "" || resp.InteractionID == "" {
		t.Errorf("expected packet ids, got %+v", resp)
	}
	if len(conn.texts) != 1 || conn.texts[0] != "say hi" {
		t.Errorf("unexpected sent texts %v", conn.texts)
	}
}

func TestSendValidation(t *testing.T) {
	srv := NewServer(newMockConn(), nil, nil)

	if w := do(t, srv, http.MethodPost, "/send", `{"text":"  "}`); w.Code != http.StatusBadRequest {
		t.Errorf("blank text: expected 400, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/send", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/trigger", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing trigger name: expected 400, got %d", w.Code)
	}
}

func TestSendInactive(t *testing.T) {
	conn := newMockConn()
	conn.sendErr = connection.ErrInactiveConnection
	srv := NewServer(conn, nil, nil)

	if w := do(t, srv, http.MethodPost, "/send", `{"text":"hi"}`); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestTrigger(t *testing.T) {
	conn := newMockConn()
	srv := NewServer(conn, nil, nil)

	w := do(t, srv, http.MethodPost, "/trigger", `{"name":"wave","params":[{"name":"hand","value":"left"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if len(conn.triggers) != 1 || conn.triggers[0] != "wave" {
		t.Errorf("unexpected triggers %v", conn.triggers)
	}
	if len(conn.params) != 1 || conn.params[0].Value != "left" {
		t.Errorf("unexpected params %v", conn.params)
	}
}

func TestInterruptAndClose(t *testing.T) {
	conn := newMockConn()
	srv := NewServer(conn, nil, nil)

	if w := do(t, srv, http.MethodPost, "/interrupt", ""); w.Code != http.StatusOK {
		t.Fatalf("interrupt: expected 200, got %d", w.Code)
	}
	if conn.interrupted != 1 {
		t.Errorf("expected one interrupt, got %d", conn.interrupted)
	}

	w := do(t, srv, http.MethodPost, "/close", "")
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d", w.Code)
	}
	if !conn.closed {
		t.Error("expected connection closed")
	}
	if !strings.Contains(w.Body.String(), "inactive") {
		t.Errorf("expected inactive state in body, got %s", w.Body.String())
	}
}

func TestHistoryAndTranscript(t *testing.T) {
	conn := newMockConn()
	srv := NewServer(conn, nil, nil)

	w := do(t, srv, http.MethodGet, "/history", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty array for no history, got %s", w.Body.String())
	}

	conn.items = []history.Item{{ID: "u1", Type: history.ItemActor, Text: "hi"}}
	w = do(t, srv, http.MethodGet, "/history", "")
	var items []history.Item
	if err := json.NewDecoder(w.Body).Decode(&items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Text != "hi" {
		t.Errorf("unexpected history %v", items)
	}

	w = do(t, srv, http.MethodGet, "/transcript", "")
	if w.Body.String() != "Alice: hi\nGuide: hello\n" {
		t.Errorf("unexpected transcript %q", w.Body.String())
	}
}

func TestState(t *testing.T) {
	srv := NewServer(newMockConn(), nil, nil)

	w := do(t, srv, http.MethodGet, "/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp stateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if string(resp.State) != "snapshot" || resp.CreationTime != "2024-01-02T03:04:05Z" {
		t.Errorf("unexpected state %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	if w := do(t, NewServer(newMockConn(), nil, nil), http.MethodGet, "/metrics", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without metrics, got %d", w.Code)
	}

	m := metrics.New("test")
	m.RecordInterruption()
	w := do(t, NewServer(newMockConn(), nil, m.Handler()), http.MethodGet, "/metrics", "")
	if !strings.Contains(w.Body.String(), "test_interruptions_total 1") {
		t.Errorf("expected interruption counter, got %s", w.Body.String())
	}
}

func TestDebugPacketAPI(t *testing.T) {
	log := state.NewPacketLog(t.TempDir())
	ctx := context.Background()
	sessionID := types.NewSessionID()
	f := packet.NewEventFactory("Alice")
	for _, text := range []string{"one", "two", "three"} {
		if err := log.AppendPacket(ctx, sessionID, types.DirectionOut, f.Text(text)); err != nil {
			t.Fatal(err)
		}
	}
	srv := NewServer(newMockConn(), log, nil)

	w := do(t, srv, http.MethodGet, "/api/sessions", "")
	var sessions []sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != string(sessionID) || sessions[0].PacketCount != 3 {
		t.Errorf("unexpected sessions %+v", sessions)
	}

	w = do(t, srv, http.MethodGet, "/api/sessions/"+string(sessionID)+"/packets?limit=2", "")
	var records []*types.PacketRecord
	if err := json.NewDecoder(w.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].Seq != 2 {
		t.Errorf("expected last two records, got %d", len(records))
	}

	if w := do(t, srv, http.MethodGet, "/api/sessions/"+string(sessionID)+"/other", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(t, NewServer(newMockConn(), nil, nil), http.MethodGet, "/api/sessions", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without packet log, got %d", w.Code)
	}
}
