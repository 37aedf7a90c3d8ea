package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/agentlink/pkg/backend"
	"github.com/user/agentlink/pkg/packet"
)

// testServer accepts one socket at a time, records every frame it receives
// and lets the test push frames back.
type testServer struct {
	*httptest.Server
	t        *testing.T
	received chan *packet.Packet
	conns    chan *websocket.Conn
	protocol chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{
		t:        t,
		received: make(chan *packet.Packet, 64),
		conns:    make(chan *websocket.Conn, 4),
		protocol: make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.protocol <- r.Header.Get("Sec-WebSocket-Protocol")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			p, err := packet.Unmarshal(data)
			if err != nil {
				t.Errorf("server decode: %v", err)
				continue
			}
			s.received <- p
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) url(backend.SessionToken) (string, error) {
	return "ws" + strings.TrimPrefix(s.URL, "http"), nil
}

func (s *testServer) conn() *websocket.Conn {
	s.t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		s.t.Fatal("timeout waiting for connection")
		return nil
	}
}

func (s *testServer) next() *packet.Packet {
	s.t.Helper()
	select {
	case p := <-s.received:
		return p
	case <-time.After(2 * time.Second):
		s.t.Fatal("timeout waiting for packet")
		return nil
	}
}

func textItem(text string) QueueItem {
	p := packet.NewEventFactory("player").Text(text)
	return QueueItem{GetPacket: func() *packet.Packet { return p }}
}

var testToken = backend.SessionToken{Token: "tok", Type: "Bearer", SessionID: "s1"}

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

func TestQueuedWritesFlushInOrder(t *testing.T) {
	srv := newTestServer(t)
	ready := make(chan struct{}, 1)
	ch := New(Config{URL: srv.url, Handlers: Handlers{OnReady: func() { ready <- struct{}{} }}})
	defer ch.Close()

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if err := ch.Write(ctx, textItem(text)); err != nil {
			t.Fatal(err)
		}
	}
	if ch.Pending() != 3 {
		t.Fatalf("expected 3 queued items, got %d", ch.Pending())
	}

	if err := ch.Open(ctx, testToken, nil); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"one", "two", "three"} {
		if got := srv.next(); got.Text.Text != want {
			t.Errorf("expected %q, got %q", want, got.Text.Text)
		}
	}

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReady not called")
	}
	if !ch.IsActive() {
		t.Error("expected channel to be active after ready")
	}
	if ch.Pending() != 0 {
		t.Errorf("expected empty queue, got %d", ch.Pending())
	}
}

func TestOpenItemsGoAheadOfQueuedWrites(t *testing.T) {
	srv := newTestServer(t)
	ch := New(Config{URL: srv.url})
	defer ch.Close()

	ctx := context.Background()
	ch.Write(ctx, textItem("user"))
	if err := ch.Open(ctx, testToken, []QueueItem{textItem("replay-1"), textItem("replay-2")}); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"replay-1", "replay-2", "user"} {
		if got := srv.next(); got.Text.Text != want {
			t.Errorf("expected %q, got %q", want, got.Text.Text)
		}
	}
}

func TestSubprotocolCarriesToken(t *testing.T) {
	srv := newTestServer(t)
	ch := New(Config{URL: srv.url})
	defer ch.Close()

	if err := ch.Open(context.Background(), testToken, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-srv.protocol:
		if got != "Bearer, tok" {
			t.Errorf("unexpected subprotocol header %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no handshake")
	}
}

func TestBeforeWritingPrecedesPacket(t *testing.T) {
	srv := newTestServer(t)
	ch := New(Config{URL: srv.url})
	defer ch.Close()

	ctx := context.Background()
	if err := ch.Open(ctx, testToken, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "active", ch.IsActive)

	f := packet.NewEventFactory("player")
	text := f.Text("hello")
	var after atomic.Bool
	err := ch.Write(ctx, QueueItem{
		GetPacket: func() *packet.Packet { return text },
		BeforeWriting: func(ctx context.Context, w Writer, p *packet.Packet) error {
			return w.WritePacket(ctx, f.CancelResponse("i1", []string{"u1"}))
		},
		AfterWriting: func(p *packet.Packet) { after.Store(p == text) },
	})
	if err != nil {
		t.Fatal(err)
	}

	if first := srv.next(); !first.IsCancelResponse() {
		t.Fatalf("expected cancel response first, got %s", first)
	}
	if second := srv.next(); !second.IsText() {
		t.Fatalf("expected text second, got %s", second)
	}
	if !after.Load() {
		t.Error("AfterWriting not called with the written packet")
	}
}

func TestDoneMayWrite(t *testing.T) {
	srv := newTestServer(t)
	ch := New(Config{URL: srv.url})
	defer ch.Close()

	ctx := context.Background()
	if err := ch.Open(ctx, testToken, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "active", ch.IsActive)

	done := make(chan error, 1)
	item := textItem("first")
	item.Done = func() { done <- ch.Write(ctx, textItem("second")) }
	written := make(chan error, 1)
	go func() { written <- ch.Write(ctx, item) }()

	select {
	case err := <-written:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write from Done blocked")
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"first", "second"} {
		if p := srv.next(); !p.IsText() || p.Text.Text != want {
			t.Fatalf("expected %q, got %s", want, p)
		}
	}
}

func TestOpenAtStaleGeneration(t *testing.T) {
	srv := newTestServer(t)
	ch := New(Config{URL: srv.url})
	defer ch.Close()

	gen := ch.Generation()
	ch.Close()
	if err := ch.OpenAt(context.Background(), gen, testToken, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	select {
	case <-srv.conns:
		t.Fatal("no socket should be dialed for a stale generation")
	case <-time.After(50 * time.Millisecond):
	}

	if err := ch.OpenAt(context.Background(), ch.Generation(), testToken, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "active", ch.IsActive)
}

func TestInboundFramesRouteToHandlers(t *testing.T) {
	srv := newTestServer(t)
	messages := make(chan *packet.Packet, 4)
	errs := make(chan error, 4)
	ch := New(Config{URL: srv.url, Handlers: Handlers{
		OnMessage: func(p *packet.Packet) { messages <- p },
		OnError:   func(err error) { errs <- err },
	}})
	defer ch.Close()

	if err := ch.Open(context.Background(), testToken, nil); err != nil {
		t.Fatal(err)
	}
	conn := srv.conn()

	frame, err := packet.Encode(packet.NewEventFactory("x").Text("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(packet.Envelope{Result: &frame}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"error":{"code":16,"message":"Session expired"}}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-messages:
		if !p.IsText() || p.Text.Text != "hi" {
			t.Errorf("unexpected message %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	select {
	case err := <-errs:
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("expected ProtocolError, got %T: %v", err, err)
		}
		if perr.Code != 16 || perr.Message != "Session expired" {
			t.Errorf("unexpected protocol error %+v", perr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered")
	}
}

func TestCloseFiresDisconnectOnce(t *testing.T) {
	srv := newTestServer(t)
	var disconnects atomic.Int32
	ch := New(Config{URL: srv.url, Handlers: Handlers{OnDisconnect: func() { disconnects.Add(1) }}})

	ctx := context.Background()
	if err := ch.Open(ctx, testToken, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "active", ch.IsActive)

	ch.Close()
	ch.Close()
	if got := disconnects.Load(); got != 1 {
		t.Errorf("expected 1 disconnect, got %d", got)
	}
	if ch.IsActive() || ch.State() != StateClosed {
		t.Errorf("expected closed channel, got %s", ch.State())
	}

	ch.Write(ctx, textItem("late"))
	ch.Close()
	if ch.Pending() != 0 {
		t.Errorf("expected close to clear the queue, got %d", ch.Pending())
	}
	if got := disconnects.Load(); got != 1 {
		t.Errorf("closing an unopened channel should not fire disconnect, got %d", got)
	}
}

func TestServerCloseDisconnects(t *testing.T) {
	srv := newTestServer(t)
	var mu sync.Mutex
	var disconnects int
	ch := New(Config{URL: srv.url, Handlers: Handlers{OnDisconnect: func() {
		mu.Lock()
		disconnects++
		mu.Unlock()
	}}})
	defer ch.Close()

	if err := ch.Open(context.Background(), testToken, nil); err != nil {
		t.Fatal(err)
	}
	conn := srv.conn()
	waitFor(t, "active", ch.IsActive)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()

	waitFor(t, "disconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects == 1
	})
	if ch.IsActive() {
		t.Error("expected inactive channel after server close")
	}
}

func TestOpenTwiceFails(t *testing.T) {
	srv := newTestServer(t)
	ch := New(Config{URL: srv.url})
	defer ch.Close()

	ctx := context.Background()
	if err := ch.Open(ctx, testToken, nil); err != nil {
		t.Fatal(err)
	}
	if err := ch.Open(ctx, testToken, nil); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	ch := New(Config{URL: func(backend.SessionToken) (string, error) {
		return "ws" + strings.TrimPrefix(server.URL, "http"), nil
	}})
	ch.Write(context.Background(), textItem("queued"))

	err := ch.Open(context.Background(), testToken, nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if ch.State() != StateClosed {
		t.Errorf("expected closed after failed dial, got %s", ch.State())
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	err := &ProtocolError{Code: 3, Message: "bad"}
	if !strings.Contains(err.Error(), "bad") {
		t.Errorf("unexpected message %q", err.Error())
	}
	data, _ := json.Marshal(err.Details)
	if string(data) != "null" {
		t.Errorf("expected nil details, got %s", data)
	}
}
