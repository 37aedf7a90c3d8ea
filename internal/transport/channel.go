// Package transport owns the socket to the character backend. Writes made
// before the socket is ready are queued and flushed in order once it is.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/agentlink/pkg/backend"
	"github.com/user/agentlink/pkg/packet"
)

var (
	// ErrTransport wraps socket-level failures.
	ErrTransport   = errors.New("transport error")
	ErrAlreadyOpen = errors.New("transport already open")
	ErrClosed      = errors.New("transport closed")
)

// ProtocolError is an error frame sent by the backend.
type ProtocolError struct {
	Code    int
	Message string
	Details []json.RawMessage
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Writer sends a packet straight to the socket, bypassing the queue.
type Writer interface {
	WritePacket(ctx context.Context, p *packet.Packet) error
}

// QueueItem is one pending send. GetPacket is called once, right before the
// packet goes out. BeforeWriting may use the Writer to send packets that
// must precede this one. Both writing hooks run under the write lock and
// must not write through the Channel. Done runs once the lock is released,
// whether or not the write succeeded, and may write; for items flushed on
// open it runs once the channel is open.
type QueueItem struct {
	GetPacket     func() *packet.Packet
	BeforeWriting func(ctx context.Context, w Writer, p *packet.Packet) error
	AfterWriting  func(p *packet.Packet)
	Done          func()
}

type Handlers struct {
	OnReady      func()
	OnMessage    func(p *packet.Packet)
	OnError      func(err error)
	OnDisconnect func()
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	// URL returns the socket address for a session.
	URL          func(token backend.SessionToken) (string, error)
	Dialer       Dialer
	WriteTimeout time.Duration
	Handlers     Handlers
}

// Channel is a single logical socket with a write queue.
type Channel struct {
	cfg Config

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	queue        []QueueItem
	gen          uint64
	disconnected *sync.Once

	writeMu sync.Mutex
}

func New(cfg Config) *Channel {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Channel{cfg: cfg}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether writes go straight to the socket.
func (c *Channel) IsActive() bool {
	return c.State() == StateOpen
}

// Pending returns the number of queued items.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Generation identifies the channel's current lifetime. Open and Close
// both advance it.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Open dials the socket for token. items are placed ahead of anything
// already queued. The queue is flushed on a separate goroutine once the
// connection is established; OnReady fires after the flush.
func (c *Channel) Open(ctx context.Context, token backend.SessionToken, items []QueueItem) error {
	return c.open(ctx, nil, token, items)
}

// OpenAt is Open for a caller that read gen from Generation earlier. It
// returns ErrClosed without dialing if the channel was opened or closed
// since.
func (c *Channel) OpenAt(ctx context.Context, gen uint64, token backend.SessionToken, items []QueueItem) error {
	return c.open(ctx, &gen, token, items)
}

func (c *Channel) open(ctx context.Context, expect *uint64, token backend.SessionToken, items []QueueItem) error {
	c.mu.Lock()
	if expect != nil && c.gen != *expect {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateClosed {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.state = StateConnecting
	c.queue = append(append(make([]QueueItem, 0, len(items)+len(c.queue)), items...), c.queue...)
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.dial(ctx, token)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateClosed
			c.queue = nil
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.disconnected = &sync.Once{}
	c.mu.Unlock()

	go c.readLoop(gen, conn)
	go c.flush(gen, conn)
	return nil
}

func (c *Channel) dial(ctx context.Context, token backend.SessionToken) (*websocket.Conn, error) {
	if c.cfg.URL == nil {
		return nil, fmt.Errorf("%w: no socket url configured", ErrTransport)
	}
	target, err := c.cfg.URL(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	header := http.Header{}
	var protocols []string
	for _, v := range []string{token.Type, token.Token} {
		if v != "" {
			protocols = append(protocols, v)
		}
	}
	if len(protocols) > 0 {
		header.Set("Sec-WebSocket-Protocol", strings.Join(protocols, ", "))
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", ErrTransport, target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, target, err)
	}
	slog.Debug("socket connected", "url", target, "session_id", token.SessionID)
	return conn, nil
}

// flush drains the queue in order, then marks the channel open. Items
// written while flushing are appended and drained in the same pass. Done
// hooks of flushed items run last, after OnReady, so a hook that writes is
// not queued behind itself.
func (c *Channel) flush(gen uint64, conn *websocket.Conn) {
	ctx := context.Background()
	var done []func()
	defer func() {
		for _, fn := range done {
			fn()
		}
	}()
	for {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.state = StateOpen
			onReady := c.cfg.Handlers.OnReady
			c.mu.Unlock()
			if onReady != nil {
				onReady()
			}
			return
		}
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.deliverLocked(ctx, conn, item); err != nil {
			c.reportError(gen, err)
		}
		if item.Done != nil {
			done = append(done, item.Done)
		}
	}
}

// Write sends item now if the channel is open, otherwise queues it.
func (c *Channel) Write(ctx context.Context, item QueueItem) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.queue = append(c.queue, item)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()
	return c.deliver(ctx, conn, item)
}

// deliver writes one item and then runs its Done hook.
func (c *Channel) deliver(ctx context.Context, conn *websocket.Conn, item QueueItem) error {
	err := c.deliverLocked(ctx, conn, item)
	if item.Done != nil {
		item.Done()
	}
	return err
}

// deliverLocked runs one item's writing hooks and write while holding the
// write lock, so nothing else reaches the socket between BeforeWriting and
// the packet.
func (c *Channel) deliverLocked(ctx context.Context, conn *websocket.Conn, item QueueItem) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if item.GetPacket == nil {
		return nil
	}
	p := item.GetPacket()
	if p == nil {
		return nil
	}

	w := directWriter{c: c, conn: conn}
	if item.BeforeWriting != nil {
		if err := item.BeforeWriting(ctx, w, p); err != nil {
			return fmt.Errorf("before writing %s: %w", p.Type, err)
		}
	}
	if err := w.WritePacket(ctx, p); err != nil {
		return err
	}
	if item.AfterWriting != nil {
		item.AfterWriting(p)
	}
	return nil
}

type directWriter struct {
	c    *Channel
	conn *websocket.Conn
}

func (w directWriter) WritePacket(ctx context.Context, p *packet.Packet) error {
	data, err := packet.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode %s packet: %w", p.Type, err)
	}
	deadline := time.Now().Add(w.c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// Close detaches handlers, closes the socket, fires OnDisconnect once for
// the connection that was open and drops everything still queued.
func (c *Channel) Close() {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	once := c.disconnected
	c.conn = nil
	c.disconnected = nil
	c.state = StateClosed
	c.queue = nil
	onDisconnect := c.cfg.Handlers.OnDisconnect
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		_ = conn.Close()
	}
	if once != nil && onDisconnect != nil {
		once.Do(onDisconnect)
	}
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Channel) reportError(gen uint64, err error) {
	if !c.current(gen) {
		return
	}
	if c.cfg.Handlers.OnError != nil {
		c.cfg.Handlers.OnError(err)
		return
	}
	slog.Error("transport error", "error", err)
}

// disconnectGen closes the channel if gen is still the live connection.
func (c *Channel) disconnectGen(gen uint64) {
	if c.current(gen) {
		c.Close()
	}
}

func (c *Channel) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.current(gen) {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.reportError(gen, fmt.Errorf("%w: read: %v", ErrTransport, err))
			}
			c.disconnectGen(gen)
			return
		}
		if !c.current(gen) {
			return
		}

		var env packet.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.reportError(gen, fmt.Errorf("decode frame: %w", err))
			continue
		}
		if env.Error != nil {
			c.reportError(gen, &ProtocolError{
				Code:    env.Error.Code,
				Message: env.Error.Message,
				Details: env.Error.Details,
			})
			continue
		}
		if env.Result == nil {
			continue
		}
		p, err := packet.Decode(*env.Result)
		if err != nil {
			c.reportError(gen, fmt.Errorf("decode packet: %w", err))
			continue
		}
		if c.cfg.Handlers.OnMessage != nil && c.current(gen) {
			c.cfg.Handlers.OnMessage(p)
		}
	}
}
