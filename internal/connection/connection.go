// Package connection drives one conversation with the character backend:
// session tokens, scene loading, the socket lifecycle, interruptions,
// idle disconnects and reconnection after the session expires.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/user/agentlink/internal/continuation"
	"github.com/user/agentlink/internal/history"
	"github.com/user/agentlink/internal/metrics"
	"github.com/user/agentlink/internal/persist"
	"github.com/user/agentlink/internal/transport"
	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/backend"
	"github.com/user/agentlink/pkg/packet"
)

// tokenExpirySkew treats tokens this close to expiry as already expired.
const tokenExpirySkew = 30 * time.Second

type State int

const (
	StateInactive State = iota
	StateLoading
	StateLoaded
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "inactive"
	}
}

// Handlers are the host callbacks. All are optional. OnMessage and
// OnHistoryChange run on the socket reader goroutine in packet arrival
// order. OnInterruption runs once the cancel packet is on the wire and may
// send.
type Handlers struct {
	OnReady         func()
	OnDisconnect    func()
	OnError         func(err error)
	OnMessage       func(p *packet.Packet)
	OnInterruption  func(intr history.Interruption)
	OnHistoryChange func(all, changed []history.Item)
	OnStateChange   func(s State)
	// OnTraffic observes every packet on the wire; direction is
	// types.DirectionIn or types.DirectionOut.
	OnTraffic func(direction string, p *packet.Packet)
}

type Config struct {
	Scene  string
	Player string

	// AutoReconnect opens the connection on demand and reconnects after
	// the session expires. Defaults to true.
	AutoReconnect *bool
	// HistoryEnabled defaults to true.
	HistoryEnabled *bool
	// DisconnectTimeout closes an idle connection. Zero disables it.
	DisconnectTimeout time.Duration
	Interruptions     bool
	// StateKey is where the persisted session snapshot lives in the store.
	StateKey string
	// SessionID resumes an earlier backend session when its token is
	// renewed. Empty starts a new one.
	SessionID string

	Retry    *RetryPolicy
	Handlers Handlers
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Deps are the collaborators a Connection talks to. Only Backend is
// required.
type Deps struct {
	Backend backend.Backend
	// URL resolves the socket address. When nil the backend is asked, if
	// it knows how.
	URL          func(token backend.SessionToken) (string, error)
	Dialer       transport.Dialer
	Player       types.Player
	Store        types.KVStore
	Continuation *continuation.Builder
}

type urlSource interface {
	WebSocketURL(token backend.SessionToken) (string, error)
}

type Connection struct {
	cfg       Config
	deps      Deps
	factory   *packet.EventFactory
	transport *transport.Channel
	history   *history.History
	ledger    *ledger
	opening   singleflight.Group

	mu           sync.Mutex
	state        State
	token        backend.SessionToken
	sessionID    string
	scene        *backend.Scene
	closeGen     uint64
	reconnecting bool
	wasConnected bool
	pending      map[*result]struct{}

	idleMu  sync.Mutex
	idle    *time.Timer
	idleGen uint64
}

func New(cfg Config, deps Deps) (*Connection, error) {
	if deps.Backend == nil {
		return nil, errors.New("connection: backend is required")
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StateKey == "" {
		cfg.StateKey = persist.DefaultKey
	}

	urlFn := deps.URL
	if urlFn == nil {
		src, ok := deps.Backend.(urlSource)
		if !ok {
			return nil, errors.New("connection: no websocket url source")
		}
		urlFn = src.WebSocketURL
	}

	c := &Connection{
		cfg:     cfg,
		deps:    deps,
		factory: packet.NewEventFactory(cfg.Player),
		history: history.New(),
		ledger:  newLedger(),
		pending: make(map[*result]struct{}),

		sessionID: cfg.SessionID,
	}
	c.transport = transport.New(transport.Config{
		URL:    urlFn,
		Dialer: deps.Dialer,
		Handlers: transport.Handlers{
			OnReady:      c.onReady,
			OnMessage:    c.onPacket,
			OnError:      c.onTransportError,
			OnDisconnect: c.onDisconnect,
		},
	})
	cfg.Metrics.SetState(int(StateInactive))
	return c, nil
}

func (c *Connection) autoReconnect() bool {
	return c.cfg.AutoReconnect == nil || *c.cfg.AutoReconnect
}

func (c *Connection) historyEnabled() bool {
	return c.cfg.HistoryEnabled == nil || *c.cfg.HistoryEnabled
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsActive() bool {
	return c.State() == StateActive
}

// stateChanged must be called without c.mu held.
func (c *Connection) stateChanged(s State) {
	c.cfg.Metrics.SetState(int(s))
	slog.Debug("connection state", "scene", c.cfg.Scene, "state", s.String())
	if h := c.cfg.Handlers.OnStateChange; h != nil {
		h(s)
	}
}

// Open loads the session and scene if needed and opens the socket.
// Concurrent calls share one attempt. An attempt abandoned by Close is
// never shared with calls made after it.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	gen := c.closeGen
	c.mu.Unlock()
	_, err, _ := c.opening.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, c.open(ctx, gen)
	})
	return err
}

// OpenManually opens a connection that does not auto-reconnect.
func (c *Connection) OpenManually(ctx context.Context) error {
	if c.autoReconnect() {
		return ErrManualOpenDisabled
	}
	if c.State() != StateInactive {
		return ErrNotInactive
	}
	return c.Open(ctx)
}

func (c *Connection) open(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.cfg.Scene == "" || c.closeGen != gen {
		c.mu.Unlock()
		return nil
	}
	switch c.state {
	case StateLoaded, StateActivating, StateActive:
		c.mu.Unlock()
		return nil
	}
	c.state = StateLoading
	c.mu.Unlock()
	c.stateChanged(StateLoading)

	token, err := c.ensureToken(ctx)
	if err != nil {
		return c.failOpen(gen, err)
	}
	if _, err := c.ensureScene(ctx, token); err != nil {
		return c.failOpen(gen, err)
	}

	c.mu.Lock()
	if c.closeGen != gen || (c.state != StateLoading && c.state != StateInactive) {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLoaded
	c.mu.Unlock()
	c.stateChanged(StateLoaded)

	items := c.openItems()

	c.mu.Lock()
	if c.closeGen != gen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateActivating
	// A Close from here on advances the transport past tgen, so the socket
	// is either never dialed or torn down by that Close.
	tgen := c.transport.Generation()
	c.mu.Unlock()
	c.stateChanged(StateActivating)

	if err := c.transport.OpenAt(ctx, tgen, token, items); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return c.failOpen(gen, err)
	}
	slog.Info("connection opened", "scene", c.cfg.Scene, "session_id", token.SessionID, "replayed", len(items))
	c.scheduleIdle()
	return nil
}

// failOpen fails the sends waiting on attempt gen. Sends made after a Close
// belong to a later attempt and are left alone.
func (c *Connection) failOpen(gen uint64, err error) error {
	err = fmt.Errorf("open connection: %w", err)
	c.mu.Lock()
	current := c.closeGen == gen
	if current {
		c.state = StateInactive
	}
	c.mu.Unlock()
	if current {
		c.stateChanged(StateInactive)
		c.cancelPending(err)
	}
	return err
}

// ensureToken returns the current token, generating a new one for the same
// session when it is missing or about to expire.
func (c *Connection) ensureToken(ctx context.Context) (backend.SessionToken, error) {
	c.mu.Lock()
	token := c.token
	sessionID := c.sessionID
	c.mu.Unlock()

	if !token.Expired(c.cfg.Now(), tokenExpirySkew) {
		return token, nil
	}

	var fresh backend.SessionToken
	err := c.cfg.Retry.Execute(ctx, func() error {
		var err error
		fresh, err = c.deps.Backend.GenerateToken(ctx, sessionID)
		return err
	})
	if err != nil {
		return backend.SessionToken{}, fmt.Errorf("generate session token: %w", err)
	}
	if fresh.SessionID == "" {
		fresh.SessionID = sessionID
	}

	c.mu.Lock()
	c.token = fresh
	if fresh.SessionID != c.sessionID {
		c.scene = nil
	}
	c.sessionID = fresh.SessionID
	c.mu.Unlock()
	slog.Debug("session token generated", "session_id", fresh.SessionID, "expires_at", fresh.ExpiresAt)
	return fresh, nil
}

// ensureScene loads the scene once per session.
func (c *Connection) ensureScene(ctx context.Context, token backend.SessionToken) (backend.Scene, error) {
	c.mu.Lock()
	if c.scene != nil {
		scene := *c.scene
		c.mu.Unlock()
		return scene, nil
	}
	c.mu.Unlock()

	scene, err := c.deps.Backend.LoadScene(ctx, backend.LoadSceneRequest{
		Token:        token,
		Scene:        c.cfg.Scene,
		Player:       c.cfg.Player,
		Continuation: c.continuation(ctx),
	})
	if err != nil {
		return backend.Scene{}, fmt.Errorf("load scene: %w", err)
	}

	c.mu.Lock()
	c.scene = &scene
	c.mu.Unlock()

	if _, ok := c.factory.CurrentCharacter(); !ok && len(scene.Characters) > 0 {
		c.factory.SetCurrentCharacter(scene.Characters[0].ID)
	}
	slog.Info("scene loaded", "scene", scene.Name, "characters", len(scene.Characters))
	return scene, nil
}

// continuation prefers a stored state snapshot and falls back to the
// recent dialog.
func (c *Connection) continuation(ctx context.Context) *backend.Continuation {
	if c.deps.Store != nil {
		snap, ok, err := persist.Load(ctx, c.deps.Store, c.cfg.StateKey)
		if err != nil {
			slog.Warn("failed to load session snapshot", "key", c.cfg.StateKey, "error", err)
		} else if ok && len(snap.State) > 0 {
			return &backend.Continuation{PreviousState: snap.State}
		}
	}
	if c.deps.Continuation != nil {
		if phrases := c.deps.Continuation.Build(c.history.Get(), c.cfg.Player); len(phrases) > 0 {
			return &backend.Continuation{PreviousDialog: phrases}
		}
	}
	return nil
}

// openItems are sent ahead of anything queued: the mute state when
// reconnecting, then every interactive packet still awaiting an answer.
func (c *Connection) openItems() []transport.QueueItem {
	var items []transport.QueueItem

	c.mu.Lock()
	wasConnected := c.wasConnected
	c.mu.Unlock()
	if wasConnected && c.deps.Player != nil && c.deps.Player.Muted() {
		mute := c.factory.Mute(true)
		items = append(items, transport.QueueItem{
			GetPacket:    func() *packet.Packet { return mute },
			AfterWriting: c.observeOut,
		})
	}
	for _, produce := range c.ledger.pending() {
		items = append(items, c.queueItem(produce, nil))
	}
	return items
}

// Close severs the socket and drops anything still queued.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closeGen++
	changed := c.state != StateInactive
	c.state = StateInactive
	c.mu.Unlock()
	if changed {
		c.stateChanged(StateInactive)
	}

	c.cancelIdle()
	c.transport.Close()
	c.cancelPending(ErrConnectionClosed)
}

// Send writes the packet built by produce, opening the connection first if
// needed, and returns once it is on the wire.
func (c *Connection) Send(ctx context.Context, produce Producer) (*packet.Packet, error) {
	c.cancelIdle()
	if !c.IsActive() && !c.autoReconnect() {
		return nil, ErrInactiveConnection
	}

	produce = memoize(produce)
	res := c.track()
	defer c.untrack(res)

	if err := c.transport.Write(ctx, c.queueItem(produce, res)); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if c.State() == StateInactive {
		go c.openInBackground()
	}
	return res.wait(ctx)
}

func (c *Connection) openInBackground() {
	if err := c.Open(context.Background()); err != nil {
		c.handleError(err)
	}
}

func memoize(produce Producer) Producer {
	var once sync.Once
	var p *packet.Packet
	return func() *packet.Packet {
		once.Do(func() { p = produce() })
		return p
	}
}

// queueItem wraps a send: TEXT interrupts the current utterance first, and
// interactive packets are tracked until the server ends the interaction.
// The host hears about the interruption from Done, outside the write lock.
func (c *Connection) queueItem(produce Producer, res *result) transport.QueueItem {
	var intr *history.Interruption
	return transport.QueueItem{
		GetPacket: produce,
		BeforeWriting: func(ctx context.Context, w transport.Writer, p *packet.Packet) error {
			if !p.IsText() {
				return nil
			}
			var err error
			intr, err = c.stopCurrent(ctx, func(cancel *packet.Packet) error {
				if err := w.WritePacket(ctx, cancel); err != nil {
					return err
				}
				c.observeOut(cancel)
				return nil
			})
			return err
		},
		AfterWriting: func(p *packet.Packet) {
			if p.IsText() || p.IsAudio() {
				c.ledger.recordInProgress(p.ID.InteractionID, produce)
			}
			c.scheduleIdle()
			c.observeOut(p)
			if res != nil {
				res.resolve(p)
			}
		},
		Done: func() {
			if intr != nil {
				c.notifyInterruption(*intr)
				intr = nil
			}
		},
	}
}

// emit sends a protocol packet outside the caller's send.
func (c *Connection) emit(p *packet.Packet) error {
	return c.transport.Write(context.Background(), transport.QueueItem{
		GetPacket:    func() *packet.Packet { return p },
		AfterWriting: c.observeOut,
	})
}

func (c *Connection) observeOut(p *packet.Packet) {
	c.cfg.Metrics.RecordSent(string(p.Type))
	if h := c.cfg.Handlers.OnTraffic; h != nil {
		h(types.DirectionOut, p)
	}
}

func (c *Connection) SendText(ctx context.Context, text string) (*packet.Packet, error) {
	return c.Send(ctx, func() *packet.Packet { return c.factory.Text(text) })
}

func (c *Connection) SendTrigger(ctx context.Context, name string, params ...packet.TriggerParameter) (*packet.Packet, error) {
	return c.Send(ctx, func() *packet.Packet { return c.factory.Trigger(name, params...) })
}

func (c *Connection) SendNarratedAction(ctx context.Context, content string) (*packet.Packet, error) {
	return c.Send(ctx, func() *packet.Packet { return c.factory.NarratedAction(content) })
}

// SendAudio sends one chunk of player audio. Chunks of a turn share
// interactionID.
func (c *Connection) SendAudio(ctx context.Context, interactionID string, chunk []byte) (*packet.Packet, error) {
	return c.Send(ctx, func() *packet.Packet { return c.factory.AudioChunk(interactionID, chunk) })
}

func (c *Connection) SendCancelResponse(ctx context.Context, interactionID string, utteranceIDs []string) (*packet.Packet, error) {
	return c.Send(ctx, func() *packet.Packet { return c.factory.CancelResponse(interactionID, utteranceIDs) })
}

func (c *Connection) SendMute(ctx context.Context, muted bool) (*packet.Packet, error) {
	return c.Send(ctx, func() *packet.Packet { return c.factory.Mute(muted) })
}

// Interrupt cuts off whatever the player is currently playing.
func (c *Connection) Interrupt(ctx context.Context) error {
	return c.interrupt(ctx, c.emit)
}

func (c *Connection) interrupt(ctx context.Context, emit func(*packet.Packet) error) error {
	intr, err := c.stopCurrent(ctx, emit)
	if intr != nil {
		c.notifyInterruption(*intr)
	}
	return err
}

// stopCurrent stops whatever the player is playing. It returns nil when
// nothing was stopped.
func (c *Connection) stopCurrent(ctx context.Context, emit func(*packet.Packet) error) (*history.Interruption, error) {
	if !c.cfg.Interruptions || c.deps.Player == nil {
		return nil, nil
	}
	current := c.deps.Player.CurrentPacket()
	if current == nil {
		return nil, nil
	}
	return c.interruptByPacket(ctx, current, emit)
}

// interruptByPacket stops playback of p's interaction and, if anything was
// stopped, tells the server to drop those utterances.
func (c *Connection) interruptByPacket(ctx context.Context, p *packet.Packet, emit func(*packet.Packet) error) (*history.Interruption, error) {
	interactionID := p.ID.InteractionID
	stopped, err := c.deps.Player.StopForInteraction(ctx, interactionID)
	if err != nil {
		return nil, fmt.Errorf("stop playback for interaction %s: %w", interactionID, err)
	}
	if len(stopped) == 0 {
		return nil, nil
	}

	utterances := uniqueUtterances(stopped)
	if err := emit(c.factory.CancelResponse(interactionID, utterances)); err != nil {
		return nil, fmt.Errorf("cancel interaction %s: %w", interactionID, err)
	}
	c.ledger.markCancelled(interactionID)

	intr := history.Interruption{InteractionID: interactionID, UtteranceIDs: utterances}
	c.history.Filter(intr)
	c.cfg.Metrics.RecordInterruption()
	slog.Debug("interaction interrupted", "interaction_id", interactionID, "utterances", len(utterances))
	return &intr, nil
}

// notifyInterruption must not be called under the transport's write lock.
func (c *Connection) notifyInterruption(intr history.Interruption) {
	if h := c.cfg.Handlers.OnInterruption; h != nil {
		h(intr)
	}
}

func uniqueUtterances(packets []*packet.Packet) []string {
	seen := make(map[string]bool, len(packets))
	var ids []string
	for _, p := range packets {
		id := p.ID.UtteranceID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// onPacket handles every inbound packet, in arrival order.
func (c *Connection) onPacket(p *packet.Packet) {
	c.cfg.Metrics.RecordReceived(string(p.Type))
	if h := c.cfg.Handlers.OnTraffic; h != nil {
		h(types.DirectionIn, p)
	}

	interactionID := p.ID.InteractionID
	if p.IsInteractionEnd() {
		c.ledger.clearInProgress(interactionID)
	}

	if p.IsCharacterText() && c.ledger.isCancelled(interactionID) {
		if err := c.emit(c.factory.CancelResponse(interactionID, []string{p.ID.UtteranceID})); err != nil {
			c.handleError(err)
		}
		return
	}

	if p.IsPlayerText() {
		if err := c.interrupt(context.Background(), c.emit); err != nil {
			c.handleError(err)
		}
	}

	if (p.IsAudio() || p.IsSilence()) && !c.ledger.isCancelled(interactionID) && c.deps.Player != nil {
		c.deps.Player.AddToQueue(types.PlaybackItem{
			Packet:  p,
			OnStart: c.displayHook(history.DisplayStart),
			OnEnd:   c.displayHook(history.DisplayEnd),
		})
	}

	if p.IsInteractionEnd() {
		c.ledger.clearCancel(interactionID)
	}

	if c.historyEnabled() {
		changed := c.history.AddOrUpdate(p, c.Characters(), history.AudioContext{Enabled: c.audioEnabled()})
		c.historyChanged(changed)
	}

	if h := c.cfg.Handlers.OnMessage; h != nil {
		h(p)
	}
}

func (c *Connection) audioEnabled() bool {
	return c.deps.Player != nil && c.deps.Player.Enabled()
}

// displayHook feeds playback events of p to the history.
func (c *Connection) displayHook(dt history.DisplayType) func(*packet.Packet) {
	return func(p *packet.Packet) {
		if !c.historyEnabled() {
			return
		}
		c.historyChanged(c.history.Display(p, dt))
	}
}

func (c *Connection) historyChanged(changed []history.Item) {
	if len(changed) == 0 {
		return
	}
	if h := c.cfg.Handlers.OnHistoryChange; h != nil {
		h(c.history.Get(), changed)
	}
}

func (c *Connection) onReady() {
	c.mu.Lock()
	ready := c.state == StateActivating
	if ready {
		c.state = StateActive
		c.wasConnected = true
	}
	c.mu.Unlock()
	if !ready {
		return
	}
	c.stateChanged(StateActive)
	if h := c.cfg.Handlers.OnReady; h != nil {
		h()
	}
}

func (c *Connection) onTransportError(err error) {
	if IsAuthError(err) && c.autoReconnect() {
		c.reconnect(err)
		return
	}
	c.handleError(err)
}

// reconnect drops the expired token and scene and opens again. Unanswered
// packets are replayed by the next open.
func (c *Connection) reconnect(cause error) {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.token = backend.SessionToken{}
	c.scene = nil
	c.state = StateInactive
	c.mu.Unlock()
	c.stateChanged(StateInactive)

	slog.Info("session expired, reconnecting", "scene", c.cfg.Scene, "cause", cause)
	c.cancelIdle()
	c.transport.Close()
	c.cfg.Metrics.RecordReconnect()

	go func() {
		err := c.Open(context.Background())
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		if err != nil {
			c.handleError(fmt.Errorf("reconnect: %w", err))
		}
	}()
}

func (c *Connection) onDisconnect() {
	c.mu.Lock()
	reconnecting := c.reconnecting
	changed := !reconnecting && c.state != StateInactive
	if changed {
		c.state = StateInactive
	}
	c.mu.Unlock()
	if changed {
		c.stateChanged(StateInactive)
	}

	c.cancelIdle()
	c.cancelPending(ErrConnectionClosed)
	if reconnecting {
		return
	}
	slog.Info("connection closed", "scene", c.cfg.Scene)
	if h := c.cfg.Handlers.OnDisconnect; h != nil {
		h()
	}
}

// ReportError funnels an error through the connection's error handler.
func (c *Connection) ReportError(err error) {
	c.handleError(err)
}

func (c *Connection) handleError(err error) {
	if err == nil {
		return
	}
	if h := c.cfg.Handlers.OnError; h != nil {
		h(err)
		return
	}
	slog.Error("connection error", "scene", c.cfg.Scene, "error", err)
}

func (c *Connection) scheduleIdle() {
	if c.cfg.DisconnectTimeout <= 0 {
		return
	}
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idleGen++
	gen := c.idleGen
	c.idle = time.AfterFunc(c.cfg.DisconnectTimeout, func() {
		c.idleMu.Lock()
		current := c.idleGen == gen
		c.idleMu.Unlock()
		if !current {
			return
		}
		slog.Info("closing idle connection", "scene", c.cfg.Scene, "timeout", c.cfg.DisconnectTimeout)
		c.Close()
	})
}

func (c *Connection) cancelIdle() {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	c.idleGen++
}

func (c *Connection) track() *result {
	res := newResult()
	c.mu.Lock()
	c.pending[res] = struct{}{}
	c.mu.Unlock()
	return res
}

func (c *Connection) untrack(res *result) {
	c.mu.Lock()
	delete(c.pending, res)
	c.mu.Unlock()
}

func (c *Connection) cancelPending(err error) {
	c.mu.Lock()
	pending := make([]*result, 0, len(c.pending))
	for res := range c.pending {
		pending = append(pending, res)
	}
	c.mu.Unlock()
	for _, res := range pending {
		res.cancel(err)
	}
}

// SessionState fetches the server-side snapshot of the current session.
func (c *Connection) SessionState(ctx context.Context) (backend.SessionState, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return backend.SessionState{}, err
	}
	scene := c.cfg.Scene
	c.mu.Lock()
	if c.scene != nil && c.scene.Name != "" {
		scene = c.scene.Name
	}
	c.mu.Unlock()
	return c.deps.Backend.FetchState(ctx, token, scene)
}

func (c *Connection) HasPacketsInProgress() bool {
	return c.ledger.hasInProgress()
}

func (c *Connection) LastHistoryItem() (history.Item, bool) {
	return c.history.Last()
}

func (c *Connection) History() []history.Item {
	return c.history.Get()
}

func (c *Connection) Transcript() string {
	return c.history.Transcript(c.cfg.Player)
}

func (c *Connection) ClearHistory() {
	c.history.Clear()
}

// Characters returns the roster of the loaded scene.
func (c *Connection) Characters() []backend.Character {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scene == nil {
		return nil
	}
	out := make([]backend.Character, len(c.scene.Characters))
	copy(out, c.scene.Characters)
	return out
}

func (c *Connection) CurrentCharacter() (backend.Character, bool) {
	id, ok := c.factory.CurrentCharacter()
	if !ok {
		return backend.Character{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scene == nil {
		return backend.Character{}, false
	}
	return c.scene.FindCharacter(id)
}

// SetCurrentCharacter addresses subsequent sends to the named character,
// matched by id, resource name or display name.
func (c *Connection) SetCurrentCharacter(name string) error {
	c.mu.Lock()
	scene := c.scene
	c.mu.Unlock()
	if scene == nil {
		return ErrNoScene
	}
	ch, ok := scene.FindCharacter(name)
	if !ok {
		return fmt.Errorf("character %q not found in scene %s", name, scene.Name)
	}
	c.factory.SetCurrentCharacter(ch.ID)
	return nil
}

// PlayerName is the name outbound packets are sent as.
func (c *Connection) PlayerName() string {
	return c.factory.PlayerName()
}

// SessionID is the backend session the connection is bound to, empty
// before the first token.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}
