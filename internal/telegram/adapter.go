package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/history"
	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/packet"
)

const maxTelegramMessage = 4096

// ChatConn is the connection a chat talks through.
type ChatConn interface {
	SendText(ctx context.Context, text string) (*packet.Packet, error)
	ClearHistory()
	Close()
	State() connection.State
	History() []history.Item
}

// ConnFactory builds the connection for a chat. onMessage must be installed
// as the connection's message handler.
type ConnFactory func(key types.SessionKey, sessionID types.SessionID, onMessage func(*packet.Packet)) (ChatConn, error)

type bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type chat struct {
	id        int64
	sessionID types.SessionID
	conn      ChatConn
}

// Adapter bridges Telegram chats to character connections, one per chat.
type Adapter struct {
	bot      bot
	newConn  ConnFactory
	sessions types.SessionStore
	packets  types.PacketStore
	scene    string
	lanes    *Lanes

	mu    sync.Mutex
	chats map[types.SessionKey]*chat
}

// New creates a Telegram adapter. packets may be nil.
func New(token, scene string, maxConcurrent int, newConn ConnFactory, sessions types.SessionStore, packets types.PacketStore) (*Adapter, error) {
	b, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(b, scene, maxConcurrent, newConn, sessions, packets), nil
}

func newAdapter(b bot, scene string, maxConcurrent int, newConn ConnFactory, sessions types.SessionStore, packets types.PacketStore) *Adapter {
	a := &Adapter{
		bot:      b,
		newConn:  newConn,
		sessions: sessions,
		packets:  packets,
		scene:    scene,
		chats:    make(map[types.SessionKey]*chat),
	}
	a.lanes = NewLanes(int64(maxConcurrent), a.process)
	a.lanes.OnError(func(msg *types.InboundMessage, err error) {
		if c := a.lookup(msg.SessionKey); c != nil {
			a.sendResponse(c.id, "Sorry, I couldn't reach the character.")
		}
	})
	return a
}

// Start long-polls for updates until ctx is done, then closes every chat
// connection.
func (a *Adapter) Start(ctx context.Context) {
	a.lanes.Start(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				a.shutdown()
				return
			}
			if update.Message == nil || update.Message.Text == "" || update.Message.Chat == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			a.shutdown()
			return
		}
	}
}

func (a *Adapter) shutdown() {
	a.lanes.Stop()
	a.mu.Lock()
	chats := make([]*chat, 0, len(a.chats))
	for _, c := range a.chats {
		chats = append(chats, c)
	}
	a.mu.Unlock()
	for _, c := range chats {
		c.conn.Close()
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	key := buildSessionKey(chatID)
	if _, err := a.chatFor(ctx, key, chatID); err != nil {
		slog.Error("open chat failed", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, "Sorry, I couldn't start a conversation.")
		return
	}

	inbound := &types.InboundMessage{
		Source:     "telegram",
		SessionKey: key,
		Text:       msg.Text,
	}
	if msg.From != nil {
		inbound.UserID = strconv.FormatInt(msg.From.ID, 10)
		inbound.UserName = msg.From.UserName
	}
	if err := a.lanes.Enqueue(inbound); err != nil {
		slog.Warn("enqueue inbound failed", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, "Too many messages, please wait.")
	}
}

func (a *Adapter) process(ctx context.Context, msg *types.InboundMessage) error {
	c := a.lookup(msg.SessionKey)
	if c == nil {
		return fmt.Errorf("no connection for %s", msg.SessionKey)
	}
	_, err := c.conn.SendText(ctx, msg.Text)
	return err
}

func (a *Adapter) lookup(key types.SessionKey) *chat {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chats[key]
}

// chatFor returns the chat's connection, creating it on first use.
func (a *Adapter) chatFor(ctx context.Context, key types.SessionKey, chatID int64) (*chat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.chats[key]; ok {
		return c, nil
	}

	sessionID, err := a.sessions.ResolveOrCreate(ctx, key, a.scene)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	conn, err := a.newConn(key, sessionID, a.replyTo(chatID))
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	c := &chat{id: chatID, sessionID: sessionID, conn: conn}
	a.chats[key] = c
	return c, nil
}

// replyTo forwards final character text to the chat.
func (a *Adapter) replyTo(chatID int64) func(*packet.Packet) {
	return func(p *packet.Packet) {
		if !p.IsCharacterText() || !p.Text.Final {
			return
		}
		if text := strings.TrimSpace(p.Text.Text); text != "" {
			a.sendResponse(chatID, text)
		}
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildSessionKey(chatID)

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Send me a message to start talking to the character.")

	case "reset":
		if c := a.lookup(key); c != nil {
			c.conn.ClearHistory()
			c.conn.Close()
		}
		a.sendResponse(chatID, "Conversation reset.")

	case "status":
		c := a.lookup(key)
		if c == nil {
			a.sendResponse(chatID, "No conversation yet.")
			return
		}
		status := fmt.Sprintf("Session: %s\nConnection: %s\nHistory: %d", c.sessionID, c.conn.State(), len(c.conn.History()))
		if a.packets != nil {
			count, err := a.packets.Count(ctx, c.sessionID)
			if err != nil {
				a.sendResponse(chatID, "Error fetching status.")
				return
			}
			status += fmt.Sprintf("\nPackets: %d", count)
		}
		a.sendResponse(chatID, status)

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /reset, /status")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			slog.Warn("send message failed", "chat_id", chatID, "error", err)
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildSessionKey(chatID int64) types.SessionKey {
	return types.NewSessionKey("telegram", strconv.FormatInt(chatID, 10))
}
