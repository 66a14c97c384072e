// Package livechat implements session-scoped chat and per-owner alert
// delivery on top of a Transport and a Multiplexer.
//
// Sent messages are inserted locally before the network write and are
// reconciled with the server echo by id, so a message is never rendered
// twice. Messages written while the transport is down are queued and
// flushed in order on the next open, as are messages that were sent but not
// yet echoed when the connection dropped.
//
// Chat and AlertCenter are loop-confined except for the methods that call
// external stores (LoadHistory, Load, MarkAllRead), which must be called
// from outside the loop because they block.
package livechat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/haasonsaas/livewire/internal/eventloop"
	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/internal/transport"
	"github.com/haasonsaas/livewire/internal/typing"
	"github.com/haasonsaas/livewire/internal/wire"
	"github.com/haasonsaas/livewire/pkg/models"
)

const (
	defaultOutboxLimit   = 100
	defaultHistoryLimit  = 200
	defaultRemoteTypeTTL = 6 * time.Second
)

var (
	// ErrEmptyMessage is returned when sending a blank message.
	ErrEmptyMessage = errors.New("livechat: message body is empty")
	// ErrOutboxFull is returned when too many messages wait for a connection.
	ErrOutboxFull = errors.New("livechat: outbox full")
	// ErrInvalidConfig is returned by constructors for unusable configuration.
	ErrInvalidConfig = errors.New("livechat: invalid config")
)

// HistoryStore fetches persisted chat history.
type HistoryStore interface {
	History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
}

// Participant identifies the local user.
type Participant struct {
	ID   string
	Name string
	Role models.Role
}

// Typer is a remote participant currently typing.
type Typer struct {
	ID   string
	Name string
}

// ChatConfig configures a Chat.
type ChatConfig struct {
	Transport   *transport.Transport
	SessionID   string
	Participant Participant
	History     HistoryStore

	HistoryLimit   int
	OutboxLimit    int
	TypingInterval time.Duration
	TypingTTL      time.Duration
	// RemoteTypingTTL clears a peer's typing flag if no update arrives.
	RemoteTypingTTL time.Duration

	Now     func() time.Time
	NewID   func() string
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Chat is one participant's view of a chat session.
type Chat struct {
	loop    *eventloop.Loop
	tr      *transport.Transport
	cfg     ChatConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	messages []models.ChatMessage
	outbox   []string
	typers   map[string]*remoteTyper
	composer *typing.Controller
	unlisten func()
	started  bool

	messageSubs []*subscriber[[]models.ChatMessage]
	typingSubs  []*subscriber[[]Typer]
}

type remoteTyper struct {
	name  string
	timer *eventloop.Timer
}

type subscriber[T any] struct {
	fn     func(T)
	active bool
}

// NewChat validates cfg and creates a chat. Call Start to connect.
func NewChat(loop *eventloop.Loop, cfg ChatConfig) (*Chat, error) {
	switch {
	case loop == nil || cfg.Transport == nil:
		return nil, fmt.Errorf("%w: loop and transport are required", ErrInvalidConfig)
	case strings.TrimSpace(cfg.SessionID) == "":
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidConfig)
	case strings.TrimSpace(cfg.Participant.ID) == "":
		return nil, fmt.Errorf("%w: participant id is required", ErrInvalidConfig)
	case !cfg.Participant.Role.Valid():
		return nil, fmt.Errorf("%w: participant role %q", ErrInvalidConfig, cfg.Participant.Role)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.OutboxLimit <= 0 {
		cfg.OutboxLimit = defaultOutboxLimit
	}
	if cfg.RemoteTypingTTL <= 0 {
		cfg.RemoteTypingTTL = defaultRemoteTypeTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return ulid.Make().String() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Chat{
		loop:    loop,
		tr:      cfg.Transport,
		cfg:     cfg,
		logger:  logger.With("component", "livechat", "session_id", cfg.SessionID),
		metrics: cfg.Metrics,
		typers:  make(map[string]*remoteTyper),
	}
	c.composer = typing.NewController(loop, typing.Config{
		Send:     c.sendTyping,
		Interval: cfg.TypingInterval,
		TTL:      cfg.TypingTTL,
	})
	return c, nil
}

// Start attaches to the transport and connects it.
func (c *Chat) Start() {
	if c.started {
		return
	}
	c.started = true
	c.unlisten = c.tr.Listen(transport.Handler{
		OnOpen:    c.handleOpen,
		OnMessage: c.handleMessage,
		OnClose:   c.handleClose,
	})
	if c.tr.State() == transport.StateOpen {
		c.handleOpen()
		return
	}
	c.tr.Connect()
}

// Close stops typing, detaches from the transport and drops subscribers.
// Queued messages stay queued and visible.
func (c *Chat) Close() {
	c.composer.Close()
	if c.unlisten != nil {
		c.unlisten()
		c.unlisten = nil
	}
	for id, typer := range c.typers {
		typer.timer.Stop()
		delete(c.typers, id)
	}
	c.messageSubs = nil
	c.typingSubs = nil
	c.started = false
}

// SendMessage inserts a new message locally and sends it. When the
// message cannot be written the message stays visible in the queued state
// and is sent on the next open. ErrOutboxFull is returned, and nothing is
// inserted, once OutboxLimit messages are already queued.
func (c *Chat) SendMessage(body string) (models.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}
	msg := models.ChatMessage{
		ID:         c.cfg.NewID(),
		SessionID:  c.cfg.SessionID,
		SenderID:   c.cfg.Participant.ID,
		SenderName: c.cfg.Participant.Name,
		SenderRole: c.cfg.Participant.Role,
		Body:       body,
		CreatedAt:  c.cfg.Now().UTC(),
		Read:       true,
		Delivery:   models.DeliveryPending,
	}
	if !c.transmit(msg) {
		if len(c.outbox) >= c.cfg.OutboxLimit {
			return models.ChatMessage{}, ErrOutboxFull
		}
		msg.Delivery = models.DeliveryQueued
		c.outbox = append(c.outbox, msg.ID)
		c.logger.Info("message queued until reconnect", "message_id", msg.ID)
	}
	c.insert(msg)
	c.composer.Stop()
	c.notifyMessages()
	return msg, nil
}

// SetComposing reports local keystrokes (true) or an abandoned draft (false).
func (c *Chat) SetComposing(composing bool) {
	if composing {
		c.composer.Start()
		return
	}
	c.composer.Stop()
}

// MarkRead marks every unread message from other participants as read and
// sends a single chat_read frame. It returns the number of messages marked.
func (c *Chat) MarkRead() int {
	var ids []string
	for i := range c.messages {
		m := &c.messages[i]
		if m.Read || m.SenderID == c.cfg.Participant.ID {
			continue
		}
		m.Read = true
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return 0
	}
	frame, err := wire.NewFrame(wire.TypeChatRead, "", wire.ChatRead{
		SessionID:  c.cfg.SessionID,
		ReaderID:   c.cfg.Participant.ID,
		MessageIDs: ids,
	})
	if err == nil {
		if err := c.tr.SendFrame(frame); err != nil {
			c.logger.Debug("chat_read not sent", "error", err)
		}
	}
	c.notifyMessages()
	return len(ids)
}

// UnreadCount returns the number of unread messages from other participants.
func (c *Chat) UnreadCount() int {
	n := 0
	for _, m := range c.messages {
		if !m.Read && m.SenderID != c.cfg.Participant.ID {
			n++
		}
	}
	return n
}

// Messages returns the ordered message list.
func (c *Chat) Messages() []models.ChatMessage {
	return slices.Clone(c.messages)
}

// Queued returns the number of messages waiting for a connection.
func (c *Chat) Queued() int { return len(c.outbox) }

// Typers returns the remote participants currently typing.
func (c *Chat) Typers() []Typer {
	out := make([]Typer, 0, len(c.typers))
	for id, t := range c.typers {
		out = append(out, Typer{ID: id, Name: t.name})
	}
	slices.SortFunc(out, func(a, b Typer) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Subscribe registers fn to receive the message list after every change.
func (c *Chat) Subscribe(fn func([]models.ChatMessage)) func() {
	return addSubscriber(&c.messageSubs, fn)
}

// SubscribeTyping registers fn to receive the typing set after every change.
func (c *Chat) SubscribeTyping(fn func([]Typer)) func() {
	return addSubscriber(&c.typingSubs, fn)
}

// LoadHistory fetches persisted messages and merges them by id. It blocks
// on the store and must not be called from the loop.
func (c *Chat) LoadHistory(ctx context.Context) error {
	if c.cfg.History == nil {
		return nil
	}
	history, err := c.cfg.History.History(ctx, c.cfg.SessionID, c.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load chat history: %w", err)
	}
	return c.loop.Do(ctx, func() {
		changed := false
		for _, m := range history {
			if m.SessionID != c.cfg.SessionID {
				continue
			}
			m.Delivery = models.DeliveryConfirmed
			if c.merge(m) {
				changed = true
			}
		}
		if changed {
			c.notifyMessages()
		}
	})
}

func (c *Chat) handleOpen() {
	join, err := wire.NewFrame(wire.TypeChatJoin, "", wire.ChatJoin{
		SessionID:     c.cfg.SessionID,
		ParticipantID: c.cfg.Participant.ID,
	})
	if err == nil {
		if err := c.tr.SendFrame(join); err != nil {
			c.logger.Warn("chat_join not sent", "error", err)
			return
		}
	}
	c.flushOutbox()
}

// handleClose puts every sent but unconfirmed message back in the outbox.
// Its frame may have died in the send buffer or before the hub stored it;
// the hub answers a resent id with the stored copy.
func (c *Chat) handleClose(transport.CloseEvent) {
	requeued := 0
	for i := range c.messages {
		m := &c.messages[i]
		if m.Delivery == models.DeliveryPending && m.SenderID == c.cfg.Participant.ID {
			m.Delivery = models.DeliveryQueued
			requeued++
		}
	}
	if requeued == 0 {
		return
	}
	c.outbox = c.outbox[:0]
	for _, m := range c.messages {
		if m.Delivery == models.DeliveryQueued {
			c.outbox = append(c.outbox, m.ID)
		}
	}
	c.logger.Info("requeued unconfirmed messages", "requeued", requeued, "queued", len(c.outbox))
	c.notifyMessages()
}

func (c *Chat) flushOutbox() {
	if len(c.outbox) == 0 {
		return
	}
	sent := 0
	for _, id := range c.outbox {
		i := c.indexOf(id)
		if i < 0 {
			sent++
			continue
		}
		if !c.transmit(c.messages[i]) {
			break
		}
		c.messages[i].Delivery = models.DeliveryPending
		sent++
	}
	c.outbox = c.outbox[sent:]
	c.logger.Info("flushed queued messages", "sent", sent, "remaining", len(c.outbox))
	c.notifyMessages()
}

func (c *Chat) transmit(msg models.ChatMessage) bool {
	msg.Delivery = ""
	frame, err := wire.NewFrame(wire.TypeChatMessage, msg.ID, msg)
	if err != nil {
		c.logger.Error("encode chat message", "message_id", msg.ID, "error", err)
		return false
	}
	return c.tr.SendFrame(frame) == nil
}

func (c *Chat) handleMessage(data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		c.metrics.FrameMalformed("livechat")
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	switch frame.Type {
	case wire.TypeChatMessage:
		var msg models.ChatMessage
		if err := frame.DecodePayload(&msg); err != nil || msg.Validate() != nil {
			c.metrics.FrameMalformed("livechat")
			c.logger.Warn("dropping malformed chat message", "error", err)
			return
		}
		if msg.SessionID != c.cfg.SessionID {
			return
		}
		c.metrics.FrameReceived(c.tr.Name(), frame.Type)
		msg.Delivery = models.DeliveryConfirmed
		if msg.SenderID == c.cfg.Participant.ID {
			msg.Read = true
		}
		c.clearTyper(msg.SenderID)
		if c.merge(msg) {
			c.notifyMessages()
		}
	case wire.TypeTypingIndicator:
		var ind wire.TypingIndicator
		if err := frame.DecodePayload(&ind); err != nil {
			c.metrics.FrameMalformed("livechat")
			return
		}
		if ind.SessionID != c.cfg.SessionID || ind.SenderID == c.cfg.Participant.ID {
			return
		}
		if ind.Typing {
			c.setTyper(ind.SenderID, ind.SenderName)
		} else {
			c.clearTyper(ind.SenderID)
		}
	case wire.TypeResponse:
		var resp wire.Response
		if err := frame.DecodePayload(&resp); err == nil && !resp.OK {
			c.logger.Warn("server rejected frame", "frame_id", frame.ID, "error", resp.Error)
		}
	}
}

// merge inserts msg or reconciles it with the local copy sharing its id.
// It reports whether the list changed.
func (c *Chat) merge(msg models.ChatMessage) bool {
	i := c.indexOf(msg.ID)
	if i < 0 {
		c.insert(msg)
		return true
	}
	local := c.messages[i]
	if local.Delivery == models.DeliveryConfirmed && local.Read == msg.Read {
		return false
	}
	if local.Read {
		msg.Read = true
	}
	c.outbox = slices.DeleteFunc(c.outbox, func(id string) bool { return id == msg.ID })
	c.messages = slices.Delete(c.messages, i, i+1)
	c.insert(msg)
	return true
}

func (c *Chat) insert(msg models.ChatMessage) {
	i, _ := slices.BinarySearchFunc(c.messages, msg, models.CompareMessages)
	c.messages = slices.Insert(c.messages, i, msg)
}

func (c *Chat) indexOf(id string) int {
	return slices.IndexFunc(c.messages, func(m models.ChatMessage) bool { return m.ID == id })
}

func (c *Chat) sendTyping(active bool) {
	frame, err := wire.NewFrame(wire.TypeTypingIndicator, "", wire.TypingIndicator{
		SessionID:  c.cfg.SessionID,
		SenderID:   c.cfg.Participant.ID,
		SenderName: c.cfg.Participant.Name,
		Typing:     active,
	})
	if err != nil {
		return
	}
	_ = c.tr.SendFrame(frame) //nolint:errcheck
}

func (c *Chat) setTyper(id, name string) {
	if t, ok := c.typers[id]; ok {
		t.timer.Stop()
		t.name = name
		t.timer = c.loop.AfterFunc(c.cfg.RemoteTypingTTL, func() { c.clearTyper(id) })
		return
	}
	c.typers[id] = &remoteTyper{
		name:  name,
		timer: c.loop.AfterFunc(c.cfg.RemoteTypingTTL, func() { c.clearTyper(id) }),
	}
	c.notifyTyping()
}

func (c *Chat) clearTyper(id string) {
	t, ok := c.typers[id]
	if !ok {
		return
	}
	t.timer.Stop()
	delete(c.typers, id)
	c.notifyTyping()
}

func (c *Chat) notifyMessages() {
	notify(c.messageSubs, c.Messages)
}

func (c *Chat) notifyTyping() {
	notify(c.typingSubs, c.Typers)
}

func addSubscriber[T any](subs *[]*subscriber[T], fn func(T)) func() {
	sub := &subscriber[T]{fn: fn, active: true}
	*subs = append(*subs, sub)
	return func() {
		if !sub.active {
			return
		}
		sub.active = false
		*subs = slices.DeleteFunc(*subs, func(s *subscriber[T]) bool { return s == sub })
	}
}

func notify[T any](subs []*subscriber[T], value func() T) {
	for _, sub := range slices.Clone(subs) {
		if sub.active {
			sub.fn(value())
		}
	}
}
