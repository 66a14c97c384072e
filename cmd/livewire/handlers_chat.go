package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/livewire/internal/eventloop"
	"github.com/haasonsaas/livewire/internal/hubclient"
	"github.com/haasonsaas/livewire/internal/livechat"
	"github.com/haasonsaas/livewire/internal/presence"
	"github.com/haasonsaas/livewire/internal/transport"
	"github.com/haasonsaas/livewire/pkg/models"
)

// =============================================================================
// Chat Command Handler
// =============================================================================

type chatOptions struct {
	sessionID     string
	participantID string
	name          string
	role          string
	apiURL        string
}

const drainTimeout = 5 * time.Second

// runChat joins a chat session and relays terminal lines as messages until
// stdin ends, /quit is typed, or a signal arrives.
func runChat(cmd *cobra.Command, configPath string, opts chatOptions) error {
	role := models.Role(opts.role)
	if !role.Valid() {
		return fmt.Errorf("invalid role %q: want customer or agent", opts.role)
	}
	name := strings.TrimSpace(opts.name)
	if name == "" {
		name = opts.participantID
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg, nil)

	baseURL, err := apiBaseURL(cfg.Transport.Address, opts.apiURL)
	if err != nil {
		return err
	}
	api, err := hubclient.New(baseURL, hubclient.WithLogger(logger))
	if err != nil {
		return err
	}
	dialer, err := newDialer(cfg.Transport)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The loop outlives ctx so teardown can still run on it after a signal.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := eventloop.New(logger)
	go func() { _ = loop.Run(loopCtx) }()

	tr, err := transport.New(loop, transport.Config{
		Name:        "chat",
		Address:     cfg.Transport.Address,
		Dialer:      dialer,
		Policy:      cfg.Transport.Policy(),
		SendBuffer:  cfg.Transport.SendBuffer,
		DialTimeout: cfg.Transport.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	printer := newChatPrinter(cmd.OutOrStdout(), opts.participantID)
	var (
		chat     *livechat.Chat
		tracker  *presence.Tracker
		setupErr error
	)
	if err := loop.Do(ctx, func() {
		chat, setupErr = livechat.NewChat(loop, livechat.ChatConfig{
			Transport: tr,
			SessionID: opts.sessionID,
			Participant: livechat.Participant{
				ID:   opts.participantID,
				Name: name,
				Role: role,
			},
			History:         api,
			HistoryLimit:    cfg.Chat.HistoryLimit,
			OutboxLimit:     cfg.Chat.OutboxLimit,
			TypingInterval:  cfg.Chat.TypingInterval,
			TypingTTL:       cfg.Chat.TypingTTL,
			RemoteTypingTTL: cfg.Chat.RemoteTypingTTL,
			Logger:          logger,
		})
		if setupErr != nil {
			return
		}
		tracker, setupErr = presence.New(loop, presence.Config{
			Transport:         tr,
			HeartbeatInterval: cfg.Presence.HeartbeatInterval,
			MissedSyncs:       cfg.Presence.MissedSyncs,
			Logger:            logger,
		})
		if setupErr != nil {
			return
		}
		chat.Subscribe(printer.messages)
		chat.SubscribeTyping(printer.typing)
		tracker.Subscribe(printer.roster)
		tr.Listen(transport.Handler{
			OnStateChange: printer.state,
			OnRetryExhausted: func(attempts int, lastErr error) {
				printer.notice("gave up reconnecting after %d attempts: %v", attempts, lastErr)
			},
		})
		chat.Start()
		setupErr = tracker.Track(opts.participantID, name)
	}); err != nil {
		return err
	}
	if setupErr != nil {
		return setupErr
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		_ = loop.Do(closeCtx, func() {
			tracker.Untrack()
			tracker.Close()
			chat.Close()
			tr.Close()
		})
	}()

	if err := chat.LoadHistory(ctx); err != nil {
		logger.Warn("chat history unavailable", "error", err)
	}

	in := cmd.InOrStdin()
	interactive := isTerminal(in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if interactive {
			printer.prompt()
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				drainOutbox(ctx, loop, chat)
				return nil
			}
			quit, err := handleChatLine(ctx, loop, chat, tracker, printer, line)
			if err != nil || quit {
				return err
			}
		}
	}
}

func handleChatLine(ctx context.Context, loop *eventloop.Loop, chat *livechat.Chat, tracker *presence.Tracker, printer *chatPrinter, line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "":
		return false, nil
	case "/quit":
		return true, nil
	case "/read":
		var n int
		if err := loop.Do(ctx, func() { n = chat.MarkRead() }); err != nil {
			return false, err
		}
		printer.notice("marked %d message(s) read", n)
	case "/who":
		var roster []models.PresenceRecord
		if err := loop.Do(ctx, func() { roster = tracker.Roster() }); err != nil {
			return false, err
		}
		printer.notice("online: %s", rosterNames(roster))
	default:
		var sendErr error
		if err := loop.Do(ctx, func() { _, sendErr = chat.SendMessage(line) }); err != nil {
			return false, err
		}
		if sendErr != nil {
			printer.notice("not sent: %v", sendErr)
		}
	}
	return false, nil
}

// drainOutbox waits briefly for queued messages to go out so piped input
// is not lost when stdin ends before the transport opens.
func drainOutbox(ctx context.Context, loop *eventloop.Loop, chat *livechat.Chat) {
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		queued := 0
		if err := loop.Do(ctx, func() { queued = chat.Queued() }); err != nil || queued == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func rosterNames(roster []models.PresenceRecord) string {
	if len(roster) == 0 {
		return "nobody"
	}
	names := make([]string, 0, len(roster))
	for _, rec := range roster {
		name := rec.DisplayName
		if name == "" {
			name = rec.ParticipantID
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

// chatPrinter renders chat updates as terminal lines. Callbacks arrive on
// the event loop while the prompt is written from the input goroutine.
type chatPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	self   string
	seen   map[string]models.DeliveryState
	typers string
	online string
}

func newChatPrinter(out io.Writer, self string) *chatPrinter {
	return &chatPrinter{
		out:  out,
		self: self,
		seen: make(map[string]models.DeliveryState),
	}
}

func (p *chatPrinter) messages(msgs []models.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		prev, known := p.seen[m.ID]
		p.seen[m.ID] = m.Delivery
		switch {
		case !known:
			sender := m.SenderName
			if sender == "" {
				sender = m.SenderID
			}
			suffix := ""
			if m.Delivery == models.DeliveryQueued {
				suffix = " (queued)"
			}
			fmt.Fprintf(p.out, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), sender, m.Body, suffix)
		case prev == models.DeliveryQueued && m.Delivery != models.DeliveryQueued:
			fmt.Fprintf(p.out, "* sent: %s\n", m.Body)
		}
	}
}

func (p *chatPrinter) typing(typers []livechat.Typer) {
	names := make([]string, 0, len(typers))
	for _, t := range typers {
		if t.ID == p.self {
			continue
		}
		name := t.Name
		if name == "" {
			name = t.ID
		}
		names = append(names, name)
	}
	slices.Sort(names)
	joined := strings.Join(names, ", ")

	p.mu.Lock()
	defer p.mu.Unlock()
	if joined == p.typers {
		return
	}
	p.typers = joined
	if joined != "" {
		fmt.Fprintf(p.out, "* %s typing...\n", joined)
	}
}

func (p *chatPrinter) roster(roster []models.PresenceRecord) {
	names := rosterNames(roster)
	p.mu.Lock()
	defer p.mu.Unlock()
	if names == p.online {
		return
	}
	p.online = names
	fmt.Fprintf(p.out, "* online: %s\n", names)
}

func (p *chatPrinter) state(s transport.State) {
	switch s {
	case transport.StateOpen, transport.StateClosedUnclean, transport.StateFailed:
		p.notice("connection %s", s)
	}
}

func (p *chatPrinter) notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "* "+format+"\n", args...)
}

func (p *chatPrinter) prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, "> ")
}
