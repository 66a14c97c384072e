package multiplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/livewire/pkg/models"
)

const (
	pgMinReconnect = 10 * time.Second
	pgMaxReconnect = time.Minute
	pgPingInterval = 90 * time.Second
)

// PGNotifySource reads change events from Postgres LISTEN/NOTIFY. Each
// notification payload on Channel must be a JSON-encoded ChangeEvent, as
// produced by a row trigger calling pg_notify.
type PGNotifySource struct {
	ConnString string
	Channel    string
	Logger     *slog.Logger

	listener *pq.Listener
	cancel   context.CancelFunc
}

// Start implements Source. The listener connects in the background and
// reconnects on its own; only an invalid channel fails here.
func (s *PGNotifySource) Start(deliver func(models.ChangeEvent)) error {
	if s.ConnString == "" || s.Channel == "" {
		return errors.New("pg notify source: connection string and channel are required")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pg_notify", "channel", s.Channel)

	listener := pq.NewListener(s.ConnString, pgMinReconnect, pgMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Info("listener connected")
		case pq.ListenerEventDisconnected:
			logger.Warn("listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			logger.Info("listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("listener connection attempt failed", "error", err)
		}
	})
	if err := listener.Listen(s.Channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
		_ = listener.Close() //nolint:errcheck
		return fmt.Errorf("listen %s: %w", s.Channel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.cancel = cancel
	go s.run(ctx, listener, deliver, logger)
	return nil
}

func (s *PGNotifySource) run(ctx context.Context, listener *pq.Listener, deliver func(models.ChangeEvent), logger *slog.Logger) {
	ticker := time.NewTicker(pgPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; events may have been missed.
			if n == nil {
				logger.Warn("notifications may have been lost during reconnect")
				continue
			}
			ev, err := decodeNotification(n.Extra)
			if err != nil {
				logger.Warn("dropping malformed notification", "error", err)
				continue
			}
			deliver(ev)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				logger.Debug("listener ping failed", "error", err)
			}
		}
	}
}

// Stop implements Source.
func (s *PGNotifySource) Stop() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}

func decodeNotification(payload string) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, err
	}
	if ev.ResourceClass == "" {
		return ev, errors.New("notification has no resource_class")
	}
	if !ev.Operation.Valid() {
		return ev, fmt.Errorf("notification has unknown operation %q", ev.Operation)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, nil
}
