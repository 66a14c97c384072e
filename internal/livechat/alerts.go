package livechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/haasonsaas/livewire/internal/eventloop"
	"github.com/haasonsaas/livewire/internal/multiplex"
	"github.com/haasonsaas/livewire/pkg/models"
)

// AlertStore reads and updates persisted alerts.
type AlertStore interface {
	ListAlerts(ctx context.Context, ownerID string) ([]models.Alert, error)
	MarkAllRead(ctx context.Context, ownerID string) (int, error)
}

// Notifier shows a system notification for a new alert. Failures are
// logged and never affect delivery.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// AlertConfig configures an AlertCenter.
type AlertConfig struct {
	OwnerID     string
	Store       AlertStore
	Multiplexer *multiplex.Multiplexer
	Notifier    Notifier
	Logger      *slog.Logger
}

// AlertCenter holds one owner's alerts, newest first.
type AlertCenter struct {
	loop   *eventloop.Loop
	cfg    AlertConfig
	logger *slog.Logger

	alerts      []models.Alert
	subs        []*subscriber[models.Alert]
	unsubscribe func()
}

// NewAlertCenter validates cfg and creates an alert center.
func NewAlertCenter(loop *eventloop.Loop, cfg AlertConfig) (*AlertCenter, error) {
	switch {
	case loop == nil:
		return nil, fmt.Errorf("%w: loop is required", ErrInvalidConfig)
	case strings.TrimSpace(cfg.OwnerID) == "":
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidConfig)
	case cfg.Store == nil:
		return nil, fmt.Errorf("%w: alert store is required", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertCenter{
		loop:   loop,
		cfg:    cfg,
		logger: logger.With("component", "alerts", "owner_id", cfg.OwnerID),
	}, nil
}

// Load fetches the owner's alerts and returns them newest first. Alerts
// received in real time but not yet visible in the store are kept. It
// blocks on the store and must not be called from the loop.
func (a *AlertCenter) Load(ctx context.Context) ([]models.Alert, error) {
	loaded, err := a.cfg.Store.ListAlerts(ctx, a.cfg.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}
	var out []models.Alert
	err = a.loop.Do(ctx, func() {
		merged := make([]models.Alert, 0, len(loaded)+len(a.alerts))
		seen := make(map[string]struct{}, len(loaded))
		for _, alert := range loaded {
			if alert.OwnerID != a.cfg.OwnerID {
				continue
			}
			if _, dup := seen[alert.ID]; dup {
				continue
			}
			seen[alert.ID] = struct{}{}
			merged = append(merged, alert)
		}
		for _, alert := range a.alerts {
			if _, ok := seen[alert.ID]; !ok {
				merged = append(merged, alert)
			}
		}
		slices.SortFunc(merged, models.CompareAlertsNewestFirst)
		a.alerts = merged
		out = slices.Clone(merged)
	})
	return out, err
}

// Alerts returns the loaded alerts newest first.
func (a *AlertCenter) Alerts() []models.Alert {
	return slices.Clone(a.alerts)
}

// UnreadCount returns the number of unread loaded alerts.
func (a *AlertCenter) UnreadCount() int {
	n := 0
	for _, alert := range a.alerts {
		if !alert.Read {
			n++
		}
	}
	return n
}

// Subscribe registers onNewAlert for alerts created for the owner. The
// multiplexer subscription is shared by all callbacks and filtered on
// owner_id.
func (a *AlertCenter) Subscribe(onNewAlert func(models.Alert)) (func(), error) {
	if a.cfg.Multiplexer == nil {
		return nil, fmt.Errorf("%w: multiplexer is required for live alerts", ErrInvalidConfig)
	}
	if a.unsubscribe == nil {
		unsubscribe, err := a.cfg.Multiplexer.Subscribe(models.ResourceAlerts, multiplex.Eq("owner_id", a.cfg.OwnerID), a.handleChange)
		if err != nil {
			return nil, err
		}
		a.unsubscribe = unsubscribe
	}
	remove := addSubscriber(&a.subs, onNewAlert)
	return func() {
		remove()
		if len(a.subs) == 0 && a.unsubscribe != nil {
			a.unsubscribe()
			a.unsubscribe = nil
		}
	}, nil
}

// MarkAllRead flips every loaded alert to read and issues exactly one
// store mutation for the owner. The local state stays read even if the
// store call fails. It must not be called from the loop.
func (a *AlertCenter) MarkAllRead(ctx context.Context) (int, error) {
	flipped := 0
	if err := a.loop.Do(ctx, func() {
		for i := range a.alerts {
			if !a.alerts[i].Read {
				a.alerts[i].Read = true
				flipped++
			}
		}
	}); err != nil {
		return 0, err
	}
	if _, err := a.cfg.Store.MarkAllRead(ctx, a.cfg.OwnerID); err != nil {
		a.logger.Warn("mark all read failed in store", "error", err)
		return flipped, fmt.Errorf("mark alerts read: %w", err)
	}
	return flipped, nil
}

func (a *AlertCenter) handleChange(ev models.ChangeEvent) {
	alert, err := decodeAlert(ev.Row())
	if err != nil {
		a.logger.Warn("dropping malformed alert event", "error", err)
		return
	}
	if alert.OwnerID != a.cfg.OwnerID {
		return
	}
	i := slices.IndexFunc(a.alerts, func(x models.Alert) bool { return x.ID == alert.ID })

	switch ev.Operation {
	case models.OperationCreated:
		if i >= 0 {
			return
		}
		pos, _ := slices.BinarySearchFunc(a.alerts, alert, models.CompareAlertsNewestFirst)
		a.alerts = slices.Insert(a.alerts, pos, alert)
		notify(a.subs, func() models.Alert { return alert })
		a.notifySystem(alert)
	case models.OperationUpdated:
		if i >= 0 {
			a.alerts[i] = alert
		}
	case models.OperationDeleted:
		if i >= 0 {
			a.alerts = slices.Delete(a.alerts, i, i+1)
		}
	}
}

func (a *AlertCenter) notifySystem(alert models.Alert) {
	if a.cfg.Notifier == nil {
		return
	}
	go func() {
		if err := a.cfg.Notifier.Notify(context.Background(), alert); err != nil {
			a.logger.Debug("system notification failed", "alert_id", alert.ID, "error", err)
		}
	}()
}

func decodeAlert(row map[string]any) (models.Alert, error) {
	var alert models.Alert
	if len(row) == 0 {
		return alert, errors.New("alert event has no row")
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return alert, err
	}
	if err := json.Unmarshal(raw, &alert); err != nil {
		return alert, err
	}
	if alert.ID == "" {
		return alert, errors.New("alert event has no id")
	}
	return alert, nil
}
