package livechat

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/livewire/pkg/models"
)

// LogNotifier is a Notifier that writes alerts to a logger, for terminals
// without a desktop notification service.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, alert models.Alert) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "new alert",
		"alert_id", alert.ID,
		"severity", string(alert.Severity),
		"title", alert.Title,
	)
	return nil
}
