package main

import (
	"context"

	"github.com/haasonsaas/livewire/internal/hubclient"
	"github.com/haasonsaas/livewire/internal/querycache"
	"github.com/haasonsaas/livewire/pkg/models"
)

func alertsCacheKey(ownerID string) string {
	return "alerts:" + ownerID
}

// cachedAlertStore serves alert lists from a query cache in front of the hub
// API. Writes go straight to the hub and drop the cached list.
type cachedAlertStore struct {
	cache  *querycache.Cache[[]models.Alert]
	client *hubclient.Client
}

func (s *cachedAlertStore) ListAlerts(ctx context.Context, ownerID string) ([]models.Alert, error) {
	return s.cache.GetOrLoad(ctx, alertsCacheKey(ownerID), func(ctx context.Context) ([]models.Alert, error) {
		return s.client.ListAlerts(ctx, ownerID)
	})
}

func (s *cachedAlertStore) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	defer s.cache.Invalidate(alertsCacheKey(ownerID))
	return s.client.MarkAllRead(ctx, ownerID)
}
