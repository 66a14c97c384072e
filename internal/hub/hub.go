// Package hub is the server half of the livewire protocol: a websocket relay
// for chat, typing and presence frames, a change feed, and the HTTP API the
// clients use for history and alerts.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/pkg/models"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultResyncInterval    = 30 * time.Second
	DefaultPingInterval      = 15 * time.Second
	DefaultPongWait          = 45 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultSendBuffer        = 64
	DefaultFrameRate         = 20
	DefaultFrameBurst        = 40
	DefaultHistoryLimit      = 200
	DefaultRetentionSchedule = "@hourly"
	DefaultRetentionAge      = 24 * time.Hour
)

var ErrInvalidConfig = errors.New("hub: invalid config")

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Store is the persistence the hub writes through.
type Store interface {
	InsertMessage(ctx context.Context, msg models.ChatMessage) (bool, error)
	GetMessage(ctx context.Context, id string) (models.ChatMessage, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
	MarkMessagesRead(ctx context.Context, sessionID, readerID string, ids []string) ([]string, error)
	CreateAlert(ctx context.Context, alert models.Alert) (models.Alert, error)
	ListAlerts(ctx context.Context, ownerID string) ([]models.Alert, error)
	MarkAllRead(ctx context.Context, ownerID string) (int, error)
	DeleteAlert(ctx context.Context, id string) (models.Alert, error)
	RecordHeartbeat(ctx context.Context, rec models.PresenceRecord) error
	PruneHeartbeats(ctx context.Context, cutoff time.Time) (int, error)
	Ping(ctx context.Context) error
}

// Config configures a Hub. Zero durations and sizes select the defaults.
type Config struct {
	Store   Store
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// Gatherer backs /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	HeartbeatInterval time.Duration
	ResyncInterval    time.Duration
	// StaleAfter drops roster records without a heartbeat for this long.
	// Defaults to two heartbeat intervals.
	StaleAfter time.Duration

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int

	// FrameRate and FrameBurst limit inbound frames per client.
	FrameRate  float64
	FrameBurst int
	// HTTPRate and HTTPBurst limit API requests per remote address.
	// HTTPRate <= 0 disables the limit.
	HTTPRate  float64
	HTTPBurst int

	HistoryLimit      int
	RetentionSchedule string
	RetentionAge      time.Duration

	AllowedOrigins []string
	Now            func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * c.HeartbeatInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.FrameRate <= 0 {
		c.FrameRate = DefaultFrameRate
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = DefaultFrameBurst
	}
	if c.HTTPBurst <= 0 {
		c.HTTPBurst = int(c.HTTPRate) + 1
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = DefaultRetentionSchedule
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = DefaultRetentionAge
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Hub relays frames between websocket clients and persists what they send.
type Hub struct {
	cfg      Config
	store    Store
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	upgrader websocket.Upgrader
	limiters *ttlcache.Cache[string, *rate.Limiter]
	cron     *cron.Cron

	mu      sync.Mutex
	clients map[string]*client
	roster  map[string]*rosterEntry
	closed  bool
}

// New validates cfg and builds a hub. Call Run to start background work and
// mount Handler on an HTTP server.
func New(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	cfg.applyDefaults()
	if _, err := cronParser.Parse(cfg.RetentionSchedule); err != nil {
		return nil, fmt.Errorf("%w: retention schedule: %v", ErrInvalidConfig, err)
	}
	if err := initFrameSchemas(); err != nil {
		return nil, fmt.Errorf("compile frame schemas: %w", err)
	}

	h := &Hub{
		cfg:     cfg,
		store:   cfg.Store,
		logger:  cfg.Logger.With("component", "hub"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		),
		cron:    cron.New(cron.WithParser(cronParser)),
		clients: make(map[string]*client),
		roster:  make(map[string]*rosterEntry),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     h.checkOrigin,
	}
	if _, err := h.cron.AddFunc(cfg.RetentionSchedule, h.pruneRetention); err != nil {
		return nil, fmt.Errorf("%w: retention schedule: %v", ErrInvalidConfig, err)
	}
	return h, nil
}

// Run drives presence resync and the retention job until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	go h.limiters.Start()
	h.cron.Start()
	defer func() {
		<-h.cron.Stop().Done()
		h.limiters.Stop()
		h.Close()
	}()

	ticker := time.NewTicker(h.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.resync()
		}
	}
}

// Close disconnects every client. New connections are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.metrics.SetHubClients(len(h.clients))
	return true
}

// unregister removes c and every roster record it owned.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.metrics.SetHubClients(len(h.clients))
	var leaves []models.PresenceRecord
	for id, entry := range h.roster {
		if entry.owner == c {
			leaves = append(leaves, entry.record)
			delete(h.roster, id)
		}
	}
	h.metrics.SetRosterSize(len(h.roster))
	if len(leaves) > 0 {
		h.broadcastDiffLocked(nil, leaves)
	}
	h.mu.Unlock()
	h.logger.Debug("client disconnected", "client_id", c.id, "released", len(leaves))
	for _, rec := range leaves {
		h.publishChange(models.ResourcePresence, models.OperationDeleted, nil, rec)
	}
}

func (h *Hub) pruneRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cutoff := h.cfg.Now().Add(-h.cfg.RetentionAge)
	n, err := h.store.PruneHeartbeats(ctx, cutoff)
	if err != nil {
		h.logger.Error("heartbeat retention failed", "error", err)
		return
	}
	if n > 0 {
		h.logger.Info("pruned presence heartbeats", "count", n, "cutoff", cutoff)
	}
}
