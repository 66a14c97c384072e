package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/livewire/internal/config"
	"github.com/haasonsaas/livewire/internal/eventloop"
	"github.com/haasonsaas/livewire/internal/hubclient"
	"github.com/haasonsaas/livewire/internal/livechat"
	"github.com/haasonsaas/livewire/internal/multiplex"
	"github.com/haasonsaas/livewire/internal/querycache"
	"github.com/haasonsaas/livewire/internal/transport"
	"github.com/haasonsaas/livewire/pkg/models"
)

// =============================================================================
// Watch Command Handler
// =============================================================================

type watchOptions struct {
	resources []string
	filter    string
	ownerID   string
	apiURL    string
}

var allResourceClasses = []string{
	models.ResourceChatMessages,
	models.ResourceAlerts,
	models.ResourcePresence,
}

// runWatch prints change events until a signal arrives.
func runWatch(cmd *cobra.Command, configPath string, opts watchOptions) error {
	filter, err := parseFilter(opts.filter)
	if err != nil {
		return err
	}
	resources := opts.resources
	if len(resources) == 0 {
		resources = allResourceClasses
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg, nil)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := eventloop.New(logger)
	go func() { _ = loop.Run(loopCtx) }()

	source, err := changeSource(loop, cfg, opts.resources, logger)
	if err != nil {
		return err
	}
	mux := multiplex.New(loop, source, multiplex.Options{Logger: logger})

	printer := &eventPrinter{enc: json.NewEncoder(cmd.OutOrStdout())}
	var subErr error
	if err := loop.Do(ctx, func() {
		for _, rc := range resources {
			if _, subErr = mux.Subscribe(rc, filter, printer.print); subErr != nil {
				return
			}
		}
	}); err != nil {
		return err
	}
	if subErr != nil {
		return subErr
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		_ = loop.Do(closeCtx, func() {
			if err := mux.Cleanup(); err != nil {
				logger.Warn("change feed cleanup failed", "error", err)
			}
		})
	}()

	if opts.ownerID != "" {
		if err := watchAlerts(ctx, loop, mux, cfg, opts, cmd.ErrOrStderr(), logger); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return nil
}

// changeSource picks Postgres LISTEN/NOTIFY when configured and the hub's
// websocket feed otherwise.
func changeSource(loop *eventloop.Loop, cfg *config.Config, resources []string, logger *slog.Logger) (multiplex.Source, error) {
	if cfg.Database.PostgresURL != "" {
		return &multiplex.PGNotifySource{
			ConnString: cfg.Database.PostgresURL,
			Channel:    cfg.Database.NotifyChannel,
			Logger:     logger,
		}, nil
	}
	dialer, err := newDialer(cfg.Transport)
	if err != nil {
		return nil, err
	}
	tr, err := transport.New(loop, transport.Config{
		Name:        "watch",
		Address:     cfg.Transport.Address,
		Dialer:      dialer,
		Policy:      cfg.Transport.Policy(),
		SendBuffer:  cfg.Transport.SendBuffer,
		DialTimeout: cfg.Transport.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &multiplex.TransportSource{
		Transport:       tr,
		ResourceClasses: resources,
		CloseOnStop:     true,
		Logger:          logger,
	}, nil
}

// watchAlerts loads the owner's alerts through a cache that the change feed
// invalidates, and announces new alerts as they arrive.
func watchAlerts(ctx context.Context, loop *eventloop.Loop, mux *multiplex.Multiplexer, cfg *config.Config, opts watchOptions, out io.Writer, logger *slog.Logger) error {
	baseURL, err := apiBaseURL(cfg.Transport.Address, opts.apiURL)
	if err != nil {
		return err
	}
	api, err := hubclient.New(baseURL, hubclient.WithLogger(logger))
	if err != nil {
		return err
	}
	cache := querycache.New[[]models.Alert](cfg.Cache.TTL, cfg.Cache.Capacity)
	go cache.Start()
	go func() {
		<-ctx.Done()
		cache.Stop()
	}()

	center, err := livechat.NewAlertCenter(loop, livechat.AlertConfig{
		OwnerID:     opts.ownerID,
		Store:       &cachedAlertStore{cache: cache, client: api},
		Multiplexer: mux,
		Notifier:    livechat.LogNotifier{Logger: logger},
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var subErr error
	if err := loop.Do(ctx, func() {
		owner := multiplex.Eq("owner_id", opts.ownerID)
		if _, subErr = querycache.InvalidateOn(mux, cache, models.ResourceAlerts, owner, alertsCacheKey(opts.ownerID)); subErr != nil {
			return
		}
		_, subErr = center.Subscribe(func(alert models.Alert) {
			fmt.Fprintf(out, "new alert [%s] %s (%d unread)\n", alert.Severity, alert.Title, center.UnreadCount())
		})
	}); err != nil {
		return err
	}
	if subErr != nil {
		return subErr
	}

	alerts, err := center.Load(ctx)
	if err != nil {
		logger.Warn("initial alert load failed", "owner_id", opts.ownerID, "error", err)
		return nil
	}
	unread := 0
	for _, a := range alerts {
		if !a.Read {
			unread++
		}
	}
	fmt.Fprintf(out, "%d alert(s) for %s, %d unread\n", len(alerts), opts.ownerID, unread)
	return nil
}

// parseFilter turns "column=value" into an equality filter. An empty
// string means no filter.
func parseFilter(s string) (*multiplex.Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	column, value, ok := strings.Cut(s, "=")
	column = strings.TrimSpace(column)
	if !ok || column == "" {
		return nil, fmt.Errorf("invalid filter %q: want column=value", s)
	}
	return multiplex.Eq(column, strings.TrimSpace(value)), nil
}

// eventPrinter writes one JSON document per change event.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *eventPrinter) print(ev models.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(ev)
}
