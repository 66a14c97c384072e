package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/haasonsaas/livewire/internal/config"
	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/internal/transport"
)

const defaultConfigPath = "livewire.yaml"

func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if env := strings.TrimSpace(os.Getenv("LIVEWIRE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

// loadConfig loads the configuration and returns it with the path it came
// from. When no path was asked for and the default file does not exist the
// built-in defaults are used and the returned path is empty.
func loadConfig(path string) (*config.Config, string, error) {
	resolved := resolveConfigPath(path)
	cfg, err := config.Load(resolved)
	if err == nil {
		return cfg, resolved, nil
	}
	implicit := strings.TrimSpace(path) == "" && strings.TrimSpace(os.Getenv("LIVEWIRE_CONFIG")) == ""
	if implicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "", nil
	}
	return nil, "", fmt.Errorf("load config %s: %w", resolved, err)
}

// setupLogger builds the process logger from cfg and installs it as the
// slog default. A non-nil levelVar lets the caller change the level later.
func setupLogger(cfg *config.Config, levelVar *slog.LevelVar) *slog.Logger {
	logCfg := cfg.Logging.LogConfig()
	logCfg.LevelVar = levelVar
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)
	return logger
}

// newDialer returns a websocket dialer tuned by the transport section, or
// the scheme default for other addresses.
func newDialer(cfg config.TransportConfig) (transport.Dialer, error) {
	u, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("parse transport address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return &transport.WebSocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			PingInterval:     cfg.PingInterval,
		}, nil
	default:
		return transport.DialerFor(cfg.Address)
	}
}

// apiBaseURL derives the hub's HTTP base URL from its websocket address.
// An explicit override wins.
func apiBaseURL(wsAddress, override string) (string, error) {
	if o := strings.TrimSpace(override); o != "" {
		return o, nil
	}
	u, err := url.Parse(wsAddress)
	if err != nil {
		return "", fmt.Errorf("parse transport address: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("cannot derive an API url from %q; pass --api", wsAddress)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
