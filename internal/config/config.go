// Package config loads livewire configuration from YAML or JSON5 files.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/livewire/internal/backoff"
	"github.com/haasonsaas/livewire/internal/observability"
)

// Config is the main configuration structure for livewire.
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Presence  PresenceConfig  `yaml:"presence"`
	Chat      ChatConfig      `yaml:"chat"`
	Cache     CacheConfig     `yaml:"cache"`
	Hub       HubConfig       `yaml:"hub"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`

	sources []string
}

// Sources lists the absolute paths of every file Load read for this
// config, the main file first. It is empty for Default.
func (c *Config) Sources() []string {
	return slices.Clone(c.sources)
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	WSPath            string        `yaml:"ws_path"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	// Path is the SQLite file used by the hub. ":memory:" keeps it in memory.
	Path string `yaml:"path"`
	// PostgresURL enables the LISTEN/NOTIFY change source for watch.
	PostgresURL   string `yaml:"postgres_url"`
	NotifyChannel string `yaml:"notify_channel"`
}

type TransportConfig struct {
	// Address is the hub endpoint: ws://, wss:// or tcp://.
	Address          string        `yaml:"address"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Factor           float64       `yaml:"factor"`
	Jitter           float64       `yaml:"jitter"`
	MaxRetries       int           `yaml:"max_retries"`
	SendBuffer       int           `yaml:"send_buffer"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ResyncInterval    time.Duration `yaml:"resync_interval"`
	MissedSyncs       int           `yaml:"missed_syncs"`
}

type ChatConfig struct {
	HistoryLimit    int           `yaml:"history_limit"`
	OutboxLimit     int           `yaml:"outbox_limit"`
	TypingInterval  time.Duration `yaml:"typing_interval"`
	TypingTTL       time.Duration `yaml:"typing_ttl"`
	RemoteTypingTTL time.Duration `yaml:"remote_typing_ttl"`
}

type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity uint64        `yaml:"capacity"`
}

type HubConfig struct {
	FrameRate         float64       `yaml:"frame_rate"`
	FrameBurst        int           `yaml:"frame_burst"`
	HTTPRate          float64       `yaml:"http_rate"`
	HTTPBurst         int           `yaml:"http_burst"`
	SendBuffer        int           `yaml:"send_buffer"`
	HistoryLimit      int           `yaml:"history_limit"`
	RetentionSchedule string        `yaml:"retention_schedule"`
	RetentionAge      time.Duration `yaml:"retention_age"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// ConfigValidationError collects every problem found in a config file.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, files, err := loadRawFiles(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, err
	}
	cfg.sources = files
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = "/ws"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/livewire.db"
	}
	if cfg.Database.NotifyChannel == "" {
		cfg.Database.NotifyChannel = "livewire_changes"
	}
	if cfg.Transport.Address == "" {
		cfg.Transport.Address = "ws://localhost:8080/ws"
	}
	if cfg.Transport.InitialDelay == 0 {
		cfg.Transport.InitialDelay = backoff.DefaultInitial
	}
	if cfg.Transport.MaxDelay == 0 {
		cfg.Transport.MaxDelay = backoff.DefaultMax
	}
	if cfg.Transport.Factor == 0 {
		cfg.Transport.Factor = backoff.DefaultFactor
	}
	if cfg.Transport.SendBuffer == 0 {
		cfg.Transport.SendBuffer = 64
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport.DialTimeout = 10 * time.Second
	}
	if cfg.Transport.HandshakeTimeout == 0 {
		cfg.Transport.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Transport.PingInterval == 0 {
		cfg.Transport.PingInterval = 15 * time.Second
	}
	if cfg.Presence.HeartbeatInterval == 0 {
		cfg.Presence.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Presence.ResyncInterval == 0 {
		cfg.Presence.ResyncInterval = 30 * time.Second
	}
	if cfg.Presence.MissedSyncs == 0 {
		cfg.Presence.MissedSyncs = 2
	}
	if cfg.Chat.HistoryLimit == 0 {
		cfg.Chat.HistoryLimit = 200
	}
	if cfg.Chat.OutboxLimit == 0 {
		cfg.Chat.OutboxLimit = 100
	}
	if cfg.Chat.TypingInterval == 0 {
		cfg.Chat.TypingInterval = 3 * time.Second
	}
	if cfg.Chat.TypingTTL == 0 {
		cfg.Chat.TypingTTL = 10 * time.Second
	}
	if cfg.Chat.RemoteTypingTTL == 0 {
		cfg.Chat.RemoteTypingTTL = 6 * time.Second
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = time.Minute
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 1024
	}
	if cfg.Hub.FrameRate == 0 {
		cfg.Hub.FrameRate = 20
	}
	if cfg.Hub.FrameBurst == 0 {
		cfg.Hub.FrameBurst = 40
	}
	if cfg.Hub.SendBuffer == 0 {
		cfg.Hub.SendBuffer = 64
	}
	if cfg.Hub.HistoryLimit == 0 {
		cfg.Hub.HistoryLimit = 200
	}
	if cfg.Hub.RetentionSchedule == "" {
		cfg.Hub.RetentionSchedule = "@hourly"
	}
	if cfg.Hub.RetentionAge == 0 {
		cfg.Hub.RetentionAge = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "livewire"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
}

var retentionParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		add("server.ws_path must start with /")
	}
	if u, err := url.Parse(c.Transport.Address); err != nil {
		add("transport.address: %v", err)
	} else {
		switch u.Scheme {
		case "ws", "wss", "tcp":
		default:
			add("transport.address scheme must be ws, wss or tcp")
		}
	}
	if err := c.Transport.Policy().Validate(); err != nil {
		add("transport: %v", err)
	}
	if c.Transport.SendBuffer < 0 {
		add("transport.send_buffer must not be negative")
	}
	if c.Presence.HeartbeatInterval < 0 || c.Presence.ResyncInterval < 0 {
		add("presence intervals must not be negative")
	}
	if c.Presence.MissedSyncs < 1 {
		add("presence.missed_syncs must be at least 1")
	}
	if c.Chat.TypingInterval >= c.Chat.TypingTTL {
		add("chat.typing_interval must be shorter than chat.typing_ttl")
	}
	if c.Chat.HistoryLimit < 0 || c.Chat.OutboxLimit < 0 {
		add("chat limits must not be negative")
	}
	if c.Hub.FrameRate < 0 || c.Hub.HTTPRate < 0 {
		add("hub rates must not be negative")
	}
	if _, err := retentionParser.Parse(c.Hub.RetentionSchedule); err != nil {
		add("hub.retention_schedule: %v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be within [0, 1]")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

// Policy returns the reconnect policy described by the transport section.
func (c TransportConfig) Policy() backoff.Policy {
	return backoff.Policy{
		Initial:    c.InitialDelay,
		Max:        c.MaxDelay,
		Factor:     c.Factor,
		Jitter:     c.Jitter,
		MaxRetries: c.MaxRetries,
	}
}

// LogConfig converts the logging section for observability.NewLogger.
func (c LoggingConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:     c.Level,
		Format:    c.Format,
		AddSource: c.AddSource,
	}
}

// TraceConfig converts the tracing section for observability.NewTracer.
func (c TracingConfig) TraceConfig(serviceVersion string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: serviceVersion,
		Environment:    c.Environment,
		Endpoint:       c.Endpoint,
		SamplingRate:   c.SamplingRate,
		Attributes:     c.Attributes,
		Insecure:       c.Insecure,
	}
}
