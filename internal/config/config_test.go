package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	return writeNamed(t, t.TempDir(), "livewire.yaml", contents)
}

func writeNamed(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "version: 1\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.WSPath != "/ws" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Presence.HeartbeatInterval != 15*time.Second || cfg.Presence.ResyncInterval != 30*time.Second || cfg.Presence.MissedSyncs != 2 {
		t.Fatalf("presence = %+v", cfg.Presence)
	}
	policy := cfg.Transport.Policy()
	if policy.Initial != time.Second || policy.Max != 30*time.Second || policy.Factor != 2 || policy.MaxRetries != 0 {
		t.Fatalf("policy = %+v", policy)
	}
	if cfg.Logging.Format != "json" || cfg.Tracing.ServiceName != "livewire" {
		t.Fatalf("logging = %+v tracing = %+v", cfg.Logging, cfg.Tracing)
	}
}

func TestLoadParsesDurationsAndSections(t *testing.T) {
	path := writeConfig(t, `
version: 1
transport:
  address: wss://hub.bank.example/ws
  initial_delay: 500ms
  max_delay: 1m
  max_retries: -1
presence:
  heartbeat_interval: 5s
hub:
  http_rate: 10
  retention_schedule: "0 */15 * * * *"
tracing:
  endpoint: collector:4317
  attributes:
    region: eu-west-1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport.InitialDelay != 500*time.Millisecond || cfg.Transport.MaxDelay != time.Minute {
		t.Fatalf("transport = %+v", cfg.Transport)
	}
	if p := cfg.Transport.Policy(); p.Exhausted(1000) {
		t.Fatal("negative max_retries should never exhaust")
	}
	if cfg.Presence.HeartbeatInterval != 5*time.Second {
		t.Fatalf("heartbeat = %v", cfg.Presence.HeartbeatInterval)
	}
	tc := cfg.Tracing.TraceConfig("1.2.3")
	if tc.Endpoint != "collector:4317" || tc.ServiceVersion != "1.2.3" || tc.Attributes["region"] != "eu-west-1" {
		t.Fatalf("trace config = %+v", tc)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
version: 1
server:
  addr: ":9000"
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad ws path", "server:\n  ws_path: ws", "ws_path"},
		{"bad scheme", "transport:\n  address: http://hub", "transport.address"},
		{"inverted delays", "transport:\n  initial_delay: 1m\n  max_delay: 1s", "initial delay"},
		{"typing interval vs ttl", "chat:\n  typing_interval: 20s\n  typing_ttl: 10s", "typing_interval"},
		{"bad cron", "hub:\n  retention_schedule: sometimes", "retention_schedule"},
		{"bad log format", "logging:\n  format: xml", "logging.format"},
		{"bad sampling", "tracing:\n  sampling_rate: 2", "sampling_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "version: 1\n"+tt.body+"\n")
			_, err := Load(path)
			var verr *ConfigValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Load() error = %v, want ConfigValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCollectsAllIssues(t *testing.T) {
	path := writeConfig(t, "version: 1\nlogging:\n  format: xml\n  level: loud\n")
	_, err := Load(path)
	var verr *ConfigValidationError
	if !errors.As(err, &verr) || len(verr.Issues) != 2 {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadRequiresVersion(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n")
	_, err := Load(path)
	var ve *VersionError
	if !errors.As(err, &ve) || ve.Reason != VersionMissing {
		t.Fatalf("Load() error = %v, want missing version", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("LIVEWIRE_TEST_ADDR", ":7070")
	t.Setenv("LIVEWIRE_TEST_EMPTY", "")
	path := writeConfig(t, `
version: 1
server:
  addr: "${LIVEWIRE_TEST_ADDR}"
database:
  path: "${LIVEWIRE_TEST_EMPTY:-/var/lib/livewire/hub.db}"
  postgres_url: "${LIVEWIRE_TEST_UNSET}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.Path != "/var/lib/livewire/hub.db" {
		t.Fatalf("path = %q", cfg.Database.Path)
	}
	if cfg.Database.PostgresURL != "" {
		t.Fatalf("postgres_url = %q", cfg.Database.PostgresURL)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeNamed(t, t.TempDir(), "livewire.json5", `{
  // comments and trailing commas are allowed
  version: 1,
  chat: { history_limit: 25, },
  hub: { retention_age: "48h" },
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chat.HistoryLimit != 25 || cfg.Hub.RetentionAge != 48*time.Hour {
		t.Fatalf("cfg = %+v %+v", cfg.Chat, cfg.Hub)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "base.yaml", "version: 1\nserver:\n  addr: \":9000\"\n  ws_path: /live\n")
	path := writeNamed(t, dir, "livewire.yaml", "$include: base.yaml\nserver:\n  addr: \":9100\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9100" || cfg.Server.WSPath != "/live" {
		t.Fatalf("server = %+v", cfg.Server)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "a.yaml", "include: b.yaml\nversion: 1\n")
	path := writeNamed(t, dir, "b.yaml", "include: a.yaml\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want include cycle", err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", data)
	}
	for _, key := range []string{"server", "transport", "presence", "hub", "logging"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %q", key)
		}
	}
	transport, _ := props["transport"].(map[string]any)
	fields, _ := transport["properties"].(map[string]any)
	delay, _ := fields["initial_delay"].(map[string]any)
	if delay["type"] != "string" {
		t.Fatalf("initial_delay schema = %v, want a duration string", delay)
	}
}

func TestLoadRecordsSources(t *testing.T) {
	dir := t.TempDir()
	base := writeNamed(t, dir, "base.yaml", "version: 1\n")
	path := writeNamed(t, dir, "livewire.yaml", "include: [base.yaml]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	sources := cfg.Sources()
	if len(sources) != 2 || sources[0] != path || sources[1] != base {
		t.Fatalf("Sources() = %v", sources)
	}
	if len(Default().Sources()) != 0 {
		t.Fatal("Default() should have no sources")
	}
}

func TestWatcherFollowsIncludes(t *testing.T) {
	dir := t.TempDir()
	base := writeNamed(t, dir, "base.yaml", "version: 1\nlogging:\n  level: info\n")
	path := writeNamed(t, dir, "livewire.yaml", "$include: base.yaml\n")

	changes := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { changes <- cfg }, nil)
	w.debounce = 10 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(base, []byte("version: 1\nlogging:\n  level: warn\n"), 0o600); err != nil {
		t.Fatalf("rewrite include: %v", err)
	}
	select {
	case cfg := <-changes:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("reloaded level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after include changed")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "version: 1\nlogging:\n  level: info\n")

	changes := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { changes <- cfg }, nil)
	w.debounce = 10 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("version: 1\nlogging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-changes:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("reloaded level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	// Invalid edits are skipped.
	if err := os.WriteFile(path, []byte("version: 1\nlogging:\n  format: xml\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-changes:
		t.Fatalf("invalid config delivered: %+v", cfg.Logging)
	case <-time.After(200 * time.Millisecond):
	}

	if err := w.Start(context.Background()); err == nil {
		t.Fatal("second Start() should fail")
	}
}
