package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/livewire/internal/config"
	"github.com/haasonsaas/livewire/internal/hub"
	"github.com/haasonsaas/livewire/internal/hubclient"
	"github.com/haasonsaas/livewire/internal/livechat"
	"github.com/haasonsaas/livewire/internal/querycache"
	"github.com/haasonsaas/livewire/internal/store"
	"github.com/haasonsaas/livewire/internal/transport"
	"github.com/haasonsaas/livewire/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "chat", "watch", "alerts", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("LIVEWIRE_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Fatalf("resolveConfigPath(\"\") = %q", got)
	}
	t.Setenv("LIVEWIRE_CONFIG", "/etc/livewire.yaml")
	if got := resolveConfigPath(""); got != "/etc/livewire.yaml" {
		t.Fatalf("env path = %q", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("explicit path = %q", got)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("LIVEWIRE_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, resolved, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if resolved != "" || cfg.Server.Addr != ":8080" {
		t.Fatalf("resolved = %q addr = %q", resolved, cfg.Server.Addr)
	}

	if _, _, err := loadConfig("missing.yaml"); err == nil {
		t.Fatal("explicit missing file should fail")
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livewire.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nserver:\n  addr: \":9999\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, resolved, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if resolved != path || cfg.Server.Addr != ":9999" {
		t.Fatalf("resolved = %q addr = %q", resolved, cfg.Server.Addr)
	}
}

func TestAPIBaseURL(t *testing.T) {
	tests := []struct {
		address  string
		override string
		want     string
		wantErr  bool
	}{
		{address: "ws://localhost:8080/ws", want: "http://localhost:8080"},
		{address: "wss://hub.bank.example/live?x=1", want: "https://hub.bank.example"},
		{address: "tcp://localhost:9000", override: "http://api:8080", want: "http://api:8080"},
		{address: "tcp://localhost:9000", wantErr: true},
	}
	for _, tt := range tests {
		got, err := apiBaseURL(tt.address, tt.override)
		if tt.wantErr {
			if err == nil {
				t.Errorf("apiBaseURL(%q) expected error", tt.address)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("apiBaseURL(%q, %q) = %q, %v; want %q", tt.address, tt.override, got, err, tt.want)
		}
	}
}

func configWithAddress(addr string) *config.Config {
	cfg := config.Default()
	cfg.Transport.Address = addr
	cfg.Transport.HandshakeTimeout = 7 * time.Second
	return cfg
}

func TestNewDialer(t *testing.T) {
	d, err := newDialer(configWithAddress("ws://localhost:8080/ws").Transport)
	if err != nil {
		t.Fatalf("newDialer() error = %v", err)
	}
	ws, ok := d.(*transport.WebSocketDialer)
	if !ok || ws.HandshakeTimeout != 7*time.Second {
		t.Fatalf("dialer = %#v", d)
	}
	if _, err := newDialer(configWithAddress("tcp://localhost:9000").Transport); err != nil {
		t.Fatalf("tcp dialer error = %v", err)
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in         string
		wantColumn string
		wantValue  string
		wantNil    bool
		wantErr    bool
	}{
		{in: "", wantNil: true},
		{in: "owner_id=cust-1", wantColumn: "owner_id", wantValue: "cust-1"},
		{in: " session_id = s-42 ", wantColumn: "session_id", wantValue: "s-42"},
		{in: "owner_id", wantErr: true},
		{in: "=x", wantErr: true},
	}
	for _, tt := range tests {
		f, err := parseFilter(tt.in)
		switch {
		case tt.wantErr:
			if err == nil {
				t.Errorf("parseFilter(%q) expected error", tt.in)
			}
		case tt.wantNil:
			if err != nil || f != nil {
				t.Errorf("parseFilter(%q) = %v, %v", tt.in, f, err)
			}
		default:
			if err != nil || f.Column != tt.wantColumn || f.Value != tt.wantValue {
				t.Errorf("parseFilter(%q) = %+v, %v", tt.in, f, err)
			}
		}
	}
}

func TestChatPrinter(t *testing.T) {
	var out bytes.Buffer
	p := newChatPrinter(&out, "cust-1")
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.Local)

	queued := models.ChatMessage{ID: "m1", SenderID: "cust-1", SenderName: "Alice", Body: "hello", CreatedAt: at, Delivery: models.DeliveryQueued}
	p.messages([]models.ChatMessage{queued})
	p.messages([]models.ChatMessage{queued})
	queued.Delivery = models.DeliveryConfirmed
	reply := models.ChatMessage{ID: "m2", SenderID: "agent-7", Body: "hi Alice", CreatedAt: at, Delivery: models.DeliveryConfirmed}
	p.messages([]models.ChatMessage{queued, reply})

	p.typing([]livechat.Typer{{ID: "agent-7", Name: "Sam"}, {ID: "cust-1", Name: "Alice"}})
	p.typing([]livechat.Typer{{ID: "agent-7", Name: "Sam"}})
	p.roster([]models.PresenceRecord{{ParticipantID: "agent-7", DisplayName: "Sam"}, {ParticipantID: "cust-1", DisplayName: "Alice"}})

	want := strings.Join([]string{
		"[09:30] Alice: hello (queued)",
		"* sent: hello",
		"[09:30] agent-7: hi Alice",
		"* Sam typing...",
		"* online: Alice, Sam",
		"",
	}, "\n")
	if got := out.String(); got != want {
		t.Fatalf("output:\n%s\nwant:\n%s", got, want)
	}
}

func TestCachedAlertStore(t *testing.T) {
	var lists, marks atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/alerts":
			lists.Add(1)
			_ = json.NewEncoder(w).Encode([]models.Alert{{ID: "a1", OwnerID: "cust-1", Title: "Deposit", Severity: models.SeveritySuccess}})
		case "/api/alerts/read-all":
			marks.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]int{"updated": 1})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := hubclient.New(srv.URL)
	if err != nil {
		t.Fatalf("hubclient.New() error = %v", err)
	}
	s := &cachedAlertStore{cache: querycache.New[[]models.Alert](time.Minute, 16), client: client}
	ctx := context.Background()

	for range 3 {
		alerts, err := s.ListAlerts(ctx, "cust-1")
		if err != nil || len(alerts) != 1 {
			t.Fatalf("ListAlerts() = %v, %v", alerts, err)
		}
	}
	if lists.Load() != 1 {
		t.Fatalf("list requests = %d, want 1", lists.Load())
	}

	if n, err := s.MarkAllRead(ctx, "cust-1"); err != nil || n != 1 {
		t.Fatalf("MarkAllRead() = %d, %v", n, err)
	}
	if _, err := s.ListAlerts(ctx, "cust-1"); err != nil {
		t.Fatal(err)
	}
	if lists.Load() != 2 || marks.Load() != 1 {
		t.Fatalf("lists = %d marks = %d", lists.Load(), marks.Load())
	}
}

func TestAlertsCommandsAgainstHub(t *testing.T) {
	t.Setenv("LIVEWIRE_CONFIG", "")
	t.Chdir(t.TempDir())

	ctx := context.Background()
	st, err := store.Open(ctx, store.MemoryPath, store.Options{})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()
	h, err := hub.New(hub.Config{Store: st, Gatherer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("hub.New() error = %v", err)
	}
	srv := httptest.NewServer(h.Handler("/ws"))
	defer srv.Close()
	defer h.Close()

	run := func(args ...string) string {
		t.Helper()
		cmd := buildRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append(args, "--api", srv.URL))
		if err := cmd.ExecuteContext(ctx); err != nil {
			t.Fatalf("livewire %v: %v\n%s", args, err, out.String())
		}
		return out.String()
	}

	if out := run("alerts", "send", "--owner", "cust-1", "--title", "Deposit received", "--severity", "success"); !strings.Contains(out, "Created alert") {
		t.Fatalf("send output = %q", out)
	}
	run("alerts", "send", "--owner", "cust-1", "--title", "Card used abroad", "--severity", "warning")

	var alerts []models.Alert
	if err := json.Unmarshal([]byte(run("alerts", "list", "--owner", "cust-1", "--json")), &alerts); err != nil {
		t.Fatalf("list output is not JSON: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %+v", alerts)
	}

	if out := run("alerts", "read-all", "--owner", "cust-1"); !strings.Contains(out, "Marked 2 alert(s)") {
		t.Fatalf("read-all output = %q", out)
	}
	if out := run("alerts", "delete", alerts[0].ID); !strings.Contains(out, "Deleted alert "+alerts[0].ID) {
		t.Fatalf("delete output = %q", out)
	}
	if out := run("alerts", "list", "--owner", "cust-1"); !strings.Contains(out, "SEVERITY") || strings.Contains(out, alerts[0].ID) {
		t.Fatalf("table output = %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livewire.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "validate", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out.String(), "ok") {
		t.Fatalf("validate output = %q", out.String())
	}

	cmd = buildRootCmd()
	out.Reset()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "schema"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(out.Bytes(), &schema); err != nil {
		t.Fatalf("schema output is not JSON: %v", err)
	}
}
