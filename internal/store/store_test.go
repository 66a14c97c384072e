package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/livewire/pkg/models"
)

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), MemoryPath, Options{Now: func() time.Time { return baseTime }})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func message(id, session, sender string, offset time.Duration) models.ChatMessage {
	return models.ChatMessage{
		ID:         id,
		SessionID:  session,
		SenderID:   sender,
		SenderName: sender,
		SenderRole: models.RoleCustomer,
		Body:       "hello " + id,
		CreatedAt:  baseTime.Add(offset),
	}
}

func TestOpen_FileDatabaseAndMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "livewire.db")
	ctx := context.Background()

	s, err := Open(ctx, path, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.InsertMessage(ctx, message("m1", "s1", "u1", 0)); err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	s.Close()

	s, err = Open(ctx, path, Options{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	v, err := s.SchemaVersion(ctx)
	if err != nil || v != 1 {
		t.Fatalf("SchemaVersion() = %d, %v", v, err)
	}
	if _, err := s.GetMessage(ctx, "m1"); err != nil {
		t.Fatalf("message lost across reopen: %v", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), " ", Options{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestInsertMessage_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	msg := message("m1", "s1", "u1", 0)

	inserted, err := s.InsertMessage(ctx, msg)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	msg.Body = "changed"
	inserted, err = s.InsertMessage(ctx, msg)
	if err != nil || inserted {
		t.Fatalf("duplicate insert = %v, %v; want false, nil", inserted, err)
	}
	got, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if got.Body != "hello m1" || got.Delivery != models.DeliveryConfirmed || !got.CreatedAt.Equal(baseTime) {
		t.Fatalf("stored message = %+v", got)
	}
}

func TestInsertMessage_Validation(t *testing.T) {
	s := openTestStore(t)
	msg := message("m1", "s1", "u1", 0)
	msg.Body = ""
	if _, err := s.InsertMessage(context.Background(), msg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetMessage(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMessage() error = %v, want ErrNotFound", err)
	}
}

func TestHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, msg := range []models.ChatMessage{
		message("m3", "s1", "u1", 3*time.Second),
		message("m1", "s1", "u1", time.Second),
		message("m2", "s1", "u2", 1500*time.Millisecond),
		message("x1", "s2", "u1", 0),
		message("m4", "s1", "u2", 4*time.Second),
	} {
		if _, err := s.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage() error = %v", err)
		}
	}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{name: "all", limit: 0, want: []string{"m1", "m2", "m3", "m4"}},
		{name: "newest two ascending", limit: 2, want: []string{"m3", "m4"}},
		{name: "limit above size", limit: 10, want: []string{"m1", "m2", "m3", "m4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.History(ctx, "s1", tt.limit)
			if err != nil {
				t.Fatalf("History() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("History() len = %d, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Fatalf("History()[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestMarkMessagesRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, msg := range []models.ChatMessage{
		message("m1", "s1", "agent", 0),
		message("m2", "s1", "agent", time.Second),
		message("m3", "s1", "reader", 2*time.Second),
		message("x1", "s2", "agent", 0),
	} {
		if _, err := s.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage() error = %v", err)
		}
	}

	changed, err := s.MarkMessagesRead(ctx, "s1", "reader", []string{"m1", "m2", "m3", "x1"})
	if err != nil {
		t.Fatalf("MarkMessagesRead() error = %v", err)
	}
	if len(changed) != 2 || changed[0] != "m1" || changed[1] != "m2" {
		t.Fatalf("changed = %v, want [m1 m2]", changed)
	}
	again, err := s.MarkMessagesRead(ctx, "s1", "reader", []string{"m1", "m2"})
	if err != nil || len(again) != 0 {
		t.Fatalf("second MarkMessagesRead() = %v, %v", again, err)
	}
	own, _ := s.GetMessage(ctx, "m3")
	if own.Read {
		t.Fatal("reader's own message must stay unread")
	}
	if changed, err := s.MarkMessagesRead(ctx, "s1", "reader", nil); err != nil || changed != nil {
		t.Fatalf("empty ids = %v, %v", changed, err)
	}
}

func TestAlerts_CreateListMarkAllRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateAlert(ctx, models.Alert{OwnerID: "u1", Title: "Low balance", Severity: models.SeverityWarning})
	if err != nil {
		t.Fatalf("CreateAlert() error = %v", err)
	}
	if created.ID == "" || !created.CreatedAt.Equal(baseTime) {
		t.Fatalf("created = %+v, want generated id and clock time", created)
	}
	for _, a := range []models.Alert{
		{ID: "a2", OwnerID: "u1", Title: "Deposit", Severity: models.SeveritySuccess, CreatedAt: baseTime.Add(time.Hour)},
		{ID: "a3", OwnerID: "u2", Title: "Other", Severity: models.SeverityInfo, CreatedAt: baseTime.Add(2 * time.Hour)},
	} {
		if _, err := s.CreateAlert(ctx, a); err != nil {
			t.Fatalf("CreateAlert() error = %v", err)
		}
	}

	list, err := s.ListAlerts(ctx, "u1")
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "a2" || list[1].ID != created.ID {
		t.Fatalf("ListAlerts() = %+v, want newest first", list)
	}

	n, err := s.MarkAllRead(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("MarkAllRead() = %d, %v; want 2", n, err)
	}
	n, err = s.MarkAllRead(ctx, "u1")
	if err != nil || n != 0 {
		t.Fatalf("second MarkAllRead() = %d, %v; want 0", n, err)
	}
	others, _ := s.ListAlerts(ctx, "u2")
	if len(others) != 1 || others[0].Read {
		t.Fatalf("another owner's alerts changed: %+v", others)
	}
}

func TestCreateAlert_Validation(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateAlert(context.Background(), models.Alert{OwnerID: "u1", Title: "x", Severity: "loud"}); err == nil {
		t.Fatal("expected invalid severity error")
	}
}

func TestDeleteAlert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, err := s.CreateAlert(ctx, models.Alert{ID: "a1", OwnerID: "u1", Title: "Transfer", Severity: models.SeverityInfo})
	if err != nil {
		t.Fatalf("CreateAlert() error = %v", err)
	}
	old, err := s.DeleteAlert(ctx, a.ID)
	if err != nil || old.OwnerID != "u1" {
		t.Fatalf("DeleteAlert() = %+v, %v", old, err)
	}
	if _, err := s.DeleteAlert(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteAlert() error = %v, want ErrNotFound", err)
	}
}

func TestHeartbeats_RecordAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []models.PresenceRecord{
		{ParticipantID: "old", DisplayName: "Old", LastSeen: baseTime.Add(-time.Hour)},
		{ParticipantID: "fresh", DisplayName: "Fresh", LastSeen: baseTime},
	}
	for _, rec := range records {
		if err := s.RecordHeartbeat(ctx, rec); err != nil {
			t.Fatalf("RecordHeartbeat() error = %v", err)
		}
	}
	if err := s.RecordHeartbeat(ctx, models.PresenceRecord{ParticipantID: "fresh", DisplayName: "Renamed", LastSeen: baseTime.Add(time.Minute)}); err != nil {
		t.Fatalf("RecordHeartbeat() upsert error = %v", err)
	}
	if err := s.RecordHeartbeat(ctx, models.PresenceRecord{}); err == nil {
		t.Fatal("expected error for missing participant")
	}

	n, err := s.PruneHeartbeats(ctx, baseTime.Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PruneHeartbeats() = %d, %v; want 1", n, err)
	}
	left, err := s.Heartbeats(ctx)
	if err != nil {
		t.Fatalf("Heartbeats() error = %v", err)
	}
	if len(left) != 1 || left[0].DisplayName != "Renamed" || !left[0].LastSeen.Equal(baseTime.Add(time.Minute)) {
		t.Fatalf("Heartbeats() = %+v", left)
	}
}

func TestTimestampsSortChronologically(t *testing.T) {
	a := ts(baseTime.Add(100 * time.Millisecond))
	b := ts(baseTime.Add(time.Second))
	if !(a < b) {
		t.Fatalf("ts ordering broken: %q >= %q", a, b)
	}
	parsed, err := parseTS(a)
	if err != nil || !parsed.Equal(baseTime.Add(100*time.Millisecond)) {
		t.Fatalf("parseTS(%q) = %v, %v", a, parsed, err)
	}
	if _, err := parseTS("yesterday"); err == nil {
		t.Fatal("expected parse error")
	}
}
