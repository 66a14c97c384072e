package models

import (
	"slices"
	"testing"
	"time"
)

func TestChatMessage_Validate(t *testing.T) {
	valid := ChatMessage{
		ID:         "m1",
		SessionID:  "s1",
		SenderID:   "u1",
		SenderName: "Ada",
		SenderRole: RoleCustomer,
		Body:       "hello",
		CreatedAt:  time.Now(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ChatMessage)
	}{
		{"missing id", func(m *ChatMessage) { m.ID = "" }},
		{"missing session", func(m *ChatMessage) { m.SessionID = " " }},
		{"missing sender", func(m *ChatMessage) { m.SenderID = "" }},
		{"bad role", func(m *ChatMessage) { m.SenderRole = "admin" }},
		{"blank body", func(m *ChatMessage) { m.Body = "\n" }},
		{"zero time", func(m *ChatMessage) { m.CreatedAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			if err := m.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCompareMessages(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []ChatMessage{
		{ID: "c", CreatedAt: base.Add(time.Second)},
		{ID: "b", CreatedAt: base},
		{ID: "a", CreatedAt: base},
	}
	slices.SortFunc(msgs, CompareMessages)
	got := []string{msgs[0].ID, msgs[1].ID, msgs[2].ID}
	want := []string{"a", "b", "c"}
	if !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestAlert_ValidateAndOrder(t *testing.T) {
	a := Alert{OwnerID: "u1", Title: "Deposit", Severity: SeveritySuccess}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	a.Severity = "fatal"
	if err := a.Validate(); err == nil {
		t.Fatal("expected severity error")
	}

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	alerts := []Alert{
		{ID: "old", CreatedAt: base},
		{ID: "new", CreatedAt: base.Add(time.Hour)},
	}
	slices.SortFunc(alerts, CompareAlertsNewestFirst)
	if alerts[0].ID != "new" {
		t.Fatalf("first alert = %s, want new", alerts[0].ID)
	}
}

func TestChangeEvent_Row(t *testing.T) {
	ev := ChangeEvent{Operation: OperationDeleted, Old: map[string]any{"id": 1}}
	if ev.Row()["id"] != 1 {
		t.Fatal("delete without payload should use old row")
	}
	ev = ChangeEvent{Operation: OperationUpdated, Payload: map[string]any{"id": 2}, Old: map[string]any{"id": 1}}
	if ev.Row()["id"] != 2 {
		t.Fatal("update should use new row")
	}
	if !OperationCreated.Valid() || Operation("merged").Valid() {
		t.Fatal("Operation.Valid() mismatch")
	}
}
