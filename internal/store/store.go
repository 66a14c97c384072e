// Package store persists chat messages, alerts and presence heartbeats in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/pkg/models"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var ErrNotFound = errors.New("not found")

// tsLayout is fixed width so that text comparison in SQL orders timestamps
// chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Options tunes a Store.
type Options struct {
	Metrics *observability.Metrics
	// Now overrides the clock used for defaulted timestamps.
	Now func() time.Time
}

// Store is a SQLite-backed persistence layer. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	metrics *observability.Metrics
	now     func() time.Time
}

// Open opens (creating if needed) the database at path and applies
// migrations. Use MemoryPath for an ephemeral database.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := NewWithDB(db, opts)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection without running migrations.
func NewWithDB(db *sql.DB, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, metrics: opts.Metrics, now: now}
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) observe(operation, table string, start time.Time) {
	s.metrics.ObserveQuery(operation, table, time.Since(start).Seconds())
}

// InsertMessage stores msg. Inserting an id that already exists is a no-op
// and reports inserted=false.
func (s *Store) InsertMessage(ctx context.Context, msg models.ChatMessage) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}
	defer s.observe("insert", "chat_messages", time.Now())

	res, err := s.db.ExecContext(ctx, `
INSERT INTO chat_messages (id, session_id, sender_id, sender_name, sender_role, body, created_at, read)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.SessionID, msg.SenderID, msg.SenderName, string(msg.SenderRole),
		msg.Body, ts(msg.CreatedAt), boolToInt(msg.Read),
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows: %w", err)
	}
	return n > 0, nil
}

// GetMessage returns the message with id or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (models.ChatMessage, error) {
	defer s.observe("get", "chat_messages", time.Now())

	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, sender_id, sender_name, sender_role, body, created_at, read
FROM chat_messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatMessage{}, ErrNotFound
	}
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// History returns the newest limit messages of a session in ascending order.
// limit <= 0 returns the whole session.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	defer s.observe("history", "chat_messages", time.Now())

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, sender_id, sender_name, sender_role, body, created_at, read FROM (
	SELECT id, session_id, sender_id, sender_name, sender_role, body, created_at, read
	FROM chat_messages
	WHERE session_id = ?
	ORDER BY created_at DESC, id DESC
	LIMIT ?
) ORDER BY created_at ASC, id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// MarkMessagesRead flags ids in sessionID as read on behalf of readerID.
// A reader's own messages are left alone. It returns the ids that changed.
func (s *Store) MarkMessagesRead(ctx context.Context, sessionID, readerID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	defer s.observe("mark_read", "chat_messages", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, 0, len(ids)+2)
	args = append(args, sessionID, readerID)
	for _, id := range ids {
		args = append(args, id)
	}
	where := `session_id = ? AND sender_id != ? AND read = 0 AND id IN (` + placeholders(len(ids)) + `)`

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chat_messages WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}
	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan unread: %w", err)
		}
		changed = append(changed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread: %w", err)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chat_messages SET read = 1 WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark read: %w", err)
	}
	return changed, nil
}

// CreateAlert stores a new alert, filling in id and created_at when empty.
func (s *Store) CreateAlert(ctx context.Context, alert models.Alert) (models.Alert, error) {
	if err := alert.Validate(); err != nil {
		return models.Alert{}, err
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	alert.CreatedAt = alert.CreatedAt.UTC()
	defer s.observe("insert", "alerts", time.Now())

	_, err := s.db.ExecContext(ctx, `
INSERT INTO alerts (id, owner_id, title, body, severity, created_at, read)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.OwnerID, alert.Title, alert.Body, string(alert.Severity),
		ts(alert.CreatedAt), boolToInt(alert.Read),
	)
	if err != nil {
		return models.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// ListAlerts returns an owner's alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, ownerID string) ([]models.Alert, error) {
	defer s.observe("list", "alerts", time.Now())

	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, title, body, severity, created_at, read
FROM alerts
WHERE owner_id = ?
ORDER BY created_at DESC, id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

// MarkAllRead flags every unread alert of ownerID as read in one statement
// and returns how many changed.
func (s *Store) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	defer s.observe("mark_all_read", "alerts", time.Now())

	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET read = 1 WHERE owner_id = ? AND read = 0`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all read rows: %w", err)
	}
	return int(n), nil
}

// DeleteAlert removes an alert and returns the deleted row.
func (s *Store) DeleteAlert(ctx context.Context, id string) (models.Alert, error) {
	defer s.observe("delete", "alerts", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Alert{}, fmt.Errorf("begin delete alert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, owner_id, title, body, severity, created_at, read
FROM alerts WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Alert{}, ErrNotFound
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id); err != nil {
		return models.Alert{}, fmt.Errorf("delete alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Alert{}, fmt.Errorf("commit delete alert: %w", err)
	}
	return alert, nil
}

// RecordHeartbeat upserts a participant's last-seen time.
func (s *Store) RecordHeartbeat(ctx context.Context, rec models.PresenceRecord) error {
	if strings.TrimSpace(rec.ParticipantID) == "" {
		return errors.New("participant_id is required")
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = s.now()
	}
	defer s.observe("upsert", "presence_heartbeats", time.Now())

	_, err := s.db.ExecContext(ctx, `
INSERT INTO presence_heartbeats (participant_id, display_name, last_seen)
VALUES (?, ?, ?)
ON CONFLICT(participant_id) DO UPDATE SET
	display_name = excluded.display_name,
	last_seen = excluded.last_seen`,
		rec.ParticipantID, rec.DisplayName, ts(rec.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// Heartbeats returns every recorded heartbeat ordered by participant.
func (s *Store) Heartbeats(ctx context.Context) ([]models.PresenceRecord, error) {
	defer s.observe("list", "presence_heartbeats", time.Now())

	rows, err := s.db.QueryContext(ctx, `
SELECT participant_id, display_name, last_seen
FROM presence_heartbeats
ORDER BY participant_id`)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []models.PresenceRecord
	for rows.Next() {
		var (
			rec      models.PresenceRecord
			lastSeen string
		)
		if err := rows.Scan(&rec.ParticipantID, &rec.DisplayName, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		if rec.LastSeen, err = parseTS(lastSeen); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heartbeats: %w", err)
	}
	return out, nil
}

// PruneHeartbeats deletes heartbeats last seen before cutoff.
func (s *Store) PruneHeartbeats(ctx context.Context, cutoff time.Time) (int, error) {
	defer s.observe("prune", "presence_heartbeats", time.Now())

	res, err := s.db.ExecContext(ctx, `DELETE FROM presence_heartbeats WHERE last_seen < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune heartbeats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune heartbeats rows: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (models.ChatMessage, error) {
	var (
		msg       models.ChatMessage
		role      string
		createdAt string
		read      int
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.SenderID, &msg.SenderName, &role, &msg.Body, &createdAt, &read); err != nil {
		return models.ChatMessage{}, err
	}
	t, err := parseTS(createdAt)
	if err != nil {
		return models.ChatMessage{}, err
	}
	msg.SenderRole = models.Role(role)
	msg.CreatedAt = t
	msg.Read = read != 0
	msg.Delivery = models.DeliveryConfirmed
	return msg, nil
}

func scanAlert(row scanner) (models.Alert, error) {
	var (
		alert     models.Alert
		severity  string
		createdAt string
		read      int
	)
	if err := row.Scan(&alert.ID, &alert.OwnerID, &alert.Title, &alert.Body, &severity, &createdAt, &read); err != nil {
		return models.Alert{}, err
	}
	t, err := parseTS(createdAt)
	if err != nil {
		return models.Alert{}, err
	}
	alert.Severity = models.Severity(severity)
	alert.CreatedAt = t
	alert.Read = read != 0
	return alert, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
