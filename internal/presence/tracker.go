// Package presence publishes a participant's online state to a shared
// roster and maintains the merged roster view from hub snapshots.
//
// The hub sends a presence_state snapshot once per sync cycle and
// presence_diff frames in between. A participant missing from
// MissedSyncs consecutive snapshots is dropped from the local roster.
// The tracked participant itself is never dropped while it is tracked.
// Everyone else is dropped when the tracker's own connection closes.
//
// A Tracker is loop-confined.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/haasonsaas/livewire/internal/eventloop"
	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/internal/transport"
	"github.com/haasonsaas/livewire/internal/wire"
	"github.com/haasonsaas/livewire/pkg/models"
)

const (
	// DefaultHeartbeatInterval is the period between presence heartbeats.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultMissedSyncs is how many consecutive snapshots a participant may
	// be absent from before it is considered offline.
	DefaultMissedSyncs = 2
)

var (
	// ErrInvalidParticipant is returned by Track for a blank participant id.
	ErrInvalidParticipant = errors.New("presence: participant id is required")
	// ErrAlreadyTracking is returned when Track is called for a second participant.
	ErrAlreadyTracking = errors.New("presence: already tracking another participant")
)

// Config configures a Tracker.
type Config struct {
	Transport         *transport.Transport
	HeartbeatInterval time.Duration
	MissedSyncs       int
	Now               func() time.Time
	Logger            *slog.Logger
	Metrics           *observability.Metrics
}

// Tracker publishes presence and maintains the roster.
type Tracker struct {
	loop    *eventloop.Loop
	tr      *transport.Transport
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	self      *models.PresenceRecord
	heartbeat *eventloop.Timer
	roster    map[string]*member
	subs      []*rosterSub
	unlisten  func()
}

type member struct {
	record models.PresenceRecord
	missed int
}

type rosterSub struct {
	fn     func([]models.PresenceRecord)
	active bool
}

// New creates a tracker bound to a transport. It starts listening
// immediately but does not connect until Track is called.
func New(loop *eventloop.Loop, cfg Config) (*Tracker, error) {
	if loop == nil || cfg.Transport == nil {
		return nil, errors.New("presence: loop and transport are required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MissedSyncs <= 0 {
		cfg.MissedSyncs = DefaultMissedSyncs
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		loop:    loop,
		tr:      cfg.Transport,
		cfg:     cfg,
		logger:  logger.With("component", "presence"),
		metrics: cfg.Metrics,
		roster:  make(map[string]*member),
	}
	t.unlisten = t.tr.Listen(transport.Handler{
		OnOpen:    t.handleOpen,
		OnMessage: t.handleMessage,
		OnClose:   t.handleClose,
	})
	return t, nil
}

// Track starts publishing participantID. Calling it again for the same
// participant only refreshes the display name.
func (t *Tracker) Track(participantID, displayName string) error {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return ErrInvalidParticipant
	}
	if t.self != nil {
		if t.self.ParticipantID != participantID {
			return fmt.Errorf("%w: %s", ErrAlreadyTracking, t.self.ParticipantID)
		}
		if t.self.DisplayName == displayName {
			return nil
		}
		t.self.DisplayName = displayName
		t.publish(wire.TypePresenceTrack)
		t.upsert(*t.self)
		t.notify()
		return nil
	}

	t.self = &models.PresenceRecord{
		ParticipantID: participantID,
		DisplayName:   displayName,
		LastSeen:      t.cfg.Now().UTC(),
	}
	t.upsert(*t.self)
	t.heartbeat = t.loop.Every(t.cfg.HeartbeatInterval, func() {
		if t.self == nil {
			return
		}
		t.self.LastSeen = t.cfg.Now().UTC()
		t.publish(wire.TypePresenceHeartbeat)
	})
	t.logger.Info("tracking presence", "participant_id", participantID)

	if t.tr.State() == transport.StateOpen {
		t.publish(wire.TypePresenceTrack)
	} else {
		t.tr.Connect()
	}
	t.notify()
	return nil
}

// Untrack stops publishing and removes the tracked participant from the
// roster. It is a no-op when nothing is tracked.
func (t *Tracker) Untrack() {
	if t.self == nil {
		return
	}
	id := t.self.ParticipantID
	frame, err := wire.NewFrame(wire.TypePresenceUntrack, "", wire.PresenceUntrack{ParticipantID: id})
	if err == nil {
		if err := t.tr.SendFrame(frame); err != nil {
			t.logger.Debug("presence_untrack not sent", "error", err)
		}
	}
	t.heartbeat.Stop()
	t.heartbeat = nil
	t.self = nil
	delete(t.roster, id)
	t.logger.Info("stopped tracking presence", "participant_id", id)
	t.notify()
}

// Subscribe registers fn to receive the full roster whenever it changes.
// The returned function is idempotent.
func (t *Tracker) Subscribe(fn func([]models.PresenceRecord)) func() {
	sub := &rosterSub{fn: fn, active: true}
	t.subs = append(t.subs, sub)
	return func() {
		if !sub.active {
			return
		}
		sub.active = false
		t.subs = slices.DeleteFunc(t.subs, func(s *rosterSub) bool { return s == sub })
	}
}

// Roster returns the current roster ordered by display name, then id.
func (t *Tracker) Roster() []models.PresenceRecord {
	out := make([]models.PresenceRecord, 0, len(t.roster))
	for _, m := range t.roster {
		out = append(out, m.record)
	}
	slices.SortFunc(out, func(a, b models.PresenceRecord) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return strings.Compare(a.ParticipantID, b.ParticipantID)
	})
	return out
}

// Online reports whether participantID is in the roster.
func (t *Tracker) Online(participantID string) bool {
	_, ok := t.roster[participantID]
	return ok
}

// Close untracks and detaches from the transport.
func (t *Tracker) Close() {
	t.Untrack()
	if t.unlisten != nil {
		t.unlisten()
		t.unlisten = nil
	}
	t.subs = nil
}

func (t *Tracker) handleOpen() {
	if t.self != nil {
		t.publish(wire.TypePresenceTrack)
	}
}

// handleClose drops everyone but the tracked participant. Without a
// connection there is no snapshot to vouch for them; the next open brings
// a fresh presence_state.
func (t *Tracker) handleClose(transport.CloseEvent) {
	changed := false
	for id := range t.roster {
		if t.self != nil && id == t.self.ParticipantID {
			continue
		}
		delete(t.roster, id)
		changed = true
	}
	if changed {
		t.logger.Debug("roster cleared after disconnect")
		t.notify()
	}
}

func (t *Tracker) handleMessage(data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		t.metrics.FrameMalformed("presence")
		t.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	switch frame.Type {
	case wire.TypePresenceState:
		var state wire.PresenceState
		if err := frame.DecodePayload(&state); err != nil {
			t.metrics.FrameMalformed("presence")
			t.logger.Warn("dropping malformed presence_state", "error", err)
			return
		}
		t.metrics.FrameReceived(t.tr.Name(), frame.Type)
		t.applyState(state.Records)
	case wire.TypePresenceDiff:
		var diff wire.PresenceDiff
		if err := frame.DecodePayload(&diff); err != nil {
			t.metrics.FrameMalformed("presence")
			t.logger.Warn("dropping malformed presence_diff", "error", err)
			return
		}
		t.metrics.FrameReceived(t.tr.Name(), frame.Type)
		t.applyDiff(diff)
	}
}

// applyState merges one sync cycle.
func (t *Tracker) applyState(records []models.PresenceRecord) {
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.ParticipantID == "" {
			continue
		}
		seen[rec.ParticipantID] = struct{}{}
		t.upsert(rec)
	}
	for id, m := range t.roster {
		if _, ok := seen[id]; ok {
			continue
		}
		if t.self != nil && id == t.self.ParticipantID {
			continue
		}
		m.missed++
		if m.missed >= t.cfg.MissedSyncs {
			t.logger.Debug("participant offline", "participant_id", id, "missed_syncs", m.missed)
			delete(t.roster, id)
		}
	}
	t.notify()
}

func (t *Tracker) applyDiff(diff wire.PresenceDiff) {
	changed := false
	for _, rec := range diff.Joins {
		if rec.ParticipantID == "" {
			continue
		}
		t.upsert(rec)
		changed = true
	}
	for _, rec := range diff.Leaves {
		if t.self != nil && rec.ParticipantID == t.self.ParticipantID {
			continue
		}
		if _, ok := t.roster[rec.ParticipantID]; ok {
			delete(t.roster, rec.ParticipantID)
			changed = true
		}
	}
	if changed {
		t.notify()
	}
}

func (t *Tracker) upsert(rec models.PresenceRecord) {
	m, ok := t.roster[rec.ParticipantID]
	if !ok {
		t.roster[rec.ParticipantID] = &member{record: rec}
		return
	}
	if rec.LastSeen.Before(m.record.LastSeen) {
		rec.LastSeen = m.record.LastSeen
	}
	m.record = rec
	m.missed = 0
}

func (t *Tracker) publish(frameType string) {
	frame, err := wire.NewFrame(frameType, "", t.self)
	if err != nil {
		t.logger.Error("encode presence frame", "type", frameType, "error", err)
		return
	}
	if err := t.tr.SendFrame(frame); err != nil {
		t.logger.Debug("presence frame not sent", "type", frameType, "error", err)
	}
}

func (t *Tracker) notify() {
	t.metrics.SetRosterSize(len(t.roster))
	if len(t.subs) == 0 {
		return
	}
	roster := t.Roster()
	for _, sub := range slices.Clone(t.subs) {
		if sub.active {
			sub.fn(slices.Clone(roster))
		}
	}
}
