package hub

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/haasonsaas/livewire/internal/wire"
	"github.com/haasonsaas/livewire/pkg/models"
)

var errNotOwner = errors.New("participant is tracked by another connection")

type rosterEntry struct {
	record models.PresenceRecord
	owner  *client
	seen   time.Time
}

// track records a join or heartbeat. A record first seen from this client
// is announced with a presence_diff and the client receives a snapshot.
func (h *Hub) track(ctx context.Context, c *client, rec models.PresenceRecord) {
	now := h.cfg.Now().UTC()
	rec.LastSeen = now

	h.mu.Lock()
	entry, existed := h.roster[rec.ParticipantID]
	if !existed {
		entry = &rosterEntry{}
		h.roster[rec.ParticipantID] = entry
	}
	newOwner := entry.owner != c
	entry.record = rec
	entry.owner = c
	entry.seen = now
	h.metrics.SetRosterSize(len(h.roster))
	if !existed {
		h.broadcastDiffLocked([]models.PresenceRecord{rec}, nil)
	}
	if newOwner {
		h.sendLocked(c, wire.TypePresenceState, wire.PresenceState{Records: h.snapshotLocked()})
	}
	h.mu.Unlock()

	if !existed {
		h.publishChange(models.ResourcePresence, models.OperationCreated, rec, nil)
	}
	if err := h.store.RecordHeartbeat(ctx, rec); err != nil {
		h.logger.WarnContext(ctx, "record heartbeat failed", "participant_id", rec.ParticipantID, "error", err)
	}
}

func (h *Hub) untrack(c *client, participantID string) error {
	h.mu.Lock()
	entry, ok := h.roster[participantID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	if entry.owner != c {
		h.mu.Unlock()
		return errNotOwner
	}
	delete(h.roster, participantID)
	h.metrics.SetRosterSize(len(h.roster))
	h.broadcastDiffLocked(nil, []models.PresenceRecord{entry.record})
	h.mu.Unlock()

	h.publishChange(models.ResourcePresence, models.OperationDeleted, nil, entry.record)
	return nil
}

// resync drops stale records and sends every client a full snapshot, which
// is one sync cycle for the trackers.
func (h *Hub) resync() {
	cutoff := h.cfg.Now().UTC().Add(-h.cfg.StaleAfter)

	h.mu.Lock()
	var leaves []models.PresenceRecord
	for id, entry := range h.roster {
		if entry.seen.Before(cutoff) {
			leaves = append(leaves, entry.record)
			delete(h.roster, id)
		}
	}
	h.metrics.SetRosterSize(len(h.roster))
	if len(leaves) > 0 {
		h.broadcastDiffLocked(nil, leaves)
	}
	data, err := encodeFrame(wire.TypePresenceState, wire.PresenceState{Records: h.snapshotLocked()})
	if err == nil {
		for _, c := range h.clients {
			c.enqueue(wire.TypePresenceState, data)
		}
	}
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("encode presence snapshot", "error", err)
	}
	for _, rec := range leaves {
		h.logger.Debug("presence record expired", "participant_id", rec.ParticipantID)
		h.publishChange(models.ResourcePresence, models.OperationDeleted, nil, rec)
	}
}

// Roster returns the current roster ordered by display name, then id.
func (h *Hub) Roster() []models.PresenceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []models.PresenceRecord {
	records := make([]models.PresenceRecord, 0, len(h.roster))
	for _, entry := range h.roster {
		records = append(records, entry.record)
	}
	slices.SortFunc(records, func(a, b models.PresenceRecord) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return strings.Compare(a.ParticipantID, b.ParticipantID)
	})
	return records
}

func (h *Hub) broadcastDiffLocked(joins, leaves []models.PresenceRecord) {
	data, err := encodeFrame(wire.TypePresenceDiff, wire.PresenceDiff{Joins: joins, Leaves: leaves})
	if err != nil {
		h.logger.Error("encode presence diff", "error", err)
		return
	}
	for _, c := range h.clients {
		c.enqueue(wire.TypePresenceDiff, data)
	}
}

func (h *Hub) sendLocked(c *client, frameType string, payload any) {
	data, err := encodeFrame(frameType, payload)
	if err != nil {
		h.logger.Error("encode frame", "frame_type", frameType, "error", err)
		return
	}
	c.enqueue(frameType, data)
}
