package hub

import (
	"encoding/json"

	"github.com/haasonsaas/livewire/internal/wire"
	"github.com/haasonsaas/livewire/pkg/models"
)

func (h *Hub) subscribeChanges(c *client, classes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(classes) == 0 {
		c.changesAll = true
		c.changes = nil
		return
	}
	c.changesAll = false
	c.changes = make(map[string]bool, len(classes))
	for _, rc := range classes {
		c.changes[rc] = true
	}
}

// publishChange sends a change event to every client subscribed to its
// resource class. payload and old are encoded as rows; either may be nil.
func (h *Hub) publishChange(resourceClass string, op models.Operation, payload, old any) {
	ev := models.ChangeEvent{
		ResourceClass: resourceClass,
		Operation:     op,
		Payload:       toRow(payload),
		Old:           toRow(old),
		Timestamp:     h.cfg.Now().UTC(),
	}
	data, err := encodeFrame(wire.TypeChange, ev)
	if err != nil {
		h.logger.Error("encode change event", "resource_class", resourceClass, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if c.changesAll || c.changes[resourceClass] {
			c.enqueue(wire.TypeChange, data)
		}
	}
}

// toRow converts a record to the column map carried by change events.
func toRow(v any) map[string]any {
	switch row := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return row
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil
	}
	delete(row, "delivery")
	return row
}
