package httpapi

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/flasharr/flasharr/internal/eventbus"
)

// sseEnvelope is what Subscribe actually writes to the wire: the event
// itself plus whether this subscriber dropped events before it.
type sseEnvelope struct {
	eventWire
	Lagged bool `json:"lagged,omitempty"`
}

// eventWire mirrors domain.Event's fields directly rather than embedding
// it, so zero-value State/time fields that don't apply to this Kind stay
// out of the JSON body.
type eventWire struct {
	Kind      string  `json:"kind"`
	TaskID    string  `json:"task_id"`
	Timestamp string  `json:"timestamp"`
	From      string  `json:"from,omitempty"`
	To        string  `json:"to,omitempty"`
	LiveBytes int64   `json:"live_bytes,omitempty"`
	LiveSpeed float64 `json:"live_speed_bps,omitempty"`
	Message   string  `json:"error_message,omitempty"`
}

func writeSSEEvent(w io.Writer, d eventbus.Delivery) error {
	wire := eventWire{
		Kind:      string(d.Event.Kind),
		TaskID:    d.Event.TaskID,
		Timestamp: d.Event.Timestamp.Format(timeFormat),
		From:      string(d.Event.From),
		To:        string(d.Event.To),
		LiveBytes: d.Event.LiveBytes,
		LiveSpeed: d.Event.LiveSpeed,
	}
	if d.Event.Error != nil {
		wire.Message = d.Event.Error.Message
	}

	payload, err := json.Marshal(sseEnvelope{eventWire: wire, Lagged: d.Lagged})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
