// Package history exports room lifecycle notifications to external
// analytics systems.
package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventSessionCreated EventType = "session_created"
	EventAutoDisabled   EventType = "monitoring_auto_disabled"
	EventSessionsMerged EventType = "sessions_merged"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type          EventType `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`
	RoomID        string    `json:"room_id"`
	NumericRoomID string    `json:"numeric_room_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	EventCount    int       `json:"event_count,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Publish delivers e to every sink. Failures are logged, never returned:
// a broken analytics backend must not affect the fleet.
func Publish(ctx context.Context, sinks []Sink, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("history sink failed", "type", e.Type, "room", e.RoomID, "error", err)
		}
	}
}

// Recorder is an in-memory Sink, handy for tests and the status endpoint.
type Recorder struct {
	ch chan Event
}

// NewRecorder buffers up to n events; later events are dropped.
func NewRecorder(n int) *Recorder {
	return &Recorder{ch: make(chan Event, n)}
}

func (r *Recorder) Send(_ context.Context, e Event) error {
	select {
	case r.ch <- e:
	default:
	}
	return nil
}

// Events drains everything recorded so far.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
