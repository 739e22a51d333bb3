// Package store persists room configuration, raw room events and the
// sessions they are archived into.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSessionExists = errors.New("session id already exists")
)

// Room is the per-room monitoring configuration.
type Room struct {
	RoomID            string    `json:"room_id"`
	DisplayName       string    `json:"display_name"`
	MonitoringEnabled bool      `json:"monitoring_enabled"`
	NumericRoomID     string    `json:"numeric_room_id,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EventRecord is one persisted inbound event. An empty SessionID means the
// event has not been archived yet.
type EventRecord struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	SessionID string    `json:"session_id,omitempty"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload,omitempty"`
}

// Session is an archived span of room activity.
type Session struct {
	SessionID  string          `json:"session_id"`
	RoomID     string          `json:"room_id"`
	CreatedAt  time.Time       `json:"created_at"`
	RangeStart time.Time       `json:"range_start"`
	RangeEnd   time.Time       `json:"range_end"`
	EventCount int             `json:"event_count"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Window bounds an archive operation. Zero values are open ends; both ends
// are inclusive.
type Window struct {
	From  time.Time
	Until time.Time
}

// Store is everything the orchestrator needs from persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	UpsertRoom(ctx context.Context, r Room) error
	GetRoom(ctx context.Context, roomID string) (Room, error)
	// ListMonitoredRooms returns rooms with a non-empty display name,
	// enabled first, most recently updated first.
	ListMonitoredRooms(ctx context.Context) ([]Room, error)
	SetMonitoringEnabled(ctx context.Context, roomID string, enabled bool) error
	SetCachedNumericRoomID(ctx context.Context, roomID, numericID string) error

	RecordEvent(ctx context.Context, e EventRecord) error
	CountUntaggedEvents(ctx context.Context, roomID string, since time.Time) (int, error)
	UntaggedEventTimes(ctx context.Context, roomID string) ([]time.Time, error)
	TagEventsWithSession(ctx context.Context, roomID, sessionID string, since time.Time) (int64, error)
	RoomsWithUntaggedEvents(ctx context.Context) ([]string, error)
	ListEvents(ctx context.Context, roomID string) ([]EventRecord, error)

	CreateSession(ctx context.Context, s Session) error
	// ArchiveWindow creates s and tags the room's untagged events inside w
	// in one transaction. It creates nothing and returns 0 when no event
	// matches, and ErrSessionExists when the id is taken.
	ArchiveWindow(ctx context.Context, s Session, w Window) (int64, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context, roomID string, limit int) ([]Session, error)
	// ListSessionsSince returns sessions whose range ends at or after since,
	// ordered by room then range start.
	ListSessionsSince(ctx context.Context, since time.Time) ([]Session, error)
	RefreshSessionRange(ctx context.Context, sessionID string) error
	// MergeSessions moves every event of from into into, deletes from and
	// refreshes into's range, atomically.
	MergeSessions(ctx context.Context, into, from string) (int64, error)
	DeleteEmptySessions(ctx context.Context) (int64, error)
}
