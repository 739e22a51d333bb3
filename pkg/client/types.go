package client

import "time"

// RoomStatus describes one room the daemon currently holds.
type RoomStatus struct {
	RoomID        string    `json:"room_id"`
	Phase         string    `json:"phase"`
	NumericRoomID string    `json:"numeric_room_id,omitempty"`
	StartTime     time.Time `json:"start_time,omitempty"`
	LastEventTime time.Time `json:"last_event_time,omitempty"`
	Connected     bool      `json:"connected"`
	PendingWrites int       `json:"pending_writes"`
}

// KeyStatus is one masked credential.
type KeyStatus struct {
	Key       string `json:"key"`
	Active    bool   `json:"active"`
	Remaining string `json:"remaining,omitempty"`
}

type CredentialStatus struct {
	Total    int         `json:"total"`
	Active   int         `json:"active"`
	Disabled int         `json:"disabled"`
	Keys     []KeyStatus `json:"keys"`
}

// Status is the response of GET /status.
type Status struct {
	MonitoringEnabled bool                 `json:"monitoring_enabled"`
	Interval          string               `json:"interval"`
	Rooms             []RoomStatus         `json:"rooms"`
	Credentials       CredentialStatus     `json:"credentials"`
	AutoDisabled      []string             `json:"auto_disabled"`
	PendingOffline    map[string]time.Time `json:"pending_offline"`
}

// StartResult reports what a manual connect did.
type StartResult struct {
	RoomID  string `json:"room_id"`
	Outcome string `json:"outcome"`
}

// ConsolidateReport is the result of one consolidation pass.
type ConsolidateReport struct {
	RunID         string        `json:"run_id"`
	StaleSessions int           `json:"stale_sessions"`
	Merged        int           `json:"merged"`
	EmptyDeleted  int64         `json:"empty_deleted"`
	SkippedRooms  []string      `json:"skipped_rooms,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Session is one archived span of room activity.
type Session struct {
	SessionID  string    `json:"session_id"`
	RoomID     string    `json:"room_id"`
	CreatedAt  time.Time `json:"created_at"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`
	EventCount int       `json:"event_count"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
