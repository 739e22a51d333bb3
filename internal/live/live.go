// Package live defines the capability the orchestrator needs from the
// streaming platform. The wire protocol lives behind Client.
package live

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies an inbound event on a room connection.
type Kind string

const (
	KindChat        Kind = "chat"
	KindGift        Kind = "gift"
	KindMember      Kind = "member"
	KindLike        Kind = "like"
	KindViewerCount Kind = "viewer_count"
	// KindStreamEnd is the platform telling us the broadcast is over.
	KindStreamEnd Kind = "stream_end"
	// KindDropped reports a transport-level disconnect the caller did not ask for.
	KindDropped Kind = "dropped"
)

// IsPayload reports whether events of this kind are persisted as room activity.
func (k Kind) IsPayload() bool {
	switch k {
	case KindChat, KindGift, KindMember, KindLike, KindViewerCount:
		return true
	}
	return false
}

// Event is one item delivered on Client.Events.
type Event struct {
	Kind    Kind            `json:"type"`
	At      time.Time       `json:"timestamp"`
	Payload json.RawMessage `json:"data,omitempty"`
	// Err carries the transport error for KindDropped.
	Err error `json:"-"`
}

// RoomState is what a successful handshake reveals about the room.
type RoomState struct {
	NumericRoomID string `json:"room_id"`
	Live          bool   `json:"live"`
}

// Client is one logical connection to one room. Implementations must
// allow Connect to be called again after a KindDropped event and must
// keep Events open across reconnects.
type Client interface {
	// Connect performs the handshake. An empty cachedRoomID forces a fresh
	// identity lookup.
	Connect(ctx context.Context, cachedRoomID string) (RoomState, error)
	Disconnect() error
	// Connected reports transport state only; it says nothing about whether
	// the room is still broadcasting.
	Connected() bool
	FetchIsLive(ctx context.Context) (bool, error)
	Events() <-chan Event
}

// Dialer creates a Client for a room, authenticated with a credential.
type Dialer interface {
	Dial(roomID, credential string) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(roomID, credential string) (Client, error)

func (f DialerFunc) Dial(roomID, credential string) (Client, error) { return f(roomID, credential) }
