package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/roomwatch/internal/registry"
	"github.com/loykin/roomwatch/internal/store"
)

// ErrUnknownRoom is returned for manual actions on rooms not in storage.
var ErrUnknownRoom = errors.New("unknown room")

// StartRoom connects a room on request. It goes through the same registry
// as the monitor, so it never races an automated connect or archive.
func (f *Fleet) StartRoom(ctx context.Context, roomID string) (Outcome, error) {
	if _, err := f.store.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeFailed, fmt.Errorf("%s: %w", roomID, ErrUnknownRoom)
		}
		return OutcomeFailed, err
	}
	return f.ConnectRoom(ctx, roomID)
}

// StopRoom disconnects and archives a room on request.
func (f *Fleet) StopRoom(ctx context.Context, roomID string) error {
	return f.Disconnect(ctx, roomID, ReasonManual)
}

// SetMonitoring persists the room's enable flag. Disabling tears the room
// down immediately.
func (f *Fleet) SetMonitoring(ctx context.Context, roomID string, enabled bool) error {
	if err := f.store.SetMonitoringEnabled(ctx, roomID, enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", roomID, ErrUnknownRoom)
		}
		return err
	}
	if enabled {
		f.tracker.ObserveEnabled(roomID)
		return nil
	}
	return f.Disconnect(ctx, roomID, ReasonMonitoringDisabled)
}

// Shutdown disconnects and archives every room the registry holds.
func (f *Fleet) Shutdown(ctx context.Context) error {
	for {
		phases := f.reg.Phases()
		if len(phases) == 0 {
			return nil
		}
		g, gctx := errgroup.WithContext(ctx)
		for roomID := range phases {
			g.Go(func() error {
				return f.Disconnect(gctx, roomID, ReasonShutdown)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// RoomStatus describes one room the registry holds.
type RoomStatus struct {
	RoomID        string    `json:"room_id"`
	Phase         string    `json:"phase"`
	NumericRoomID string    `json:"numeric_room_id,omitempty"`
	StartTime     time.Time `json:"start_time,omitempty"`
	LastEventTime time.Time `json:"last_event_time,omitempty"`
	Connected     bool      `json:"connected"`
	PendingWrites int       `json:"pending_writes"`
}

// Status lists every non-idle room ordered by room id.
func (f *Fleet) Status() []RoomStatus {
	phases := f.reg.Phases()
	active := make(map[string]*registry.Record)
	for _, rec := range f.reg.Active() {
		active[rec.RoomID] = rec
	}
	out := make([]RoomStatus, 0, len(phases))
	for roomID, phase := range phases {
		st := RoomStatus{RoomID: roomID, Phase: phase.String()}
		if rec, ok := active[roomID]; ok {
			st.NumericRoomID = rec.NumericRoomID
			st.StartTime = rec.StartTime
			st.LastEventTime = rec.LastEventTime()
			st.Connected = rec.Conn.IsConnected()
			st.PendingWrites = rec.PendingWrites()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
