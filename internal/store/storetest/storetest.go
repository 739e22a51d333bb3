// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/roomwatch/internal/store"
)

// Base is the reference time used by the suite.
var Base = time.Date(2025, 12, 12, 10, 0, 0, 0, time.UTC)

// Factory returns a fresh store with the schema in place.
type Factory func(t *testing.T) store.Store

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Rooms", func(t *testing.T) { testRooms(t, newStore(t)) })
	t.Run("TagRoundTrip", func(t *testing.T) { testTagRoundTrip(t, newStore(t)) })
	t.Run("ArchiveWindow", func(t *testing.T) { testArchiveWindow(t, newStore(t)) })
	t.Run("MergeSessions", func(t *testing.T) { testMerge(t, newStore(t)) })
	t.Run("DeleteEmptySessions", func(t *testing.T) { testDeleteEmpty(t, newStore(t)) })
}

// Seed records one chat event per timestamp.
func Seed(t *testing.T, st store.Store, roomID string, at ...time.Time) {
	t.Helper()
	ctx := context.Background()
	for _, ts := range at {
		require.NoError(t, st.RecordEvent(ctx, store.EventRecord{RoomID: roomID, Type: "chat", Timestamp: ts, Payload: `{}`}))
	}
}

func testRooms(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.UpsertRoom(ctx, store.Room{RoomID: "alice", DisplayName: "Alice", MonitoringEnabled: true, UpdatedAt: Base}))
	require.NoError(t, st.UpsertRoom(ctx, store.Room{RoomID: "bob", DisplayName: "Bob", MonitoringEnabled: false, UpdatedAt: Base.Add(time.Hour)}))
	require.NoError(t, st.UpsertRoom(ctx, store.Room{RoomID: "carol", DisplayName: "Carol", MonitoringEnabled: true, UpdatedAt: Base.Add(2 * time.Hour)}))
	require.NoError(t, st.UpsertRoom(ctx, store.Room{RoomID: "nameless", MonitoringEnabled: true, UpdatedAt: Base}))

	rooms, err := st.ListMonitoredRooms(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.RoomID)
	}
	assert.Equal(t, []string{"carol", "alice", "bob"}, ids)

	require.NoError(t, st.SetMonitoringEnabled(ctx, "alice", false))
	require.NoError(t, st.SetCachedNumericRoomID(ctx, "alice", "7301"))
	r, err := st.GetRoom(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, r.MonitoringEnabled)
	assert.Equal(t, "7301", r.NumericRoomID)

	assert.ErrorIs(t, st.SetMonitoringEnabled(ctx, "ghost", true), store.ErrNotFound)
	_, err = st.GetRoom(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTagRoundTrip(t *testing.T, st store.Store) {
	ctx := context.Background()
	start := Base
	Seed(t, st, "alice", start.Add(-time.Minute), start, start.Add(time.Minute), start.Add(2*time.Minute))
	Seed(t, st, "bob", start.Add(time.Minute))

	n, err := st.CountUntaggedEvents(ctx, "alice", start)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, st.CreateSession(ctx, store.Session{SessionID: "alice-2025121201", RoomID: "alice", CreatedAt: start}))
	assert.ErrorIs(t, st.CreateSession(ctx, store.Session{SessionID: "alice-2025121201", RoomID: "alice"}), store.ErrSessionExists)

	tagged, err := st.TagEventsWithSession(ctx, "alice", "alice-2025121201", start)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tagged)

	n, err = st.CountUntaggedEvents(ctx, "alice", start)
	require.NoError(t, err)
	assert.Zero(t, n)

	// the event before start and the other room are untouched
	left, err := st.UntaggedEventTimes(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []time.Time{start.Add(-time.Minute)}, left)
	rooms, err := st.RoomsWithUntaggedEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, rooms)

	require.NoError(t, st.RefreshSessionRange(ctx, "alice-2025121201"))
	sess, err := st.GetSession(ctx, "alice-2025121201")
	require.NoError(t, err)
	assert.Equal(t, start, sess.RangeStart)
	assert.Equal(t, start.Add(2*time.Minute), sess.RangeEnd)
	assert.Equal(t, 3, sess.EventCount)
}

func testArchiveWindow(t *testing.T, st store.Store) {
	ctx := context.Background()
	Seed(t, st, "alice", Base, Base.Add(10*time.Minute), Base.Add(3*time.Hour))

	meta, _ := json.Marshal(map[string]any{"reason": "test"})
	n, err := st.ArchiveWindow(ctx, store.Session{SessionID: "s1", RoomID: "alice", CreatedAt: Base, Metadata: meta},
		store.Window{Until: Base.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	sess, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, Base, sess.RangeStart)
	assert.Equal(t, Base.Add(10*time.Minute), sess.RangeEnd)
	assert.JSONEq(t, `{"reason":"test"}`, string(sess.Metadata))

	// id collision rolls back without tagging
	_, err = st.ArchiveWindow(ctx, store.Session{SessionID: "s1", RoomID: "alice"}, store.Window{})
	assert.ErrorIs(t, err, store.ErrSessionExists)
	left, err := st.UntaggedEventTimes(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, left, 1)

	// an empty window creates nothing
	n, err = st.ArchiveWindow(ctx, store.Session{SessionID: "s2", RoomID: "alice"}, store.Window{From: Base.Add(5 * time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, n)
	ok, err := st.SessionExists(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testMerge(t *testing.T, st store.Store) {
	ctx := context.Background()
	Seed(t, st, "alice", Base, Base.Add(time.Minute))
	_, err := st.ArchiveWindow(ctx, store.Session{SessionID: "a", RoomID: "alice", CreatedAt: Base}, store.Window{})
	require.NoError(t, err)
	Seed(t, st, "alice", Base.Add(5*time.Minute), Base.Add(6*time.Minute))
	_, err = st.ArchiveWindow(ctx, store.Session{SessionID: "b", RoomID: "alice", CreatedAt: Base}, store.Window{})
	require.NoError(t, err)

	moved, err := st.MergeSessions(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)

	ok, err := st.SessionExists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
	a, err := st.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Base, a.RangeStart)
	assert.Equal(t, Base.Add(6*time.Minute), a.RangeEnd)
	assert.Equal(t, 4, a.EventCount)

	since, err := st.ListSessionsSince(ctx, Base)
	require.NoError(t, err)
	require.Len(t, since, 1)
	list, err := st.ListSessions(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func testDeleteEmpty(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, store.Session{SessionID: "empty", RoomID: "alice", CreatedAt: Base}))
	Seed(t, st, "alice", Base)
	_, err := st.ArchiveWindow(ctx, store.Session{SessionID: "full", RoomID: "alice", CreatedAt: Base}, store.Window{})
	require.NoError(t, err)

	n, err := st.DeleteEmptySessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = st.GetSession(ctx, "empty")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetSession(ctx, "full")
	assert.NoError(t, err)
}
