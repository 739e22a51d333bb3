package archive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/roomwatch/internal/clock"
	"github.com/loykin/roomwatch/internal/history"
	"github.com/loykin/roomwatch/internal/store"
	"github.com/loykin/roomwatch/internal/store/sqlite"
	"github.com/loykin/roomwatch/internal/store/storetest"
)

var base = storetest.Base

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func minutes(from time.Time, ms ...int) []time.Time {
	out := make([]time.Time, len(ms))
	for i, m := range ms {
		out[i] = from.Add(time.Duration(m) * time.Minute)
	}
	return out
}

func untagged(t *testing.T, st store.Store, roomID string) int {
	t.Helper()
	times, err := st.UntaggedEventTimes(context.Background(), roomID)
	require.NoError(t, err)
	return len(times)
}

func TestNextSessionID(t *testing.T) {
	taken := map[string]bool{"alice-2025121201": true, "alice-2025121299": true}
	exists := func(_ context.Context, id string) (bool, error) { return taken[id], nil }

	id, err := nextSessionID(context.Background(), exists, "alice", base, false)
	require.NoError(t, err)
	assert.Equal(t, "alice-2025121202", id)

	id, err = nextSessionID(context.Background(), exists, "alice", base, true)
	require.NoError(t, err)
	assert.Equal(t, "alice-2025121298", id)

	all := func(context.Context, string) (bool, error) { return true, nil }
	_, err = nextSessionID(context.Background(), all, "alice", base, false)
	assert.ErrorIs(t, err, ErrNoSessionID)
}

func TestArchiveConnectionTagsEvents(t *testing.T) {
	st := newStore(t)
	clk := clock.Fake(base.Add(10 * time.Minute))
	rec := history.NewRecorder(8)
	a := New(st, clk, Config{}, WithSinks(rec))
	ctx := context.Background()

	storetest.Seed(t, st, "alice", minutes(base, 1, 2, 5)...)

	sess, created, err := a.ArchiveConnection(ctx, "alice", base, Metadata{Reason: "zombie", NumericRoomID: "7301"})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "alice-2025121201", sess.SessionID)
	assert.Equal(t, base.Add(time.Minute), sess.RangeStart)
	assert.Equal(t, base.Add(5*time.Minute), sess.RangeEnd)
	assert.Equal(t, 3, sess.EventCount)
	assert.JSONEq(t, `{"origin":"disconnect","reason":"zombie","numeric_room_id":"7301"}`, string(sess.Metadata))
	assert.Equal(t, 0, untagged(t, st, "alice"))

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, history.EventSessionCreated, events[0].Type)
	assert.Equal(t, "alice-2025121201", events[0].SessionID)
	assert.Equal(t, 3, events[0].EventCount)

	// a second archive of the same connection finds nothing
	_, created, err = a.ArchiveConnection(ctx, "alice", base, Metadata{})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestArchiveConnectionWithoutEvents(t *testing.T) {
	st := newStore(t)
	a := New(st, clock.Fake(base), Config{})

	_, created, err := a.ArchiveConnection(context.Background(), "bob", base, Metadata{})
	require.NoError(t, err)
	assert.False(t, created)

	list, err := st.ListSessions(context.Background(), "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestArchiveConnectionOnlyTagsSinceStart(t *testing.T) {
	st := newStore(t)
	a := New(st, clock.Fake(base.Add(2*time.Hour)), Config{})
	ctx := context.Background()

	storetest.Seed(t, st, "alice", minutes(base, 0, 5)...)
	storetest.Seed(t, st, "alice", minutes(base, 60, 65)...)

	sess, created, err := a.ArchiveConnection(ctx, "alice", base.Add(time.Hour), Metadata{})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 2, sess.EventCount)
	assert.Equal(t, 2, untagged(t, st, "alice"))

	// next archive of the day takes the next suffix
	storetest.Seed(t, st, "alice", minutes(base, 90)...)
	sess, created, err = a.ArchiveConnection(ctx, "alice", base.Add(80*time.Minute), Metadata{})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "alice-2025121202", sess.SessionID)
}

func TestSessionDayUsesLocation(t *testing.T) {
	st := newStore(t)
	seoul := time.FixedZone("KST", 9*3600)
	late := time.Date(2025, 12, 12, 20, 0, 0, 0, time.UTC) // 05:00 next day in KST
	a := New(st, clock.Fake(late.Add(time.Hour)), Config{Location: seoul})

	storetest.Seed(t, st, "alice", late.Add(time.Minute))
	sess, created, err := a.ArchiveConnection(context.Background(), "alice", late, Metadata{})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "alice-2025121301", sess.SessionID)
}

func TestStaleGapSplit(t *testing.T) {
	st := newStore(t)
	clk := clock.Fake(base.Add(3*time.Hour + 10*time.Minute))
	a := New(st, clk, Config{})
	ctx := context.Background()

	storetest.Seed(t, st, "alice", minutes(base, 0, 10, 180, 185)...)

	created, err := a.ArchiveStaleLive(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "alice-2025121299", created[0].SessionID)
	assert.Equal(t, base, created[0].RangeStart)
	assert.Equal(t, base.Add(10*time.Minute), created[0].RangeEnd)
	assert.Equal(t, 2, untagged(t, st, "alice"), "events after the gap may still be live")
}

func TestStaleGapSplitThenStale(t *testing.T) {
	st := newStore(t)
	a := New(st, clock.Fake(base.Add(4*time.Hour)), Config{})
	ctx := context.Background()

	storetest.Seed(t, st, "alice", minutes(base, 0, 10, 180, 185)...)

	created, err := a.ArchiveStaleLive(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "alice-2025121299", created[0].SessionID)
	assert.Equal(t, "alice-2025121298", created[1].SessionID)
	assert.Equal(t, base.Add(180*time.Minute), created[1].RangeStart)
	assert.True(t, created[0].RangeEnd.Before(created[1].RangeStart), "sessions must not overlap")
	assert.Equal(t, 0, untagged(t, st, "alice"))

	events, err := st.ListEvents(ctx, "alice")
	require.NoError(t, err)
	for _, e := range events {
		assert.NotEmpty(t, e.SessionID)
	}
}

func TestStaleAgeSplit(t *testing.T) {
	st := newStore(t)
	a := New(st, clock.Fake(base.Add(3*time.Hour)), Config{})

	storetest.Seed(t, st, "alice", minutes(base, 0, 20, 40, 60, 80, 100, 120, 140, 160, 175)...)

	created, err := a.ArchiveStaleLive(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, 3, created[0].EventCount, "events before now-2h")
	assert.Equal(t, base.Add(40*time.Minute), created[0].RangeEnd)
	assert.Equal(t, 7, untagged(t, st, "alice"))
}

func TestStaleAllWhenQuiet(t *testing.T) {
	st := newStore(t)
	a := New(st, clock.Fake(base.Add(time.Hour)), Config{})

	storetest.Seed(t, st, "alice", minutes(base, 0, 10, 20)...)

	created, err := a.ArchiveStaleLive(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, 3, created[0].EventCount)
}

func TestStaleLeavesFreshEvents(t *testing.T) {
	st := newStore(t)
	a := New(st, clock.Fake(base.Add(15*time.Minute)), Config{})

	storetest.Seed(t, st, "alice", minutes(base, 0, 5, 10)...)

	created, err := a.ArchiveStaleLive(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Equal(t, 3, untagged(t, st, "alice"))
}

func archiveAt(t *testing.T, st store.Store, clk *clock.FakeClock, a *Archiver, roomID string, start time.Time, at ...time.Time) store.Session {
	t.Helper()
	storetest.Seed(t, st, roomID, at...)
	clk.Set(at[len(at)-1].Add(time.Minute))
	sess, created, err := a.ArchiveConnection(context.Background(), roomID, start, Metadata{})
	require.NoError(t, err)
	require.True(t, created)
	return sess
}

func TestMergeFragments(t *testing.T) {
	st := newStore(t)
	clk := clock.Fake(base)
	a := New(st, clk, Config{})
	ctx := context.Background()

	first := archiveAt(t, st, clk, a, "alice", base, minutes(base, 0, 30)...)
	archiveAt(t, st, clk, a, "alice", base.Add(35*time.Minute), minutes(base, 35, 60)...)
	third := archiveAt(t, st, clk, a, "alice", base.Add(2*time.Hour), minutes(base, 120, 130)...)
	other := archiveAt(t, st, clk, a, "bob", base.Add(61*time.Minute), minutes(base, 61, 62)...)

	merged, err := a.MergeFragments(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	got, err := st.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, base, got.RangeStart)
	assert.Equal(t, base.Add(time.Hour), got.RangeEnd)
	assert.Equal(t, 4, got.EventCount)

	list, err := st.ListSessions(ctx, "alice", 10)
	require.NoError(t, err)
	var ids []string
	for _, s := range list {
		ids = append(ids, s.SessionID)
	}
	assert.ElementsMatch(t, []string{first.SessionID, third.SessionID}, ids)

	_, err = st.GetSession(ctx, other.SessionID)
	require.NoError(t, err, "other rooms are never merged across")

	again, err := a.MergeFragments(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, again)
}

func TestMergeRespectsCalendarDay(t *testing.T) {
	st := newStore(t)
	clk := clock.Fake(base)
	a := New(st, clk, Config{})
	midnight := time.Date(2025, 12, 13, 0, 0, 0, 0, time.UTC)

	archiveAt(t, st, clk, a, "alice", midnight.Add(-5*time.Minute), minutes(midnight, -5, -2)...)
	archiveAt(t, st, clk, a, "alice", midnight.Add(time.Minute), minutes(midnight, 1, 3)...)

	merged, err := a.MergeFragments(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 0, merged)
}

func TestConsolidate(t *testing.T) {
	st := newStore(t)
	clk := clock.Fake(base.Add(2 * time.Hour))
	busy := map[string]bool{"bob": true}
	a := New(st, clk, Config{}, WithBusyCheck(func(id string) bool { return busy[id] }))
	ctx := context.Background()

	storetest.Seed(t, st, "alice", minutes(base, 0, 10)...)
	storetest.Seed(t, st, "bob", minutes(base, 0, 10)...)
	require.NoError(t, st.CreateSession(ctx, store.Session{
		SessionID: "carol-2025121201", RoomID: "carol", CreatedAt: base, RangeStart: base, RangeEnd: base,
	}))

	rep, err := a.Consolidate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, 1, rep.StaleSessions)
	assert.Equal(t, []string{"bob"}, rep.SkippedRooms)
	assert.EqualValues(t, 1, rep.EmptyDeleted)
	assert.Equal(t, 0, untagged(t, st, "alice"))
	assert.Equal(t, 2, untagged(t, st, "bob"), "busy rooms are left alone")

	ok, err := st.SessionExists(ctx, "carol-2025121201")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsolidateConcurrentCallers(t *testing.T) {
	st := newStore(t)
	a := New(st, clock.Fake(base.Add(2*time.Hour)), Config{})
	storetest.Seed(t, st, "alice", minutes(base, 0, 10)...)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Consolidate(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := st.ListSessions(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1, "passes are idempotent")
}

func TestSchedulerRunsStartupPass(t *testing.T) {
	st := newStore(t)
	a := New(st, clock.Fake(base.Add(2*time.Hour)), Config{})
	storetest.Seed(t, st, "alice", minutes(base, 0, 10)...)

	_, err := NewScheduler(a, "not a schedule", nil, 0)
	require.Error(t, err)

	s, err := NewScheduler(a, "", nil, time.Minute)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return untagged(t, st, "alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}
