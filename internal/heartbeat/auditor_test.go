package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/roomwatch/internal/clock"
	"github.com/loykin/roomwatch/internal/registry"
)

var t0 = time.Date(2025, 12, 12, 10, 0, 0, 0, time.UTC)

type fakeConn struct {
	id        string
	mu        sync.Mutex
	connected bool
	live      bool
	liveErr   error
	liveCalls int
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) FetchIsLive(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveCalls++
	return c.live, c.liveErr
}

func (c *fakeConn) Stop(context.Context) error { return nil }

func (c *fakeConn) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveCalls
}

type recordingDisconnector struct {
	mu      sync.Mutex
	reasons map[string]string
	reg     *registry.Registry
}

func (d *recordingDisconnector) DisconnectConn(_ context.Context, roomID, reason string, conn registry.Conn) error {
	d.mu.Lock()
	d.reasons[roomID] = reason
	d.mu.Unlock()
	_, task, err := d.reg.BeginArchive(roomID, conn)
	if err != nil {
		return nil
	}
	d.reg.FinishArchive(roomID, task, nil)
	return nil
}

type harness struct {
	clk  *clock.FakeClock
	reg  *registry.Registry
	disc *recordingDisconnector
	aud  *Auditor
}

func newHarness() *harness {
	reg := registry.New()
	h := &harness{
		clk:  clock.Fake(t0),
		reg:  reg,
		disc: &recordingDisconnector{reasons: make(map[string]string), reg: reg},
	}
	h.aud = New(reg, h.disc, h.clk, Config{})
	return h
}

func (h *harness) add(t *testing.T, roomID string, conn *fakeConn) *registry.Record {
	t.Helper()
	_, task, err := h.reg.BeginConnect(context.Background(), roomID)
	require.NoError(t, err)
	rec := registry.NewRecord(roomID, conn, h.clk.Now(), "n-"+roomID)
	require.NoError(t, h.reg.Activate(roomID, task, rec))
	return rec
}

func TestZombieWithoutLivenessCall(t *testing.T) {
	h := newHarness()
	conn := &fakeConn{id: "c1", connected: true, live: true}
	h.add(t, "alice", conn)

	h.clk.Advance(121 * time.Second)
	verdicts := h.aud.Sweep(context.Background())
	h.aud.Wait()

	assert.Equal(t, VerdictZombie, verdicts["alice"])
	assert.Equal(t, 0, conn.calls(), "zombie check comes before the liveness API")
	assert.Equal(t, ReasonZombie, h.disc.reasons["alice"])
	assert.False(t, h.reg.Busy("alice"))
}

func TestTransportDownIsLeftToReconnect(t *testing.T) {
	h := newHarness()
	conn := &fakeConn{id: "c1", connected: false}
	h.add(t, "alice", conn)

	h.clk.Advance(60 * time.Second)
	verdicts := h.aud.Sweep(context.Background())
	assert.Equal(t, VerdictTransportDown, verdicts["alice"])
	assert.Equal(t, 0, conn.calls())
	assert.Empty(t, h.disc.reasons)
}

func TestLivenessErrorFallback(t *testing.T) {
	h := newHarness()
	conn := &fakeConn{id: "c1", connected: true, liveErr: errors.New("timeout")}
	rec := h.add(t, "alice", conn)

	h.clk.Advance(60 * time.Second)
	assert.Equal(t, VerdictLivenessUnknown, h.aud.Check(context.Background(), rec))

	h.clk.Advance(31 * time.Second)
	assert.Equal(t, VerdictZombieFallback, h.aud.Check(context.Background(), rec))
}

func TestOfflineNeedsConfirmationWindow(t *testing.T) {
	h := newHarness()
	conn := &fakeConn{id: "c1", connected: true, live: false}
	rec := h.add(t, "alice", conn)
	ctx := context.Background()

	h.clk.Advance(40 * time.Second)
	assert.Equal(t, VerdictPendingOffline, h.aud.Check(ctx, rec))
	require.Contains(t, h.aud.PendingOffline(), "alice")

	h.clk.Advance(29 * time.Second)
	assert.Equal(t, VerdictPendingOffline, h.aud.Check(ctx, rec), "window not elapsed")

	h.clk.Advance(time.Second)
	assert.Equal(t, VerdictOfflineConfirmed, h.aud.Check(ctx, rec))
	assert.NotContains(t, h.aud.PendingOffline(), "alice")
}

func TestOfflineNeedsSilenceToo(t *testing.T) {
	h := newHarness()
	conn := &fakeConn{id: "c1", connected: true, live: false}
	rec := h.add(t, "alice", conn)
	ctx := context.Background()

	assert.Equal(t, VerdictPendingOffline, h.aud.Check(ctx, rec))
	h.clk.Advance(45 * time.Second)
	rec.Touch(h.clk.Now().Add(-10 * time.Second))
	assert.Equal(t, VerdictPendingOffline, h.aud.Check(ctx, rec), "events still flowing")

	h.clk.Advance(25 * time.Second)
	assert.Equal(t, VerdictOfflineConfirmed, h.aud.Check(ctx, rec))
}

func TestLiveClearsMarker(t *testing.T) {
	h := newHarness()
	conn := &fakeConn{id: "c1", connected: true, live: false}
	rec := h.add(t, "alice", conn)
	ctx := context.Background()

	assert.Equal(t, VerdictPendingOffline, h.aud.Check(ctx, rec))
	conn.mu.Lock()
	conn.live = true
	conn.mu.Unlock()
	assert.Equal(t, VerdictLive, h.aud.Check(ctx, rec))
	assert.Empty(t, h.aud.PendingOffline())
}

func TestMarkersPrunedWhenRoomLeaves(t *testing.T) {
	h := newHarness()
	conn := &fakeConn{id: "c1", connected: true, live: false}
	h.add(t, "alice", conn)
	ctx := context.Background()

	h.aud.Sweep(ctx)
	require.Contains(t, h.aud.PendingOffline(), "alice")

	_, task, err := h.reg.BeginArchive("alice", nil)
	require.NoError(t, err)
	h.reg.FinishArchive("alice", task, nil)

	h.aud.Sweep(ctx)
	assert.Empty(t, h.aud.PendingOffline())
}

func TestSweepOfflineConfirmedDisconnects(t *testing.T) {
	h := newHarness()
	h.add(t, "alice", &fakeConn{id: "c1", connected: true, live: false})
	h.add(t, "bob", &fakeConn{id: "c2", connected: true, live: true})
	ctx := context.Background()

	h.clk.Advance(35 * time.Second)
	h.aud.Sweep(ctx)
	h.clk.Advance(30 * time.Second)
	verdicts := h.aud.Sweep(ctx)
	h.aud.Wait()

	assert.Equal(t, VerdictOfflineConfirmed, verdicts["alice"])
	assert.Equal(t, VerdictLive, verdicts["bob"])
	assert.Equal(t, map[string]string{"alice": ReasonOfflineConfirmed}, h.disc.reasons)
	assert.True(t, h.reg.Busy("bob"))
}

type blockingDisconnector struct {
	mu       sync.Mutex
	calls    int
	deadline time.Time
	started  chan struct{}
	release  chan struct{}
}

func (d *blockingDisconnector) DisconnectConn(ctx context.Context, _, _ string, _ registry.Conn) error {
	d.mu.Lock()
	d.calls++
	d.deadline, _ = ctx.Deadline()
	d.mu.Unlock()
	d.started <- struct{}{}
	<-d.release
	return nil
}

func TestSlowDisconnectDoesNotHoldSweep(t *testing.T) {
	reg := registry.New()
	clk := clock.Fake(t0)
	disc := &blockingDisconnector{started: make(chan struct{}, 4), release: make(chan struct{})}
	aud := New(reg, disc, clk, Config{DisconnectTimeout: 7 * time.Minute})
	h := &harness{clk: clk, reg: reg, aud: aud}

	h.add(t, "zombie", &fakeConn{id: "c1", connected: true, live: true})
	clk.Advance(121 * time.Second)
	h.add(t, "bob", &fakeConn{id: "c2", connected: true, live: true})

	done := make(chan map[string]Verdict, 1)
	go func() { done <- aud.Sweep(context.Background()) }()

	var verdicts map[string]Verdict
	select {
	case verdicts = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep waited for the disconnect")
	}
	assert.Equal(t, VerdictZombie, verdicts["zombie"])
	assert.Equal(t, VerdictLive, verdicts["bob"])
	<-disc.started

	// still condemned while the first hand-off runs: no second disconnect
	verdicts = aud.Sweep(context.Background())
	assert.Equal(t, VerdictZombie, verdicts["zombie"])

	close(disc.release)
	aud.Wait()
	disc.mu.Lock()
	defer disc.mu.Unlock()
	assert.Equal(t, 1, disc.calls)
	assert.WithinDuration(t, time.Now().Add(7*time.Minute), disc.deadline, time.Minute)
}
