package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/roomwatch/internal/archive"
	"github.com/loykin/roomwatch/internal/credential"
	"github.com/loykin/roomwatch/internal/fleet"
	"github.com/loykin/roomwatch/internal/server"
	"github.com/loykin/roomwatch/internal/store"
)

type backend struct {
	monitoring map[string]bool
}

func (b *backend) Status(context.Context) server.Status {
	return server.Status{
		MonitoringEnabled: true,
		Interval:          "5m0s",
		Rooms:             []fleet.RoomStatus{{RoomID: "alice", Phase: "active", Connected: true, PendingWrites: 1}},
		Credentials:       credential.Status{Total: 1, Active: 1, Keys: []credential.KeyStatus{{Key: "ke****ne", Active: true}}},
	}
}

func (b *backend) StartRoom(_ context.Context, id string) (fleet.Outcome, error) {
	switch id {
	case "busy":
		return fleet.OutcomeBusy, nil
	case "ghost":
		return fleet.OutcomeFailed, fmt.Errorf("%s: %w", id, fleet.ErrUnknownRoom)
	}
	return fleet.OutcomeConnected, nil
}

func (b *backend) StopRoom(context.Context, string) error { return nil }

func (b *backend) SetMonitoring(_ context.Context, id string, enabled bool) error {
	b.monitoring[id] = enabled
	return nil
}

func (b *backend) Consolidate(context.Context) (archive.Report, error) {
	return archive.Report{RunID: "r1", Merged: 1, Duration: time.Second}, nil
}

func (b *backend) ListSessions(_ context.Context, roomID string, limit int) ([]store.Session, error) {
	if roomID != "alice" {
		return nil, errors.New("boom")
	}
	return []store.Session{{SessionID: "alice-2025121201", RoomID: "alice", EventCount: limit}}, nil
}

func newClient(t *testing.T) (*Client, *backend) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := &backend{monitoring: make(map[string]bool)}
	srv := httptest.NewServer(server.NewRouter(b, "/api").Handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api", Timeout: 5 * time.Second}), b
}

func TestClientStatus(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Rooms, 1)
	assert.Equal(t, "alice", st.Rooms[0].RoomID)
	assert.Equal(t, 1, st.Rooms[0].PendingWrites)
	assert.Equal(t, "ke****ne", st.Credentials.Keys[0].Key)
}

func TestClientStartRoom(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	res, err := c.StartRoom(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "connected", res.Outcome)

	res, err = c.StartRoom(ctx, "busy")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, "busy", res.Outcome)

	_, err = c.StartRoom(ctx, "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestClientMonitoringAndStop(t *testing.T) {
	c, b := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetMonitoring(ctx, "alice", false))
	assert.Equal(t, map[string]bool{"alice": false}, b.monitoring)
	require.NoError(t, c.StopRoom(ctx, "alice"))
}

func TestClientConsolidateAndSessions(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	rep, err := c.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", rep.RunID)
	assert.Equal(t, time.Second, rep.Duration)

	sessions, err := c.Sessions(ctx, "alice", 7)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 7, sessions[0].EventCount)

	_, err = c.Sessions(ctx, "bob", 0)
	assert.Error(t, err)
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}
