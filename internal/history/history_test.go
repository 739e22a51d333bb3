package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ calls int }

func (f *failingSink) Send(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

func TestPublishFansOutAndSurvivesFailures(t *testing.T) {
	bad := &failingSink{}
	rec := NewRecorder(4)

	Publish(context.Background(), []Sink{bad, rec}, Event{Type: EventConnected, RoomID: "alice"})

	assert.Equal(t, 1, bad.calls)
	got := rec.Events()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].RoomID)
	assert.False(t, got[0].OccurredAt.IsZero(), "OccurredAt defaults to now")
}

func TestRecorderDropsWhenFull(t *testing.T) {
	rec := NewRecorder(1)
	at := time.Date(2025, 12, 12, 0, 0, 0, 0, time.UTC)
	_ = rec.Send(context.Background(), Event{Type: EventConnected, OccurredAt: at})
	_ = rec.Send(context.Background(), Event{Type: EventDisconnected, OccurredAt: at})

	got := rec.Events()
	require.Len(t, got, 1)
	assert.Equal(t, EventConnected, got[0].Type)
	assert.Empty(t, rec.Events())
}
