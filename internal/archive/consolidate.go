package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/roomwatch/internal/history"
	"github.com/loykin/roomwatch/internal/metrics"
	"github.com/loykin/roomwatch/internal/store"
)

// Report summarises one consolidation pass.
type Report struct {
	RunID         string        `json:"run_id"`
	StaleSessions int           `json:"stale_sessions"`
	Merged        int           `json:"merged"`
	EmptyDeleted  int64         `json:"empty_deleted"`
	SkippedRooms  []string      `json:"skipped_rooms,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// MergeFragments joins sessions of the same room and calendar day whose
// gap is in [0, MergeGap) into the earlier one. It returns the number of
// sessions merged away.
func (a *Archiver) MergeFragments(ctx context.Context, since time.Time) (int, error) {
	sessions, err := a.store.ListSessionsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	merged := 0
	var prev *store.Session
	for i := range sessions {
		cur := &sessions[i]
		if prev == nil || !a.mergeable(*prev, *cur) {
			prev = cur
			continue
		}
		moved, err := a.store.MergeSessions(ctx, prev.SessionID, cur.SessionID)
		if err != nil {
			return merged, fmt.Errorf("merge %s into %s: %w", cur.SessionID, prev.SessionID, err)
		}
		merged++
		slog.Info("sessions merged", "room", cur.RoomID, "into", prev.SessionID, "from", cur.SessionID, "events", moved)
		history.Publish(ctx, a.sinks, history.Event{
			Type:       history.EventSessionsMerged,
			OccurredAt: a.clock.Now(),
			RoomID:     cur.RoomID,
			SessionID:  prev.SessionID,
			Reason:     cur.SessionID,
			EventCount: int(moved),
		})
		if cur.RangeEnd.After(prev.RangeEnd) {
			prev.RangeEnd = cur.RangeEnd
		}
	}
	metrics.AddSessionsMerged(merged)
	return merged, nil
}

func (a *Archiver) mergeable(prev, cur store.Session) bool {
	if prev.RoomID != cur.RoomID {
		return false
	}
	y1, m1, d1 := prev.RangeStart.In(a.cfg.Location).Date()
	y2, m2, d2 := cur.RangeStart.In(a.cfg.Location).Date()
	if y1 != y2 || m1 != m2 || d1 != d2 {
		return false
	}
	gap := cur.RangeStart.Sub(prev.RangeEnd)
	return gap >= 0 && gap < a.cfg.MergeGap
}

// Consolidate runs stale-live cleanup for every idle room with untagged
// events, merges recent fragments and drops empty sessions. Concurrent
// callers share one pass.
func (a *Archiver) Consolidate(ctx context.Context) (Report, error) {
	v, err, shared := a.group.Do("consolidate", func() (interface{}, error) {
		return a.consolidate(ctx)
	})
	if shared {
		slog.Debug("joined running consolidation")
	}
	rep, _ := v.(Report)
	return rep, err
}

func (a *Archiver) consolidate(ctx context.Context) (Report, error) {
	started := a.clock.Now()
	rep := Report{RunID: uuid.NewString()}
	log := slog.With("component", "archive", "run", rep.RunID)

	rooms, err := a.store.RoomsWithUntaggedEvents(ctx)
	if err != nil {
		return rep, fmt.Errorf("rooms with untagged events: %w", err)
	}
	for _, roomID := range rooms {
		if a.busy(roomID) {
			rep.SkippedRooms = append(rep.SkippedRooms, roomID)
			continue
		}
		created, err := a.ArchiveStaleLive(ctx, roomID)
		rep.StaleSessions += len(created)
		if err != nil {
			log.Error("stale cleanup failed", "room", roomID, "error", err)
		}
	}

	merged, err := a.MergeFragments(ctx, started.Add(-a.cfg.Lookback))
	rep.Merged = merged
	if err != nil {
		return rep, err
	}

	deleted, err := a.store.DeleteEmptySessions(ctx)
	if err != nil {
		return rep, fmt.Errorf("delete empty sessions: %w", err)
	}
	rep.EmptyDeleted = deleted
	rep.Duration = a.clock.Now().Sub(started)
	log.Info("consolidation finished", "stale_sessions", rep.StaleSessions, "merged", rep.Merged,
		"empty_deleted", rep.EmptyDeleted, "skipped", len(rep.SkippedRooms))
	return rep, nil
}
