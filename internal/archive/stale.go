package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/roomwatch/internal/store"
)

// Stale-live strategies, in the order they are tried.
const (
	StrategyGapSplit = "gap_split"
	StrategyAgeSplit = "age_split"
	StrategyStale    = "stale"
)

// maxStalePasses bounds how many sessions one cleanup may carve out.
const maxStalePasses = 32

// ArchiveStaleLive recovers untagged events of a room that has no active
// connection. It must not be called while the room is connected.
func (a *Archiver) ArchiveStaleLive(ctx context.Context, roomID string) ([]store.Session, error) {
	var out []store.Session
	for i := 0; i < maxStalePasses; i++ {
		times, err := a.store.UntaggedEventTimes(ctx, roomID)
		if err != nil {
			return out, fmt.Errorf("untagged events of %s: %w", roomID, err)
		}
		if len(times) == 0 {
			return out, nil
		}
		w, strategy, ok := a.planStale(times, a.clock.Now())
		if !ok {
			return out, nil
		}
		slog.Info("archiving stale live events", "room", roomID, "strategy", strategy, "from", w.From, "until", w.Until)
		sess, created, err := a.archive(ctx, roomID, w.From, w, Metadata{Origin: OriginStale, Strategy: strategy}, true)
		if err != nil {
			return out, err
		}
		if !created {
			return out, nil
		}
		out = append(out, sess)
	}
	return out, nil
}

// planStale picks the window to archive from ascending event times.
func (a *Archiver) planStale(times []time.Time, now time.Time) (store.Window, string, bool) {
	for i := 1; i < len(times); i++ {
		if times[i].Sub(times[i-1]) > a.cfg.GapThreshold {
			return store.Window{From: times[0], Until: times[i-1]}, StrategyGapSplit, true
		}
	}

	oldest, newest := times[0], times[len(times)-1]
	if now.Sub(oldest) > a.cfg.SplitAge && now.Sub(newest) < a.cfg.RecentWindow {
		boundary := now.Add(-a.cfg.SplitAge)
		return store.Window{From: oldest, Until: boundary.Add(-time.Millisecond)}, StrategyAgeSplit, true
	}
	if now.Sub(newest) > a.cfg.StaleAfter {
		return store.Window{From: oldest, Until: newest}, StrategyStale, true
	}
	return store.Window{}, "", false
}
