// Package failure counts consecutive identity failures per room and
// switches monitoring off for rooms that keep failing.
package failure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/roomwatch/internal/live"
	"github.com/loykin/roomwatch/internal/metrics"
)

// DefaultThreshold is the number of consecutive identity failures that
// disables monitoring of a room.
const DefaultThreshold = 3

// Disabler persists the auto-disable decision.
type Disabler interface {
	SetMonitoringEnabled(ctx context.Context, roomID string, enabled bool) error
}

type Tracker struct {
	mu           sync.Mutex
	threshold    int
	counts       map[string]int
	autoDisabled map[string]bool
	disabler     Disabler
}

func NewTracker(d Disabler, threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		threshold:    threshold,
		counts:       make(map[string]int),
		autoDisabled: make(map[string]bool),
		disabler:     d,
	}
}

// RecordFailure counts an identity failure. It reports true exactly when
// this call disabled the room. Other failure kinds are ignored.
func (t *Tracker) RecordFailure(ctx context.Context, roomID string, kind live.FailureKind) (bool, error) {
	if kind != live.FailureIdentity {
		return false, nil
	}

	t.mu.Lock()
	t.counts[roomID]++
	n := t.counts[roomID]
	if n < t.threshold {
		t.mu.Unlock()
		slog.Debug("identity failure recorded", "room", roomID, "count", n)
		return false, nil
	}
	delete(t.counts, roomID)
	t.mu.Unlock()

	if err := t.disabler.SetMonitoringEnabled(ctx, roomID, false); err != nil {
		return false, fmt.Errorf("auto-disable %s: %w", roomID, err)
	}

	t.mu.Lock()
	first := !t.autoDisabled[roomID]
	t.autoDisabled[roomID] = true
	t.mu.Unlock()

	if first {
		metrics.IncAutoDisabled()
	}
	slog.Warn("monitoring auto-disabled after repeated identity failures", "room", roomID, "failures", n)
	return first, nil
}

// RecordSuccess resets the room's counter.
func (t *Tracker) RecordSuccess(roomID string) {
	t.mu.Lock()
	delete(t.counts, roomID)
	delete(t.autoDisabled, roomID)
	t.mu.Unlock()
}

func (t *Tracker) IsAutoDisabled(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.autoDisabled[roomID]
}

// ObserveEnabled clears the auto-disabled flag once the room shows up
// enabled again.
func (t *Tracker) ObserveEnabled(roomID string) {
	t.mu.Lock()
	delete(t.autoDisabled, roomID)
	t.mu.Unlock()
}

func (t *Tracker) Count(roomID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[roomID]
}

// AutoDisabled lists rooms currently switched off by the tracker.
func (t *Tracker) AutoDisabled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.autoDisabled))
	for id := range t.autoDisabled {
		out = append(out, id)
	}
	return out
}
