// Package archive turns a room's untagged live events into sessions and
// keeps the session table tidy.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/roomwatch/internal/clock"
	"github.com/loykin/roomwatch/internal/history"
	"github.com/loykin/roomwatch/internal/metrics"
	"github.com/loykin/roomwatch/internal/store"
)

// Config holds the archival thresholds. Zero values take the defaults.
type Config struct {
	// Location decides the calendar day of session ids and merges.
	Location *time.Location
	// GapThreshold splits untagged events at the first silence longer than it.
	GapThreshold time.Duration
	// SplitAge and RecentWindow drive the age split: when the oldest
	// untagged event is older than SplitAge and the newest is younger than
	// RecentWindow, events before now-SplitAge are archived.
	SplitAge     time.Duration
	RecentWindow time.Duration
	// StaleAfter archives everything once the newest event is older than it.
	StaleAfter time.Duration
	// MergeGap joins same-day sessions separated by less than it.
	MergeGap time.Duration
	// Lookback is the window consolidation merges over.
	Lookback time.Duration
	// MaxRetries bounds id collisions when two archivers race.
	MaxRetries int
}

const (
	DefaultGapThreshold = time.Hour
	DefaultSplitAge     = 2 * time.Hour
	DefaultRecentWindow = 10 * time.Minute
	DefaultStaleAfter   = 30 * time.Minute
	DefaultMergeGap     = 10 * time.Minute
	DefaultLookback     = 48 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.GapThreshold <= 0 {
		c.GapThreshold = DefaultGapThreshold
	}
	if c.SplitAge <= 0 {
		c.SplitAge = DefaultSplitAge
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = DefaultRecentWindow
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.MergeGap <= 0 {
		c.MergeGap = DefaultMergeGap
	}
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Origin of a session, recorded in its metadata and metrics.
const (
	OriginDisconnect = "disconnect"
	OriginStale      = "stale"
)

// Metadata is stored as the session's JSON metadata.
type Metadata struct {
	Origin        string `json:"origin"`
	Reason        string `json:"reason,omitempty"`
	NumericRoomID string `json:"numeric_room_id,omitempty"`
	Strategy      string `json:"strategy,omitempty"`
}

type Archiver struct {
	store store.Store
	clock clock.Clock
	cfg   Config
	sinks []history.Sink
	busy  func(roomID string) bool
	group singleflight.Group
}

type Option func(*Archiver)

// WithSinks delivers session notifications to sinks.
func WithSinks(sinks ...history.Sink) Option {
	return func(a *Archiver) { a.sinks = append(a.sinks, sinks...) }
}

// WithBusyCheck makes consolidation skip rooms for which busy is true.
func WithBusyCheck(busy func(roomID string) bool) Option {
	return func(a *Archiver) { a.busy = busy }
}

func New(st store.Store, c clock.Clock, cfg Config, opts ...Option) *Archiver {
	if c == nil {
		c = clock.Real()
	}
	a := &Archiver{store: st, clock: c, cfg: cfg.withDefaults(), busy: func(string) bool { return false }}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Config returns the effective configuration.
func (a *Archiver) Config() Config { return a.cfg }

// ArchiveConnection archives the untagged events a connection produced
// since start. It returns false when there was nothing to archive.
func (a *Archiver) ArchiveConnection(ctx context.Context, roomID string, start time.Time, meta Metadata) (store.Session, bool, error) {
	n, err := a.store.CountUntaggedEvents(ctx, roomID, start)
	if err != nil {
		return store.Session{}, false, fmt.Errorf("count events of %s: %w", roomID, err)
	}
	if n == 0 {
		slog.Info("no events to archive", "room", roomID, "since", start)
		return store.Session{}, false, nil
	}
	meta.Origin = OriginDisconnect
	return a.archive(ctx, roomID, start, store.Window{From: start}, meta, false)
}

// archive creates a session over w, retrying when another writer takes the
// chosen id first.
func (a *Archiver) archive(ctx context.Context, roomID string, dayOf time.Time, w store.Window, meta Metadata, descending bool) (store.Session, bool, error) {
	started := a.clock.Now()
	defer func() { metrics.ObserveArchiveDuration(a.clock.Now().Sub(started).Seconds()) }()

	raw, err := json.Marshal(meta)
	if err != nil {
		return store.Session{}, false, err
	}
	day := dayOf.In(a.cfg.Location)

	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		id, err := nextSessionID(ctx, a.store.SessionExists, roomID, day, descending)
		if err != nil {
			return store.Session{}, false, err
		}
		now := a.clock.Now()
		sess := store.Session{
			SessionID:  id,
			RoomID:     roomID,
			CreatedAt:  now,
			RangeStart: firstNonZero(w.From, now),
			RangeEnd:   firstNonZero(w.Until, now),
			Metadata:   raw,
		}
		tagged, err := a.store.ArchiveWindow(ctx, sess, w)
		if errors.Is(err, store.ErrSessionExists) {
			continue
		}
		if err != nil {
			return store.Session{}, false, fmt.Errorf("archive %s into %s: %w", roomID, id, err)
		}
		if tagged == 0 {
			return store.Session{}, false, nil
		}

		created, err := a.store.GetSession(ctx, id)
		if err != nil {
			return store.Session{}, false, fmt.Errorf("read back %s: %w", id, err)
		}
		metrics.IncSessionCreated(meta.Origin)
		slog.Info("session created", "room", roomID, "session", id, "events", tagged, "origin", meta.Origin,
			"start", created.RangeStart, "end", created.RangeEnd)
		history.Publish(ctx, a.sinks, history.Event{
			Type:          history.EventSessionCreated,
			OccurredAt:    now,
			RoomID:        roomID,
			NumericRoomID: meta.NumericRoomID,
			SessionID:     id,
			Reason:        firstNonEmpty(meta.Reason, meta.Strategy),
			EventCount:    int(tagged),
		})
		return created, true, nil
	}
	return store.Session{}, false, fmt.Errorf("archive %s: %w", roomID, store.ErrSessionExists)
}

func firstNonZero(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
