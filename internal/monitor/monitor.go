// Package monitor periodically decides which rooms to connect.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/roomwatch/internal/clock"
	"github.com/loykin/roomwatch/internal/fleet"
	"github.com/loykin/roomwatch/internal/store"
)

// DefaultInterval applies when the configured interval is not positive.
const DefaultInterval = 5 * time.Minute

// Settings are re-read before every tick so configuration reloads apply
// without a restart.
type Settings struct {
	Interval time.Duration
	// Enabled is the global monitoring switch. Disabled rooms are still
	// torn down while it is off.
	Enabled bool
	// BatchPause separates connect batches; zero disables the pause.
	BatchPause time.Duration
}

type Monitor struct {
	fleet    *fleet.Fleet
	clock    clock.Clock
	settings func() Settings
	log      *slog.Logger
}

func New(f *fleet.Fleet, c clock.Clock, settings func() Settings) *Monitor {
	if c == nil {
		c = clock.Real()
	}
	return &Monitor{fleet: f, clock: c, settings: settings, log: slog.Default().With("component", "monitor")}
}

// Report summarises one tick.
type Report struct {
	Rooms      int                   `json:"rooms"`
	TornDown   []string              `json:"torn_down,omitempty"`
	Candidates []string              `json:"candidates,omitempty"`
	Batches    int                   `json:"batches"`
	Outcomes   map[fleet.Outcome]int `json:"outcomes"`
	Paused     bool                  `json:"paused"`
}

// Tick runs one monitoring pass.
func (m *Monitor) Tick(ctx context.Context) (Report, error) {
	rep := Report{Outcomes: make(map[fleet.Outcome]int)}
	st := m.fleet.Store()
	reg := m.fleet.Registry()

	rooms, err := st.ListMonitoredRooms(ctx)
	if err != nil {
		return rep, err
	}
	rep.Rooms = len(rooms)

	var candidates []store.Room
	for _, r := range rooms {
		if !r.MonitoringEnabled {
			if reg.Busy(r.RoomID) {
				if err := m.fleet.Disconnect(ctx, r.RoomID, fleet.ReasonMonitoringDisabled); err != nil {
					m.log.Error("disconnect of disabled room failed", "room", r.RoomID, "error", err)
				}
				rep.TornDown = append(rep.TornDown, r.RoomID)
			}
			continue
		}
		m.fleet.Tracker().ObserveEnabled(r.RoomID)
		if !reg.Busy(r.RoomID) {
			candidates = append(candidates, r)
		}
	}

	s := m.settings()
	if !s.Enabled {
		rep.Paused = true
		m.log.Debug("global monitoring disabled, not connecting")
		return rep, nil
	}

	for _, r := range candidates {
		rep.Candidates = append(rep.Candidates, r.RoomID)
	}

	for len(candidates) > 0 {
		size := m.fleet.Credentials().Available()
		if size < 1 {
			size = 1
		}
		if size > len(candidates) {
			size = len(candidates)
		}
		batch := candidates[:size]
		candidates = candidates[size:]
		rep.Batches++

		outcomes := make([]fleet.Outcome, len(batch))
		var g errgroup.Group
		g.SetLimit(size)
		for i, r := range batch {
			g.Go(func() error {
				out, err := m.fleet.ConnectRoom(ctx, r.RoomID)
				if err != nil {
					m.log.Warn("connect attempt failed", "room", r.RoomID, "outcome", out, "error", err)
				}
				outcomes[i] = out
				return nil
			})
		}
		_ = g.Wait()
		for _, o := range outcomes {
			rep.Outcomes[o]++
		}

		if len(candidates) > 0 && s.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return rep, ctx.Err()
			case <-m.clock.After(s.BatchPause):
			}
		}
	}

	m.log.Info("monitor tick", "rooms", rep.Rooms, "candidates", len(rep.Candidates), "batches", rep.Batches,
		"connected", rep.Outcomes[fleet.OutcomeConnected])
	return rep, nil
}

// Run ticks until ctx ends, sleeping the configured interval between
// passes.
func (m *Monitor) Run(ctx context.Context) {
	for {
		m.safeTick(ctx)
		interval := m.settings().Interval
		if interval <= 0 {
			interval = DefaultInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(interval):
		}
	}
}

func (m *Monitor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("monitor tick panicked", "panic", r)
		}
	}()
	if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
		m.log.Error("monitor tick failed", "error", err)
	}
}
