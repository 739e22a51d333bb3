// Package fleet coordinates room connections: it connects rooms, hands
// finished connections to the archiver and keeps every lifecycle action
// behind the registry.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/roomwatch/internal/archive"
	"github.com/loykin/roomwatch/internal/clock"
	"github.com/loykin/roomwatch/internal/connection"
	"github.com/loykin/roomwatch/internal/credential"
	"github.com/loykin/roomwatch/internal/failure"
	"github.com/loykin/roomwatch/internal/history"
	"github.com/loykin/roomwatch/internal/live"
	"github.com/loykin/roomwatch/internal/metrics"
	"github.com/loykin/roomwatch/internal/registry"
	"github.com/loykin/roomwatch/internal/store"
)

// Disconnect reasons used by the fleet itself.
const (
	ReasonManual             = "manual"
	ReasonMonitoringDisabled = "monitoring_disabled"
	ReasonShutdown           = "shutdown"
)

type Config struct {
	ConnectTimeout time.Duration
	// TransientRetries is the number of extra attempts after a transient
	// failure; attempt n waits n*RetryBackoff.
	TransientRetries   int
	RetryBackoff       time.Duration
	CredentialCooldown time.Duration
	ReconnectBase      time.Duration
	ReconnectAttempts  int
	StopTimeout        time.Duration
	FlushTimeout       time.Duration
	ArchiveTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = connection.DefaultConnectTimeout
	}
	if c.TransientRetries < 0 {
		c.TransientRetries = 0
	} else if c.TransientRetries == 0 {
		c.TransientRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.CredentialCooldown <= 0 {
		c.CredentialCooldown = credential.DefaultCooldown
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = time.Minute
	}
	return c
}

// Deps are the collaborators of a Fleet. Registry and Clock default to
// fresh instances when nil.
type Deps struct {
	Store       store.Store
	Dialer      live.Dialer
	Credentials *credential.Pool
	Tracker     *failure.Tracker
	Archiver    *archive.Archiver
	Registry    *registry.Registry
	Clock       clock.Clock
	Sinks       []history.Sink
	Logger      *slog.Logger
}

type Fleet struct {
	store    store.Store
	dialer   live.Dialer
	creds    *credential.Pool
	tracker  *failure.Tracker
	archiver *archive.Archiver
	reg      *registry.Registry
	clock    clock.Clock
	sinks    []history.Sink
	cfg      Config
	log      *slog.Logger
	bus      chan connection.Transition
}

func New(d Deps, cfg Config) *Fleet {
	if d.Registry == nil {
		d.Registry = registry.New()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracker == nil {
		d.Tracker = failure.NewTracker(d.Store, 0)
	}
	return &Fleet{
		store:    d.Store,
		dialer:   d.Dialer,
		creds:    d.Credentials,
		tracker:  d.Tracker,
		archiver: d.Archiver,
		reg:      d.Registry,
		clock:    d.Clock,
		sinks:    d.Sinks,
		cfg:      cfg.withDefaults(),
		log:      d.Logger.With("component", "fleet"),
		bus:      make(chan connection.Transition, 256),
	}
}

func (f *Fleet) Registry() *registry.Registry  { return f.reg }
func (f *Fleet) Tracker() *failure.Tracker     { return f.tracker }
func (f *Fleet) Credentials() *credential.Pool { return f.creds }
func (f *Fleet) Archiver() *archive.Archiver   { return f.archiver }
func (f *Fleet) Store() store.Store            { return f.store }

// Run consumes connection transitions until ctx ends.
func (f *Fleet) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-f.bus:
			f.handleTransition(t)
		}
	}
}

func (f *Fleet) handleTransition(t connection.Transition) {
	defer f.recoverRoom(t.RoomID, "transition")

	switch t.Kind {
	case connection.Connected:
		if !t.Reconnect {
			return
		}
		if rec, ok := f.reg.Lookup(t.RoomID); ok && rec.Conn == registry.Conn(t.Session) {
			f.notify(history.Event{Type: history.EventConnected, RoomID: t.RoomID, NumericRoomID: t.NumericRoomID, Reason: "reconnect"})
		}
	case connection.Disconnected:
		go func() {
			defer f.recoverRoom(t.RoomID, "hand-off")
			ctx, cancel := context.WithTimeout(context.Background(), f.cfg.StopTimeout+f.cfg.FlushTimeout+f.cfg.ArchiveTimeout)
			defer cancel()
			if err := f.disconnect(ctx, t.RoomID, t.Reason, t.Session); err != nil {
				f.log.Error("hand-off after disconnect failed", "room", t.RoomID, "reason", t.Reason, "error", err)
			}
		}()
	}
}

func (f *Fleet) recoverRoom(roomID, where string) {
	if r := recover(); r != nil {
		f.log.Error("recovered panic", "room", roomID, "in", where, "panic", r)
	}
}

func (f *Fleet) notify(e history.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = f.clock.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	history.Publish(ctx, f.sinks, e)
}

// Disconnect stops roomID and archives its connection. In-flight connects
// are cancelled first; an archive already running is awaited. Concurrent
// callers all observe the same single archive.
func (f *Fleet) Disconnect(ctx context.Context, roomID, reason string) error {
	return f.disconnect(ctx, roomID, reason, nil)
}

// DisconnectConn is Disconnect restricted to one connection; it is a
// no-op when the room has moved on to another connection.
func (f *Fleet) DisconnectConn(ctx context.Context, roomID, reason string, conn registry.Conn) error {
	return f.disconnect(ctx, roomID, reason, conn)
}

func (f *Fleet) disconnect(ctx context.Context, roomID, reason string, expect registry.Conn) error {
	for {
		phase, task := f.reg.Current(roomID)
		switch phase {
		case registry.PhaseIdle:
			return nil

		case registry.PhaseConnecting:
			// With expect set the connect in flight may be the one that
			// registers expect, so let it settle and look again.
			if expect == nil {
				task.Cancel()
			}
			_ = task.Wait(ctx)
			if err := ctx.Err(); err != nil {
				return err
			}

		case registry.PhaseArchiving:
			return task.Wait(ctx)

		case registry.PhaseActive:
			rec, archiveTask, err := f.reg.BeginArchive(roomID, expect)
			if errors.Is(err, registry.ErrNotActive) {
				if expect != nil {
					return nil
				}
				continue
			}
			if err != nil {
				return err
			}
			go f.handOff(rec, archiveTask, reason)
			return archiveTask.Wait(ctx)
		}
	}
}

// handOff stops the connection, waits for its pending writes and archives
// it. The registry entry is always released.
func (f *Fleet) handOff(rec *registry.Record, task *registry.Task, reason string) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("archive %s panicked: %v", rec.RoomID, r)
			f.log.Error("recovered panic", "room", rec.RoomID, "in", "archive", "panic", r)
		}
		f.reg.FinishArchive(rec.RoomID, task, err)
	}()

	log := f.log.With("room", rec.RoomID, "reason", reason)
	log.Info("disconnecting room")

	stopCtx, cancel := context.WithTimeout(context.Background(), f.cfg.StopTimeout)
	if serr := rec.Conn.Stop(stopCtx); serr != nil {
		log.Warn("connection did not stop in time", "error", serr)
	}
	cancel()
	metrics.IncDisconnect(reason)

	flushCtx, cancel := context.WithTimeout(context.Background(), f.cfg.FlushTimeout)
	if werr := rec.WaitWrites(flushCtx); werr != nil {
		log.Warn("pending event writes not flushed", "pending", rec.PendingWrites(), "error", werr)
	}
	cancel()

	f.notify(history.Event{Type: history.EventDisconnected, RoomID: rec.RoomID, NumericRoomID: rec.NumericRoomID, Reason: reason})

	if f.archiver == nil {
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.Background(), f.cfg.ArchiveTimeout)
	defer cancel()
	_, created, aerr := f.archiver.ArchiveConnection(archiveCtx, rec.RoomID, rec.StartTime, archive.Metadata{
		Reason:        reason,
		NumericRoomID: rec.NumericRoomID,
	})
	if aerr != nil {
		err = aerr
		log.Error("archive failed", "error", aerr)
		return
	}
	if !created {
		log.Info("connection produced no events")
	}
}
