// Package roomwatch wires the room connection fleet into a daemon: storage,
// the fleet coordinator, its monitor and heartbeat loops, session
// consolidation and the ops HTTP surface.
package roomwatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/roomwatch/internal/archive"
	"github.com/loykin/roomwatch/internal/clock"
	"github.com/loykin/roomwatch/internal/config"
	"github.com/loykin/roomwatch/internal/credential"
	"github.com/loykin/roomwatch/internal/failure"
	"github.com/loykin/roomwatch/internal/fleet"
	"github.com/loykin/roomwatch/internal/heartbeat"
	"github.com/loykin/roomwatch/internal/history"
	hfactory "github.com/loykin/roomwatch/internal/history/factory"
	"github.com/loykin/roomwatch/internal/live"
	"github.com/loykin/roomwatch/internal/live/bridge"
	"github.com/loykin/roomwatch/internal/metrics"
	"github.com/loykin/roomwatch/internal/monitor"
	"github.com/loykin/roomwatch/internal/registry"
	"github.com/loykin/roomwatch/internal/server"
	"github.com/loykin/roomwatch/internal/store"
	sfactory "github.com/loykin/roomwatch/internal/store/factory"
	rwtls "github.com/loykin/roomwatch/internal/tls"
)

// Re-export the types embedders need.

type Config = config.Config

type Dialer = live.Dialer

type Store = store.Store

type HistorySink = history.Sink

type Status = server.Status

const shutdownTimeout = 2 * time.Minute

// Option customises a Daemon.
type Option func(*options)

type options struct {
	path   string
	dialer live.Dialer
	store  store.Store
	clock  clock.Clock
	sinks  []history.Sink
}

// WithConfigFile enables live reload of the file cfg was loaded from.
func WithConfigFile(path string) Option { return func(o *options) { o.path = path } }

// WithDialer replaces the bridge dialer.
func WithDialer(d live.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithStore uses st instead of opening the configured DSN. The daemon
// does not close a store it did not open.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithSinks adds history sinks to the configured ones.
func WithSinks(s ...history.Sink) Option { return func(o *options) { o.sinks = append(o.sinks, s...) } }

// Daemon owns every long-running component.
type Daemon struct {
	cfg     *config.Config
	watcher *config.Watcher
	clock   clock.Clock

	store     store.Store
	ownsStore bool
	sinks     []history.Sink
	ownSinks  []history.Sink

	creds     *credential.Pool
	fleet     *fleet.Fleet
	monitor   *monitor.Monitor
	auditor   *heartbeat.Auditor
	archiver  *archive.Archiver
	scheduler *archive.Scheduler

	tls *tls.Config
	mu  sync.Mutex
	srv *http.Server
}

// New builds the daemon from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Daemon, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	d := &Daemon{cfg: cfg, clock: o.clock, watcher: config.NewWatcher(o.path, cfg)}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.store = o.store
	if d.store == nil {
		if d.store, err = sfactory.NewFromDSN(cfg.Store.DSN); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		d.ownsStore = true
	}
	if err = d.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if err = seedRooms(ctx, d.store, cfg.Rooms); err != nil {
		return nil, err
	}

	if d.ownSinks, err = hfactory.NewSinks(cfg.History.Sinks); err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	for _, s := range d.ownSinks {
		if et, ok := s.(interface{ EnsureTable(context.Context) error }); ok {
			if err = et.EnsureTable(ctx); err != nil {
				return nil, fmt.Errorf("history sink table: %w", err)
			}
		}
	}
	d.sinks = append(append([]history.Sink(nil), d.ownSinks...), o.sinks...)

	dialer := o.dialer
	if dialer == nil {
		dialer = bridge.NewDialer(cfg.Live.BridgeURL, cfg.Live.RequestTimeout)
	}

	reg := registry.New()
	d.creds = credential.NewPool(cfg.Live.Credentials, d.clock)
	d.archiver = archive.New(d.store, d.clock, cfg.ArchiveConfig(),
		archive.WithSinks(d.sinks...),
		archive.WithBusyCheck(reg.Busy))
	d.fleet = fleet.New(fleet.Deps{
		Store:       d.store,
		Dialer:      dialer,
		Credentials: d.creds,
		Tracker:     failure.NewTracker(d.store, cfg.Monitor.FailureThreshold),
		Archiver:    d.archiver,
		Registry:    reg,
		Clock:       d.clock,
		Sinks:       d.sinks,
	}, cfg.FleetConfig())
	d.monitor = monitor.New(d.fleet, d.clock, func() monitor.Settings { return d.watcher.Dynamic().Monitor })
	d.auditor = heartbeat.New(reg, d.fleet, d.clock, cfg.HeartbeatConfig())
	if cfg.Archive.Schedule != "" {
		if d.scheduler, err = archive.NewScheduler(d.archiver, cfg.Archive.Schedule, cfg.Location(), cfg.Archive.Timeout); err != nil {
			return nil, err
		}
	}

	if cfg.Server.Enabled {
		if d.tls, err = rwtls.Setup(cfg.Server.TLS); err != nil {
			return nil, fmt.Errorf("ops server tls: %w", err)
		}
	}

	d.watcher.OnChange(func(dyn config.Dynamic) {
		d.creds.Replace(dyn.Credentials)
	})
	if d.creds.Status().Total == 0 {
		slog.Warn("no live credentials configured; rooms will not be connected")
	}
	return d, nil
}

// seedRooms inserts configured rooms that storage does not know yet.
// Existing rooms keep their stored enable flag.
func seedRooms(ctx context.Context, st store.Store, seeds []config.RoomSeed) error {
	for _, s := range seeds {
		_, err := st.GetRoom(ctx, s.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seed room %s: %w", s.ID, err)
		}
		name := s.DisplayName
		if name == "" {
			name = s.ID
		}
		if err := st.UpsertRoom(ctx, store.Room{RoomID: s.ID, DisplayName: name, MonitoringEnabled: s.IsEnabled()}); err != nil {
			return fmt.Errorf("seed room %s: %w", s.ID, err)
		}
		slog.Info("room seeded from config", "room", s.ID, "enabled", s.IsEnabled())
	}
	return nil
}

// Run starts every loop and blocks until ctx ends, then disconnects and
// archives all rooms.
func (d *Daemon) Run(ctx context.Context) error {
	// The transition bus outlives the loops so shutdown hand-offs drain.
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	go d.fleet.Run(busCtx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.monitor.Run(ctx) }()
	go func() { defer wg.Done(); d.auditor.Run(ctx) }()
	if d.scheduler != nil {
		d.scheduler.Start()
	}
	d.watcher.Start()

	if d.cfg.Server.Enabled {
		d.mu.Lock()
		d.srv = server.NewServer(d.cfg.Server.Listen, d.cfg.Server.BasePath, d, d.tls)
		d.mu.Unlock()
		slog.Info("ops server listening", "addr", d.cfg.Server.Listen, "base_path", d.cfg.Server.BasePath, "tls", d.tls != nil)
	}
	slog.Info("roomwatch started", "rooms_seeded", len(d.cfg.Rooms), "credentials", d.creds.Status().Total)

	<-ctx.Done()
	slog.Info("roomwatch shutting down")
	wg.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.mu.Lock()
	if d.srv != nil {
		_ = d.srv.Shutdown(sctx)
	}
	d.mu.Unlock()
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	err := d.fleet.Shutdown(sctx)
	d.close()
	return err
}

func (d *Daemon) close() {
	hfactory.Close(d.ownSinks)
	if d.ownsStore && d.store != nil {
		if err := d.store.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}
}

// Fleet exposes the coordinator for embedding and tests.
func (d *Daemon) Fleet() *fleet.Fleet { return d.fleet }

// Monitor exposes the monitor loop, e.g. to trigger a tick.
func (d *Daemon) Monitor() *monitor.Monitor { return d.monitor }

func (d *Daemon) Auditor() *heartbeat.Auditor { return d.auditor }

// Status implements server.Backend.
func (d *Daemon) Status(context.Context) server.Status {
	dyn := d.watcher.Dynamic()
	return server.Status{
		MonitoringEnabled: dyn.Monitor.Enabled,
		Interval:          dyn.Monitor.Interval.String(),
		Rooms:             d.fleet.Status(),
		Credentials:       d.creds.Status(),
		AutoDisabled:      d.fleet.Tracker().AutoDisabled(),
		PendingOffline:    d.auditor.PendingOffline(),
	}
}

func (d *Daemon) StartRoom(ctx context.Context, roomID string) (fleet.Outcome, error) {
	return d.fleet.StartRoom(ctx, roomID)
}

func (d *Daemon) StopRoom(ctx context.Context, roomID string) error {
	return d.fleet.StopRoom(ctx, roomID)
}

func (d *Daemon) SetMonitoring(ctx context.Context, roomID string, enabled bool) error {
	return d.fleet.SetMonitoring(ctx, roomID, enabled)
}

func (d *Daemon) Consolidate(ctx context.Context) (archive.Report, error) {
	return d.archiver.Consolidate(ctx)
}

func (d *Daemon) ListSessions(ctx context.Context, roomID string, limit int) ([]store.Session, error) {
	return d.store.ListSessions(ctx, roomID, limit)
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// RegisterMetrics registers the collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
