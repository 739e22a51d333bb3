// Package heartbeat audits active connections for silent death and for
// broadcasts that ended without telling us.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/roomwatch/internal/clock"
	"github.com/loykin/roomwatch/internal/metrics"
	"github.com/loykin/roomwatch/internal/registry"
)

// Disconnect reasons issued by the auditor.
const (
	ReasonZombie           = "zombie"
	ReasonOfflineConfirmed = "offline_confirmed"
)

// Verdict of one check.
type Verdict string

const (
	VerdictLive             Verdict = "live"
	VerdictZombie           Verdict = "zombie"
	VerdictZombieFallback   Verdict = "zombie_fallback"
	VerdictTransportDown    Verdict = "transport_down"
	VerdictLivenessUnknown  Verdict = "liveness_unknown"
	VerdictPendingOffline   Verdict = "pending_offline"
	VerdictOfflineConfirmed Verdict = "offline_confirmed"
)

// Disconnects reports whether the verdict tears the connection down.
func (v Verdict) Disconnects() bool {
	return v == VerdictZombie || v == VerdictZombieFallback || v == VerdictOfflineConfirmed
}

func (v Verdict) reason() string {
	if v == VerdictOfflineConfirmed {
		return ReasonOfflineConfirmed
	}
	return ReasonZombie
}

type Config struct {
	Interval time.Duration
	// ZombieSilence disconnects without asking the platform.
	ZombieSilence time.Duration
	// FallbackSilence disconnects when the liveness call itself fails.
	FallbackSilence time.Duration
	// OfflineConfirmWindow is how long "not live" must persist.
	OfflineConfirmWindow time.Duration
	// OfflineSilence must also be exceeded before an offline report is
	// acted on.
	OfflineSilence time.Duration
	CheckTimeout   time.Duration
	// DisconnectTimeout bounds one hand-off of a condemned connection.
	DisconnectTimeout time.Duration
	Parallelism       int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ZombieSilence <= 0 {
		c.ZombieSilence = 120 * time.Second
	}
	if c.FallbackSilence <= 0 {
		c.FallbackSilence = 90 * time.Second
	}
	if c.OfflineConfirmWindow <= 0 {
		c.OfflineConfirmWindow = 30 * time.Second
	}
	if c.OfflineSilence <= 0 {
		c.OfflineSilence = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 10 * time.Second
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 2 * time.Minute
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	return c
}

// Disconnector tears down one specific connection.
type Disconnector interface {
	DisconnectConn(ctx context.Context, roomID, reason string, conn registry.Conn) error
}

type marker struct {
	connID    string
	firstSeen time.Time
}

type Auditor struct {
	reg   *registry.Registry
	disc  Disconnector
	clock clock.Clock
	cfg   Config
	log   *slog.Logger

	mu       sync.Mutex
	markers  map[string]marker
	handoffs map[string]bool
	wg       sync.WaitGroup
}

func New(reg *registry.Registry, disc Disconnector, c clock.Clock, cfg Config) *Auditor {
	if c == nil {
		c = clock.Real()
	}
	return &Auditor{
		reg:      reg,
		disc:     disc,
		clock:    c,
		cfg:      cfg.withDefaults(),
		log:      slog.Default().With("component", "heartbeat"),
		markers:  make(map[string]marker),
		handoffs: make(map[string]bool),
	}
}

// Run sweeps every Interval until ctx ends.
func (a *Auditor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.clock.After(a.cfg.Interval):
		}
		a.Sweep(ctx)
	}
}

// Sweep checks every active connection once and starts the hand-off of the
// ones the checks condemn. It does not wait for those hand-offs.
func (a *Auditor) Sweep(ctx context.Context) map[string]Verdict {
	records := a.reg.Active()
	a.prune(records)

	var (
		mu       sync.Mutex
		verdicts = make(map[string]Verdict, len(records))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Parallelism)
	for _, rec := range records {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("heartbeat check panicked", "room", rec.RoomID, "panic", r)
				}
			}()
			v := a.Check(gctx, rec)
			mu.Lock()
			verdicts[rec.RoomID] = v
			mu.Unlock()
			if v.Disconnects() {
				a.handOff(rec, v)
			}
			return nil
		})
	}
	_ = g.Wait()
	return verdicts
}

// handOff disconnects rec in the background. A room already being handed
// off is skipped.
func (a *Auditor) handOff(rec *registry.Record, v Verdict) {
	a.mu.Lock()
	if a.handoffs[rec.RoomID] {
		a.mu.Unlock()
		return
	}
	a.handoffs[rec.RoomID] = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("heartbeat disconnect panicked", "room", rec.RoomID, "panic", r)
			}
			a.mu.Lock()
			delete(a.handoffs, rec.RoomID)
			a.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DisconnectTimeout)
		defer cancel()
		if err := a.disc.DisconnectConn(ctx, rec.RoomID, v.reason(), rec.Conn); err != nil {
			a.log.Error("heartbeat disconnect failed", "room", rec.RoomID, "verdict", v, "error", err)
		}
	}()
}

// Wait blocks until every hand-off started by Sweep has finished.
func (a *Auditor) Wait() { a.wg.Wait() }

// Check classifies one connection without acting on it.
func (a *Auditor) Check(ctx context.Context, rec *registry.Record) Verdict {
	v := a.check(ctx, rec)
	metrics.IncHeartbeat(string(v))
	if v.Disconnects() {
		a.log.Warn("connection condemned", "room", rec.RoomID, "verdict", v, "last_event", rec.LastEventTime())
	}
	return v
}

func (a *Auditor) check(ctx context.Context, rec *registry.Record) Verdict {
	now := a.clock.Now()
	silence := now.Sub(rec.LastEventTime())

	if silence > a.cfg.ZombieSilence {
		a.clear(rec.RoomID)
		return VerdictZombie
	}
	if !rec.Conn.IsConnected() {
		return VerdictTransportDown
	}

	cctx, cancel := context.WithTimeout(ctx, a.cfg.CheckTimeout)
	defer cancel()
	isLive, err := rec.Conn.FetchIsLive(cctx)
	if err != nil {
		if silence > a.cfg.FallbackSilence {
			a.clear(rec.RoomID)
			return VerdictZombieFallback
		}
		a.log.Debug("liveness check failed", "room", rec.RoomID, "error", err)
		return VerdictLivenessUnknown
	}
	if isLive {
		a.clear(rec.RoomID)
		return VerdictLive
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.markers[rec.RoomID]
	if !ok || m.connID != rec.Conn.ID() {
		a.markers[rec.RoomID] = marker{connID: rec.Conn.ID(), firstSeen: now}
		return VerdictPendingOffline
	}
	if now.Sub(m.firstSeen) >= a.cfg.OfflineConfirmWindow && silence > a.cfg.OfflineSilence {
		delete(a.markers, rec.RoomID)
		return VerdictOfflineConfirmed
	}
	return VerdictPendingOffline
}

func (a *Auditor) clear(roomID string) {
	a.mu.Lock()
	delete(a.markers, roomID)
	a.mu.Unlock()
}

// prune drops markers of rooms that left the live set.
func (a *Auditor) prune(records []*registry.Record) {
	live := make(map[string]string, len(records))
	for _, r := range records {
		live[r.RoomID] = r.Conn.ID()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, m := range a.markers {
		if connID, ok := live[id]; !ok || connID != m.connID {
			delete(a.markers, id)
		}
	}
}

// PendingOffline returns when each pending room was first seen offline.
func (a *Auditor) PendingOffline() map[string]time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]time.Time, len(a.markers))
	for id, m := range a.markers {
		out[id] = m.firstSeen
	}
	return out
}
