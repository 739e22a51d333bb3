package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/loykin/roomwatch/internal/connection"
	"github.com/loykin/roomwatch/internal/history"
	"github.com/loykin/roomwatch/internal/live"
	"github.com/loykin/roomwatch/internal/metrics"
	"github.com/loykin/roomwatch/internal/registry"
	"github.com/loykin/roomwatch/internal/store"
)

// Outcome of one ConnectRoom call.
type Outcome string

const (
	OutcomeConnected    Outcome = "connected"
	OutcomeBusy         Outcome = "busy"
	OutcomeNoCredential Outcome = "no_credential"
	OutcomeOffline      Outcome = "offline"
	OutcomeCanceled     Outcome = "canceled"
	OutcomeAutoDisabled Outcome = "auto_disabled"
	OutcomeFailed       Outcome = "failed"
)

// ConnectRoom makes one connect attempt for roomID. Rooms held by another
// lifecycle action, rooms that are not live and an exhausted credential
// pool are reported through the outcome, not as errors.
func (f *Fleet) ConnectRoom(ctx context.Context, roomID string) (out Outcome, err error) {
	cctx, task, berr := f.reg.BeginConnect(ctx, roomID)
	if berr != nil {
		return OutcomeBusy, nil
	}
	activated := false
	defer func() {
		if r := recover(); r != nil {
			out, err = OutcomeFailed, fmt.Errorf("connect %s panicked: %v", roomID, r)
			f.log.Error("recovered panic", "room", roomID, "in", "connect", "panic", r)
		}
		if !activated {
			f.reg.Abandon(roomID, task, err)
		}
		metrics.IncConnectAttempt(string(out))
	}()

	log := f.log.With("room", roomID)

	if f.archiver != nil {
		if _, serr := f.archiver.ArchiveStaleLive(cctx, roomID); serr != nil {
			log.Warn("stale cleanup before connect failed", "error", serr)
		}
	}

	for attempt := 0; ; attempt++ {
		cred, ok := f.creds.Select()
		if !ok {
			log.Debug("no credential available, skipping room this tick")
			return OutcomeNoCredential, nil
		}

		sess, rec, state, cerr := f.dial(cctx, roomID, cred.Value)
		if cerr == nil {
			if aerr := f.reg.Activate(roomID, task, rec); aerr != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), f.cfg.StopTimeout)
				_ = sess.Stop(stopCtx)
				cancel()
				return OutcomeFailed, aerr
			}
			activated = true
			if sess.State() == connection.StateGivenUp {
				// gave up between handshake and registration
				go f.handleTransition(connection.Transition{Kind: connection.Disconnected, RoomID: roomID, Session: sess, Reason: connection.ReasonGaveUp})
			}
			f.tracker.RecordSuccess(roomID)
			if perr := f.store.SetCachedNumericRoomID(context.Background(), roomID, state.NumericRoomID); perr != nil {
				log.Warn("persist numeric room id failed", "error", perr)
			}
			log.Info("room connected", "numeric_room_id", state.NumericRoomID, "credential", cred)
			f.notify(history.Event{Type: history.EventConnected, RoomID: roomID, NumericRoomID: state.NumericRoomID})
			return OutcomeConnected, nil
		}

		if cctx.Err() != nil || errors.Is(cerr, connection.ErrStopped) {
			return OutcomeCanceled, nil
		}

		kind := live.Classify(cerr)
		switch kind {
		case live.FailureOffline:
			log.Debug("room not live")
			return OutcomeOffline, nil

		case live.FailureIdentity:
			disabled, terr := f.tracker.RecordFailure(context.Background(), roomID, kind)
			if terr != nil {
				log.Error("failure tracking failed", "error", terr)
			}
			if disabled {
				f.notify(history.Event{Type: history.EventAutoDisabled, RoomID: roomID, Reason: cerr.Error()})
				return OutcomeAutoDisabled, cerr
			}
			log.Warn("room identity could not be resolved", "error", cerr, "failures", f.tracker.Count(roomID))
			return OutcomeFailed, cerr

		case live.FailureRateLimited:
			f.creds.Disable(cred.Value, f.cfg.CredentialCooldown)
		}

		if !kind.Retryable() || attempt >= f.cfg.TransientRetries {
			log.Warn("connect failed", "kind", kind, "attempts", attempt+1, "error", cerr)
			return OutcomeFailed, cerr
		}
		delay := time.Duration(attempt+1) * f.cfg.RetryBackoff
		log.Debug("retrying connect", "kind", kind, "attempt", attempt+1, "delay", delay)
		select {
		case <-f.clock.After(delay):
		case <-cctx.Done():
			return OutcomeCanceled, nil
		}
	}
}

// dial creates a client and session and performs the initial handshake.
// The record is returned unregistered.
func (f *Fleet) dial(ctx context.Context, roomID, cred string) (*connection.Session, *registry.Record, live.RoomState, error) {
	client, err := f.dialer.Dial(roomID, cred)
	if err != nil {
		return nil, nil, live.RoomState{}, fmt.Errorf("dial %s: %w", roomID, err)
	}

	w := &eventWriter{f: f, roomID: roomID}
	sess := connection.New(connection.Options{
		RoomID:         roomID,
		Client:         client,
		Clock:          f.clock,
		Transitions:    f.bus,
		OnEvent:        w.handle,
		BaseDelay:      f.cfg.ReconnectBase,
		MaxAttempts:    f.cfg.ReconnectAttempts,
		ConnectTimeout: f.cfg.ConnectTimeout,
		Logger:         f.log,
	})

	start := f.clock.Now()
	state, err := sess.Connect(ctx)
	if err != nil {
		return nil, nil, live.RoomState{}, err
	}
	rec := registry.NewRecord(roomID, sess, start, state.NumericRoomID)
	w.rec.Store(rec)
	return sess, rec, state, nil
}

// eventWriter persists payload events of one connection and keeps its
// record's activity clock current.
type eventWriter struct {
	f      *Fleet
	roomID string
	rec    atomic.Pointer[registry.Record]
}

func (w *eventWriter) handle(e live.Event) {
	now := w.f.clock.Now()
	done := func() {}
	if rec := w.rec.Load(); rec != nil {
		rec.Touch(now)
		done = rec.BeginWrite()
	}
	ev := store.EventRecord{RoomID: w.roomID, Type: string(e.Kind), Timestamp: now, Payload: string(e.Payload)}
	go func() {
		defer done()
		ctx, cancel := context.WithTimeout(context.Background(), w.f.cfg.FlushTimeout)
		defer cancel()
		if err := w.f.store.RecordEvent(ctx, ev); err != nil {
			w.f.log.Warn("record event failed", "room", w.roomID, "type", ev.Type, "error", err)
		}
	}()
}
