// Package connection owns one room's live connection and its reconnect
// policy.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/roomwatch/internal/clock"
	"github.com/loykin/roomwatch/internal/live"
	"github.com/loykin/roomwatch/internal/metrics"
)

var (
	// ErrStopped is returned by Connect when Disconnect won the race.
	ErrStopped = errors.New("connection stopped")
	// ErrAlreadyStarted is returned by a second Connect on the same session.
	ErrAlreadyStarted = errors.New("connection already started")
)

const (
	DefaultBaseDelay      = time.Second
	DefaultMaxAttempts    = 5
	DefaultConnectTimeout = 30 * time.Second
)

// Disconnect reasons carried by Transition.Reason.
const (
	ReasonStopped   = "stopped"
	ReasonStreamEnd = "stream_end"
	ReasonGaveUp    = "gave_up"
	ReasonOffline   = "offline"
)

// State of a Session.
//
// State Machine:
// Disconnected -> Connecting -> Connected <-> Reconnecting -> GivenUp
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

type TransitionKind int

const (
	Connected TransitionKind = iota
	Disconnected
)

func (k TransitionKind) String() string {
	if k == Connected {
		return "connected"
	}
	return "disconnected"
}

// Transition is published on the shared bus whenever a session connects
// or is finished for good.
type Transition struct {
	Kind          TransitionKind
	RoomID        string
	Session       *Session
	NumericRoomID string
	Reason        string
	// Reconnect is set on Connected transitions that follow a drop.
	Reconnect bool
	At        time.Time
}

// EventHandler receives payload events on the session goroutine. It must
// not block.
type EventHandler func(live.Event)

type Options struct {
	RoomID      string
	Client      live.Client
	Clock       clock.Clock
	Transitions chan<- Transition
	OnEvent     EventHandler
	// BaseDelay is the first reconnect wait; attempt n waits BaseDelay*2^n.
	BaseDelay      time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

type commandAction int

const (
	actionConnect commandAction = iota
	actionDisconnect
)

type connectReply struct {
	state live.RoomState
	err   error
}

type command struct {
	action commandAction
	ctx    context.Context
	reply  chan connectReply
}

type attemptResult struct {
	state live.RoomState
	err   error
}

// Session is a single-goroutine state machine around one live.Client.
// All fields below the channels are owned by that goroutine.
type Session struct {
	id     string
	roomID string
	opts   Options
	log    *slog.Logger

	state   atomic.Int32
	numeric atomic.Value

	cmdChan  chan command
	results  chan attemptResult
	retry    chan struct{}
	doneChan chan struct{}

	pending       chan connectReply
	inFlight      bool
	timer         clock.Timer
	attempts      int
	everConnected bool
	stopReason    string
}

// New creates a session and starts its state machine. The session is idle
// until Connect is called.
func New(o Options) *Session {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	s := &Session{
		id:       uuid.NewString(),
		roomID:   o.RoomID,
		opts:     o,
		cmdChan:  make(chan command, 16),
		results:  make(chan attemptResult, 1),
		retry:    make(chan struct{}, 1),
		doneChan: make(chan struct{}),
	}
	s.log = o.Logger.With("component", "connection", "room", o.RoomID, "session", s.id)
	s.numeric.Store("")
	go s.run()
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) RoomID() string { return s.roomID }

func (s *Session) State() State { return State(s.state.Load()) }

// NumericRoomID is the platform id resolved by the last successful handshake.
func (s *Session) NumericRoomID() string { return s.numeric.Load().(string) }

// Done is closed once the session has given up.
func (s *Session) Done() <-chan struct{} { return s.doneChan }

// IsConnected reports whether the state machine and the transport agree
// that the connection is up.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected && s.opts.Client.Connected()
}

func (s *Session) FetchIsLive(ctx context.Context) (bool, error) {
	return s.opts.Client.FetchIsLive(ctx)
}

// Connect performs the initial handshake with a fresh identity lookup.
// A room that is not broadcasting yields live.ErrRoomOffline. Any failure
// leaves the session given up without publishing a transition.
func (s *Session) Connect(ctx context.Context) (live.RoomState, error) {
	reply := make(chan connectReply, 1)
	select {
	case s.cmdChan <- command{action: actionConnect, ctx: ctx, reply: reply}:
	case <-s.doneChan:
		return live.RoomState{}, ErrStopped
	}
	r := <-reply
	return r.state, r.err
}

// Disconnect suppresses all future reconnects. The session gives up as soon
// as any in-flight handshake settles; wait on Done to observe it.
func (s *Session) Disconnect() {
	select {
	case s.cmdChan <- command{action: actionDisconnect}:
	case <-s.doneChan:
	}
}

// Stop is Disconnect followed by a bounded wait for Done.
func (s *Session) Stop(ctx context.Context) error {
	s.Disconnect()
	select {
	case <-s.doneChan:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", s.roomID, ctx.Err())
	}
}

func (s *Session) run() {
	defer close(s.doneChan)

	events := s.opts.Client.Events()
	for {
		select {
		case cmd := <-s.cmdChan:
			s.handleCommand(cmd)
		case r := <-s.results:
			s.handleResult(r)
		case <-s.retry:
			s.handleRetry()
		case e, ok := <-events:
			if !ok {
				events = nil
				e = live.Event{Kind: live.KindDropped, At: s.opts.Clock.Now(), Err: errors.New("event stream closed")}
			}
			s.handleEvent(e)
		}
		if s.State() == StateGivenUp {
			return
		}
	}
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from != to {
		metrics.RecordStateTransition(from.String(), to.String())
	}
}

func (s *Session) handleCommand(cmd command) {
	switch cmd.action {
	case actionConnect:
		if s.State() != StateDisconnected || s.stopReason != "" {
			err := ErrAlreadyStarted
			if s.stopReason != "" {
				err = ErrStopped
			}
			cmd.reply <- connectReply{err: err}
			return
		}
		s.pending = cmd.reply
		s.setState(StateConnecting)
		s.startAttempt(cmd.ctx, "")

	case actionDisconnect:
		if s.stopReason == "" {
			s.stopReason = ReasonStopped
		}
		s.stopTimer()
		if s.inFlight {
			return
		}
		if s.State() == StateDisconnected {
			s.finish(s.stopReason)
			return
		}
		s.teardown()
		s.finish(s.stopReason)
	}
}

func (s *Session) startAttempt(parent context.Context, cachedRoomID string) {
	if parent == nil {
		parent = context.Background()
	}
	s.inFlight = true
	ctx, cancel := context.WithTimeout(parent, s.opts.ConnectTimeout)
	client := s.opts.Client
	go func() {
		defer cancel()
		st, err := client.Connect(ctx, cachedRoomID)
		s.results <- attemptResult{state: st, err: err}
	}()
}

func (s *Session) handleResult(r attemptResult) {
	s.inFlight = false
	initial := s.State() == StateConnecting

	if s.stopReason != "" {
		s.teardown()
		s.answer(connectReply{err: ErrStopped})
		s.finish(s.stopReason)
		return
	}

	err := r.err
	if err == nil && !r.state.Live {
		err = live.ErrRoomOffline
	}
	if err != nil {
		s.teardown()
		if initial {
			s.answer(connectReply{err: err})
			s.finish("")
			return
		}
		kind := live.Classify(err)
		s.attempts++
		s.log.Warn("reconnect attempt failed", "attempt", s.attempts, "kind", kind, "error", err)
		if kind == live.FailureOffline {
			s.finish(ReasonOffline)
			return
		}
		if s.attempts >= s.opts.MaxAttempts {
			s.log.Warn("giving up after reconnect attempts", "attempts", s.attempts)
			s.finish(ReasonGaveUp)
			return
		}
		s.scheduleRetry()
		return
	}

	s.attempts = 0
	s.everConnected = true
	s.numeric.Store(r.state.NumericRoomID)
	s.setState(StateConnected)
	if initial {
		s.log.Info("connected", "numeric_room_id", r.state.NumericRoomID)
	} else {
		s.log.Info("reconnected", "numeric_room_id", r.state.NumericRoomID)
	}
	s.answer(connectReply{state: r.state})
	s.publish(Transition{Kind: Connected, NumericRoomID: r.state.NumericRoomID, Reconnect: !initial})
}

func (s *Session) handleRetry() {
	if s.State() != StateReconnecting || s.inFlight || s.stopReason != "" {
		return
	}
	metrics.IncReconnectAttempt()
	s.startAttempt(context.Background(), s.NumericRoomID())
}

func (s *Session) handleEvent(e live.Event) {
	switch e.Kind {
	case live.KindDropped:
		if s.State() != StateConnected || s.stopReason != "" {
			return
		}
		s.log.Warn("connection dropped", "error", e.Err)
		s.setState(StateReconnecting)
		s.scheduleRetry()

	case live.KindStreamEnd:
		if s.stopReason != "" {
			return
		}
		s.log.Info("stream ended")
		s.stopReason = ReasonStreamEnd
		s.stopTimer()
		if s.inFlight {
			return
		}
		s.teardown()
		s.finish(ReasonStreamEnd)

	default:
		if e.Kind.IsPayload() && s.opts.OnEvent != nil {
			s.opts.OnEvent(e)
		}
	}
}

func (s *Session) scheduleRetry() {
	delay := s.opts.BaseDelay << uint(s.attempts)
	retry := s.retry
	s.timer = s.opts.Clock.AfterFunc(delay, func() {
		select {
		case retry <- struct{}{}:
		default:
		}
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) teardown() {
	if err := s.opts.Client.Disconnect(); err != nil {
		s.log.Debug("client disconnect failed", "error", err)
	}
}

func (s *Session) answer(r connectReply) {
	if s.pending != nil {
		s.pending <- r
		s.pending = nil
	}
}

// finish moves to GivenUp. Disconnected is published at most once and only
// for sessions that reached Connected.
func (s *Session) finish(reason string) {
	s.stopTimer()
	s.answer(connectReply{err: ErrStopped})
	s.setState(StateGivenUp)
	if s.everConnected {
		s.everConnected = false
		s.publish(Transition{Kind: Disconnected, Reason: reason})
	}
}

func (s *Session) publish(t Transition) {
	if s.opts.Transitions == nil {
		return
	}
	t.RoomID = s.roomID
	t.Session = s
	if t.At.IsZero() {
		t.At = s.opts.Clock.Now()
	}
	s.opts.Transitions <- t
}
