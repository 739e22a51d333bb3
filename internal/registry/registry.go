// Package registry is the single owner of per-room lifecycle state. For
// any room at most one of an in-flight connect, an active connection
// record or an in-flight archive exists at a time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/roomwatch/internal/metrics"
)

var (
	// ErrBusy means another lifecycle action holds the room.
	ErrBusy = errors.New("room busy")
	// ErrNotActive means the room has no matching active record.
	ErrNotActive = errors.New("room has no active connection")
	// ErrNotOwner is returned when a task no longer owns the room.
	ErrNotOwner = errors.New("task does not own room")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseActive
	PhaseArchiving
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseArchiving:
		return "archiving"
	default:
		return "unknown"
	}
}

type entry struct {
	phase  Phase
	task   *Task
	record *Record
}

type Registry struct {
	mu    sync.Mutex
	rooms map[string]*entry
}

func New() *Registry {
	return &Registry{rooms: make(map[string]*entry)}
}

// BeginConnect reserves roomID for a connect attempt. The returned context
// is cancelled by Task.Cancel.
func (r *Registry) BeginConnect(parent context.Context, roomID string) (context.Context, *Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[roomID]; ok {
		return nil, nil, fmt.Errorf("%s is %s: %w", roomID, e.phase, ErrBusy)
	}
	ctx, cancel := context.WithCancel(parent)
	t := newTask(PhaseConnecting, cancel)
	r.rooms[roomID] = &entry{phase: PhaseConnecting, task: t}
	return ctx, t, nil
}

// Activate turns a connect reservation into an active record and
// completes the connect task.
func (r *Registry) Activate(roomID string, t *Task, rec *Record) error {
	r.mu.Lock()
	e, ok := r.rooms[roomID]
	if !ok || e.task != t || e.phase != PhaseConnecting {
		r.mu.Unlock()
		return ErrNotOwner
	}
	e.phase = PhaseActive
	e.record = rec
	e.task = nil
	n := r.activeLocked()
	r.mu.Unlock()

	metrics.SetActiveConnections(n)
	t.complete(nil)
	return nil
}

// Abandon releases a connect reservation that produced no connection.
func (r *Registry) Abandon(roomID string, t *Task, err error) {
	r.mu.Lock()
	if e, ok := r.rooms[roomID]; ok && e.task == t && e.phase == PhaseConnecting {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	t.complete(err)
}

// BeginArchive moves an active room into the archiving phase. When expect
// is non-nil the record must belong to that connection. The caller owns
// the returned task and must call FinishArchive.
func (r *Registry) BeginArchive(roomID string, expect Conn) (*Record, *Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[roomID]
	if !ok || e.phase != PhaseActive {
		return nil, nil, ErrNotActive
	}
	if expect != nil && e.record.Conn != expect {
		return nil, nil, ErrNotActive
	}
	e.phase = PhaseArchiving
	e.task = newTask(PhaseArchiving, nil)
	metrics.SetActiveConnections(r.activeLocked())
	return e.record, e.task, nil
}

// FinishArchive releases the room and completes the archive task.
func (r *Registry) FinishArchive(roomID string, t *Task, err error) {
	r.mu.Lock()
	if e, ok := r.rooms[roomID]; ok && e.task == t && e.phase == PhaseArchiving {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	t.complete(err)
}

// Current reports the room's phase and, for the connecting and archiving
// phases, the in-flight task.
func (r *Registry) Current(roomID string) (Phase, *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[roomID]
	if !ok {
		return PhaseIdle, nil
	}
	return e.phase, e.task
}

// Busy reports whether any lifecycle action holds the room.
func (r *Registry) Busy(roomID string) bool {
	p, _ := r.Current(roomID)
	return p != PhaseIdle
}

// Lookup returns the active record of roomID.
func (r *Registry) Lookup(roomID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[roomID]
	if !ok || e.phase != PhaseActive {
		return nil, false
	}
	return e.record, true
}

// Active returns the active records ordered by room id.
func (r *Registry) Active() []*Record {
	r.mu.Lock()
	out := make([]*Record, 0, len(r.rooms))
	for _, e := range r.rooms {
		if e.phase == PhaseActive {
			out = append(out, e.record)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Phases snapshots every non-idle room.
func (r *Registry) Phases() map[string]Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Phase, len(r.rooms))
	for id, e := range r.rooms {
		out[id] = e.phase
	}
	return out
}

// Tasks returns every in-flight task.
func (r *Registry) Tasks() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Task
	for _, e := range r.rooms {
		if e.task != nil {
			out = append(out, e.task)
		}
	}
	return out
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, e := range r.rooms {
		if e.phase == PhaseActive {
			n++
		}
	}
	return n
}
