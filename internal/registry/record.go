package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is the part of a live connection the fleet and the auditor drive.
type Conn interface {
	ID() string
	IsConnected() bool
	FetchIsLive(ctx context.Context) (bool, error)
	Stop(ctx context.Context) error
}

// Record is the active connection of one room. It exists from the moment
// the connection is established until its archive hand-off completes.
type Record struct {
	RoomID        string
	Conn          Conn
	StartTime     time.Time
	NumericRoomID string

	lastEvent atomic.Int64

	mu      sync.Mutex
	writes  int
	drained chan struct{}
}

func NewRecord(roomID string, conn Conn, start time.Time, numericID string) *Record {
	r := &Record{RoomID: roomID, Conn: conn, StartTime: start, NumericRoomID: numericID}
	r.lastEvent.Store(start.UnixNano())
	return r
}

// LastEventTime starts at StartTime and only moves forward.
func (r *Record) LastEventTime() time.Time {
	return time.Unix(0, r.lastEvent.Load()).UTC()
}

// Touch advances LastEventTime to t unless it is already later.
func (r *Record) Touch(t time.Time) {
	n := t.UnixNano()
	for {
		cur := r.lastEvent.Load()
		if n <= cur || r.lastEvent.CompareAndSwap(cur, n) {
			return
		}
	}
}

// BeginWrite registers an outstanding event write; call the returned func
// when it is persisted.
func (r *Record) BeginWrite() func() {
	r.mu.Lock()
	r.writes++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.writes--
			if r.writes == 0 && r.drained != nil {
				close(r.drained)
				r.drained = nil
			}
			r.mu.Unlock()
		})
	}
}

// PendingWrites is the number of writes not yet finished.
func (r *Record) PendingWrites() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

// WaitWrites blocks until no write is outstanding or ctx ends.
func (r *Record) WaitWrites(ctx context.Context) error {
	r.mu.Lock()
	if r.writes == 0 {
		r.mu.Unlock()
		return nil
	}
	if r.drained == nil {
		r.drained = make(chan struct{})
	}
	ch := r.drained
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
