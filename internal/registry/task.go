package registry

import (
	"context"
	"sync"
)

// Task is a cancellable piece of in-flight lifecycle work. Any number of
// goroutines may wait on it; only its owner completes it.
type Task struct {
	kind   Phase
	done   chan struct{}
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func newTask(kind Phase, cancel context.CancelFunc) *Task {
	if cancel == nil {
		cancel = func() {}
	}
	return &Task{kind: kind, done: make(chan struct{}), cancel: cancel}
}

// Kind is the phase the task was started for.
func (t *Task) Kind() Phase { return t.kind }

func (t *Task) Done() <-chan struct{} { return t.done }

// Err is valid once Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancel asks the owner to stop. It does not wait.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Wait blocks until the task completes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) complete(err error) {
	t.once.Do(func() {
		t.err = err
		t.cancel()
		close(t.done)
	})
}
