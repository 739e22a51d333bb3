// Package clock abstracts time so that backoff schedules and silence
// thresholds can be driven by a virtual clock in tests.
package clock

import "time"

// Clock is the subset of the time package the orchestrator depends on.
type Clock interface {
	Now() time.Time
	// After behaves like time.After. A non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	Sleep(d time.Duration)
}

// Timer cancels a pending AfterFunc call.
type Timer interface {
	// Stop reports whether the call was prevented from firing.
	Stop() bool
}

// Since is time.Since against c.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
