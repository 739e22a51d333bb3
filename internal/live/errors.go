package live

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrRoomOffline = errors.New("room is not live")
	ErrIdentity    = errors.New("room identity could not be resolved")
	ErrRateLimited = errors.New("credential rate limited")
	ErrTransient   = errors.New("transient upstream failure")
)

// FailureKind groups connect errors by how the fleet reacts to them.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	// FailureOffline is skipped silently until the next tick.
	FailureOffline
	// FailureIdentity counts toward auto-disabling the room.
	FailureIdentity
	// FailureTransient is retried with backoff.
	FailureTransient
	// FailureRateLimited is transient and also cools down the credential.
	FailureRateLimited
	FailureCanceled
)

func (k FailureKind) String() string {
	switch k {
	case FailureOffline:
		return "offline"
	case FailureIdentity:
		return "identity"
	case FailureTransient:
		return "transient"
	case FailureRateLimited:
		return "rate_limited"
	case FailureCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt in the same tick makes sense.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureRateLimited
}

// Error is returned by adapters that already know the failure class.
type Error struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps a connect error onto a FailureKind. Sentinels and *Error
// win; opaque transport errors fall back to message matching.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	var le *Error
	if errors.As(err, &le) && le.Kind != FailureUnknown {
		return le.Kind
	}
	switch {
	case errors.Is(err, ErrRoomOffline):
		return FailureOffline
	case errors.Is(err, ErrIdentity):
		return FailureIdentity
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, ErrTransient):
		return FailureTransient
	case errors.Is(err, context.Canceled):
		return FailureCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTransient
	}
	return classifyMessage(strings.ToLower(err.Error()))
}

func classifyMessage(msg string) FailureKind {
	for _, s := range []string{"rate limit", "too many requests", "429"} {
		if strings.Contains(msg, s) {
			return FailureRateLimited
		}
	}
	for _, s := range []string{"not live", "offline", "stream ended"} {
		if strings.Contains(msg, s) {
			return FailureOffline
		}
	}
	for _, s := range []string{"room id", "room_id", "user not found", "unique id", "identity"} {
		if strings.Contains(msg, s) {
			return FailureIdentity
		}
	}
	for _, s := range []string{"timeout", "timed out", "sign", "overload", "unexpected end of json", "invalid character", "connection reset", "eof", "502", "503", "504"} {
		if strings.Contains(msg, s) {
			return FailureTransient
		}
	}
	return FailureUnknown
}
