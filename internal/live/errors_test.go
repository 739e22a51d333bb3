package live

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureUnknown},
		{"offline sentinel", fmt.Errorf("connect: %w", ErrRoomOffline), FailureOffline},
		{"identity sentinel", ErrIdentity, FailureIdentity},
		{"typed error", &Error{Kind: FailureRateLimited, Op: "connect"}, FailureRateLimited},
		{"canceled", context.Canceled, FailureCanceled},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), FailureTransient},
		{"net timeout", timeoutErr{}, FailureTransient},
		{"http 429 text", errors.New("sidecar returned 429 Too Many Requests"), FailureRateLimited},
		{"room id text", errors.New("Failed to retrieve room_id from page source"), FailureIdentity},
		{"signing overload", errors.New("signature server overloaded"), FailureTransient},
		{"malformed json", errors.New("unexpected end of JSON input"), FailureTransient},
		{"anything else", errors.New("boom"), FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFailureKindRetryable(t *testing.T) {
	assert.True(t, FailureTransient.Retryable())
	assert.True(t, FailureRateLimited.Retryable())
	assert.False(t, FailureIdentity.Retryable())
	assert.False(t, FailureOffline.Retryable())
	assert.False(t, FailureUnknown.Retryable())
}

func TestKindIsPayload(t *testing.T) {
	assert.True(t, KindChat.IsPayload())
	assert.True(t, KindViewerCount.IsPayload())
	assert.False(t, KindStreamEnd.IsPayload())
	assert.False(t, KindDropped.IsPayload())
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("upstream")
	err := &Error{Kind: FailureTransient, Op: "fetch_is_live", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "fetch_is_live")
}
