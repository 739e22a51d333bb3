package credential

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/roomwatch/internal/clock"
)

var t0 = time.Date(2025, 12, 12, 10, 0, 0, 0, time.UTC)

func TestParseValues(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b", "c"}, ParseValues(" a, b;c ,, a"))
	assert.Empty(t, ParseValues(""))
}

func TestSelectRoundRobin(t *testing.T) {
	p := NewPool([]string{"k1", "k2", "k3"}, clock.Fake(t0))

	var got []string
	for i := 0; i < 4; i++ {
		c, ok := p.Select()
		require.True(t, ok)
		got = append(got, c.Value)
	}
	assert.Equal(t, []string{"k1", "k2", "k3", "k1"}, got)
}

func TestSelectSkipsDisabledAndReenablesAfterCooldown(t *testing.T) {
	fc := clock.Fake(t0)
	p := NewPool([]string{"k1", "k2"}, fc)

	p.Disable("k1", 10*time.Minute)
	for i := 0; i < 3; i++ {
		c, ok := p.Select()
		require.True(t, ok)
		assert.Equal(t, "k2", c.Value)
	}
	assert.Equal(t, 1, p.Available())

	fc.Advance(10 * time.Minute)
	assert.Equal(t, 2, p.Available())
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		c, _ := p.Select()
		seen[c.Value] = true
	}
	assert.True(t, seen["k1"])
}

func TestSelectNeverReturnsDisabled(t *testing.T) {
	fc := clock.Fake(t0)
	p := NewPool([]string{"a", "b", "c", "d"}, fc)
	p.Disable("b", time.Hour)
	p.Disable("d", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c, ok := p.Select()
				if !ok {
					t.Error("pool unexpectedly exhausted")
					return
				}
				if c.Value == "b" || c.Value == "d" {
					t.Errorf("selected disabled credential %s", c.Value)
				}
				if c.DisabledUntil.After(fc.Now()) {
					t.Errorf("credential %s still cooling down", c.Value)
				}
			}
		}()
	}
	wg.Wait()
}

func TestSelectEmptyAndExhausted(t *testing.T) {
	_, ok := NewPool(nil, clock.Fake(t0)).Select()
	assert.False(t, ok)

	p := NewPool([]string{"only"}, clock.Fake(t0))
	p.Disable("only", time.Minute)
	_, ok = p.Select()
	assert.False(t, ok)
	assert.Equal(t, 0, p.Available())
}

func TestDisableUnknownIsIgnored(t *testing.T) {
	p := NewPool([]string{"k1"}, clock.Fake(t0))
	p.Disable("nope", time.Hour)
	assert.Equal(t, 1, p.Available())
}

func TestReplaceKeepsCooldowns(t *testing.T) {
	fc := clock.Fake(t0)
	p := NewPool([]string{"k1", "k2"}, fc)
	p.Disable("k2", time.Hour)

	p.Replace([]string{"k2", "k3"})
	st := p.Status()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Disabled)

	c, ok := p.Select()
	require.True(t, ok)
	assert.Equal(t, "k3", c.Value)
}

func TestStatusMasksKeys(t *testing.T) {
	fc := clock.Fake(t0)
	p := NewPool([]string{"abcdefghijkl"}, fc)
	p.Disable("abcdefghijkl", 30*time.Minute)

	st := p.Status()
	require.Len(t, st.Keys, 1)
	assert.Equal(t, "abcdefgh...", st.Keys[0].Key)
	assert.False(t, st.Keys[0].Active)
	assert.Equal(t, "30m", st.Keys[0].Remaining)
	assert.Equal(t, "abcdefgh...", Credential{Value: "abcdefghijkl"}.String())
}
