// Package credential rotates connection attempts across a pool of
// rate-limited keys.
package credential

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/roomwatch/internal/clock"
	"github.com/loykin/roomwatch/internal/metrics"
)

// DefaultCooldown is how long a credential stays disabled when the caller
// does not say otherwise.
const DefaultCooldown = time.Hour

// Credential is one key and its cooldown. A zero DisabledUntil means active.
type Credential struct {
	Value         string    `json:"-"`
	DisabledUntil time.Time `json:"disabled_until,omitempty"`
}

// String masks the key so it can be logged.
func (c Credential) String() string { return Mask(c.Value) }

// Mask keeps the first 8 characters of a secret.
func Mask(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:8] + "..."
}

// Pool is a round-robin selector. Safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	clock  clock.Clock
	creds  []Credential
	cursor int
}

// ParseValues splits a "k1,k2;k3" list, dropping blanks and duplicates.
func ParseValues(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	return normalize(fields)
}

func normalize(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// NewPool builds a pool from raw key values. A nil clock means wall time.
func NewPool(values []string, c clock.Clock) *Pool {
	if c == nil {
		c = clock.Real()
	}
	p := &Pool{clock: c}
	for _, v := range normalize(values) {
		p.creds = append(p.creds, Credential{Value: v})
	}
	p.publishLocked(c.Now())
	return p
}

// Select returns the next credential whose cooldown has elapsed and
// advances the cursor past it. ok is false when the pool is empty or every
// credential is cooling down; callers skip the attempt in that case.
func (p *Pool) Select() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	n := len(p.creds)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := &p.creds[idx]
		if !c.DisabledUntil.IsZero() && !c.DisabledUntil.After(now) {
			c.DisabledUntil = time.Time{}
		}
		if c.DisabledUntil.IsZero() {
			p.cursor = (idx + 1) % n
			p.publishLocked(now)
			return *c, true
		}
	}
	return Credential{}, false
}

// Disable puts value on cooldown for d (DefaultCooldown when d <= 0).
// Unknown values are ignored.
func (p *Pool) Disable(value string, d time.Duration) {
	if d <= 0 {
		d = DefaultCooldown
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	for i := range p.creds {
		if p.creds[i].Value == value {
			p.creds[i].DisabledUntil = now.Add(d)
			slog.Warn("credential disabled", "credential", Mask(value), "for", d)
			p.publishLocked(now)
			return
		}
	}
}

// Available counts credentials that Select could return right now.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked(p.clock.Now())
}

func (p *Pool) availableLocked(now time.Time) int {
	n := 0
	for _, c := range p.creds {
		if !c.DisabledUntil.After(now) {
			n++
		}
	}
	return n
}

// Replace swaps the key set, keeping cooldowns for keys that survive.
func (p *Pool) Replace(values []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := make(map[string]time.Time, len(p.creds))
	for _, c := range p.creds {
		prev[c.Value] = c.DisabledUntil
	}
	next := make([]Credential, 0, len(values))
	for _, v := range normalize(values) {
		next = append(next, Credential{Value: v, DisabledUntil: prev[v]})
	}
	p.creds = next
	if len(next) == 0 || p.cursor >= len(next) {
		p.cursor = 0
	}
	p.publishLocked(p.clock.Now())
}

// KeyStatus describes one credential for operators.
type KeyStatus struct {
	Key       string `json:"key"`
	Active    bool   `json:"active"`
	Remaining string `json:"remaining,omitempty"`
}

// Status summarizes the pool.
type Status struct {
	Total    int         `json:"total"`
	Active   int         `json:"active"`
	Disabled int         `json:"disabled"`
	Keys     []KeyStatus `json:"keys"`
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	st := Status{Total: len(p.creds), Keys: make([]KeyStatus, 0, len(p.creds))}
	for _, c := range p.creds {
		ks := KeyStatus{Key: Mask(c.Value), Active: !c.DisabledUntil.After(now)}
		if ks.Active {
			st.Active++
		} else {
			st.Disabled++
			ks.Remaining = fmt.Sprintf("%dm", int(c.DisabledUntil.Sub(now).Round(time.Minute)/time.Minute))
		}
		st.Keys = append(st.Keys, ks)
	}
	return st
}

func (p *Pool) publishLocked(now time.Time) {
	active := p.availableLocked(now)
	metrics.SetCredentials(active, len(p.creds)-active)
}
