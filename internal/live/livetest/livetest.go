// Package livetest provides a scriptable live.Client for tests.
package livetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loykin/roomwatch/internal/live"
)

// Result is the outcome of one scripted Connect call.
type Result struct {
	State live.RoomState
	Err   error
}

// LiveResult builds a successful handshake for a broadcasting room.
func LiveResult(numericID string) Result {
	return Result{State: live.RoomState{NumericRoomID: numericID, Live: true}}
}

// Client is a fake connection. Connect consumes queued results in order
// and falls back to Default once the queue is empty.
type Client struct {
	RoomID string

	mu          sync.Mutex
	queue       []Result
	Default     Result
	gate        chan struct{}
	connected   bool
	live        bool
	liveErr     error
	connects    int
	disconnects int
	liveCalls   int
	cachedIDs   []string
	events      chan live.Event
}

// New returns a client whose connects succeed with a live room by default.
func New(roomID string) *Client {
	return &Client{
		RoomID:  roomID,
		Default: LiveResult("n-" + roomID),
		live:    true,
		events:  make(chan live.Event, 64),
	}
}

// Queue appends scripted results for subsequent Connect calls.
func (c *Client) Queue(results ...Result) {
	c.mu.Lock()
	c.queue = append(c.queue, results...)
	c.mu.Unlock()
}

// Hold makes Connect block until Release is called or its context ends.
func (c *Client) Hold() {
	c.mu.Lock()
	c.gate = make(chan struct{})
	c.mu.Unlock()
}

// Release unblocks a Connect parked by Hold.
func (c *Client) Release() {
	c.mu.Lock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context, cachedRoomID string) (live.RoomState, error) {
	c.mu.Lock()
	c.connects++
	c.cachedIDs = append(c.cachedIDs, cachedRoomID)
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return live.RoomState{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.Default
	if len(c.queue) > 0 {
		res = c.queue[0]
		c.queue = c.queue[1:]
	}
	if res.Err == nil {
		c.connected = true
	}
	return res.State, res.Err
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected overrides the transport state without emitting anything.
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// SetLive scripts the liveness API.
func (c *Client) SetLive(v bool, err error) {
	c.mu.Lock()
	c.live = v
	c.liveErr = err
	c.mu.Unlock()
}

func (c *Client) FetchIsLive(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveCalls++
	return c.live, c.liveErr
}

func (c *Client) Events() <-chan live.Event { return c.events }

// Emit delivers an event as if it came off the wire.
func (c *Client) Emit(kind live.Kind, at time.Time) {
	c.events <- live.Event{Kind: kind, At: at, Payload: []byte(`{}`)}
}

// Drop simulates an unrequested transport disconnect.
func (c *Client) Drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.events <- live.Event{Kind: live.KindDropped, At: time.Now(), Err: errors.New("connection reset")}
}

// EndStream simulates the platform announcing the end of the broadcast.
func (c *Client) EndStream() {
	c.events <- live.Event{Kind: live.KindStreamEnd, At: time.Now()}
}

func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Client) LiveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveCalls
}

// CachedIDs returns the cachedRoomID argument of every Connect call.
func (c *Client) CachedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cachedIDs...)
}

// Dialer hands out one Client per room and remembers the credentials used.
type Dialer struct {
	mu          sync.Mutex
	clients     map[string]*Client
	credentials []string
	// DialErr, when set, is returned by every Dial.
	DialErr error
}

func NewDialer() *Dialer {
	return &Dialer{clients: make(map[string]*Client)}
}

// Client returns (creating if needed) the fake for roomID so tests can
// script it before the fleet dials.
func (d *Dialer) Client(roomID string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[roomID]
	if !ok {
		c = New(roomID)
		d.clients[roomID] = c
	}
	return c
}

func (d *Dialer) Dial(roomID, credential string) (live.Client, error) {
	d.mu.Lock()
	d.credentials = append(d.credentials, credential)
	err := d.DialErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.Client(roomID), nil
}

// Credentials lists the credential passed to each Dial call in order.
func (d *Dialer) Credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.credentials...)
}
