// Package bridge implements live.Client on top of a sidecar that owns the
// platform protocol. The sidecar exposes three endpoints per room:
//
//	POST /rooms/{id}/connect   handshake, returns {"room_id", "live"}
//	GET  /rooms/{id}/events    NDJSON stream of live.Event
//	GET  /rooms/{id}/live      {"live": bool}
//
// The credential is sent as X-Api-Key on every request.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/roomwatch/internal/live"
)

const (
	HeaderAPIKey = "X-Api-Key"
	eventBuffer  = 256
	// maxLine bounds one NDJSON record.
	maxLine = 1 << 20
)

// Dialer creates bridge clients against one sidecar.
type Dialer struct {
	BaseURL string
	HTTP    *http.Client
	// Timeout bounds the connect and live requests when the caller's
	// context has no deadline of its own.
	Timeout time.Duration
}

func NewDialer(baseURL string, timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dialer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		// The events stream is long-lived, so requests carry their own
		// deadlines and the streaming client has none.
		HTTP:    &http.Client{Transport: http.DefaultTransport},
		Timeout: timeout,
	}
}

func (d *Dialer) Dial(roomID, credential string) (live.Client, error) {
	if d.BaseURL == "" {
		return nil, errors.New("bridge: base url is empty")
	}
	if roomID == "" {
		return nil, &live.Error{Kind: live.FailureIdentity, Op: "dial", Err: errors.New("empty room id")}
	}
	hc := d.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		base:    d.BaseURL + "/rooms/" + url.PathEscape(roomID),
		roomID:  roomID,
		key:     credential,
		http:    hc,
		timeout: d.Timeout,
		events:  make(chan live.Event, eventBuffer),
		log:     slog.Default().With("component", "bridge", "room", roomID),
	}, nil
}

// Client is one room connection through the sidecar. Events stays open for
// the client's lifetime so the session can reconnect on the same channel.
type Client struct {
	base    string
	roomID  string
	key     string
	http    *http.Client
	timeout time.Duration
	events  chan live.Event
	log     *slog.Logger

	connected atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

type connectRequest struct {
	RoomID string `json:"room_id,omitempty"`
}

type liveResponse struct {
	Live bool `json:"live"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) Connect(ctx context.Context, cachedRoomID string) (live.RoomState, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	body, err := json.Marshal(connectRequest{RoomID: cachedRoomID})
	if err != nil {
		return live.RoomState{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/connect", bytes.NewReader(body))
	if err != nil {
		return live.RoomState{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := statusError("connect", resp); err != nil {
		return live.RoomState{}, err
	}
	var st live.RoomState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return live.RoomState{}, &live.Error{Kind: live.FailureTransient, Op: "connect", Err: err}
	}
	if !st.Live {
		return st, nil
	}
	if err := c.openStream(); err != nil {
		return live.RoomState{}, err
	}
	return st, nil
}

// openStream starts the events request. The handshake succeeded, so the
// stream is dialed with its own lifetime rather than the connect deadline.
func (c *Client) openStream() error {
	ctx, cancel := context.WithCancel(context.Background())
	resp, err := c.do(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		cancel()
		return err
	}
	if err := statusError("events", resp); err != nil {
		_ = resp.Body.Close()
		cancel()
		return err
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.connected.Store(true)
	go c.pump(ctx, gen, resp.Body)
	return nil
}

func (c *Client) pump(ctx context.Context, gen uint64, body io.ReadCloser) {
	defer func() { _ = body.Close() }()
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev live.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			c.log.Warn("bridge: skipping malformed event", "error", err)
			continue
		}
		if ev.Kind == "" {
			continue
		}
		if !c.emit(ctx, ev) {
			return
		}
		if ev.Kind == live.KindStreamEnd {
			c.drop(gen)
			return
		}
	}
	err := sc.Err()
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = io.EOF
	}
	if c.drop(gen) {
		c.emit(ctx, live.Event{Kind: live.KindDropped, At: time.Now(), Err: err})
	}
}

// drop marks the transport down if gen is still the current stream.
func (c *Client) drop(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.connected.Store(false)
	return true
}

func (c *Client) emit(ctx context.Context, ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.mu.Unlock()
	c.connected.Store(false)
	return nil
}

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) FetchIsLive(ctx context.Context) (bool, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, "/live", nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := statusError("live", resp); err != nil {
		return false, err
	}
	var lr liveResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return false, fmt.Errorf("bridge live: %w", err)
	}
	return lr.Live, nil
}

func (c *Client) Events() <-chan live.Event { return c.events }

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderAPIKey, c.key)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &live.Error{Kind: live.FailureTransient, Op: strings.TrimPrefix(path, "/"), Err: err}
	}
	return resp, nil
}

// statusError maps sidecar status codes onto the failure taxonomy.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var er errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &er) != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(raw))
	}
	err := fmt.Errorf("bridge %s status %d: %s", op, resp.StatusCode, er.Error)
	var kind live.FailureKind
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = live.FailureRateLimited
	case resp.StatusCode == http.StatusNotFound:
		kind = live.FailureIdentity
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusConflict:
		kind = live.FailureOffline
	case resp.StatusCode >= 500:
		kind = live.FailureTransient
	default:
		kind = live.Classify(err)
	}
	return &live.Error{Kind: kind, Op: op, Err: err}
}
