// Package client is the resilient consumer side of the event stream: it
// opens the long-lived request, re-subscribes after drops, and retries with
// capped exponential backoff until a ceiling is reached.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacobxo0/AIforsikring-sub000/internal/event"
)

// ErrGivingUp is the terminal failure surfaced once the reconnect ceiling is
// exceeded.
var ErrGivingUp = errors.New("reconnect attempts exhausted")

// State tracks the connection lifecycle. GivingUp is terminal.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateGivingUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGivingUp:
		return "giving_up"
	}
	return "unknown"
}

// Listener receives decoded envelopes for one event type. Dispatch is
// synchronous and in arrival order; a panicking listener is isolated and does
// not starve the others.
type Listener func(event.Envelope)

// DialFunc opens one streaming attempt and returns the raw frame stream.
// Injecting it decouples the reconnect state machine from the transport.
type DialFunc func(ctx context.Context) (io.ReadCloser, error)

type Config struct {
	URL           string
	SessionID     string
	UserID        string
	Subscriptions []event.Type

	MaxAttempts int           // consecutive failed attempts before GivingUp (default 5)
	BaseDelay   time.Duration // first backoff delay (default 1s)
	MaxDelay    time.Duration // backoff cap (default 30s)

	Dial       DialFunc     // optional transport override
	HTTPClient *http.Client // used by the default dialer
	Logger     zerolog.Logger
}

type Client struct {
	cfg  Config
	dial DialFunc
	http *http.Client
	log  zerolog.Logger

	mu          sync.Mutex
	state       State
	attempt     int
	retryHintMS int
	listeners   map[event.Type][]*listenerEntry
	cancel      context.CancelFunc
	err         error

	done chan struct{}
}

type listenerEntry struct {
	fn Listener
}

func New(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	c := &Client{
		cfg:       cfg,
		http:      cfg.HTTPClient,
		log:       cfg.Logger,
		listeners: make(map[event.Type][]*listenerEntry),
		done:      make(chan struct{}),
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	c.dial = cfg.Dial
	if c.dial == nil {
		c.dial = c.dialHTTP
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the client stops for good: user disconnect or GivingUp.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports the terminal failure, nil after a user-initiated disconnect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// On registers a listener for one event type and returns its unsubscribe
// function (listeners are not comparable, so removal goes through the
// returned closure).
func (c *Client) On(typ event.Type, fn Listener) (off func()) {
	entry := &listenerEntry{fn: fn}
	c.mu.Lock()
	c.listeners[typ] = append(c.listeners[typ], entry)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entries := c.listeners[typ]
			for i, e := range entries {
				if e == entry {
					c.listeners[typ] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

// Connect starts the connect/read loop. It is a no-op when already running.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(runCtx)
}

// Disconnect suppresses auto-reconnect, releases the transport, and waits for
// the loop to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-c.done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		c.setState(StateConnecting)
		body, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			if !c.backoff(ctx, err) {
				return
			}
			continue
		}

		err = c.consume(ctx, body)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateDisconnected)
		if !c.backoff(ctx, err) {
			return
		}
	}
}

// consume reads frames until the stream breaks. The first received byte
// confirms the connection and resets the attempt counter.
func (c *Client) consume(ctx context.Context, body io.ReadCloser) error {
	// Unblock the read when the context is cancelled; custom dialers may not
	// wire the context into their stream.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-watchDone:
		}
	}()
	defer func() {
		close(watchDone)
		body.Close()
	}()

	br := bufio.NewReader(body)
	if _, err := br.Peek(1); err != nil {
		return fmt.Errorf("stream ended before first byte: %w", err)
	}

	c.mu.Lock()
	c.state = StateConnected
	c.attempt = 0
	c.mu.Unlock()
	c.log.Debug().Msg("stream connected")

	fr := newFrameReader(br)
	for {
		f, err := fr.next()
		if err != nil {
			return fmt.Errorf("stream read: %w", err)
		}
		c.dispatch(f)
	}
}

// dispatch decodes one frame and runs the matching listeners. A malformed
// frame is skipped without tearing the connection down.
func (c *Client) dispatch(f frame) {
	typ, err := event.ParseType(f.event)
	if err != nil {
		c.log.Debug().Str("event", f.event).Msg("skipping frame with unknown type")
		return
	}
	if f.retryMS > 0 {
		c.mu.Lock()
		c.retryHintMS = f.retryMS
		c.mu.Unlock()
	}

	var data map[string]any
	if f.data != "" {
		if err := json.Unmarshal([]byte(f.data), &data); err != nil {
			c.log.Debug().Err(err).Str("event", f.event).Msg("skipping frame with malformed data")
			return
		}
	}

	env := event.Envelope{
		Type:    typ,
		Data:    data,
		ID:      f.id,
		RetryMS: f.retryMS,
	}
	if raw, ok := data["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			env.Timestamp = ts
		}
	}

	c.mu.Lock()
	entries := append([]*listenerEntry(nil), c.listeners[typ]...)
	c.mu.Unlock()

	for _, entry := range entries {
		c.invoke(entry.fn, env)
	}
}

func (c *Client) invoke(fn Listener, env event.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn().
				Str("type", string(env.Type)).
				Interface("panic", r).
				Msg("listener panicked")
		}
	}()
	fn(env)
}

// backoff records a failed attempt and sleeps before the next one. It returns
// false when the ceiling is reached (GivingUp) or the context is cancelled.
func (c *Client) backoff(ctx context.Context, cause error) bool {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	hint := time.Duration(c.retryHintMS) * time.Millisecond
	c.mu.Unlock()

	if attempt >= c.cfg.MaxAttempts {
		c.mu.Lock()
		c.state = StateGivingUp
		c.err = fmt.Errorf("%w (%d attempts): %v", ErrGivingUp, attempt, cause)
		c.mu.Unlock()
		c.log.Error().Err(cause).Int("attempts", attempt).Msg("giving up")
		return false
	}

	delay := backoffDelay(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
	if hint > delay {
		delay = hint
	}
	c.log.Debug().
		Err(cause).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnecting after failure")

	select {
	case <-ctx.Done():
		c.setState(StateDisconnected)
		return false
	case <-time.After(delay):
		return true
	}
}

// backoffDelay is the pure transition function: base * 2^(attempt-1), capped.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state != StateGivingUp {
		c.state = s
	}
	c.mu.Unlock()
}

// dialHTTP is the default transport: a streaming GET carrying the configured
// session and subscription parameters.
func (c *Client) dialHTTP(ctx context.Context) (io.ReadCloser, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	if c.cfg.SessionID != "" {
		q.Set("sessionId", c.cfg.SessionID)
	}
	if c.cfg.UserID != "" {
		q.Set("userId", c.cfg.UserID)
	}
	if len(c.cfg.Subscriptions) > 0 {
		tags := make([]string, len(c.cfg.Subscriptions))
		for i, t := range c.cfg.Subscriptions {
			tags[i] = string(t)
		}
		q.Set("subscriptions", strings.Join(tags, ","))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream request: unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}
