// Package stream implements C1 (push-session client) and C2 (REST
// poller): the two ingestion paths that feed the buffer and market
// context layers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State is the client's connection lifecycle state (§4.1).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config controls session timing (§4.1, §7).
type Config struct {
	URL               string
	APIKey            string
	LoginDeadline     time.Duration // default 10s
	HeartbeatInterval time.Duration // default 20s
	ReadDeadline      time.Duration // default 60s
	BackoffBase       time.Duration // default 1s
	BackoffCap        time.Duration // default 60s
	MaxReadTimeouts   int           // default 3
}

// DefaultConfig returns the spec's defaults; URL/APIKey must be supplied.
func DefaultConfig() Config {
	return Config{
		LoginDeadline:     10 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		ReadDeadline:      60 * time.Second,
		BackoffBase:       time.Second,
		BackoffCap:        60 * time.Second,
		MaxReadTimeouts:   3,
	}
}

// Frame is a decoded server->client data frame (§4.1, §6's wire schema).
type Frame struct {
	Channel string
	Data    json.RawMessage
}

// FrameHandler receives decoded frames; invoked from the client's read
// loop, so it must not block for long (§5).
type FrameHandler func(Frame)

// ErrorCallback receives non-fatal errors for logging/metrics.
type ErrorCallback func(error)

// LifecycleCallback receives connect/disconnect notifications.
type LifecycleCallback func(State)

type loginFrame struct {
	Event  string         `json:"event"`
	Params map[string]any `json:"params"`
}

type loginResponse struct {
	Event string `json:"event"`
	Code  int    `json:"code"`
}

type methodFrame struct {
	Method   string   `json:"method"`
	Channels []string `json:"channels"`
}

type dataFrame struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Client maintains one authenticated push session (C1, §4.1).
type Client struct {
	cfg Config

	onFrame     FrameHandler
	onError     ErrorCallback
	onLifecycle LifecycleCallback

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	consecutiveTimeouts int
	attempt             int

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewClient creates a stream client; callbacks may be nil.
func NewClient(cfg Config, onFrame FrameHandler, onError ErrorCallback, onLifecycle LifecycleCallback) *Client {
	return &Client{
		cfg:         cfg,
		onFrame:     onFrame,
		onError:     onError,
		onLifecycle: onLifecycle,
		state:       Disconnected,
		closeCh:     make(chan struct{}),
	}
}

// SetFrameHandler replaces the frame callback. Safe to call before Run
// starts; lets callers break the construction-order cycle between a
// client and the component that owns its routing logic.
func (c *Client) SetFrameHandler(fn FrameHandler) {
	c.mu.Lock()
	c.onFrame = fn
	c.mu.Unlock()
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onLifecycle != nil {
		c.onLifecycle(s)
	}
}

// Run connects, logs in, and services the session until ctx is
// cancelled or Close is called, reconnecting with capped exponential
// backoff on any failure (§4.1).
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.setState(Closed)
			return
		case <-c.closeCh:
			c.setState(Closed)
			return
		default:
		}

		if err := c.connectAndServe(ctx); err != nil {
			if c.onError != nil {
				c.onError(err)
			}
			log.Warn().Err(err).Msg("stream client: session ended, will reconnect")
		}

		select {
		case <-ctx.Done():
			c.setState(Closed)
			return
		case <-c.closeCh:
			c.setState(Closed)
			return
		default:
		}

		c.setState(Reconnecting)
		if !c.sleepBackoff(ctx) {
			c.setState(Closed)
			return
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context) bool {
	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	c.mu.Unlock()

	delay := c.cfg.BackoffBase * time.Duration(1<<uint(attempt))
	if delay > c.cfg.BackoffCap || delay <= 0 {
		delay = c.cfg.BackoffCap
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	case <-c.closeCh:
		return false
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	c.setState(Connecting)

	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = c.cfg.LoginDeadline

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("stream client: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.consecutiveTimeouts = 0
	c.mu.Unlock()

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.login(conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.setState(Connected)

	var wg sync.WaitGroup
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(loopCtx, conn)
	}()

	err = c.readLoop(loopCtx, conn)
	cancel()
	wg.Wait()
	return err
}

func (c *Client) login(conn *websocket.Conn) error {
	req := loginFrame{Event: "login", Params: map[string]any{"apiKey": c.cfg.APIKey}}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("stream client: send login: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.LoginDeadline))
	var resp loginResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("stream client: login ack: %w", err)
	}
	if resp.Event != "login" || resp.Code != 0 {
		return fmt.Errorf("stream client: login rejected: event=%s code=%d", resp.Event, resp.Code)
	}
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteJSON(map[string]string{"event": "ping"})
			c.mu.Unlock()
			if err != nil {
				if c.onError != nil {
					c.onError(fmt.Errorf("stream client: heartbeat: %w", err))
				}
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				c.mu.Lock()
				c.consecutiveTimeouts++
				timeouts := c.consecutiveTimeouts
				c.mu.Unlock()
				if timeouts >= c.cfg.MaxReadTimeouts {
					return fmt.Errorf("stream client: %d consecutive read timeouts", timeouts)
				}
				continue
			}
			return fmt.Errorf("stream client: read: %w", err)
		}

		c.mu.Lock()
		c.consecutiveTimeouts = 0
		c.mu.Unlock()

		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var df dataFrame
	if err := json.Unmarshal(data, &df); err != nil {
		if c.onError != nil {
			c.onError(fmt.Errorf("stream client: decode frame: %w", err))
		}
		return
	}

	switch df.Event {
	case "ping", "pong", "login":
		return
	}
	if df.Channel == "" {
		return
	}

	c.mu.Lock()
	handler := c.onFrame
	c.mu.Unlock()
	if handler != nil {
		handler(Frame{Channel: df.Channel, Data: df.Data})
	}
}

// Subscribe sends a subscribe method frame for the given channels.
func (c *Client) Subscribe(channels []string) error {
	return c.sendMethod("subscribe", channels)
}

// Unsubscribe sends an unsubscribe method frame for the given channels.
func (c *Client) Unsubscribe(channels []string) error {
	return c.sendMethod("unsubscribe", channels)
}

func (c *Client) sendMethod(method string, channels []string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("stream client: %s: not connected", method)
	}

	req := methodFrame{Method: method, Channels: channels}
	c.mu.Lock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := conn.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("stream client: %s: %w", method, err)
	}
	return nil
}

// Close terminates the client permanently; State transitions to Closed.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// httpClientTimeout is the request timeout newHTTPClient applies. The
// poller does not use it; it builds its own client from
// PollerConfig.HTTPTimeout.
var httpClientTimeout = 10 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}
