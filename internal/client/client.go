// Package client provides the reconnecting websocket client used by
// applications talking to a crosstalk gateway. It hides connection
// lifecycle from callers: subscriptions survive reconnects, and the
// session state (identity plus joined rooms) is replayed onto every
// fresh connection before any inbound event is dispatched.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crosstalkhq/crosstalk/internal/backoff"
	"github.com/crosstalkhq/crosstalk/internal/relay"
)

// Handler receives the payload of one inbound event. Handlers for a
// given client run sequentially on the client's run loop; a slow
// handler delays later events rather than reordering them.
type Handler func(payload json.RawMessage)

// Config configures the client.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8790/ws".
	URL string

	// Backoff governs the delay between reconnect attempts. Zero value
	// means backoff.Reconnect().
	Backoff backoff.Policy

	// HandshakeTimeout bounds the websocket dial (default 10s).
	HandshakeTimeout time.Duration
}

// Client is a reconnecting gateway connection.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	handlers  map[string]map[int]Handler
	nextSub   int
	connected bool
	identity  json.RawMessage
	rooms     map[string]json.RawMessage
	pending   []byte

	writeMu sync.Mutex
	sock    *websocket.Conn
}

// New creates a client. If logger is nil, slog.Default() is used.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Reconnect()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "client"),
		handlers: make(map[string]map[int]Handler),
		rooms:    make(map[string]json.RawMessage),
	}
}

// On subscribes handler to event and returns a function that removes
// exactly this subscription.
func (c *Client) On(event string, handler Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs, ok := c.handlers[event]
	if !ok {
		subs = make(map[int]Handler)
		c.handlers[event] = subs
	}
	id := c.nextSub
	c.nextSub++
	subs[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
		if len(c.handlers[event]) == 0 {
			delete(c.handlers, event)
		}
	}
}

// Off removes every subscription for event.
func (c *Client) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// IsConnected reports whether a live connection is currently attached.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Emit sends an event to the gateway. While disconnected, the most
// recent emission is kept and flushed after the session state replay on
// the next connection; earlier offline emissions are discarded.
//
// join and join_chat/leave_chat emissions also update the remembered
// session state, so they are replayed on every reconnect.
func (c *Client) Emit(event string, payload any) error {
	data, err := relay.EncodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}

	c.rememberState(event, payload)

	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		c.mu.Lock()
		c.pending = data
		c.mu.Unlock()
		return nil
	}
	return c.write(data)
}

func (c *Client) rememberState(event string, payload any) {
	switch event {
	case relay.EventJoin:
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.identity = raw
		c.mu.Unlock()
	case relay.EventJoinChat:
		chatID, raw, ok := chatRef(payload)
		if !ok {
			return
		}
		c.mu.Lock()
		c.rooms[chatID] = raw
		c.mu.Unlock()
	case relay.EventLeaveChat:
		chatID, _, ok := chatRef(payload)
		if !ok {
			return
		}
		c.mu.Lock()
		delete(c.rooms, chatID)
		c.mu.Unlock()
	}
}

// chatRef extracts the chat id from a join_chat/leave_chat payload,
// which is either a bare string or an object with a chatId field.
func chatRef(payload any) (string, json.RawMessage, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, raw, true
	}
	var obj struct {
		ChatID string `json:"chatId"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.ChatID != "" {
		return obj.ChatID, raw, true
	}
	return "", nil, false
}

// Run connects and stays connected until ctx is cancelled, redialing
// with backoff after every failure. It returns ctx.Err() on shutdown.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sock, err := c.dial(ctx)
		if err != nil {
			attempt++
			c.logger.Warn("dial failed", "url", c.cfg.URL, "attempt", attempt, "error", err)
			if err := c.cfg.Backoff.Sleep(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		attempt = 0
		c.logger.Info("connected", "url", c.cfg.URL)

		if err := c.attach(sock); err != nil {
			c.logger.Warn("session replay failed", "error", err)
			_ = sock.Close()
			continue
		}

		readErr := c.readLoop(ctx, sock)
		c.detach(sock)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("connection lost", "error", readErr)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	sock, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	return sock, err
}

// attach replays the remembered session onto a fresh socket and marks
// the client connected. Identity goes first so the gateway can resolve
// the connection before any room join or pending emission lands.
func (c *Client) attach(sock *websocket.Conn) error {
	c.mu.Lock()
	identity := c.identity
	rooms := make([]json.RawMessage, 0, len(c.rooms))
	for _, raw := range c.rooms {
		rooms = append(rooms, raw)
	}
	pending := c.pending
	c.pending = nil
	c.sock = sock
	c.mu.Unlock()

	if identity != nil {
		if err := c.writeFrame(sock, relay.EventJoin, identity); err != nil {
			return err
		}
	}
	for _, raw := range rooms {
		if err := c.writeFrame(sock, relay.EventJoinChat, raw); err != nil {
			return err
		}
	}
	if pending != nil {
		c.writeMu.Lock()
		err := sock.WriteMessage(websocket.TextMessage, pending)
		c.writeMu.Unlock()
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) detach(sock *websocket.Conn) {
	c.mu.Lock()
	c.connected = false
	c.sock = nil
	c.mu.Unlock()
	_ = sock.Close()
}

func (c *Client) writeFrame(sock *websocket.Conn, event string, payload json.RawMessage) error {
	data, err := relay.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sock.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) write(data []byte) error {
	c.mu.RLock()
	sock := c.sock
	c.mu.RUnlock()
	if sock == nil {
		return errors.New("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sock.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames and dispatches handlers inline, on this single
// goroutine, so events are observed in wire order.
func (c *Client) readLoop(ctx context.Context, sock *websocket.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := sock.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := relay.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("malformed frame", "error", err)
			continue
		}
		c.dispatch(frame.Event, frame.Payload)
	}
}

func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.mu.RLock()
	subs := make([]Handler, 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		subs = append(subs, h)
	}
	c.mu.RUnlock()

	for _, h := range subs {
		h(payload)
	}
}
