// Package cloud maintains the WebSocket control channel to the cloud relay.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/lydakis/ue5relay/internal/httpheaders"
	"github.com/rs/zerolog"
)

// CloseAuthFailed is the close code the server uses for rejected credentials.
const CloseAuthFailed = 4001

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultReconnectWait     = time.Second
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultMaxAttempts       = 5

	writeTimeout = 10 * time.Second
)

var (
	// ErrAuth marks missing or rejected credentials. It is never retried.
	ErrAuth = errors.New("cloud authentication failed")
	// ErrNotConnected is returned by Send while the channel is down.
	ErrNotConnected = errors.New("cloud not connected")
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("cloud client closed")
	// ErrConnecting is returned when a connect is already underway.
	ErrConnecting = errors.New("cloud connect already in progress")
)

// EventKind identifies a channel lifecycle event.
type EventKind string

const (
	EventConnecting   EventKind = "connecting"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventCommand      EventKind = "command"
)

// Event is delivered to Options.OnEvent.
type Event struct {
	Kind    EventKind
	Err     error
	Reason  string
	Message *Message
}

// Message is an inbound application message.
type Message struct {
	Type string
	// CommandID is the raw command_id (or request_id) token, echoed back
	// unchanged in replies. Empty when the message carried neither.
	CommandID json.RawMessage
	Raw       json.RawMessage
}

// Options configures a Client.
type Options struct {
	ServerURL         string
	Token             string
	AgentID           string
	Headers           map[string]string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	// ReconnectWait is the pause after an unexpected drop before the
	// backoff sequence starts.
	ReconnectWait time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   uint
	Logger        zerolog.Logger
	OnEvent       func(Event)
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = DefaultReconnectWait
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = DefaultReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = DefaultReconnectMax
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// link is one established WebSocket.
type link struct {
	conn       *websocket.Conn
	done       chan struct{}
	authFailed atomic.Bool
}

// Client owns at most one live WebSocket. After Disconnect it stays closed.
type Client struct {
	opts   Options
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	link       *link
	connecting bool
	closed     bool

	writeMu      sync.Mutex
	engineStatus atomic.Value
}

// New creates a disconnected client.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	c.engineStatus.Store("disconnected")
	return c
}

func (c *Client) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

// Connected reports whether the WebSocket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// DialURL converts server to a WebSocket URL carrying token.
func DialURL(server, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the channel once. Automatic reconnects only follow the
// loss of an established channel.
func (c *Client) Connect(ctx context.Context) error {
	if strings.TrimSpace(c.opts.Token) == "" {
		err := fmt.Errorf("%w: no token configured", ErrAuth)
		c.emit(Event{Kind: EventError, Err: err})
		return err
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.link != nil:
		c.mu.Unlock()
		return nil
	case c.connecting:
		c.mu.Unlock()
		return ErrConnecting
	}
	c.connecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	c.emit(Event{Kind: EventConnecting})
	conn, err := c.dial(ctx)
	if err == nil {
		err = c.attach(conn)
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("cloud connect failed")
		c.emit(Event{Kind: EventError, Err: err})
	}
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := DialURL(c.opts.ServerURL, c.opts.Token)
	if err != nil {
		return nil, err
	}

	header := httpheaders.Build(c.opts.Headers)
	header.Set("Authorization", "Bearer "+c.opts.Token)
	if c.opts.AgentID != "" {
		header.Set("X-Agent-ID", c.opts.AgentID)
	}
	c.log.Debug().Str("server", c.opts.ServerURL).Interface("headers", httpheaders.Redact(header)).Msg("dialing cloud")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	// nolint:bodyclose
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %s", ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", c.opts.ServerURL, err)
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) error {
	l := &link{conn: conn, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close() //nolint: errcheck
		return ErrClosed
	}
	c.link = l
	c.mu.Unlock()

	c.log.Info().Str("server", c.opts.ServerURL).Msg("cloud connected")
	c.emit(Event{Kind: EventConnected})

	go c.readLoop(l)
	go c.heartbeatLoop(l)
	return nil
}

func (c *Client) readLoop(l *link) {
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			c.handleDrop(l, err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.handleMessage(l, data)
	}
}

func (c *Client) handleMessage(l *link, data []byte) {
	var env struct {
		Type      string          `json:"type"`
		CommandID json.RawMessage `json:"command_id"`
		RequestID json.RawMessage `json:"request_id"`
		Message   json.RawMessage `json:"message"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		// Only a non-string type gets here with a valid object; hand it on so
		// the sender still gets an error reply.
		var fields map[string]json.RawMessage
		if json.Unmarshal(data, &fields) != nil || !present(fields["type"]) {
			c.log.Warn().Err(err).Msg("discarding malformed cloud message")
			return
		}
		env.Type = string(fields["type"])
		env.CommandID, env.RequestID = fields["command_id"], fields["request_id"]
	}

	switch env.Type {
	case "heartbeat":
		if err := c.Send(map[string]any{"type": "heartbeat_ack", "timestamp": timestamp()}); err != nil {
			c.log.Debug().Err(err).Msg("heartbeat ack not sent")
		}
	case "heartbeat_ack":
		c.log.Trace().Msg("heartbeat acknowledged")
	case "auth_success":
		c.log.Info().Msg("cloud accepted credentials")
	case "auth_failed":
		c.log.Error().RawJSON("message", nonEmpty(env.Message)).Msg("cloud rejected credentials")
		l.authFailed.Store(true)
		l.conn.Close() //nolint: errcheck
	case "error":
		c.log.Warn().RawJSON("message", nonEmpty(env.Message)).RawJSON("payload", nonEmpty(env.Payload)).Msg("cloud reported error")
	case "":
		c.log.Warn().Msg("discarding cloud message without type")
	default:
		id := env.CommandID
		if !present(id) {
			id = env.RequestID
		}
		if !present(id) {
			id = nil
		}
		raw := append(json.RawMessage(nil), data...)
		c.emit(Event{Kind: EventCommand, Message: &Message{
			Type:      env.Type,
			CommandID: append(json.RawMessage(nil), id...),
			Raw:       raw,
		}})
	}
}

// present reports whether raw holds a usable value: not absent, null or "".
func present(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != `""`
}

func (c *Client) handleDrop(l *link, err error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	close(l.done)
	closed := c.closed
	c.mu.Unlock()
	l.conn.Close() //nolint: errcheck

	if closed {
		return
	}

	reason := err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason = fmt.Sprintf("%d %s", ce.Code, ce.Text)
	}
	c.log.Warn().Str("reason", reason).Msg("cloud connection lost")
	c.emit(Event{Kind: EventDisconnected, Err: err, Reason: reason})

	if l.authFailed.Load() || (ce != nil && ce.Code == CloseAuthFailed) {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %s", ErrAuth, reason)})
		return
	}
	go c.reconnect()
}

func (c *Client) reconnect() {
	select {
	case <-c.ctx.Done():
		return
	case <-time.After(c.opts.ReconnectWait):
	}

	c.mu.Lock()
	if c.closed || c.link != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	c.emit(Event{Kind: EventConnecting})

	var conn *websocket.Conn
	err := retry.Do(
		func() error {
			var err error
			conn, err = c.dial(c.ctx)
			if errors.Is(err, ErrAuth) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(c.opts.MaxAttempts),
		retry.Delay(c.opts.ReconnectBase),
		retry.MaxDelay(c.opts.ReconnectMax),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(c.ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn().Err(err).Uint("retries", n+1).Msg("retrying cloud connect")
		}),
	)
	if err == nil {
		err = c.attach(conn)
	}
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.log.Error().Err(err).Msg("cloud reconnect failed")
		c.emit(Event{Kind: EventError, Err: err})
	}
}

// Send writes v as one JSON text frame.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cloud message: %w", err)
	}

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("sending to cloud: %w", err)
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending to cloud: %w", err)
	}
	return nil
}

// SetLocalEngineStatus sets the ue5_status reported in heartbeats.
func (c *Client) SetLocalEngineStatus(status string) {
	c.engineStatus.Store(status)
}

func (c *Client) heartbeatLoop(l *link) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			msg := map[string]any{
				"type":      "heartbeat",
				"payload":   map[string]any{"ue5_status": c.engineStatus.Load()},
				"timestamp": timestamp(),
			}
			if err := c.Send(msg); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat not sent")
			}
		}
	}
}

// Disconnect closes the channel and stops every reconnect and heartbeat.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	l := c.link
	c.link = nil
	if l != nil {
		close(l.done)
	}
	c.mu.Unlock()

	c.cancel()
	if l == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent disconnect")
	_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	l.conn.Close() //nolint: errcheck
	c.log.Info().Msg("cloud disconnected")
	c.emit(Event{Kind: EventDisconnected, Reason: "disconnect requested"})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nonEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
