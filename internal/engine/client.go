// Package engine is the client for the local engine's newline-delimited
// JSON-RPC tool protocol.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lydakis/ue5relay/internal/artifact"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
)

// ProtocolVersion is the protocol revision sent in initialize.
const ProtocolVersion = "2024-11-05"

const (
	clientName        = "ue5relay"
	methodInitialized = "notifications/initialized"

	DefaultCallTimeout   = 30 * time.Second
	DefaultDialTimeout   = 5 * time.Second
	DefaultMaxReconnects = 5
)

// EventKind identifies a client lifecycle event.
type EventKind string

const (
	EventConnecting         EventKind = "connecting"
	EventConnected          EventKind = "connected"
	EventDisconnected       EventKind = "disconnected"
	EventError              EventKind = "error"
	EventToolsChanged       EventKind = "tools_changed"
	EventReconnectScheduled EventKind = "reconnect_scheduled"
	EventReconnectExhausted EventKind = "reconnect_exhausted"
)

// Event is delivered to Options.OnEvent.
type Event struct {
	Kind    EventKind
	Err     error
	Tools   int
	Attempt int
	Delay   time.Duration
}

// Options configures a Client.
type Options struct {
	Host          string
	Port          int
	CallTimeout   time.Duration
	DialTimeout   time.Duration
	MaxReconnects int
	// ReconnectBase and ReconnectMax bound the reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// ArtifactTools names tools whose results reference files on disk, in
	// addition to tools flagged by their descriptor.
	ArtifactTools []string
	Artifact      artifact.Options
	Version       string
	Logger        zerolog.Logger
	OnEvent       func(Event)
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = DefaultMaxReconnects
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = DefaultReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = DefaultReconnectMax
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	return o
}

// Client owns at most one live session with the engine. A client is single
// use: after Disconnect it stays closed.
type Client struct {
	opts   Options
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sess       *session
	tools      []Tool
	connecting bool
	closed     bool
	attempts   int
	retryTimer *time.Timer
	retryGen   uint64
}

// New creates a disconnected client.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		log:    opts.Logger.With().Str("endpoint", endpoint(opts.Host, opts.Port)).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func endpoint(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Endpoint returns host:port.
func (c *Client) Endpoint() string {
	return endpoint(c.opts.Host, c.opts.Port)
}

// Host returns the configured engine host.
func (c *Client) Host() string { return c.opts.Host }

// Port returns the configured engine port.
func (c *Client) Port() int { return c.opts.Port }

// Connected reports whether a session is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// ToolCount returns the size of the cached catalog.
func (c *Client) ToolCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tools)
}

// ToolNames returns the names in the cached catalog.
func (c *Client) ToolNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.tools))
	for _, t := range c.tools {
		names = append(names, t.Name)
	}
	return names
}

func (c *Client) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

// Connect dials the engine and performs the initialize handshake. It does
// not retry; automatic reconnects only follow the loss of an established
// session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClientClosed
	case c.sess != nil:
		c.mu.Unlock()
		return nil
	case c.connecting:
		c.mu.Unlock()
		return ErrConnecting
	}
	c.connecting = true
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Msg("engine connect failed")
		c.emit(Event{Kind: EventError, Err: err})
	}
	return err
}

func (c *Client) connect(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(c.ctx, stop)
	defer unlink()

	c.emit(Event{Kind: EventConnecting})

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Endpoint())
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.Endpoint(), err)
	}

	s := newSession(conn, c.log)
	s.onNotify = func(method string, params json.RawMessage) {
		c.handleNotification(s, method, params)
	}
	go c.serve(s)

	tools, err := c.handshake(ctx, s)
	if err != nil {
		s.close()
		if c.ctx.Err() != nil {
			return ErrClientClosed
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.close()
		return ErrClientClosed
	}
	if s.closed() {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.sess = s
	c.tools = tools
	c.attempts = 0
	c.stopRetryLocked()
	c.mu.Unlock()

	c.log.Info().Int("tools", len(tools)).Msg("engine connected")
	c.emit(Event{Kind: EventConnected, Tools: len(tools)})
	return nil
}

func (c *Client) handshake(ctx context.Context, s *session) ([]Tool, error) {
	params := mcp.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      mcp.Implementation{Name: clientName, Version: c.opts.Version},
	}
	if _, err := s.call(ctx, string(mcp.MethodInitialize), params, c.opts.CallTimeout); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := s.notify(methodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return c.listTools(ctx, s)
}

func (c *Client) listTools(ctx context.Context, s *session) ([]Tool, error) {
	raw, err := s.call(ctx, string(mcp.MethodToolsList), map[string]any{}, c.opts.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	return decodeTools(raw)
}

func (c *Client) serve(s *session) {
	err := s.readLoop()
	s.close()

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.tools = nil
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	c.log.Warn().Err(err).Msg("engine connection lost")
	c.emit(Event{Kind: EventDisconnected, Err: err})
	c.scheduleReconnect()
}

func (c *Client) handleNotification(s *session, method string, _ json.RawMessage) {
	if method != string(mcp.MethodNotificationToolsListChanged) {
		c.log.Debug().Str("method", method).Msg("ignoring notification")
		return
	}
	go c.refreshTools(s)
}

func (c *Client) refreshTools(s *session) {
	tools, err := c.listTools(c.ctx, s)
	if err != nil {
		c.log.Warn().Err(err).Msg("refreshing tool catalog")
		return
	}
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.tools = tools
	c.mu.Unlock()
	c.emit(Event{Kind: EventToolsChanged, Tools: len(tools)})
}

func (c *Client) current() (*session, []Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sess == nil {
		return nil, nil, ErrNotConnected
	}
	return c.sess, c.tools, nil
}

// Tools returns the cached catalog, listing again when it is empty.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	s, tools, err := c.current()
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		return append([]Tool(nil), tools...), nil
	}

	tools, err = c.listTools(ctx, s)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.sess == s {
		c.tools = tools
	}
	c.mu.Unlock()
	return append([]Tool(nil), tools...), nil
}

// CallTool invokes a tool and returns its raw result. Results of artifact
// tools are augmented with the file contents once the file is complete.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	s, tools, err := c.current()
	if err != nil {
		return nil, err
	}

	desc, known := findTool(tools, name)
	if known {
		args, err = coerceArguments(args, desc.InputSchema)
		if err != nil {
			return nil, err
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	params := mcp.CallToolParams{Name: name, Arguments: args}
	result, err := s.call(ctx, string(mcp.MethodToolsCall), params, c.opts.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", name, err)
	}

	if !c.producesArtifact(name, desc) {
		return result, nil
	}
	out, reason := artifact.Capture(ctx, result, c.opts.Artifact)
	if reason != nil {
		c.log.Debug().Err(reason).Str("tool", name).Msg("returning result without artifact")
	}
	return out, nil
}

func (c *Client) producesArtifact(name string, desc Tool) bool {
	if desc.ProducesArtifact() {
		return true
	}
	for _, t := range c.opts.ArtifactTools {
		if t == name {
			return true
		}
	}
	return false
}

// Disconnect tears the client down for good: pending reconnects are
// cancelled and every pending call fails with ErrConnectionClosed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopRetryLocked()
	s := c.sess
	c.sess = nil
	c.tools = nil
	c.mu.Unlock()

	c.cancel()
	if s == nil {
		return
	}
	s.close()
	c.log.Info().Msg("engine disconnected")
	c.emit(Event{Kind: EventDisconnected})
}
