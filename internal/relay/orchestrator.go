// Package relay owns the connection state of the relay and bridges cloud
// commands to the local engine.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/lydakis/ue5relay/internal/cloud"
	"github.com/lydakis/ue5relay/internal/config"
	"github.com/lydakis/ue5relay/internal/engine"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// DefaultMaxCommands bounds concurrently executing cloud commands.
const DefaultMaxCommands = 8

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("relay stopped")

// EngineClient is the local engine connection the orchestrator drives.
type EngineClient interface {
	Connect(ctx context.Context) error
	Disconnect()
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Tools(ctx context.Context) ([]engine.Tool, error)
	ToolCount() int
	ToolNames() []string
	Connected() bool
}

// CloudChannel is the cloud connection the orchestrator drives.
type CloudChannel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(v any) error
	SetLocalEngineStatus(status string)
}

// EngineFactory builds a fresh engine client for host:port.
type EngineFactory func(host string, port int, onEvent func(engine.Event)) EngineClient

// CloudFactory builds a fresh cloud client from cfg.
type CloudFactory func(cfg config.Config, onEvent func(cloud.Event)) CloudChannel

// ConfigStore is the persisted configuration.
type ConfigStore interface {
	Snapshot() config.Config
	Set(key, value string) error
}

// Options configures an Orchestrator.
type Options struct {
	Store       ConfigStore
	NewEngine   EngineFactory
	NewCloud    CloudFactory
	Version     string
	MaxCommands int
	Logger      zerolog.Logger
}

// Orchestrator is the single owner of connection state. Client events and
// state-changing requests are serialized on one loop goroutine; commands
// run on a bounded worker pool.
type Orchestrator struct {
	store     ConfigStore
	newEngine EngineFactory
	newCloud  CloudFactory
	version   string
	log       zerolog.Logger

	state    *stateStore
	inbox    *mailbox
	stopped  chan struct{}
	ctx      context.Context
	started  chan struct{}
	runOnce  sync.Once
	commands *pool.Pool
	tasks    *pool.Pool

	poolMu   sync.RWMutex
	stopping bool

	// Owned by the loop goroutine.
	engine     EngineClient
	engineGen  uint64
	engineHost string
	enginePort int
	engineDial *engineDial
	cloud      CloudChannel
	cloudGen   uint64
}

// engineDial is an engine connect in flight. Callers asking for the same
// endpoint wait for it instead of replacing the client underneath it.
type engineDial struct {
	gen  uint64
	done chan struct{}
	err  error
}

func (d *engineDial) pending() bool {
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

// New creates an orchestrator. Call Run to start it.
func New(opts Options) *Orchestrator {
	if opts.MaxCommands <= 0 {
		opts.MaxCommands = DefaultMaxCommands
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	cfg := opts.Store.Snapshot()
	return &Orchestrator{
		store:      opts.Store,
		newEngine:  opts.NewEngine,
		newCloud:   opts.NewCloud,
		version:    opts.Version,
		log:        opts.Logger,
		state:      newStateStore(cfg.Engine.Host, cfg.Engine.Port),
		inbox:      newMailbox(),
		stopped:    make(chan struct{}),
		started:    make(chan struct{}),
		ctx:        context.Background(),
		commands:   pool.New().WithMaxGoroutines(opts.MaxCommands),
		tasks:      pool.New(),
		engineHost: cfg.Engine.Host,
		enginePort: cfg.Engine.Port,
	}
}

// Run processes events until ctx is cancelled, then tears both channels
// down and waits for in-flight work.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runOnce.Do(func() {
		o.ctx = ctx
		close(o.started)
	})

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-o.inbox.signal:
			for _, fn := range o.inbox.drain() {
				fn()
			}
		}
	}
}

func (o *Orchestrator) shutdown() {
	for _, fn := range o.inbox.drain() {
		fn()
	}
	o.cloudGen++
	o.engineGen++
	if o.cloud != nil {
		o.cloud.Disconnect()
		o.cloud = nil
	}
	if o.engine != nil {
		o.engine.Disconnect()
		o.engine = nil
	}
	o.state.update(func(s *State) {
		s.Cloud = StatusDisconnected
		s.UE5 = StatusDisconnected
		s.AvailableTools = 0
	})

	o.poolMu.Lock()
	o.stopping = true
	o.poolMu.Unlock()
	close(o.stopped)

	o.commands.Wait()
	o.tasks.Wait()
	for _, fn := range o.inbox.drain() {
		fn()
	}
}

func (o *Orchestrator) post(fn func()) {
	o.inbox.put(fn)
}

// call runs fn on the loop and waits for it.
func (o *Orchestrator) call(ctx context.Context, fn func()) error {
	select {
	case <-o.stopped:
		return ErrStopped
	default:
	}
	done := make(chan struct{})
	o.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// runCtx is the context passed to Run.
func (o *Orchestrator) runCtx() context.Context {
	<-o.started
	return o.ctx
}

// goTask runs fn off the loop. Tasks never block the caller.
func (o *Orchestrator) goTask(fn func()) {
	o.poolMu.RLock()
	defer o.poolMu.RUnlock()
	if o.stopping {
		return
	}
	o.tasks.Go(fn)
}

// State returns a snapshot of the connection state.
func (o *Orchestrator) State() State {
	return o.state.get()
}

// Wait blocks until the state version exceeds since.
func (o *Orchestrator) Wait(ctx context.Context, since uint64) (State, error) {
	return o.state.wait(ctx, since)
}

// Subscribe registers fn for every state change. Callbacks run on the loop
// and must not block.
func (o *Orchestrator) Subscribe(fn func(State)) (unsubscribe func()) {
	return o.state.subscribe(fn)
}

// Bootstrap starts the configured connections: the cloud when a token is
// present, the engine when auto-connect is on.
func (o *Orchestrator) Bootstrap() {
	cfg := o.store.Snapshot()
	if cfg.Cloud.HasToken() {
		o.goTask(func() {
			if err := o.ConnectCloud(o.runCtx()); err != nil {
				o.log.Warn().Err(err).Msg("initial cloud connect failed")
			}
		})
	} else {
		o.log.Info().Msg("no cloud token configured; cloud channel stays down")
	}
	if cfg.Engine.AutoConnect {
		o.goTask(func() {
			if err := o.ConnectEngine(o.runCtx(), "", 0); err != nil {
				o.log.Warn().Err(err).Msg("initial engine connect failed")
			}
		})
	}
}

// ConnectCloud (re)creates the cloud channel and connects it.
func (o *Orchestrator) ConnectCloud(ctx context.Context) error {
	var client CloudChannel
	var already bool
	err := o.call(ctx, func() {
		if o.cloud != nil && o.state.get().Cloud != StatusDisconnected {
			already = true
			return
		}
		client = o.replaceCloud()
	})
	if err != nil || already {
		return err
	}
	return client.Connect(o.runCtx())
}

// DisconnectCloud closes the cloud channel. The engine is unaffected.
func (o *Orchestrator) DisconnectCloud(ctx context.Context) error {
	return o.call(ctx, func() {
		if o.cloud != nil {
			o.cloud.Disconnect()
			o.cloud = nil
		}
		o.cloudGen++
		o.state.update(func(s *State) { s.Cloud = StatusDisconnected })
	})
}

// ConnectEngine connects to host:port, falling back to the configured
// endpoint for empty values. Connecting to the endpoint that is already
// connected succeeds without a new socket and pushes one status update;
// while a connect to that endpoint is underway the caller shares its result.
func (o *Orchestrator) ConnectEngine(ctx context.Context, host string, port int) error {
	cfg := o.store.Snapshot()
	if host == "" {
		host = cfg.Engine.Host
	}
	if port == 0 {
		port = cfg.Engine.Port
	}

	var (
		client  EngineClient
		dial    *engineDial
		already bool
		joined  bool
	)
	err := o.call(ctx, func() {
		same := o.engine != nil && o.engineHost == host && o.enginePort == port
		switch {
		case same && o.engine.Connected():
			already = true
			o.pushStatus()
		case same && o.engineDial != nil && o.engineDial.gen == o.engineGen && o.engineDial.pending():
			dial, joined = o.engineDial, true
		default:
			client = o.replaceEngine(host, port)
			dial = &engineDial{gen: o.engineGen, done: make(chan struct{})}
			o.engineDial = dial
		}
	})
	if err != nil || already {
		return err
	}
	if joined {
		select {
		case <-dial.done:
			return dial.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	dial.err = client.Connect(o.runCtx())
	close(dial.done)
	o.post(func() {
		if o.engineDial == dial {
			o.engineDial = nil
		}
	})
	return dial.err
}

// DisconnectEngine tears the engine client down.
func (o *Orchestrator) DisconnectEngine(ctx context.Context) error {
	return o.call(ctx, o.dropEngine)
}

// CallTool invokes a tool on the connected engine.
func (o *Orchestrator) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	client, err := o.currentEngine(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, name, args)
}

// Tools lists the engine's tools.
func (o *Orchestrator) Tools(ctx context.Context) ([]engine.Tool, error) {
	client, err := o.currentEngine(ctx)
	if err != nil {
		return nil, err
	}
	return client.Tools(ctx)
}

func (o *Orchestrator) currentEngine(ctx context.Context) (EngineClient, error) {
	var client EngineClient
	if err := o.call(ctx, func() { client = o.engine }); err != nil {
		return nil, err
	}
	if client == nil || !client.Connected() {
		return nil, engine.ErrNotConnected
	}
	return client, nil
}

func (o *Orchestrator) replaceEngine(host string, port int) EngineClient {
	if o.engine != nil {
		o.engine.Disconnect()
	}
	o.engineGen++
	gen := o.engineGen
	o.engineHost, o.enginePort = host, port
	o.engine = o.newEngine(host, port, func(ev engine.Event) {
		o.post(func() { o.onEngineEvent(gen, ev) })
	})
	o.transitionEngine(func(s *State) {
		s.UE5 = StatusDisconnected
		s.MCPHost = host
		s.MCPPort = port
		s.AvailableTools = 0
	})
	return o.engine
}

func (o *Orchestrator) dropEngine() {
	if o.engine != nil {
		o.engine.Disconnect()
		o.engine = nil
	}
	o.engineGen++
	o.transitionEngine(func(s *State) {
		s.UE5 = StatusDisconnected
		s.AvailableTools = 0
	})
}

func (o *Orchestrator) replaceCloud() CloudChannel {
	if o.cloud != nil {
		o.cloud.Disconnect()
	}
	o.cloudGen++
	gen := o.cloudGen
	cfg := o.store.Snapshot()
	o.cloud = o.newCloud(cfg, func(ev cloud.Event) {
		if ev.Kind == cloud.EventCommand {
			o.dispatch(ev.Message)
			return
		}
		o.post(func() { o.onCloudEvent(gen, ev) })
	})
	o.cloud.SetLocalEngineStatus(string(o.state.get().UE5))
	return o.cloud
}

// transitionEngine applies fn and, when the engine entered or left the
// connected state, pushes status to the cloud.
func (o *Orchestrator) transitionEngine(fn func(*State)) {
	before, after := o.state.update(fn)
	if before.UE5 == after.UE5 {
		return
	}
	if o.cloud != nil {
		o.cloud.SetLocalEngineStatus(string(after.UE5))
	}
	if before.UE5 == StatusConnected || after.UE5 == StatusConnected {
		o.pushStatus()
	}
}

func (o *Orchestrator) onEngineEvent(gen uint64, ev engine.Event) {
	if gen != o.engineGen {
		o.log.Debug().Str("event", string(ev.Kind)).Msg("dropping event from replaced engine client")
		return
	}
	switch ev.Kind {
	case engine.EventConnecting:
		o.transitionEngine(func(s *State) { s.UE5 = StatusConnecting })
	case engine.EventConnected:
		o.transitionEngine(func(s *State) {
			s.UE5 = StatusConnected
			s.AvailableTools = ev.Tools
			clearError(s, channelEngine)
		})
	case engine.EventDisconnected:
		o.transitionEngine(func(s *State) {
			s.UE5 = StatusDisconnected
			s.AvailableTools = 0
			setError(s, channelEngine, ev.Err)
		})
	case engine.EventError:
		o.transitionEngine(func(s *State) {
			if s.UE5 == StatusConnecting {
				s.UE5 = StatusDisconnected
			}
			setError(s, channelEngine, ev.Err)
		})
	case engine.EventToolsChanged:
		o.state.update(func(s *State) { s.AvailableTools = ev.Tools })
		o.pushStatus()
	case engine.EventReconnectScheduled:
		o.log.Info().Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("engine reconnect scheduled")
	case engine.EventReconnectExhausted:
		o.state.update(func(s *State) {
			s.LastError = "engine unreachable after " + strconv.Itoa(ev.Attempt) + " reconnect attempts"
			s.errorFrom = channelEngine
		})
	}
}

func (o *Orchestrator) onCloudEvent(gen uint64, ev cloud.Event) {
	if gen != o.cloudGen {
		return
	}
	switch ev.Kind {
	case cloud.EventConnecting:
		o.state.update(func(s *State) { s.Cloud = StatusConnecting })
	case cloud.EventConnected:
		o.state.update(func(s *State) {
			s.Cloud = StatusConnected
			clearError(s, channelCloud)
		})
		o.sendAgentInfo()
		st := o.state.get()
		switch {
		case st.UE5 == StatusConnected:
			o.pushStatus()
		case st.UE5 == StatusDisconnected && o.store.Snapshot().Engine.AutoConnect:
			o.goTask(func() {
				if err := o.ConnectEngine(o.runCtx(), "", 0); err != nil {
					o.log.Warn().Err(err).Msg("auto-connect to engine failed")
				}
			})
		}
	case cloud.EventDisconnected:
		o.state.update(func(s *State) {
			s.Cloud = StatusDisconnected
			setError(s, channelCloud, ev.Err)
		})
	case cloud.EventError:
		o.state.update(func(s *State) {
			if s.Cloud == StatusConnecting {
				s.Cloud = StatusDisconnected
			}
			setError(s, channelCloud, ev.Err)
		})
	}
}

// statusUpdate is pushed to the cloud whenever the engine state changes.
// The payload mirrors the top-level fields for servers that read the
// {type, payload} envelope.
type statusUpdate struct {
	Type           string        `json:"type"`
	UE5Status      Status        `json:"ue5_status"`
	MCPHost        string        `json:"mcp_host"`
	MCPPort        int           `json:"mcp_port"`
	AvailableTools int           `json:"available_tools"`
	Payload        statusPayload `json:"payload"`
	Timestamp      string        `json:"timestamp"`
}

type statusPayload struct {
	UE5Status      Status   `json:"ue5_status"`
	MCPHost        string   `json:"mcp_host"`
	MCPPort        int      `json:"mcp_port"`
	AvailableTools []string `json:"available_tools"`
	ToolsCount     int      `json:"tools_count"`
}

func (o *Orchestrator) pushStatus() {
	if o.cloud == nil || o.state.get().Cloud != StatusConnected {
		return
	}
	st := o.state.get()
	names := []string{}
	if o.engine != nil && st.UE5 == StatusConnected {
		names = o.engine.ToolNames()
	}
	msg := statusUpdate{
		Type:           StatusUpdate,
		UE5Status:      st.UE5,
		MCPHost:        st.MCPHost,
		MCPPort:        st.MCPPort,
		AvailableTools: st.AvailableTools,
		Payload: statusPayload{
			UE5Status:      st.UE5,
			MCPHost:        st.MCPHost,
			MCPPort:        st.MCPPort,
			AvailableTools: names,
			ToolsCount:     st.AvailableTools,
		},
		Timestamp: timestamp(),
	}
	if err := o.cloud.Send(msg); err != nil {
		o.log.Warn().Err(err).Msg("status update not sent")
	}
}

func (o *Orchestrator) sendAgentInfo() {
	host, _ := os.Hostname()
	cfg := o.store.Snapshot()
	msg := map[string]any{
		"type": AgentInfo,
		"payload": map[string]any{
			"agent_id": cfg.AgentID,
			"version":  o.version,
			"platform": runtime.GOOS,
			"hostname": host,
		},
		"timestamp": timestamp(),
	}
	if err := o.cloud.Send(msg); err != nil {
		o.log.Debug().Err(err).Msg("agent info not sent")
	}
}

func (o *Orchestrator) send(v any) {
	o.post(func() {
		if o.cloud == nil {
			o.log.Warn().Msg("dropping reply: cloud channel closed")
			return
		}
		if err := o.cloud.Send(v); err != nil {
			o.log.Warn().Err(err).Msg("reply not sent")
		}
	})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
