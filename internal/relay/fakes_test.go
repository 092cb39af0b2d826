package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lydakis/ue5relay/internal/cloud"
	"github.com/lydakis/ue5relay/internal/config"
	"github.com/lydakis/ue5relay/internal/engine"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type toolCall struct {
	name string
	args map[string]any
}

type fakeEngine struct {
	host    string
	port    int
	onEvent func(engine.Event)

	mu          sync.Mutex
	connected   bool
	closed      bool
	connects    int
	connectErr  error
	tools       []engine.Tool
	calls       []toolCall
	callFn      func(name string, args map[string]any) (json.RawMessage, error)
	disconnects int
	// gate, when set, holds Connect after the connecting event until closed.
	gate chan struct{}
}

func (f *fakeEngine) Connect(context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return engine.ErrClientClosed
	}
	f.connects++
	err := f.connectErr
	gate := f.gate
	f.mu.Unlock()

	f.onEvent(engine.Event{Kind: engine.EventConnecting})
	if gate != nil {
		<-gate
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return engine.ErrClientClosed
		}
	}
	if err != nil {
		f.onEvent(engine.Event{Kind: engine.EventError, Err: err})
		return err
	}
	f.mu.Lock()
	f.connected = true
	n := len(f.tools)
	f.mu.Unlock()
	f.onEvent(engine.Event{Kind: engine.EventConnected, Tools: n})
	return nil
}

func (f *fakeEngine) Disconnect() {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.closed = true
	f.disconnects++
	f.mu.Unlock()
	if was {
		f.onEvent(engine.Event{Kind: engine.EventDisconnected})
	}
}

// drop simulates the engine going away underneath the client.
func (f *fakeEngine) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.onEvent(engine.Event{Kind: engine.EventDisconnected, Err: errors.New("EOF")})
}

func (f *fakeEngine) CallTool(_ context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil, engine.ErrNotConnected
	}
	f.calls = append(f.calls, toolCall{name: name, args: args})
	fn := f.callFn
	f.mu.Unlock()
	if fn != nil {
		return fn(name, args)
	}
	return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
}

func (f *fakeEngine) Tools(context.Context) ([]engine.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, engine.ErrNotConnected
	}
	return append([]engine.Tool(nil), f.tools...), nil
}

func (f *fakeEngine) ToolCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tools)
}

func (f *fakeEngine) ToolNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.tools))
	for _, t := range f.tools {
		names = append(names, t.Name)
	}
	return names
}

func (f *fakeEngine) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeEngine) setCallFn(fn func(string, map[string]any) (json.RawMessage, error)) {
	f.mu.Lock()
	f.callFn = fn
	f.mu.Unlock()
}

func (f *fakeEngine) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeEngine) callLog() []toolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolCall(nil), f.calls...)
}

type fakeCloud struct {
	onEvent func(cloud.Event)

	mu           sync.Mutex
	connected    bool
	connectErr   error
	engineStatus string
	sent         chan map[string]any
}

func (c *fakeCloud) Connect(context.Context) error {
	if c.connectErr != nil {
		c.onEvent(cloud.Event{Kind: cloud.EventError, Err: c.connectErr})
		return c.connectErr
	}
	c.onEvent(cloud.Event{Kind: cloud.EventConnecting})
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.onEvent(cloud.Event{Kind: cloud.EventConnected})
	return nil
}

func (c *fakeCloud) Disconnect() {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was {
		c.onEvent(cloud.Event{Kind: cloud.EventDisconnected})
	}
}

func (c *fakeCloud) Send(v any) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return cloud.ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.sent <- msg
	return nil
}

func (c *fakeCloud) SetLocalEngineStatus(status string) {
	c.mu.Lock()
	c.engineStatus = status
	c.mu.Unlock()
}

func (c *fakeCloud) status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engineStatus
}

// command delivers raw as an inbound cloud command.
func (c *fakeCloud) command(raw string) {
	var env struct {
		Type      string          `json:"type"`
		CommandID json.RawMessage `json:"command_id"`
	}
	_ = json.Unmarshal([]byte(raw), &env)
	c.onEvent(cloud.Event{Kind: cloud.EventCommand, Message: &cloud.Message{
		Type:      env.Type,
		CommandID: env.CommandID,
		Raw:       json.RawMessage(raw),
	}})
}

type harness struct {
	t       *testing.T
	o       *Orchestrator
	store   *config.Store
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	engines []*fakeEngine
	clouds  []*fakeCloud
	tools   []engine.Tool
	// configure adjusts each engine client as it is created.
	configure func(*fakeEngine)
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Config{
		AgentID: "agent-1",
		Cloud:   config.CloudConfig{Token: "jwt"},
		Engine:  config.EngineConfig{Host: "127.0.0.1", Port: 55557},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		t:     t,
		store: config.NewMemoryStore(cfg),
		done:  make(chan struct{}),
		tools: []engine.Tool{{Name: "spawn_actor"}, {Name: "take_screenshot"}},
	}
	h.o = New(Options{
		Store: h.store,
		NewEngine: func(host string, port int, onEvent func(engine.Event)) EngineClient {
			h.mu.Lock()
			defer h.mu.Unlock()
			e := &fakeEngine{host: host, port: port, onEvent: onEvent, tools: h.tools}
			if h.configure != nil {
				h.configure(e)
			}
			h.engines = append(h.engines, e)
			return e
		},
		NewCloud: func(_ config.Config, onEvent func(cloud.Event)) CloudChannel {
			h.mu.Lock()
			defer h.mu.Unlock()
			c := &fakeCloud{onEvent: onEvent, sent: make(chan map[string]any, 64)}
			h.clouds = append(h.clouds, c)
			return c
		},
		Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.o.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		h.t.Error("orchestrator did not stop")
	}
}

func (h *harness) engine(i int) *fakeEngine {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(h.t, len(h.engines), i, "engine client %d never created", i)
	return h.engines[i]
}

func (h *harness) engineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.engines)
}

func (h *harness) cloud() *fakeCloud {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.clouds, "cloud client never created")
	return h.clouds[len(h.clouds)-1]
}

func (h *harness) connectCloud() *fakeCloud {
	h.t.Helper()
	require.NoError(h.t, h.o.ConnectCloud(context.Background()))
	h.waitState(func(s State) bool { return s.Cloud == StatusConnected })
	c := h.cloud()
	h.expectSent(c, AgentInfo)
	return c
}

func (h *harness) waitState(pred func(State) bool) State {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st := h.o.State()
	for !pred(st) {
		var err error
		st, err = h.o.Wait(ctx, st.Version)
		if err != nil {
			h.t.Fatalf("state never matched; last state %+v", st)
		}
	}
	return st
}

// expectSent returns the next message of type typ, skipping others.
func (h *harness) expectSent(c *fakeCloud, typ string) map[string]any {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.sent:
			if msg["type"] == typ {
				return msg
			}
		case <-deadline:
			h.t.Fatalf("cloud never received %s", typ)
			return nil
		}
	}
}

// drainSent collects every message sent within d.
func drainSent(c *fakeCloud, d time.Duration) []map[string]any {
	var out []map[string]any
	deadline := time.After(d)
	for {
		select {
		case msg := <-c.sent:
			out = append(out, msg)
		case <-deadline:
			return out
		}
	}
}

func countType(msgs []map[string]any, typ string) int {
	n := 0
	for _, m := range msgs {
		if m["type"] == typ {
			n++
		}
	}
	return n
}
