package engine

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type callHandler func(name string, args map[string]any) (result any, rpcErr *RPCError, reply bool)

// fakeEngine speaks just enough of the line protocol to exercise Client.
type fakeEngine struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	writeMu sync.Mutex
	tools   []Tool
	conns   []net.Conn
	methods []string
	accepts int
	onCall  callHandler
	initReq json.RawMessage

	seen chan string
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeEngine{
		t:  t,
		ln: ln,
		tools: []Tool{
			{
				Name:        "spawn_actor",
				Description: "Spawn an actor",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"count":{"type":"integer"},"location":{"type":"array","items":{"type":"number"}}}}`),
			},
			{Name: "take_screenshot", Description: "Capture the viewport"},
		},
		seen: make(chan string, 256),
	}
	go f.acceptLoop()
	t.Cleanup(f.Close)
	return f
}

func (f *fakeEngine) hostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(f.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (f *fakeEngine) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.accepts++
		f.mu.Unlock()
		go f.serve(conn)
	}
}

func (f *fakeEngine) serve(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(sc.Bytes(), &req) != nil {
			continue
		}
		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		f.mu.Unlock()
		select {
		case f.seen <- req.Method:
		default:
		}

		switch req.Method {
		case "initialize":
			f.mu.Lock()
			f.initReq = append(json.RawMessage(nil), req.Params...)
			f.mu.Unlock()
			f.reply(conn, req.ID, map[string]any{
				"protocolVersion": ProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "ue5-mcp-bridge", "version": "3.2.0"},
			}, nil)
		case "notifications/initialized":
		case "tools/list":
			f.mu.Lock()
			tools := append([]Tool(nil), f.tools...)
			f.mu.Unlock()
			f.reply(conn, req.ID, map[string]any{"tools": tools}, nil)
		case "tools/call":
			var p struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &p)
			f.mu.Lock()
			h := f.onCall
			f.mu.Unlock()
			if h == nil {
				f.reply(conn, req.ID, textResult("ok"), nil)
				continue
			}
			id := req.ID
			go func() {
				result, rpcErr, ok := h(p.Name, p.Arguments)
				if ok {
					f.reply(conn, id, result, rpcErr)
				}
			}()
		default:
			f.reply(conn, req.ID, nil, &RPCError{Code: -32601, Message: "Method not found"})
		}
	}
}

func (f *fakeEngine) reply(conn net.Conn, id json.RawMessage, result any, rpcErr *RPCError) {
	msg := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		msg["error"] = rpcErr
	} else {
		msg["result"] = result
	}
	data, _ := json.Marshal(msg)
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, _ = conn.Write(append(data, '\n'))
}

// send writes raw to every open connection.
func (f *fakeEngine) send(raw string) {
	f.mu.Lock()
	conns := append([]net.Conn(nil), f.conns...)
	f.mu.Unlock()
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	for _, c := range conns {
		_, _ = c.Write([]byte(raw))
	}
}

func (f *fakeEngine) setTools(tools []Tool) {
	f.mu.Lock()
	f.tools = tools
	f.mu.Unlock()
}

func (f *fakeEngine) setOnCall(h callHandler) {
	f.mu.Lock()
	f.onCall = h
	f.mu.Unlock()
}

func (f *fakeEngine) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts
}

func (f *fakeEngine) methodLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeEngine) dropConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *fakeEngine) Close() {
	_ = f.ln.Close()
	f.dropConnections()
}

func (f *fakeEngine) waitMethod(t *testing.T, method string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.seen:
			if m == method {
				return
			}
		case <-deadline:
			t.Fatalf("engine never received %s", method)
		}
	}
}

func textResult(text string) map[string]any {
	return map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
}

type eventLog struct {
	ch chan Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan Event, 256)}
}

func (l *eventLog) record(ev Event) {
	l.ch <- ev
}

func (l *eventLog) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

func newTestClient(t *testing.T, f *fakeEngine, mutate func(*Options)) (*Client, *eventLog) {
	t.Helper()
	events := newEventLog()
	host, port := f.hostPort()
	opts := Options{
		Host:          host,
		Port:          port,
		CallTimeout:   2 * time.Second,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
		Logger:        zerolog.Nop(),
		OnEvent:       events.record,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)
	t.Cleanup(c.Disconnect)
	return c, events
}
