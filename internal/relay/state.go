package relay

import (
	"context"
	"sync"
)

// Status is the lifecycle state of one channel.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

type channel int

const (
	channelNone channel = iota
	channelCloud
	channelEngine
)

// State is the relay's view of both connections. Version increases on
// every change.
type State struct {
	Cloud          Status `json:"cloud"`
	UE5            Status `json:"ue5"`
	LastError      string `json:"last_error,omitempty"`
	MCPHost        string `json:"mcp_host"`
	MCPPort        int    `json:"mcp_port"`
	AvailableTools int    `json:"available_tools"`
	Version        uint64 `json:"version"`

	errorFrom channel
}

// stateStore guards State for concurrent readers. Writes only happen on
// the orchestrator loop.
type stateStore struct {
	mu      sync.RWMutex
	state   State
	changed chan struct{}
	nextSub int
	subs    map[int]func(State)
}

func newStateStore(host string, port int) *stateStore {
	return &stateStore{
		state: State{
			Cloud:   StatusDisconnected,
			UE5:     StatusDisconnected,
			MCPHost: host,
			MCPPort: port,
		},
		changed: make(chan struct{}),
		subs:    make(map[int]func(State)),
	}
}

func (s *stateStore) get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// update applies fn and notifies waiters when anything changed. It returns
// the state before and after fn.
func (s *stateStore) update(fn func(*State)) (State, State) {
	s.mu.Lock()
	before := s.state
	next := s.state
	fn(&next)
	next.Version = before.Version
	if next == before {
		s.mu.Unlock()
		return before, before
	}
	next.Version++
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return before, next
}

func (s *stateStore) wait(ctx context.Context, since uint64) (State, error) {
	for {
		s.mu.RLock()
		st, ch := s.state, s.changed
		s.mu.RUnlock()
		if st.Version > since {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

func (s *stateStore) subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func setError(s *State, from channel, err error) {
	if err == nil {
		return
	}
	s.LastError = err.Error()
	s.errorFrom = from
}

func clearError(s *State, from channel) {
	if s.errorFrom == from {
		s.LastError = ""
		s.errorFrom = channelNone
	}
}
