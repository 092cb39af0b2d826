package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	writeTimeout  = 10 * time.Second
	maxLineLength = 16 << 20
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type inbound struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is one request awaiting its response.
type pendingCall struct {
	id        int64
	method    string
	params    any
	createdAt time.Time
	done      chan callResult
	timer     *time.Timer
}

// session is a single TCP connection to the engine. Request ids restart at
// 1 for every session.
type session struct {
	conn     net.Conn
	log      zerolog.Logger
	onNotify func(method string, params json.RawMessage)

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]*pendingCall
	nextID  int64

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn net.Conn, log zerolog.Logger) *session {
	return &session{
		conn:    conn,
		log:     log,
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
	}
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// call sends method and blocks until the response, the timeout, ctx, or
// the end of the session, whichever comes first.
func (s *session) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	s.nextID++
	p := &pendingCall{
		id:        s.nextID,
		method:    method,
		params:    params,
		createdAt: time.Now(),
		done:      make(chan callResult, 1),
	}
	s.pending[p.id] = p
	if timeout > 0 {
		id := p.id
		p.timer = time.AfterFunc(timeout, func() {
			s.complete(id, callResult{err: fmt.Errorf("%s after %s: %w", method, timeout, ErrCallTimeout)})
		})
	}
	s.mu.Unlock()

	if err := s.write(request{JSONRPC: "2.0", ID: p.id, Method: method, Params: params}); err != nil {
		s.complete(p.id, callResult{err: fmt.Errorf("sending %s: %w", method, err)})
	}

	select {
	case r := <-p.done:
		return r.result, r.err
	case <-ctx.Done():
		s.complete(p.id, callResult{err: ctx.Err()})
		r := <-p.done
		return r.result, r.err
	}
}

func (s *session) notify(method string, params any) error {
	return s.write(notification{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *session) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed() {
		return ErrConnectionClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = s.conn.Write(data)
	return err
}

// complete removes id from the pending set and delivers r. It reports
// false when the call was already resolved.
func (s *session) complete(id int64, r callResult) bool {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- r
	return true
}

// close ends the session and fails every pending call with
// ErrConnectionClosed.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close() //nolint: errcheck

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[int64]*pendingCall)
		s.mu.Unlock()

		for _, p := range pending {
			if p.timer != nil {
				p.timer.Stop()
			}
			p.done <- callResult{err: fmt.Errorf("%s: %w", p.method, ErrConnectionClosed)}
		}
	})
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// readLoop consumes newline-delimited messages until the connection fails.
func (s *session) readLoop() error {
	r := bufio.NewReaderSize(s.conn, 64<<10)
	var partial []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			partial = append(partial, chunk...)
		}
		switch {
		case err == bufio.ErrBufferFull:
			if len(partial) > maxLineLength {
				return fmt.Errorf("message exceeds %d bytes", maxLineLength)
			}
			continue
		case err != nil:
			return err
		}
		line := bytes.TrimSpace(partial)
		partial = partial[:0]
		if len(line) > 0 {
			s.handleLine(append([]byte(nil), line...))
		}
	}
}

func (s *session) handleLine(line []byte) {
	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		s.log.Warn().Err(err).Int("bytes", len(line)).Msg("discarding malformed message")
		return
	}

	if hasID(msg.ID) {
		id, ok := parseID(msg.ID)
		if !ok {
			s.log.Warn().RawJSON("id", msg.ID).Msg("discarding response with non-numeric id")
			return
		}
		r := callResult{result: msg.Result}
		if msg.Error != nil {
			r = callResult{err: msg.Error}
		}
		if !s.complete(id, r) {
			s.log.Debug().Int64("id", id).Msg("dropping response for unknown request")
		}
		return
	}

	if msg.Method != "" {
		if s.onNotify != nil {
			s.onNotify(msg.Method, msg.Params)
		}
		return
	}
	s.log.Warn().Msg("discarding message without id or method")
}

func hasID(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// parseID accepts integer ids in either integer or float form.
func parseID(raw json.RawMessage) (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil || math.Trunc(f) != f {
		return 0, false
	}
	return int64(f), true
}
