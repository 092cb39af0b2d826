package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// requestReadTimeout bounds how long a client may take to send its request.
	requestReadTimeout = 5 * time.Second
	// maxRequestBytes caps a single request; call_tool arguments are the only
	// large field.
	maxRequestBytes = 4 << 20
)

// Handler processes an IPC request and returns a response. ctx is cancelled
// when the client hangs up.
type Handler func(ctx context.Context, req *Request) *Response

var (
	peerUIDFn    = peerUID
	currentUIDFn = func() uint32 { return uint32(os.Getuid()) }
)

// Server answers control requests from the CLI on a Unix socket.
type Server struct {
	socketPath string
	nonce      string
	handler    Handler
	log        zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server for socketPath that accepts requests carrying nonce.
func NewServer(socketPath, nonce string, handler Handler, log zerolog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		nonce:      nonce,
		handler:    handler,
		log:        log,
	}
}

// Start listens on the socket, replacing a stale socket file.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	s.log.Debug().Str("socket", s.socketPath).Msg("control socket listening")
	return nil
}

// Stop closes the listener and waits for in-flight requests. Long-running
// handlers (watch) must return once their context is done.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return
	}
	ln.Close()
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	if resp := s.authorizePeer(conn); resp != nil {
		writeResponse(conn, resp)
		return
	}
	req, resp := s.readRequest(conn)
	if resp != nil {
		writeResponse(conn, resp)
		return
	}

	ctx, wait := watchHangup(conn)
	started := time.Now()
	resp = s.handler(ctx, req)
	wait()
	if resp == nil {
		resp = &Response{ExitCode: ExitInternal, Stderr: "no response"}
	}
	s.log.Debug().
		Str("type", req.Type).
		Int("exit_code", resp.ExitCode).
		Dur("took", time.Since(started)).
		Msg("control request handled")
	writeResponse(conn, resp)
}

func (s *Server) authorizePeer(conn net.Conn) *Response {
	uid, err := peerUIDFn(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("control request rejected: peer credentials unavailable")
		return &Response{ExitCode: ExitInternal, Stderr: "peer uid check failed"}
	}
	if uid != currentUIDFn() {
		s.log.Warn().Uint32("peer_uid", uid).Msg("control request rejected: foreign user")
		return &Response{ExitCode: ExitInternal, Stderr: "peer uid mismatch"}
	}
	return nil
}

func (s *Server) readRequest(conn net.Conn) (*Request, *Response) {
	_ = conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	var req Request
	if err := json.NewDecoder(io.LimitReader(conn, maxRequestBytes)).Decode(&req); err != nil {
		s.log.Debug().Err(err).Msg("control request unreadable")
		return nil, &Response{ExitCode: ExitInternal, Stderr: "invalid request"}
	}
	if req.Nonce != s.nonce {
		s.log.Warn().Str("type", req.Type).Msg("control request rejected: nonce mismatch")
		return nil, &Response{ExitCode: ExitInternal, Stderr: "nonce mismatch"}
	}
	return &req, nil
}

// watchHangup returns a context cancelled once the client closes its end,
// and a wait func that stops watching before the response is written.
func watchHangup(conn net.Conn) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		var buf [1]byte
		// Any read result means the client hung up or misbehaved.
		_, _ = conn.Read(buf[:])
		cancel()
	}()
	return ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		<-done
		_ = conn.SetReadDeadline(time.Time{})
		cancel()
	}
}

func writeResponse(conn net.Conn, resp *Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(requestReadTimeout))
	json.NewEncoder(conn).Encode(resp) //nolint:errcheck
}
