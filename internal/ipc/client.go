package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// ErrDaemonUnreachable wraps failures to reach the control socket at all.
var ErrDaemonUnreachable = errors.New("relay daemon unreachable")

// Client talks to the relay daemon's control socket. Every request uses a
// fresh connection.
type Client struct {
	socketPath string
	nonce      string
}

// NewClient returns a client that authenticates with nonce.
func NewClient(socketPath, nonce string) *Client {
	return &Client{socketPath: socketPath, nonce: nonce}
}

// Send is SendContext without cancellation.
func (c *Client) Send(req *Request) (*Response, error) {
	return c.SendContext(context.Background(), req)
}

// SendContext delivers req and waits for the response. Cancelling ctx closes
// the connection, which cancels the handler on the daemon side.
func (c *Client) SendContext(ctx context.Context, req *Request) (*Response, error) {
	req.Nonce = c.nonce

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDaemonUnreachable, err)
	}
	defer conn.Close()
	defer context.AfterFunc(ctx, func() { conn.Close() })()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("sending %s request: %w", req.Type, err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading %s response: %w", req.Type, err)
	}
	return &resp, nil
}
