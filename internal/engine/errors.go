package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

var (
	// ErrNotConnected is returned by calls made while no session is live.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionClosed fails every call still pending when a session ends.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCallTimeout is returned when the engine does not answer in time.
	ErrCallTimeout = errors.New("call timed out")
	// ErrClientClosed is returned after Disconnect.
	ErrClientClosed = errors.New("client closed")
	// ErrConnecting is returned when a connect is already underway.
	ErrConnecting = errors.New("connect already in progress")
)

// RPCError is an error object returned by the engine.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is maps standard JSON-RPC codes onto the mcp-go sentinels.
func (e *RPCError) Is(target error) bool {
	switch e.Code {
	case mcp.PARSE_ERROR:
		return target == mcp.ErrParseError
	case mcp.INVALID_REQUEST:
		return target == mcp.ErrInvalidRequest
	case mcp.METHOD_NOT_FOUND:
		return target == mcp.ErrMethodNotFound
	case mcp.INVALID_PARAMS:
		return target == mcp.ErrInvalidParams
	case mcp.INTERNAL_ERROR:
		return target == mcp.ErrInternalError
	}
	return false
}
