package ipc

import (
	"encoding/json"
)

// Request types understood by the daemon.
const (
	TypeStatus          = "status"
	TypeWatch           = "watch"
	TypeConnect         = "connect"
	TypeDisconnect      = "disconnect"
	TypeCloudConnect    = "cloud_connect"
	TypeCloudDisconnect = "cloud_disconnect"
	TypeTools           = "tools"
	TypeCallTool        = "call_tool"
	TypeShutdown        = "shutdown"
)

// Request is sent from the CLI to the daemon over the Unix socket.
type Request struct {
	Nonce string          `json:"nonce"`           // daemon nonce for auth
	Type  string          `json:"type"`            // one of the Type* constants
	Since uint64          `json:"since,omitempty"` // watch: return once state version exceeds this
	Host  string          `json:"host,omitempty"`  // connect: engine host override
	Port  int             `json:"port,omitempty"`  // connect: engine port override
	Tool  string          `json:"tool,omitempty"`  // call_tool: tool name
	Args  json.RawMessage `json:"args,omitempty"`  // call_tool: JSON object of arguments
}

// Response is sent from the daemon back to the CLI.
type Response struct {
	Content  []byte `json:"content"`          // raw output for stdout
	ExitCode int    `json:"exit_code"`        // 0=ok, 1=tool error, 2=usage error, 3=internal error
	Stderr   string `json:"stderr,omitempty"` // error message for stderr
}

// Exit codes.
const (
	ExitOK       = 0
	ExitToolErr  = 1
	ExitUsageErr = 2
	ExitInternal = 3
)
