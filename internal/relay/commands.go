package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command types accepted from the cloud.
const (
	CommandConnect     = "mcp_connect"
	CommandDisconnect  = "mcp_disconnect"
	CommandCall        = "mcp_call"
	CommandToolsList   = "mcp_tools_list"
	CommandExecuteTool = "execute_tool"
)

// Reply types sent to the cloud.
const (
	ReplyResult    = "command_result"
	ReplyError     = "command_error"
	ReplyToolsList = "mcp_tools_list"
	ReplyToolOK    = "tool_result"
	ReplyToolError = "tool_error"
	StatusUpdate   = "status_update"
	AgentInfo      = "agent_info"
)

// NotConnectedMessage is the error text for commands that need the engine
// while it is down.
const NotConnectedMessage = "Not connected to UE5"

var (
	errMissingType   = errors.New("command has no type")
	errTypeNotString = errors.New("command type must be a string")
)

// Command is one parsed cloud command.
type Command struct {
	Type string
	// ID is the raw command_id (or request_id) JSON value, echoed back
	// verbatim in the reply whatever its JSON type.
	ID json.RawMessage
	// RequestEnvelope is set when the command arrived as
	// {type, request_id, payload}.
	RequestEnvelope bool

	Host      string
	Port      int
	Tool      string
	Arguments map[string]any
}

type commandFields struct {
	Tool       string          `json:"tool"`
	ToolName   string          `json:"tool_name"`
	Name       string          `json:"name"`
	Parameters map[string]any  `json:"parameters"`
	Arguments  map[string]any  `json:"arguments"`
	Host       string          `json:"host"`
	Port       json.RawMessage `json:"port"`
}

// ParseCommand accepts both the flat {type, command_id, ...fields} form and
// the {type, request_id, payload:{...fields}} form.
func ParseCommand(raw json.RawMessage) (Command, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Command{}, fmt.Errorf("decoding command: %w", err)
	}

	var cmd Command
	switch {
	case hasValue(top["command_id"]):
		cmd.ID = top["command_id"]
	case hasValue(top["request_id"]):
		cmd.ID = top["request_id"]
		cmd.RequestEnvelope = true
	}
	if t, ok := top["type"]; ok && hasValue(t) {
		if err := json.Unmarshal(t, &cmd.Type); err != nil {
			return cmd, errTypeNotString
		}
	}
	if cmd.Type == "" {
		return cmd, errMissingType
	}
	payload := top["payload"]

	var flat commandFields
	if err := json.Unmarshal(raw, &flat); err != nil {
		return cmd, fmt.Errorf("decoding command fields: %w", err)
	}
	merged := flat
	if hasValue(payload) {
		var nested commandFields
		if err := json.Unmarshal(payload, &nested); err != nil {
			return cmd, fmt.Errorf("decoding command payload: %w", err)
		}
		merged = mergeFields(flat, nested)
	}

	cmd.Tool = firstNonEmpty(merged.Tool, merged.ToolName, merged.Name)
	cmd.Arguments = merged.Parameters
	if cmd.Arguments == nil {
		cmd.Arguments = merged.Arguments
	}
	cmd.Host = strings.TrimSpace(merged.Host)
	port, err := parsePort(merged.Port)
	if err != nil {
		return cmd, err
	}
	cmd.Port = port
	return cmd, nil
}

func mergeFields(base, over commandFields) commandFields {
	if over.Tool != "" {
		base.Tool = over.Tool
	}
	if over.ToolName != "" {
		base.ToolName = over.ToolName
	}
	if over.Name != "" {
		base.Name = over.Name
	}
	if over.Parameters != nil {
		base.Parameters = over.Parameters
	}
	if over.Arguments != nil {
		base.Arguments = over.Arguments
	}
	if over.Host != "" {
		base.Host = over.Host
	}
	if len(over.Port) > 0 {
		base.Port = over.Port
	}
	return base
}

func parsePort(raw json.RawMessage) (int, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, nil
	}
	trimmed = strings.Trim(trimmed, `"`)
	port, err := strconv.Atoi(trimmed)
	if err != nil {
		f, ferr := strconv.ParseFloat(trimmed, 64)
		if ferr != nil || f != float64(int(f)) {
			return 0, fmt.Errorf("invalid port %s", string(raw))
		}
		port = int(f)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// hasValue reports whether raw is present and neither null nor "".
func hasValue(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != `""`
}

// logID renders the correlation token for log fields.
func (c Command) logID() string {
	var s string
	if json.Unmarshal(c.ID, &s) == nil {
		return s
	}
	return string(c.ID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// commandReply is the flat reply shape for mcp_* commands.
type commandReply struct {
	Type      string          `json:"type"`
	CommandID json.RawMessage `json:"command_id"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	Result    any             `json:"result,omitempty"`
	Tools     any             `json:"tools,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// envelopeReply is the {type, request_id, payload} shape used by
// execute_tool.
type envelopeReply struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"request_id"`
	Payload   map[string]any  `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

func resultReply(cmd Command, result any) any {
	if cmd.Type == CommandExecuteTool {
		return envelopeReply{Type: ReplyToolOK, RequestID: cmd.ID, Payload: map[string]any{"result": result}, Timestamp: timestamp()}
	}
	return commandReply{Type: ReplyResult, CommandID: cmd.ID, RequestID: requestID(cmd), Result: result}
}

func toolsReply(cmd Command, tools any) any {
	return commandReply{Type: ReplyToolsList, CommandID: cmd.ID, RequestID: requestID(cmd), Tools: tools}
}

func errorReply(cmd Command, msg string) any {
	if cmd.Type == CommandExecuteTool {
		return envelopeReply{Type: ReplyToolError, RequestID: cmd.ID, Payload: map[string]any{"error": msg}, Timestamp: timestamp()}
	}
	return commandReply{Type: ReplyError, CommandID: cmd.ID, RequestID: requestID(cmd), Error: msg}
}

func requestID(cmd Command) json.RawMessage {
	if cmd.RequestEnvelope {
		return cmd.ID
	}
	return nil
}
