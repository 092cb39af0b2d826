package daemon

import (
	"errors"
	"strings"

	"github.com/lydakis/ue5relay/internal/cloud"
	"github.com/lydakis/ue5relay/internal/engine"
	"github.com/lydakis/ue5relay/internal/ipc"
	"github.com/mark3labs/mcp-go/mcp"
)

// classifyError maps relay errors onto control-socket exit codes.
func classifyError(err error) int {
	if err == nil {
		return ipc.ExitOK
	}

	if errors.Is(err, mcp.ErrInvalidParams) || errors.Is(err, mcp.ErrMethodNotFound) {
		return ipc.ExitUsageErr
	}
	if errors.Is(err, engine.ErrNotConnected) || errors.Is(err, engine.ErrConnecting) {
		return ipc.ExitUsageErr
	}
	if errors.Is(err, cloud.ErrAuth) || errors.Is(err, cloud.ErrConnecting) {
		return ipc.ExitUsageErr
	}

	var rpcErr *engine.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == mcp.PARSE_ERROR || rpcErr.Code == mcp.INVALID_REQUEST || rpcErr.Code == mcp.INTERNAL_ERROR {
			return ipc.ExitInternal
		}
		return ipc.ExitToolErr
	}
	if isCancellation(err) || errors.Is(err, engine.ErrCallTimeout) {
		return ipc.ExitInternal
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "-32602") || strings.Contains(msg, "-32601") {
		return ipc.ExitUsageErr
	}
	if strings.Contains(msg, "invalid params") || strings.Contains(msg, "method not found") {
		return ipc.ExitUsageErr
	}

	return ipc.ExitInternal
}
