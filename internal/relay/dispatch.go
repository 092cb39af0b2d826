package relay

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/lydakis/ue5relay/internal/cloud"
	"github.com/lydakis/ue5relay/internal/engine"
)

// dispatch schedules msg on the command pool. It blocks while the pool is
// saturated, which holds back further reads from the cloud.
func (o *Orchestrator) dispatch(msg *cloud.Message) {
	if msg == nil {
		return
	}
	cmd, parseErr := ParseCommand(msg.Raw)
	if len(cmd.ID) == 0 {
		cmd.ID = msg.CommandID
	}

	o.poolMu.RLock()
	defer o.poolMu.RUnlock()
	if o.stopping {
		return
	}
	o.commands.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error().Interface("panic", r).Str("command", cmd.Type).Msg("command handler panicked")
				o.send(errorReply(cmd, fmt.Sprintf("internal error: %v", r)))
			}
		}()
		if parseErr != nil {
			o.send(errorReply(cmd, parseErr.Error()))
			return
		}
		o.execute(cmd)
	})
}

func (o *Orchestrator) execute(cmd Command) {
	ctx := o.runCtx()
	log := o.log.With().Str("command", cmd.Type).Str("command_id", cmd.logID()).Logger()
	log.Debug().Msg("executing cloud command")

	switch cmd.Type {
	case CommandConnect:
		host, port := o.resolveEndpoint(cmd)
		if err := o.ConnectEngine(ctx, host, port); err != nil {
			log.Warn().Err(err).Msg("engine connect failed")
			o.send(errorReply(cmd, err.Error()))
			return
		}
		st := o.State()
		o.send(resultReply(cmd, map[string]any{
			"success":         true,
			"host":            host,
			"port":            port,
			"available_tools": st.AvailableTools,
		}))

	case CommandDisconnect:
		if err := o.DisconnectEngine(ctx); err != nil {
			o.send(errorReply(cmd, err.Error()))
			return
		}
		o.send(resultReply(cmd, map[string]any{"success": true}))

	case CommandCall, CommandExecuteTool:
		if cmd.Tool == "" {
			o.send(errorReply(cmd, "missing tool name"))
			return
		}
		result, err := o.CallTool(ctx, cmd.Tool, cmd.Arguments)
		if err != nil {
			log.Warn().Err(err).Str("tool", cmd.Tool).Msg("tool call failed")
			o.send(errorReply(cmd, commandErrorMessage(err)))
			return
		}
		o.send(resultReply(cmd, result))

	case CommandToolsList:
		tools, err := o.Tools(ctx)
		if err != nil {
			o.send(errorReply(cmd, commandErrorMessage(err)))
			return
		}
		if tools == nil {
			tools = []engine.Tool{}
		}
		o.send(toolsReply(cmd, tools))

	default:
		o.send(errorReply(cmd, "unknown command type: "+cmd.Type))
	}
}

// resolveEndpoint applies host/port overrides from cmd and persists them.
func (o *Orchestrator) resolveEndpoint(cmd Command) (string, int) {
	cfg := o.store.Snapshot()
	host, port := cfg.Engine.Host, cfg.Engine.Port
	if cmd.Host != "" && cmd.Host != host {
		host = cmd.Host
		if err := o.store.Set("engine.host", host); err != nil {
			o.log.Warn().Err(err).Msg("persisting engine host")
		}
	}
	if cmd.Port != 0 && cmd.Port != port {
		port = cmd.Port
		if err := o.store.Set("engine.port", strconv.Itoa(port)); err != nil {
			o.log.Warn().Err(err).Msg("persisting engine port")
		}
	}
	return host, port
}

// commandErrorMessage is the error text sent to the cloud. Engine errors
// are reported by their own message; the wrapped form stays in the logs.
func commandErrorMessage(err error) string {
	if errors.Is(err, engine.ErrNotConnected) {
		return NotConnectedMessage
	}
	var rpcErr *engine.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Message != "" {
		return rpcErr.Message
	}
	return err.Error()
}
