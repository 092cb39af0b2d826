package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/lydakis/ue5relay/internal/config"
	"github.com/lydakis/ue5relay/internal/engine"
	"github.com/lydakis/ue5relay/internal/ipc"
	"github.com/lydakis/ue5relay/internal/logging"
	"github.com/lydakis/ue5relay/internal/paths"
	"github.com/lydakis/ue5relay/internal/relay"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
)

var signalShutdownFn = func() {
	p, _ := os.FindProcess(os.Getpid())
	_ = p.Signal(syscall.SIGTERM)
}

// Relay is the part of the orchestrator the control socket drives.
type Relay interface {
	State() relay.State
	Wait(ctx context.Context, since uint64) (relay.State, error)
	ConnectEngine(ctx context.Context, host string, port int) error
	DisconnectEngine(ctx context.Context) error
	ConnectCloud(ctx context.Context) error
	DisconnectCloud(ctx context.Context) error
	Tools(ctx context.Context) ([]engine.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Run starts the daemon process. Called when argv[1] == "__daemon" or by
// `ue5relay run`.
func Run(version string) error {
	if err := paths.EnsureDir(paths.RuntimeDir()); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}
	if err := config.LoadEnvFiles(paths.EnvFile(), ".env"); err != nil {
		fmt.Fprintf(os.Stderr, "ue5relay daemon: warning: %v\n", err)
	}

	store, err := config.OpenStore(paths.ConfigFile())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := store.Snapshot()
	if verr := config.Validate(&cfg); verr != nil {
		return fmt.Errorf("invalid config: %w", verr)
	}

	log := logging.New(os.Stderr, cfg.Log)
	if err := ensureAgentID(store); err != nil {
		log.Warn().Err(err).Msg("agent id not persisted")
	}

	rt, err := publishRuntimeState(version)
	if err != nil {
		return fmt.Errorf("publishing runtime state: %w", err)
	}
	defer clearRuntimeState()
	log.Info().Int("pid", rt.PID).Str("version", version).Str("socket", paths.SocketPath()).Msg("relay daemon starting")

	orch := relay.New(relay.Options{
		Store:     store,
		NewEngine: relay.EngineFactoryFor(store, log, version),
		NewCloud:  relay.CloudFactoryFor(log),
		Version:   version,
		Logger:    logging.Component(log, "relay"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(ctx) }()

	handler := func(reqCtx context.Context, req *ipc.Request) *ipc.Response {
		reqCtx, cancel := context.WithCancel(reqCtx)
		defer cancel()
		defer context.AfterFunc(ctx, cancel)()
		return dispatch(reqCtx, orch, log, req)
	}

	srv := ipc.NewServer(paths.SocketPath(), rt.Nonce, handler, logging.Component(log, "ipc"))
	if err := srv.Start(); err != nil {
		stop()
		<-runDone
		return err
	}

	orch.Bootstrap()
	log.Info().Str("socket", paths.SocketPath()).Str("version", version).Msg("relay daemon listening")

	<-ctx.Done()
	log.Info().Msg("relay daemon shutting down")
	srv.Stop()
	return <-runDone
}

// ensureAgentID persists a fresh agent id the first time the daemon runs.
func ensureAgentID(store *config.Store) error {
	if store.Snapshot().AgentID != "" {
		return nil
	}
	return store.Set("agent_id", uuid.NewString())
}

func dispatch(ctx context.Context, r Relay, log zerolog.Logger, req *ipc.Request) *ipc.Response {
	log.Debug().Str("request", req.Type).Msg("control request")

	switch req.Type {
	case ipc.TypeStatus:
		return stateResponse(r.State())
	case ipc.TypeWatch:
		st, err := r.Wait(ctx, req.Since)
		if err != nil {
			return errorResponse("watching state", err)
		}
		return stateResponse(st)
	case ipc.TypeConnect:
		if req.Port < 0 || req.Port > 65535 {
			return &ipc.Response{ExitCode: ipc.ExitUsageErr, Stderr: fmt.Sprintf("invalid port %d", req.Port)}
		}
		if err := r.ConnectEngine(ctx, strings.TrimSpace(req.Host), req.Port); err != nil {
			return errorResponse("connecting to engine", err)
		}
		return stateResponse(r.State())
	case ipc.TypeDisconnect:
		if err := r.DisconnectEngine(ctx); err != nil {
			return errorResponse("disconnecting engine", err)
		}
		return stateResponse(r.State())
	case ipc.TypeCloudConnect:
		if err := r.ConnectCloud(ctx); err != nil {
			return errorResponse("connecting to cloud", err)
		}
		return stateResponse(r.State())
	case ipc.TypeCloudDisconnect:
		if err := r.DisconnectCloud(ctx); err != nil {
			return errorResponse("disconnecting cloud", err)
		}
		return stateResponse(r.State())
	case ipc.TypeTools:
		return listTools(ctx, r)
	case ipc.TypeCallTool:
		return callTool(ctx, r, req.Tool, req.Args)
	case ipc.TypeShutdown:
		go signalShutdownFn()
		return &ipc.Response{Content: []byte("shutting down\n")}
	default:
		return &ipc.Response{ExitCode: ipc.ExitUsageErr, Stderr: fmt.Sprintf("unknown request type: %s", req.Type)}
	}
}

func stateResponse(st relay.State) *ipc.Response {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return &ipc.Response{ExitCode: ipc.ExitInternal, Stderr: err.Error()}
	}
	return &ipc.Response{Content: append(data, '\n')}
}

func errorResponse(action string, err error) *ipc.Response {
	return &ipc.Response{ExitCode: classifyError(err), Stderr: fmt.Sprintf("%s: %v", action, err)}
}

func listTools(ctx context.Context, r Relay) *ipc.Response {
	tools, err := r.Tools(ctx)
	if err != nil {
		return errorResponse("listing tools", err)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	var out []byte
	for _, t := range tools {
		line := t.Name
		if desc := strings.TrimSpace(t.Description); desc != "" {
			line += "\t" + firstLine(desc)
		}
		out = append(out, []byte(line+"\n")...)
	}
	return &ipc.Response{Content: out}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func callTool(ctx context.Context, r Relay, tool string, rawArgs json.RawMessage) *ipc.Response {
	if strings.TrimSpace(tool) == "" {
		return &ipc.Response{ExitCode: ipc.ExitUsageErr, Stderr: "missing tool name"}
	}
	var args map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return &ipc.Response{ExitCode: ipc.ExitUsageErr, Stderr: fmt.Sprintf("arguments must be a JSON object: %v", err)}
		}
	}

	result, err := r.CallTool(ctx, tool, args)
	if err != nil {
		return errorResponse("calling tool", err)
	}

	exitCode := ipc.ExitOK
	if parsed, perr := mcp.ParseCallToolResult(&result); perr == nil && parsed.IsError {
		exitCode = ipc.ExitToolErr
	}
	var pretty []byte
	var v any
	if err := json.Unmarshal(result, &v); err == nil {
		pretty, _ = json.MarshalIndent(v, "", "  ")
	}
	if pretty == nil {
		pretty = result
	}
	return &ipc.Response{Content: append(pretty, '\n'), ExitCode: exitCode}
}

// isCancellation reports whether err came from the caller going away.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
