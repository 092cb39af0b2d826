package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lydakis/ue5relay/internal/daemon"
	"github.com/lydakis/ue5relay/internal/ipc"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runDaemonFn(buildVersion); err != nil {
				return &exitError{code: ipc.ExitInternal, msg: "ue5relay daemon: " + err.Error()}
			}
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the relay daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd.Context(), &ipc.Request{Type: ipc.TypeStatus})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "relay daemon running")
			return printState(cmd.OutOrStdout(), resp.Content, false)
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the relay daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nonce, err := existingDaemonFn()
			if errors.Is(err, daemon.ErrNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "relay daemon is not running")
				return nil
			}
			if err != nil {
				return &exitError{code: ipc.ExitInternal, msg: "ue5relay: " + err.Error()}
			}
			resp, err := send(cmd.Context(), newRequesterFn(nonce), &ipc.Request{Type: ipc.TypeShutdown})
			if err != nil {
				return err
			}
			_, _ = cmd.OutOrStdout().Write(resp.Content)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cloud and engine connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd.Context(), &ipc.Request{Type: ipc.TypeStatus})
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), resp.Content, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw state object")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print connection state changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := daemonClient()
			if err != nil {
				return err
			}
			resp, err := send(ctx, client, &ipc.Request{Type: ipc.TypeStatus})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for {
				st, err := decodeState(resp.Content)
				if err != nil {
					return err
				}
				if err := printWatchLine(out, st, asJSON); err != nil {
					return err
				}
				resp, err = send(ctx, client, &ipc.Request{Type: ipc.TypeWatch, Since: st.Version})
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON state object per line")
	return cmd
}

func newConnectCmd() *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the UE5 command server",
		Long: `Connect to the UE5 command server. Without flags the configured
engine.host and engine.port are used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd.Context(), &ipc.Request{Type: ipc.TypeConnect, Host: host, Port: port})
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), resp.Content, false)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "engine host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "engine port (default from config)")
	return cmd
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect from the UE5 command server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd.Context(), &ipc.Request{Type: ipc.TypeDisconnect})
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), resp.Content, false)
		},
	}
}

func newCloudCmd() *cobra.Command {
	cloud := &cobra.Command{
		Use:   "cloud",
		Short: "Manage the cloud channel",
	}
	cloud.AddCommand(
		&cobra.Command{
			Use:   "connect",
			Short: "Connect to the cloud relay server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := request(cmd.Context(), &ipc.Request{Type: ipc.TypeCloudConnect})
				if err != nil {
					return err
				}
				return printState(cmd.OutOrStdout(), resp.Content, false)
			},
		},
		&cobra.Command{
			Use:   "disconnect",
			Short: "Disconnect from the cloud relay server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := request(cmd.Context(), &ipc.Request{Type: ipc.TypeCloudDisconnect})
				if err != nil {
					return err
				}
				return printState(cmd.OutOrStdout(), resp.Content, false)
			},
		},
	)
	return cloud
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List tools exposed by the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd.Context(), &ipc.Request{Type: ipc.TypeTools})
			if err != nil {
				return err
			}
			if len(resp.Content) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tools reported by the engine.")
				return nil
			}
			_, _ = cmd.OutOrStdout().Write(resp.Content)
			return nil
		},
	}
}

func newCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [json-args|-]",
		Short: "Call an engine tool",
		Long: `Call an engine tool. Arguments are a JSON object given inline or, with
"-", read from stdin.

Examples:
  ue5relay call spawn_actor '{"kind":"cube"}'
  echo '{"filepath":"/tmp/shot.png"}' | ue5relay call take_screenshot -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawArgs, err := readCallArgs(cmd.InOrStdin(), args[1:])
			if err != nil {
				return &exitError{code: ipc.ExitUsageErr, msg: "ue5relay: " + err.Error()}
			}
			resp, err := request(cmd.Context(), &ipc.Request{Type: ipc.TypeCallTool, Tool: args[0], Args: rawArgs})
			if resp != nil {
				_, _ = cmd.OutOrStdout().Write(resp.Content)
			}
			return err
		},
	}
}

func readCallArgs(stdin io.Reader, args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	text := args[0]
	if text == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading arguments: %w", err)
		}
		text = string(data)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return json.RawMessage(text), nil
}
