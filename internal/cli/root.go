package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lydakis/ue5relay/internal/daemon"
	"github.com/lydakis/ue5relay/internal/ipc"
	"github.com/lydakis/ue5relay/internal/paths"
	"github.com/spf13/cobra"
)

// requester sends one control request to the daemon.
type requester interface {
	SendContext(ctx context.Context, req *ipc.Request) (*ipc.Response, error)
}

var (
	rootStdout io.Writer = os.Stdout
	rootStderr io.Writer = os.Stderr
	rootStdin  io.Reader = os.Stdin

	spawnOrConnectFn = daemon.SpawnOrConnect
	existingDaemonFn = daemon.Existing
	runDaemonFn      = daemon.Run
	newRequesterFn   = func(nonce string) requester {
		return ipc.NewClient(paths.SocketPath(), nonce)
	}
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Run is the main CLI entry point. Returns an exit code.
func Run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(rootStdout)
	root.SetErr(rootStderr)
	root.SetIn(rootStdin)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return ipc.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(rootStderr, ee.msg)
		}
		return ee.code
	}
	fmt.Fprintf(rootStderr, "ue5relay: %v\n", err)
	return ipc.ExitUsageErr
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ue5relay",
		Short: "Relay between the cloud control plane and a local Unreal Engine 5 editor",
		Long: `ue5relay bridges the cloud WebSocket channel and the local UE5 command
server. A background daemon owns both connections; the commands below
talk to it over a local Unix socket and start it when needed.`,
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("ue5relay {{.Version}}\n")

	root.AddCommand(
		newRunCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newConnectCmd(),
		newDisconnectCmd(),
		newCloudCmd(),
		newToolsCmd(),
		newCallCmd(),
		newConfigCmd(),
	)
	return root
}

// daemonClient returns a client for the daemon, spawning one if needed.
func daemonClient() (requester, error) {
	nonce, err := spawnOrConnectFn()
	if err != nil {
		return nil, &exitError{code: ipc.ExitInternal, msg: "ue5relay: " + err.Error()}
	}
	return newRequesterFn(nonce), nil
}

// send issues req and returns the response, turning transport failures and
// non-zero exit codes into exitErrors.
func send(ctx context.Context, client requester, req *ipc.Request) (*ipc.Response, error) {
	resp, err := client.SendContext(ctx, req)
	if err != nil {
		return nil, &exitError{code: ipc.ExitInternal, msg: "ue5relay: " + err.Error()}
	}
	if resp.ExitCode != ipc.ExitOK {
		return resp, &exitError{code: resp.ExitCode, msg: resp.Stderr}
	}
	if resp.Stderr != "" {
		fmt.Fprintln(rootStderr, resp.Stderr)
	}
	return resp, nil
}

// request spawns or connects to the daemon and sends one request.
func request(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	client, err := daemonClient()
	if err != nil {
		return nil, err
	}
	return send(ctx, client, req)
}
