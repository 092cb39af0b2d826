package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lydakis/ue5relay/internal/ipc"
	"github.com/lydakis/ue5relay/internal/paths"
	"golang.org/x/sys/unix"
)

// ErrNotRunning is returned by Existing when no daemon answers.
var ErrNotRunning = errors.New("relay daemon is not running")

var errNotListening = errors.New("control socket not accepting connections")

const (
	startupTimeout = 5 * time.Second
	startupPoll    = 50 * time.Millisecond
)

var (
	readStateFn     = readRuntimeState
	socketLiveFn    = socketLive
	validateNonceFn = validateNonce
	spawnFn         = spawnDaemon
	waitReadyFn     = waitReady
	lockFn          = lockSpawn
	execCommandFn   = exec.Command
)

// SpawnOrConnect returns the nonce of a running daemon, starting one in the
// background when none answers. Concurrent callers are serialised on a file
// lock so at most one daemon is spawned.
func SpawnOrConnect() (string, error) {
	if err := paths.EnsureDir(paths.RuntimeDir()); err != nil {
		return "", fmt.Errorf("creating runtime dir: %w", err)
	}

	unlock, err := lockFn(paths.LockPath())
	if err != nil {
		return "", fmt.Errorf("acquiring spawn lock: %w", err)
	}
	defer unlock() //nolint:errcheck

	if nonce, ok := live(); ok {
		return nonce, nil
	}

	if err := spawnFn(); err != nil {
		return "", err
	}
	return waitReadyFn()
}

// Existing returns the nonce of a running daemon without spawning one.
func Existing() (string, error) {
	st, err := readStateFn()
	if err != nil || !socketLiveFn() {
		return "", ErrNotRunning
	}
	if ok, err := validateNonceFn(st.Nonce); err != nil || !ok {
		return "", ErrNotRunning
	}
	return st.Nonce, nil
}

// live checks the published runtime state against the socket. A daemon that
// restarted between the read and the nonce check gets one more look; a socket
// that rejects both nonces is stale and its files are removed.
func live() (string, bool) {
	st, err := readStateFn()
	if err != nil || !socketLiveFn() {
		return "", false
	}
	if ok, err := validateNonceFn(st.Nonce); err == nil && ok {
		return st.Nonce, true
	}
	if again, err := readStateFn(); err == nil && again.Nonce != st.Nonce {
		if ok, err := validateNonceFn(again.Nonce); err == nil && ok {
			return again.Nonce, true
		}
	}
	clearRuntimeState()
	return "", false
}

func validateNonce(nonce string) (bool, error) {
	resp, err := ipc.NewClient(paths.SocketPath(), nonce).Send(&ipc.Request{Type: ipc.TypeStatus})
	if err != nil {
		return false, err
	}
	return !strings.Contains(resp.Stderr, "nonce mismatch"), nil
}

func lockSpawn(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return func() error {
		return errors.Join(unix.Flock(int(f.Fd()), unix.LOCK_UN), f.Close())
	}, nil
}

func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}
	if err := paths.EnsureDir(paths.StateDir()); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	cmd, cleanup, err := daemonCommand(exe, paths.DaemonLogFile())
	if err != nil {
		return err
	}
	defer cleanup()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}
	go cmd.Wait() //nolint:errcheck
	return nil
}

// daemonCommand builds the detached `__daemon` process. Its output is
// appended to logPath.
func daemonCommand(exe, logPath string) (*exec.Cmd, func(), error) {
	stdin, err := os.Open(os.DevNull)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("opening daemon log: %w", err)
	}

	cmd := execCommandFn(exe, "__daemon")
	cmd.Stdin = stdin
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd, func() {
		_ = stdin.Close()
		_ = logFile.Close()
	}, nil
}

func waitReady() (string, error) {
	var nonce string
	err := retry.Do(
		func() error {
			st, err := readRuntimeState()
			if err != nil {
				return err
			}
			if !socketLive() {
				return errNotListening
			}
			nonce = st.Nonce
			return nil
		},
		retry.Attempts(uint(startupTimeout/startupPoll)),
		retry.Delay(startupPoll),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("daemon did not start within %s (%v); see %s", startupTimeout, err, paths.DaemonLogFile())
	}
	return nonce, nil
}

func socketLive() bool {
	conn, err := net.DialTimeout("unix", paths.SocketPath(), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
