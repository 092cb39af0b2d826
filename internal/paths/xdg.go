package paths

import (
	"os"
	"path/filepath"
)

const appName = "ue5relay"

// HomeEnv, when set, roots every relay location under one directory
// (config/, state/ and run/ inside it) instead of the XDG tree.
const HomeEnv = "UE5RELAY_HOME"

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

// locate resolves one relay directory: the HomeEnv override wins, then the
// XDG variable, then the conventional path under $HOME.
func locate(sub, envVar, fallback string) string {
	if root := os.Getenv(HomeEnv); root != "" {
		return filepath.Join(root, sub)
	}
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, appName)
	}
	return filepath.Join(homeDir(), fallback, appName)
}

// ConfigDir returns $XDG_CONFIG_HOME/ue5relay.
func ConfigDir() string {
	return locate("config", "XDG_CONFIG_HOME", ".config")
}

// StateDir returns $XDG_STATE_HOME/ue5relay.
func StateDir() string {
	return locate("state", "XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// RuntimeDir holds the control socket, the daemon runtime state and the
// spawn lock. Without XDG_RUNTIME_DIR it is the state directory.
func RuntimeDir() string {
	if root := os.Getenv(HomeEnv); root != "" {
		return filepath.Join(root, "run")
	}
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, appName)
	}
	return StateDir()
}

func ConfigFile() string { return filepath.Join(ConfigDir(), "config.toml") }

// EnvFile is the optional .env next to config.toml.
func EnvFile() string { return filepath.Join(ConfigDir(), ".env") }

func SocketPath() string { return filepath.Join(RuntimeDir(), "relay.sock") }

// StatePath is the daemon runtime state (nonce, pid, version).
func StatePath() string { return filepath.Join(RuntimeDir(), "relay.state") }

func LockPath() string { return filepath.Join(RuntimeDir(), "relay.lock") }

// DaemonLogFile receives the output of a daemon started in the background.
func DaemonLogFile() string { return filepath.Join(StateDir(), "daemon.log") }

// EnsureDir creates dir and its parents with owner-only permissions.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}
