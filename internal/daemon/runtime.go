package daemon

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lydakis/ue5relay/internal/paths"
)

// runtimeState is what a live daemon publishes next to its socket.
type runtimeState struct {
	Nonce     string    `json:"nonce"`
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

var errNoNonce = errors.New("runtime state has no nonce")

// publishRuntimeState writes a fresh nonce for this daemon process.
func publishRuntimeState(version string) (runtimeState, error) {
	nonce, err := generateNonce()
	if err != nil {
		return runtimeState{}, err
	}
	st := runtimeState{
		Nonce:     nonce,
		PID:       os.Getpid(),
		Version:   version,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(st)
	if err != nil {
		return runtimeState{}, err
	}
	if err := os.WriteFile(paths.StatePath(), append(data, '\n'), 0o600); err != nil {
		return runtimeState{}, fmt.Errorf("writing runtime state: %w", err)
	}
	return st, nil
}

func readRuntimeState() (runtimeState, error) {
	data, err := os.ReadFile(paths.StatePath())
	if err != nil {
		return runtimeState{}, err
	}
	var st runtimeState
	if err := json.Unmarshal(data, &st); err != nil {
		return runtimeState{}, fmt.Errorf("parsing %s: %w", paths.StatePath(), err)
	}
	if st.Nonce == "" {
		return runtimeState{}, errNoNonce
	}
	return st, nil
}

func clearRuntimeState() {
	_ = os.Remove(paths.SocketPath())
	_ = os.Remove(paths.StatePath())
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
