package daemon

import (
	"path/filepath"
	"time"

	"agentd/internal/txio"
)

// StateFile is the name of the running-daemon descriptor in the state
// directory.
const StateFile = "daemon.json"

// State describes a running daemon for the status command.
type State struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	Version    string    `json:"version"`
	Root       string    `json:"root"`
	HTTPListen string    `json:"http_listen,omitempty"`
}

func statePath(stateDir string) string {
	return filepath.Join(stateDir, StateFile)
}

// WriteState atomically records st in stateDir.
func WriteState(stateDir string, st State) error {
	return txio.Open(statePath(stateDir)).WriteJSON(st)
}

// ReadState reads the descriptor written by a running daemon.
func ReadState(stateDir string) (State, error) {
	var st State
	err := txio.Open(statePath(stateDir)).ReadJSON(&st)
	return st, err
}

func removeState(stateDir string) error {
	return txio.Open(statePath(stateDir)).Delete()
}
