// Package runstate persists the live state of a run so that another
// process can report on it with "newtlife status".
package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning     Status = "running"
	StatusComplete    Status = "complete"
	StatusAborted     Status = "aborted"
	StatusInterrupted Status = "interrupted"
)

// RunState is one workflow invocation across its devices.
type RunState struct {
	ID       string        `json:"id"`
	Workflow string        `json:"workflow"`
	PID      int           `json:"pid"`
	Status   Status        `json:"status"`
	Started  time.Time     `json:"started"`
	Updated  time.Time     `json:"updated"`
	Finished time.Time     `json:"finished,omitempty"`
	Devices  []DeviceState `json:"devices"`
}

// DeviceState tracks one device within a run.
type DeviceState struct {
	Name         string       `json:"name"`
	Address      string       `json:"address,omitempty"`
	Status       string       `json:"status"` // "", "running", COMPLETED, ABORTED, DECLINED
	CurrentPhase string       `json:"current_phase,omitempty"`
	PhaseIndex   int          `json:"phase_index,omitempty"`
	TotalPhases  int          `json:"total_phases,omitempty"`
	Credential   string       `json:"credential,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Duration     string       `json:"duration,omitempty"`
	Phases       []PhaseState `json:"phases,omitempty"`
}

// PhaseState is a finished phase.
type PhaseState struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	Message  string `json:"message,omitempty"`
}

// NewID returns a fresh run identifier.
func NewID() string {
	return uuid.NewString()
}

// Stale reports whether the state claims to be running but its process is
// gone.
func (s *RunState) Stale() bool {
	return s.Status == StatusRunning && !IsProcessAlive(s.PID)
}

// Store persists run states.
type Store interface {
	Save(ctx context.Context, s *RunState) error
	// Load returns nil, nil when the run is unknown.
	Load(ctx context.Context, id string) (*RunState, error)
	List(ctx context.Context) ([]string, error)
}

// FileStore keeps each run in <Dir>/<id>/state.json.
type FileStore struct {
	Dir string
}

// DefaultDir returns ~/.newtlife/runs.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("runstate: user home dir: %w", err)
	}
	return filepath.Join(home, ".newtlife", "runs"), nil
}

// Save implements Store.
func (f *FileStore) Save(_ context.Context, s *RunState) error {
	s.Updated = time.Now()
	dir := filepath.Join(f.Dir, s.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runstate: create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("runstate: marshal state: %w", err)
	}
	// Write then rename so a concurrent reader never sees a partial file.
	tmp := filepath.Join(dir, "state.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runstate: write state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "state.json")); err != nil {
		return fmt.Errorf("runstate: write state: %w", err)
	}
	return nil
}

// Load implements Store.
func (f *FileStore) Load(_ context.Context, id string) (*RunState, error) {
	data, err := os.ReadFile(filepath.Join(f.Dir, id, "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runstate: read state: %w", err)
	}
	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("runstate: parse state.json: %w", err)
	}
	return &s, nil
}

// List implements Store.
func (f *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runstate: list runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(f.Dir, e.Name(), "state.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Remove deletes a run's state directory.
func (f *FileStore) Remove(id string) error {
	return os.RemoveAll(filepath.Join(f.Dir, id))
}

// Recent loads every run in st, newest first.
func Recent(ctx context.Context, st Store) ([]*RunState, error) {
	ids, err := st.List(ctx)
	if err != nil {
		return nil, err
	}
	var runs []*RunState
	for _, id := range ids {
		s, err := st.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			runs = append(runs, s)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.After(runs[j].Started) })
	return runs, nil
}

// IsProcessAlive checks if a process with the given PID exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
