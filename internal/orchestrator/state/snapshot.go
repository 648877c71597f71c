// Package state persists the orchestrator's runtime snapshot so a restart
// can report what was in flight. Adapter sessions are not re-attached; the
// entries inform logging and alerting only.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/trafficcontrol/trafficcontrol/internal/task/models"
)

// ActiveAgent is one live session at snapshot time.
type ActiveAgent struct {
	SessionID string               `json:"sessionId"`
	TaskID    string               `json:"taskId"`
	Model     models.Model         `json:"model"`
	Status    models.SessionStatus `json:"status"`
	StartedAt time.Time            `json:"startedAt"`
}

// Snapshot is the persisted orchestrator state.
type Snapshot struct {
	IsRunning    bool          `json:"isRunning"`
	IsPaused     bool          `json:"isPaused"`
	ActiveAgents []ActiveAgent `json:"activeAgents"`
	SavedAt      time.Time     `json:"savedAt"`
}

// Store reads and writes the snapshot file.
type Store struct {
	path string
}

// NewStore creates a store for the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Save writes the snapshot atomically: encode to a temp file in the target
// directory, then rename over the destination.
func (s *Store) Save(snap *Snapshot) error {
	snap.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. Returns (nil, false) when the file is missing or
// malformed; the caller proceeds with empty state.
func (s *Store) Load() (*Snapshot, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

// Remove deletes the snapshot file if present.
func (s *Store) Remove() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
