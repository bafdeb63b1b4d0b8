package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c360studio/otaagent/result"
)

// RebootState tracks where a requested system reboot stands.
type RebootState string

// AgentRestartState tracks where a requested agent restart stands.
type AgentRestartState string

const (
	// RebootNone means no reboot was requested.
	RebootNone RebootState = "none"
	// RebootRequired means a reboot was requested but not yet performed.
	RebootRequired RebootState = "required"
	// RebootInProgress means the outer daemon acknowledged the request.
	RebootInProgress RebootState = "inProgress"

	// RestartNone means no agent restart was requested.
	RestartNone AgentRestartState = "none"
	// RestartRequired means an agent restart was requested but not yet performed.
	RestartRequired AgentRestartState = "required"
	// RestartInProgress means the restart was initiated.
	RestartInProgress AgentRestartState = "inProgress"
)

// Snapshot is the minimal on-disk record needed to resume a workflow
// after process exit or reboot.
type Snapshot struct {
	WorkflowStep       State               `json:"WorkflowStep"`
	ResultCode         result.Code         `json:"ResultCode"`
	ExtendedResultCode result.ExtendedCode `json:"ExtendedResultCode"`
	SystemRebootState  RebootState         `json:"SystemRebootState"`
	AgentRestartState  AgentRestartState   `json:"AgentRestartState"`
	ExpectedUpdateId   string              `json:"ExpectedUpdateId"`
	WorkflowId         string              `json:"WorkflowId"`
	UpdateType         string              `json:"UpdateType"`
	InstalledCriteria  string              `json:"InstalledCriteria"`
	WorkFolder         string              `json:"WorkFolder"`
	ReportingJson      json.RawMessage     `json:"ReportingJson,omitempty"`
}

// IsTerminal reports whether the snapshot represents a finished workflow
// whose final report may still be owed.
func (s *Snapshot) IsTerminal() bool {
	return s.WorkflowStep.IsTerminal()
}

// SnapshotStore persists snapshots at a fixed path with atomic writes:
// write temp, fsync, rename.
type SnapshotStore struct {
	path string
}

// NewSnapshotStore creates a store at the given path.
func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

// Path returns the snapshot file location.
func (s *SnapshotStore) Path() string { return s.path }

// Save writes the snapshot atomically.
func (s *SnapshotStore) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. Returns (nil, nil) when no snapshot exists.
func (s *SnapshotStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot. Missing files are not an error.
func (s *SnapshotStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
