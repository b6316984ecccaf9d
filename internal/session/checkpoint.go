package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"relay/internal/jsonx"
)

// CheckpointStatus is the lifecycle state recorded in a checkpoint.
type CheckpointStatus string

const (
	StatusActive    CheckpointStatus = "active"
	StatusPaused    CheckpointStatus = "paused"
	StatusCompleted CheckpointStatus = "completed"
)

// Checkpoint is a resumable snapshot of one session. Each write replaces
// the previous checkpoint for that session.
type Checkpoint struct {
	SessionID string           `json:"session_id"`
	Timestamp string           `json:"timestamp"`
	Data      map[string]any   `json:"data"`
	Status    CheckpointStatus `json:"status"`
	Progress  float64          `json:"progress"`
}

const checkpointDirName = "checkpoints"

// CheckpointStore persists checkpoints under
// <root>/checkpoints/<session_id>_checkpoint.json with atomic replacement.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore creates a store rooted at projectRoot.
func NewCheckpointStore(projectRoot string) *CheckpointStore {
	return &CheckpointStore{dir: filepath.Join(projectRoot, checkpointDirName)}
}

func (s *CheckpointStore) pathFor(sessionID string) string {
	return filepath.Join(s.dir, sessionID+"_checkpoint.json")
}

// Save writes the checkpoint atomically, clamping progress to [0,1] and
// stamping the time when unset.
func (s *CheckpointStore) Save(cp Checkpoint) error {
	if cp.SessionID == "" {
		return fmt.Errorf("checkpoint requires a session id")
	}
	if cp.Timestamp == "" {
		cp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if cp.Progress < 0 {
		cp.Progress = 0
	}
	if cp.Progress > 1 {
		cp.Progress = 1
	}
	if cp.Status == "" {
		cp.Status = StatusActive
	}

	data, err := jsonx.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return writeFileAtomic(s.pathFor(cp.SessionID), data)
}

// Load reads the checkpoint for a session.
func (s *CheckpointStore) Load(sessionID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.pathFor(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no checkpoint for session %s", sessionID)
		}
		return nil, err
	}
	var cp Checkpoint
	if err := jsonx.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint for %s is not valid JSON: %w", sessionID, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint for a session; missing files are fine.
func (s *CheckpointStore) Delete(sessionID string) error {
	err := os.Remove(s.pathFor(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
