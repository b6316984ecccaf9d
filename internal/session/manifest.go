package session

import (
	"fmt"
	"os"

	"relay/internal/jsonx"
)

// DefaultManifestName is the manifest file written at the project root.
const DefaultManifestName = "session_recovery_latest.json"

// PendingTask is one unfinished piece of work carried across sessions.
type PendingTask struct {
	Task     string `json:"task"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
	Context  string `json:"context,omitempty"`
}

// CriticalContext is the must-not-lose knowledge of the session.
type CriticalContext struct {
	KeyDecisions []string `json:"key_decisions"`
	Blockers     []string `json:"blockers"`
	NextSteps    []string `json:"next_steps"`
}

// MemoryPointers tell the next session where durable state lives.
type MemoryPointers struct {
	ProjectStateFile string   `json:"project_state_file,omitempty"`
	SessionLogs      string   `json:"session_logs,omitempty"`
	ModifiedFiles    []string `json:"modified_files"`
	GitBranch        string   `json:"git_branch"`
}

// SessionMetadata identifies the session the manifest was distilled from.
type SessionMetadata struct {
	SessionID string `json:"session_id,omitempty"`
	Project   string `json:"project"`
	Phase     string `json:"phase"`
	Timestamp string `json:"timestamp"`
}

// RecoveryManifest is the fixed-shape JSON handed from a dying session to
// the next one. The generator keeps it under roughly 2 KB; the loader
// accepts any valid superset and ignores unknown keys.
type RecoveryManifest struct {
	SessionMetadata       SessionMetadata `json:"session_metadata"`
	CompletedTasks        []string        `json:"completed_tasks"`
	PendingTasks          []PendingTask   `json:"pending_tasks"`
	ActiveState           map[string]any  `json:"active_state"`
	CriticalContext       CriticalContext `json:"critical_context"`
	MemoryPointers        MemoryPointers  `json:"memory_pointers"`
	BootstrapInstructions string          `json:"bootstrap_instructions"`
}

// ManifestSizeLimit is the soft serialized-size cap in bytes.
const ManifestSizeLimit = 2048

// Save writes the manifest atomically.
func (m *RecoveryManifest) Save(path string) error {
	data, err := jsonx.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Size returns the serialized byte count.
func (m *RecoveryManifest) Size() int {
	data, err := jsonx.Marshal(m)
	if err != nil {
		return 0
	}
	return len(data)
}

// MissingManifestError tells the caller how to get a manifest.
type MissingManifestError struct {
	Path string
}

func (e *MissingManifestError) Error() string {
	return fmt.Sprintf("no recovery manifest at %s; run recovery in the previous session first", e.Path)
}

// LoadManifest reads a manifest file, tolerating unknown keys.
func LoadManifest(path string) (*RecoveryManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &MissingManifestError{Path: path}
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m RecoveryManifest
	if err := jsonx.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest %s is not valid JSON: %w", path, err)
	}
	return &m, nil
}
