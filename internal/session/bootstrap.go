package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"relay/internal/logging"
)

// BootstrapManager rebuilds a working state view from the last recovery
// manifest so a fresh session can continue in seconds.
type BootstrapManager struct {
	projectRoot string
	logger      logging.Logger

	// gitBranch is swappable in tests.
	gitBranch func() (string, error)
}

// NewBootstrapManager wires a BootstrapManager for the project root.
func NewBootstrapManager(projectRoot string, logger logging.Logger) *BootstrapManager {
	m := &BootstrapManager{
		projectRoot: projectRoot,
		logger:      logging.OrNop(logger),
	}
	m.gitBranch = func() (string, error) {
		agent := NewRecoveryAgent(nil, projectRoot, 0, nil)
		state := agent.GitState()
		if state.Branch == "" {
			return "", fmt.Errorf("not a git repository")
		}
		return state.Branch, nil
	}
	return m
}

const verifyFileCount = 5

// BootstrapSession loads the manifest, optionally verifies the
// environment, and returns a human-readable summary of where the previous
// session left off. A missing manifest returns *MissingManifestError.
func (m *BootstrapManager) BootstrapSession(manifestPath string, verifyEnvironment bool) (string, error) {
	if manifestPath == "" {
		manifestPath = filepath.Join(m.projectRoot, DefaultManifestName)
	}

	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return "", err
	}

	var warnings []string
	if verifyEnvironment {
		warnings = m.verify(manifest)
	}

	summary := m.renderSummary(manifest, warnings)
	m.logger.Info("session bootstrapped from %s (%d pending tasks)", manifestPath, len(manifest.PendingTasks))
	return summary, nil
}

// verify checks that the environment still matches the manifest: same git
// branch, first few modified files still present, state file still there.
// Mismatches are warnings, not errors; the user decides.
func (m *BootstrapManager) verify(manifest *RecoveryManifest) []string {
	var warnings []string

	if want := manifest.MemoryPointers.GitBranch; want != "" {
		if branch, err := m.gitBranch(); err == nil && branch != want {
			warnings = append(warnings, fmt.Sprintf("git branch is %q, manifest expects %q", branch, want))
		}
	}

	files := manifest.MemoryPointers.ModifiedFiles
	if len(files) > verifyFileCount {
		files = files[:verifyFileCount]
	}
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(m.projectRoot, f)); err != nil {
			warnings = append(warnings, fmt.Sprintf("modified file %s no longer exists", f))
		}
	}

	if state := manifest.MemoryPointers.ProjectStateFile; state != "" {
		if _, err := os.Stat(filepath.Join(m.projectRoot, state)); err != nil {
			warnings = append(warnings, fmt.Sprintf("project state file %s is missing", state))
		}
	}
	return warnings
}

func (m *BootstrapManager) renderSummary(manifest *RecoveryManifest, warnings []string) string {
	var b strings.Builder

	b.WriteString("=== Session Bootstrap ===\n")
	fmt.Fprintf(&b, "Project: %s\n", manifest.SessionMetadata.Project)
	fmt.Fprintf(&b, "Phase: %s\n", manifest.SessionMetadata.Phase)
	fmt.Fprintf(&b, "Recovered from: %s\n", manifest.SessionMetadata.Timestamp)
	fmt.Fprintf(&b, "Progress: %d completed, %d pending\n",
		len(manifest.CompletedTasks), len(manifest.PendingTasks))

	if len(manifest.PendingTasks) > 0 {
		next := manifest.PendingTasks[0]
		fmt.Fprintf(&b, "\nNext task (%s): %s\n", next.Priority, next.Task)
		if next.Context != "" {
			fmt.Fprintf(&b, "  context: %s\n", next.Context)
		}
	}

	if len(manifest.CriticalContext.Blockers) > 0 {
		b.WriteString("\nBlockers:\n")
		for _, blocker := range manifest.CriticalContext.Blockers {
			b.WriteString("  - " + blocker + "\n")
		}
	}
	if len(manifest.CriticalContext.NextSteps) > 0 {
		b.WriteString("\nNext steps:\n")
		for _, step := range manifest.CriticalContext.NextSteps {
			b.WriteString("  - " + step + "\n")
		}
	}
	if len(manifest.CriticalContext.KeyDecisions) > 0 {
		b.WriteString("\nKey decisions:\n")
		for _, decision := range manifest.CriticalContext.KeyDecisions {
			b.WriteString("  - " + decision + "\n")
		}
	}

	if len(manifest.MemoryPointers.ModifiedFiles) > 0 {
		fmt.Fprintf(&b, "\nModified files (%s):\n", manifest.MemoryPointers.GitBranch)
		for _, f := range manifest.MemoryPointers.ModifiedFiles {
			b.WriteString("  - " + f + "\n")
		}
	}

	if manifest.BootstrapInstructions != "" {
		b.WriteString("\nInstructions: " + manifest.BootstrapInstructions + "\n")
	}

	if len(warnings) > 0 {
		b.WriteString("\nEnvironment warnings:\n")
		for _, w := range warnings {
			b.WriteString("  ! " + w + "\n")
		}
	}
	return b.String()
}
