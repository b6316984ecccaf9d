package session

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"relay/internal/jsonx"
	"relay/internal/llm"
	"relay/internal/logging"
)

// LLMCaller is the LLM capability the recovery agent needs. *llm.Client
// satisfies it.
type LLMCaller interface {
	CallLLM(ctx context.Context, prompt string, opts llm.CallOptions) (string, error)
}

// GitState is the version-control snapshot embedded in manifests.
type GitState struct {
	Branch        string
	ModifiedFiles []string
}

const maxManifestFiles = 20

// RecoveryAgent distills a dying session into a RecoveryManifest. A failed
// or unparsable LLM call degrades to a fallback manifest instead of
// erroring: losing detail beats losing the session.
type RecoveryAgent struct {
	caller       LLMCaller
	projectRoot  string
	contextLimit int
	logger       logging.Logger

	// gitCommand is swappable in tests.
	gitCommand func(args ...string) (string, error)
}

// NewRecoveryAgent wires a RecoveryAgent for the given project root.
func NewRecoveryAgent(caller LLMCaller, projectRoot string, contextLimit int, logger logging.Logger) *RecoveryAgent {
	if contextLimit <= 0 {
		contextLimit = 200_000
	}
	a := &RecoveryAgent{
		caller:       caller,
		projectRoot:  projectRoot,
		contextLimit: contextLimit,
		logger:       logging.OrNop(logger),
	}
	a.gitCommand = func(args ...string) (string, error) {
		out, err := exec.Command("git", append([]string{"-C", projectRoot}, args...)...).Output()
		return strings.TrimSpace(string(out)), err
	}
	return a
}

// GitState gathers the current branch and up to 20 modified files (union
// of staged, unstaged, and untracked). Errors degrade to empty fields.
func (a *RecoveryAgent) GitState() GitState {
	state := GitState{}

	if branch, err := a.gitCommand("rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		state.Branch = branch
	}

	porcelain, err := a.gitCommand("status", "--porcelain")
	if err != nil || porcelain == "" {
		return state
	}
	seen := make(map[string]bool)
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		state.ModifiedFiles = append(state.ModifiedFiles, path)
		if len(state.ModifiedFiles) >= maxManifestFiles {
			break
		}
	}
	return state
}

// PrepareRecovery builds the manifest from the conversation history and
// git state, writes it atomically, and logs the compression ratio.
// outputPath defaults to session_recovery_latest.json in the project root.
func (a *RecoveryAgent) PrepareRecovery(ctx context.Context, conversationHistory, outputPath string) (*RecoveryManifest, error) {
	if outputPath == "" {
		outputPath = filepath.Join(a.projectRoot, DefaultManifestName)
	}
	git := a.GitState()

	manifest := a.distill(ctx, conversationHistory, git)
	manifest.MemoryPointers.GitBranch = git.Branch
	manifest.MemoryPointers.ModifiedFiles = git.ModifiedFiles
	if manifest.SessionMetadata.Timestamp == "" {
		manifest.SessionMetadata.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if err := manifest.Save(outputPath); err != nil {
		return nil, err
	}

	size := manifest.Size()
	ratio := 1 - float64(size)/float64(a.contextLimit*4)
	a.logger.Info("recovery manifest written to %s (%d bytes, compression %.4f)", outputPath, size, ratio)
	return manifest, nil
}

// distill asks the LLM for a strict-JSON manifest; any failure falls back
// to a git-only manifest rather than erroring.
func (a *RecoveryAgent) distill(ctx context.Context, history string, git GitState) *RecoveryManifest {
	raw, err := a.caller.CallLLM(ctx, a.manifestPrompt(history, git), llm.CallOptions{
		Operation: "recovery",
		System:    "You distill session state. Respond with strict JSON only, no prose, no code fences.",
	})
	if err != nil {
		a.logger.Warn("recovery LLM call failed, using fallback manifest: %v", err)
		return a.fallbackManifest(git)
	}

	manifest, parseErr := parseManifest(raw)
	if parseErr != nil {
		a.logger.Warn("recovery output was not valid manifest JSON, using fallback: %v", parseErr)
		return a.fallbackManifest(git)
	}
	return manifest
}

func (a *RecoveryAgent) manifestPrompt(history string, git GitState) string {
	var b strings.Builder
	b.WriteString("Distill the session below into a recovery manifest as STRICT JSON with exactly these keys:\n")
	b.WriteString(`{"session_metadata":{"project":"","phase":"","timestamp":""},` +
		`"completed_tasks":[],"pending_tasks":[{"task":"","priority":"","status":"","context":""}],` +
		`"active_state":{},"critical_context":{"key_decisions":[],"blockers":[],"next_steps":[]},` +
		`"memory_pointers":{"project_state_file":"","session_logs":"","modified_files":[],"git_branch":""},` +
		`"bootstrap_instructions":""}` + "\n")
	b.WriteString("Limits: each string under 200 characters, at most 5 entries per list, total output under 2048 bytes.\n")
	fmt.Fprintf(&b, "\nGit branch: %s\nModified files: %s\n", git.Branch, strings.Join(git.ModifiedFiles, ", "))
	b.WriteString("\nSession history (most recent last):\n")
	b.WriteString(truncateHead(history, 24_000))
	return b.String()
}

// fallbackManifest carries only what can be gathered without an LLM.
func (a *RecoveryAgent) fallbackManifest(git GitState) *RecoveryManifest {
	return &RecoveryManifest{
		SessionMetadata: SessionMetadata{
			Project:   filepath.Base(a.projectRoot),
			Phase:     "Unknown (fallback)",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
		CompletedTasks: []string{},
		PendingTasks: []PendingTask{{
			Task:     "Manual review required: recovery distillation failed",
			Priority: "high",
			Status:   "pending",
		}},
		ActiveState: map[string]any{},
		CriticalContext: CriticalContext{
			KeyDecisions: []string{},
			Blockers:     []string{"recovery LLM call failed; session detail was lost"},
			NextSteps:    []string{"review git status and recent commits to reconstruct state"},
		},
		BootstrapInstructions: "Inspect the modified files listed under memory_pointers and resume from git state.",
	}
}

func parseManifest(raw string) (*RecoveryManifest, error) {
	payload := strings.TrimSpace(raw)
	if idx := strings.Index(payload, "```"); idx >= 0 {
		rest := payload[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			payload = strings.TrimSpace(rest[:end])
		} else {
			payload = strings.TrimSpace(rest)
		}
	}
	if start := strings.Index(payload, "{"); start > 0 {
		payload = payload[start:]
	}

	var m RecoveryManifest
	if err := jsonx.Unmarshal([]byte(payload), &m); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, err
		}
		if err := jsonx.Unmarshal([]byte(repaired), &m); err != nil {
			return nil, err
		}
	}
	if m.SessionMetadata.Phase == "" && len(m.PendingTasks) == 0 && len(m.CompletedTasks) == 0 {
		return nil, fmt.Errorf("manifest JSON carries no session content")
	}
	return &m, nil
}

// truncateHead keeps the tail of long histories: the most recent turns
// matter most for recovery.
func truncateHead(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return "[earlier history truncated]\n" + text[len(text)-max:]
}
