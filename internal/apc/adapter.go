// Package apc implements the project-context worker: a bus agent that
// answers project queries, compresses conversation context, and validates
// outputs for other agents.
package apc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"relay/internal/bus"
	"relay/internal/logging"
	"relay/internal/orchestrator"
)

// AgentID is the bus identity the adapter registers under.
const AgentID = "apc-adapter"

const indexCacheSize = 8

// Adapter serves ProjectQuery, ContextCompression, and Validation
// capabilities over the message bus. Project indexes are built by the
// injected Scanner and cached per project root.
type Adapter struct {
	bus     *bus.Bus
	scanner Scanner
	indexes *lru.Cache[string, Index]
	logger  logging.Logger

	mu       sync.Mutex
	lastRoot string // most recently scanned root, the default query target
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter registers the adapter on the bus and returns it. The scanner
// may be nil when only context compression and validation are needed.
func NewAdapter(b *bus.Bus, scanner Scanner, opts ...Option) (*Adapter, error) {
	cache, err := lru.New[string, Index](indexCacheSize)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		bus:     b,
		scanner: scanner,
		indexes: cache,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	caps := []bus.Capability{bus.CapProjectQuery, bus.CapContextCompression, bus.CapValidation}
	if err := b.RegisterAgent(AgentID, "apc", caps, a.handle); err != nil {
		return nil, err
	}
	return a, nil
}

// Start launches the adapter's listener loop.
func (a *Adapter) Start(ctx context.Context) error {
	return a.bus.StartListener(ctx, AgentID)
}

func (a *Adapter) handle(_ context.Context, msg *bus.Message) error {
	var (
		result map[string]any
		err    error
	)

	switch msg.Type {
	case bus.TypeQuery:
		result, err = a.handleQuery(msg)
	case bus.TypeCommand:
		result, err = a.handleCommand(msg)
	default:
		return nil // events and the like need no answer
	}
	if err != nil {
		return err
	}

	a.appendRecommendations(msg, result)
	return a.bus.SendResponse(msg, result)
}

func (a *Adapter) handleQuery(msg *bus.Message) (map[string]any, error) {
	switch subtype, _ := msg.Payload["query_subtype"].(string); subtype {
	case "project_query":
		return a.projectQuery(msg.Payload)
	case "prepare_context":
		return a.prepareContext(msg.Payload)
	case "validate_output":
		return a.validateOutput(msg.Payload)
	default:
		return nil, fmt.Errorf("unknown query_subtype %q", msg.Payload["query_subtype"])
	}
}

func (a *Adapter) handleCommand(msg *bus.Message) (map[string]any, error) {
	switch command, _ := msg.Payload["command"].(string); command {
	case "scan_project":
		return a.scanProject(msg.Payload)
	default:
		return nil, fmt.Errorf("unknown command %q", msg.Payload["command"])
	}
}

// projectQuery answers structural questions from the cached index of the
// given project root. Queries without a project_root target the most
// recently scanned project. List answers go out under "results", with the
// legacy keys kept alongside.
func (a *Adapter) projectQuery(payload map[string]any) (map[string]any, error) {
	root, _ := payload["project_root"].(string)
	if root == "" {
		a.mu.Lock()
		root = a.lastRoot
		a.mu.Unlock()
	}
	index, ok := a.indexes.Get(root)
	if !ok {
		return nil, fmt.Errorf("project %q has not been scanned; send a scan_project command first", root)
	}

	query, _ := payload["query"].(string)
	limit := intFromAny(payload["limit"], 20)

	switch queryType, _ := payload["query_type"].(string); queryType {
	case "find_files", "find_pattern":
		fileType, _ := payload["file_type"].(string)
		files := index.FindFilesByPattern(query, fileType, limit)
		return map[string]any{
			"status":  "ok",
			"files":   files,
			"results": files,
		}, nil
	case "find_by_export":
		files := index.FindByExport(query)
		return map[string]any{
			"status":  "ok",
			"files":   files,
			"results": files,
		}, nil
	case "dependencies_of":
		deps := index.DependenciesOf(query)
		return map[string]any{
			"status":       "ok",
			"dependencies": deps,
			"results":      deps,
		}, nil
	default:
		return map[string]any{
			"status": "ok",
			"answer": index.Answer(query),
		}, nil
	}
}

// prepareContext compresses a conversation history for the current task.
func (a *Adapter) prepareContext(payload map[string]any) (map[string]any, error) {
	history := historyFromAny(payload["conversation_history"])
	task, _ := payload["current_task"].(string)
	target := intFromAny(payload["target_tokens"], 8000)

	compressed := CompressContext(history, task, target)
	return map[string]any{
		"status":             "ok",
		"compressed_context": compressed,
		"target_tokens":      target,
	}, nil
}

// validateOutput runs the rubric and reports pass/fail for the threshold.
func (a *Adapter) validateOutput(payload map[string]any) (map[string]any, error) {
	task, _ := payload["task"].(string)
	output, _ := payload["output"].(string)
	if output == "" {
		return nil, fmt.Errorf("validate_output requires an output")
	}
	threshold := intFromAny(payload["threshold"], 80)

	report := orchestrator.EvaluateOutput(task, output)
	return map[string]any{
		"status": "ok",
		"report": report,
		"passed": report.Score >= threshold,
	}, nil
}

// scanProject builds and caches the index for a project root.
func (a *Adapter) scanProject(payload map[string]any) (map[string]any, error) {
	if a.scanner == nil {
		return nil, fmt.Errorf("no project scanner configured")
	}
	root, _ := payload["project_root"].(string)
	if root == "" {
		return nil, fmt.Errorf("scan_project requires project_root")
	}
	depth := intFromAny(payload["scan_depth"], 3)
	force, _ := payload["force_rescan"].(bool)

	if !force {
		if _, ok := a.indexes.Get(root); ok {
			a.setLastRoot(root)
			return map[string]any{"status": "ok", "cached": true}, nil
		}
	}

	index, err := a.scanner(root, depth)
	if err != nil {
		return nil, fmt.Errorf("scan of %s failed: %w", root, err)
	}
	a.indexes.Add(root, index)
	a.setLastRoot(root)
	a.logger.Info("indexed project %s (depth %d)", root, depth)
	return map[string]any{"status": "ok", "cached": false}, nil
}

func (a *Adapter) setLastRoot(root string) {
	a.mu.Lock()
	a.lastRoot = root
	a.mu.Unlock()
}

// appendRecommendations adds task-specific hints when the message context
// names the task being worked on.
func (a *Adapter) appendRecommendations(msg *bus.Message, result map[string]any) {
	if result == nil || msg.Context == nil {
		return
	}
	task, _ := msg.Context["task"].(string)
	if task == "" {
		return
	}

	lower := strings.ToLower(task)
	var recs []string
	if strings.Contains(lower, "validation") {
		recs = append(recs, "validation rules live next to the orchestrator; check the rubric before changing thresholds")
	}
	if strings.Contains(lower, "orchestrator") {
		recs = append(recs, "orchestrator entry points are the quality-aware facade and the smart planner")
	}
	if strings.Contains(lower, "test") {
		recs = append(recs, "package-level _test.go files sit next to the code they cover")
	}
	if len(recs) > 0 {
		result["recommendations"] = recs
	}
}

func intFromAny(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

func historyFromAny(v any) []HistoryEntry {
	switch h := v.(type) {
	case []HistoryEntry:
		return h
	case []any:
		out := make([]HistoryEntry, 0, len(h))
		for _, item := range h {
			if m, ok := item.(map[string]any); ok {
				role, _ := m["role"].(string)
				content, _ := m["content"].(string)
				out = append(out, HistoryEntry{Role: role, Content: content})
			}
		}
		return out
	default:
		return nil
	}
}
