package apc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/bus"
)

type fakeIndex struct {
	files   []string
	exports map[string][]string
	deps    map[string][]string
}

func (f *fakeIndex) FindFilesByPattern(pattern, fileType string, limit int) []string {
	if limit < len(f.files) {
		return f.files[:limit]
	}
	return f.files
}

func (f *fakeIndex) FindByExport(name string) []string { return f.exports[name] }

func (f *fakeIndex) DependenciesOf(path string) []string { return f.deps[path] }

func (f *fakeIndex) Answer(question string) string { return "answer to: " + question }

func newTestAdapter(t *testing.T) (*bus.Bus, *Adapter, *int) {
	t.Helper()
	b := bus.NewBus()
	scans := 0
	scanner := func(root string, depth int) (Index, error) {
		scans++
		if root == "/broken" {
			return nil, errors.New("permission denied")
		}
		return &fakeIndex{
			files:   []string{"internal/router/router.go", "internal/llm/client.go"},
			exports: map[string][]string{"Route": {"internal/router/router.go"}},
			deps:    map[string][]string{"internal/llm/client.go": {"internal/errors"}},
		}, nil
	}
	a, err := NewAdapter(b, scanner)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, a.Start(ctx))
	return b, a, &scans
}

func ask(t *testing.T, b *bus.Bus, msgType bus.MessageType, payload map[string]any) *bus.Message {
	t.Helper()
	resp, err := b.SendAndWait(context.Background(), &bus.Message{
		FromAgent: "tester",
		ToAgent:   AgentID,
		Type:      msgType,
		Payload:   payload,
	}, 2*time.Second)
	require.NoError(t, err)
	return resp
}

func TestAdapterRegistersCapabilities(t *testing.T) {
	b, _, _ := newTestAdapter(t)
	for _, cap := range []bus.Capability{bus.CapProjectQuery, bus.CapContextCompression, bus.CapValidation} {
		agentID, ok := b.FindAgentByCapability(cap)
		require.True(t, ok)
		assert.Equal(t, AgentID, agentID)
	}
}

func TestScanThenProjectQuery(t *testing.T) {
	b, _, scans := newTestAdapter(t)

	resp := ask(t, b, bus.TypeCommand, map[string]any{
		"command":      "scan_project",
		"project_root": "/repo",
	})
	assert.Equal(t, "ok", resp.Payload["status"])
	assert.Equal(t, false, resp.Payload["cached"])
	assert.Equal(t, 1, *scans)

	resp = ask(t, b, bus.TypeQuery, map[string]any{
		"query_subtype": "project_query",
		"project_root":  "/repo",
		"query_type":    "find_files",
		"query":         "router",
		"limit":         1,
	})
	files, ok := resp.Payload["files"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"internal/router/router.go"}, files)

	resp = ask(t, b, bus.TypeQuery, map[string]any{
		"query_subtype": "project_query",
		"project_root":  "/repo",
		"query_type":    "find_by_export",
		"query":         "Route",
	})
	assert.Equal(t, []string{"internal/router/router.go"}, resp.Payload["files"])

	resp = ask(t, b, bus.TypeQuery, map[string]any{
		"query_subtype": "project_query",
		"project_root":  "/repo",
		"query_type":    "dependencies_of",
		"query":         "internal/llm/client.go",
	})
	assert.Equal(t, []string{"internal/errors"}, resp.Payload["dependencies"])

	resp = ask(t, b, bus.TypeQuery, map[string]any{
		"query_subtype": "project_query",
		"project_root":  "/repo",
		"query":         "where is the entry point",
	})
	assert.Equal(t, "answer to: where is the entry point", resp.Payload["answer"])
}

func TestFindPatternDefaultsToLastScannedProject(t *testing.T) {
	b, _, _ := newTestAdapter(t)

	ask(t, b, bus.TypeCommand, map[string]any{
		"command":      "scan_project",
		"project_root": "/repo",
	})

	// No project_root in the query: the adapter targets the last scan.
	resp := ask(t, b, bus.TypeQuery, map[string]any{
		"query_subtype": "project_query",
		"query_type":    "find_pattern",
		"query":         "Validator",
	})
	assert.Equal(t, "ok", resp.Payload["status"])
	results, ok := resp.Payload["results"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, results)
}

func TestScanProjectUsesCache(t *testing.T) {
	b, _, scans := newTestAdapter(t)

	ask(t, b, bus.TypeCommand, map[string]any{"command": "scan_project", "project_root": "/repo"})
	resp := ask(t, b, bus.TypeCommand, map[string]any{"command": "scan_project", "project_root": "/repo"})
	assert.Equal(t, true, resp.Payload["cached"])
	assert.Equal(t, 1, *scans)

	resp = ask(t, b, bus.TypeCommand, map[string]any{
		"command":      "scan_project",
		"project_root": "/repo",
		"force_rescan": true,
	})
	assert.Equal(t, false, resp.Payload["cached"])
	assert.Equal(t, 2, *scans)
}

func TestQueryBeforeScanFails(t *testing.T) {
	b, _, _ := newTestAdapter(t)

	resp := ask(t, b, bus.TypeQuery, map[string]any{
		"query_subtype": "project_query",
		"project_root":  "/never-scanned",
		"query":         "anything",
	})
	assert.Equal(t, "error", resp.Payload["status"])
	assert.Contains(t, resp.Payload["error"], "scan_project")
}

func TestScanFailureSurfacesError(t *testing.T) {
	b, _, _ := newTestAdapter(t)

	resp := ask(t, b, bus.TypeCommand, map[string]any{
		"command":      "scan_project",
		"project_root": "/broken",
	})
	assert.Equal(t, "error", resp.Payload["status"])
	assert.Contains(t, resp.Payload["error"], "permission denied")
}

func TestValidateOutputQuery(t *testing.T) {
	b, _, _ := newTestAdapter(t)

	resp := ask(t, b, bus.TypeQuery, map[string]any{
		"query_subtype": "validate_output",
		"task":          "Implement the parser",
		"output":        "TODO: later",
		"threshold":     80,
	})
	assert.Equal(t, "ok", resp.Payload["status"])
	assert.Equal(t, false, resp.Payload["passed"])
}

func TestPrepareContextQuery(t *testing.T) {
	b, _, _ := newTestAdapter(t)

	history := []any{
		map[string]any{"role": "user", "content": "We are building the router package"},
		map[string]any{"role": "assistant", "content": "The router classifies tasks"},
	}
	resp := ask(t, b, bus.TypeQuery, map[string]any{
		"query_subtype":        "prepare_context",
		"conversation_history": history,
		"current_task":         "extend the router thresholds",
		"target_tokens":        500,
	})
	assert.Equal(t, "ok", resp.Payload["status"])
	compressed, _ := resp.Payload["compressed_context"].(string)
	assert.Contains(t, compressed, "router")
}

func TestContextAwareRecommendations(t *testing.T) {
	b, _, _ := newTestAdapter(t)

	resp, err := b.SendAndWait(context.Background(), &bus.Message{
		FromAgent: "tester",
		ToAgent:   AgentID,
		Type:      bus.TypeQuery,
		Payload: map[string]any{
			"query_subtype": "validate_output",
			"task":          "check",
			"output":        "some output text to score",
		},
		Context: map[string]any{"task": "improve validation tests"},
	}, 2*time.Second)
	require.NoError(t, err)

	recs, ok := resp.Payload["recommendations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(recs), 2) // "validation" and "test" hints
}

func TestCompressContextBudget(t *testing.T) {
	history := []HistoryEntry{
		{Role: "user", Content: "Irrelevant chatter about lunch plans and weather patterns"},
		{Role: "assistant", Content: "The billing module uses the ledger table"},
		{Role: "user", Content: "Please refactor the billing ledger writes"},
	}
	out := CompressContext(history, "refactor billing ledger", 15)
	assert.Contains(t, out, "billing")
	assert.NotContains(t, out, "lunch")
	assert.Contains(t, out, "context compressed")
}

func TestCompressContextKeepsEverythingUnderBudget(t *testing.T) {
	history := []HistoryEntry{
		{Role: "user", Content: "short question"},
		{Role: "assistant", Content: "short answer"},
	}
	out := CompressContext(history, "anything", 1000)
	assert.Contains(t, out, "short question")
	assert.Contains(t, out, "short answer")
	assert.NotContains(t, out, "context compressed")
}

func TestCompressContextSplitsCodeFences(t *testing.T) {
	history := []HistoryEntry{
		{Role: "assistant", Content: "Here is the fix:\n```\nfunc Fix() {}\n```\ntrailing note"},
	}
	out := CompressContext(history, "apply the fix function", 1000)
	assert.Contains(t, out, "func Fix()")
	assert.Contains(t, out, "```")
}

func TestCompressContextEmptyHistory(t *testing.T) {
	assert.Empty(t, CompressContext(nil, "task", 100))
}
