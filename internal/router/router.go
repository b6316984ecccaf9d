// Package router implements the quality-aware task router: it classifies a
// task, predicts a quality score before any money is spent, and decides
// whether to delegate, validate, escalate, or reject.
//
// Routing is a pure function over (task, requirements): no I/O, fully
// deterministic, linear in the task size.
package router

import (
	"fmt"
	"strings"
)

// TaskType classifies what kind of work the task asks for.
type TaskType string

const (
	TaskGenerative TaskType = "generative"
	TaskAnalytical TaskType = "analytical"
	TaskHybrid     TaskType = "hybrid"
)

// Action is the routing outcome.
type Action string

const (
	ActionDelegate Action = "delegate"
	ActionHybrid   Action = "hybrid"
	ActionEscalate Action = "escalate"
	ActionReject   Action = "reject"
)

// WorkflowHybrid names the cheap-generation / premium-validation workflow.
const WorkflowHybrid = "free_gen_premium_validation"

// WorkflowDelegate names the single-shot cheap delegation workflow.
const WorkflowDelegate = "direct_delegation"

// WorkflowEscalate names the premium single-shot workflow.
const WorkflowEscalate = "premium_escalation"

// Requirements are the recognized routing options.
type Requirements struct {
	NeedsFileLineRefs bool `json:"needs_file_line_refs"`
	NoPlaceholders    bool `json:"no_placeholders"`
	AllowPremium      bool `json:"allow_premium"`
}

// Metadata is derived from the task text once and reused downstream.
type Metadata struct {
	InputSizeBytes       int      `json:"input_size_bytes"`
	HasEmbeddedCode      bool     `json:"has_embedded_code"`
	CodeBlockCount       int      `json:"code_block_count"`
	EstimatedOutputLines int      `json:"estimated_output_lines"`
	Type                 TaskType `json:"task_type"`
}

// Decision is the record produced once per task.
type Decision struct {
	Action           Action   `json:"action"`
	PredictedQuality int      `json:"predicted_quality"`
	Reasoning        []string `json:"reasoning"`
	Provider         string   `json:"provider,omitempty"`
	Model            string   `json:"model,omitempty"`
	Workflow         string   `json:"workflow,omitempty"`
	Metadata         Metadata `json:"metadata"`
}

// RejectionError carries the full decision so callers can present
// alternatives to the user.
type RejectionError struct {
	Decision     Decision
	Alternatives []string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("task rejected: predicted quality %d below threshold; alternatives: %s",
		e.Decision.PredictedQuality, strings.Join(e.Alternatives, "; "))
}

var analyticalKeywords = []string{
	"audit", "review", "analyze", "find bugs", "identify issues",
	"diagnose", "inspect",
}

var generativeKeywords = []string{
	"implement", "create", "build", "generate", "write",
	"scaffold", "draft",
}

// Config tunes the router thresholds and the models it names in decisions.
type Config struct {
	RejectionThreshold int    // default 60
	HybridThreshold    int    // default 80
	DefaultProvider    string // cheap provider named in delegate decisions
	DefaultModel       string
	PremiumProvider    string // provider named in escalate decisions
	PremiumModel       string
}

func (c *Config) defaults() {
	if c.RejectionThreshold == 0 {
		c.RejectionThreshold = 60
	}
	if c.HybridThreshold == 0 {
		c.HybridThreshold = 80
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = "deepseek"
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "deepseek-chat"
	}
	if c.PremiumProvider == "" {
		c.PremiumProvider = "anthropic"
	}
	if c.PremiumModel == "" {
		c.PremiumModel = "claude-sonnet-4-20250514"
	}
}

// Router predicts task quality and produces routing decisions.
type Router struct {
	cfg Config
}

// New creates a Router; zero-valued config fields take documented defaults.
func New(cfg Config) *Router {
	cfg.defaults()
	return &Router{cfg: cfg}
}

// DeriveMetadata inspects the task text once.
func DeriveMetadata(task string) Metadata {
	fenceCount := strings.Count(task, "```")
	blocks := fenceCount / 2

	// Rough output size guess: a quarter of the input lines, at least 10.
	lines := strings.Count(task, "\n") + 1
	estimated := lines / 4
	if estimated < 10 {
		estimated = 10
	}

	return Metadata{
		InputSizeBytes:       len(task),
		HasEmbeddedCode:      blocks > 0,
		CodeBlockCount:       blocks,
		EstimatedOutputLines: estimated,
	}
}

// classify runs keyword-bag scoring over the lowercased task text.
func classify(task string, req Requirements, meta Metadata) TaskType {
	lower := strings.ToLower(task)

	analytical := 0
	for _, kw := range analyticalKeywords {
		if strings.Contains(lower, kw) {
			analytical++
		}
	}
	generative := 0
	for _, kw := range generativeKeywords {
		if strings.Contains(lower, kw) {
			generative++
		}
	}

	// Strong analytical signals: large embedded code, or the caller wants
	// file:line citations.
	if (meta.HasEmbeddedCode && meta.InputSizeBytes > 10*1024) ||
		req.NeedsFileLineRefs ||
		strings.Contains(lower, "file:line") ||
		strings.Contains(lower, "specific line") {
		analytical += 3
	}

	switch {
	case analytical-generative >= 2:
		return TaskAnalytical
	case generative > analytical:
		return TaskGenerative
	default:
		return TaskHybrid
	}
}

// predictQuality starts at 85 and applies the additive penalty table,
// returning the clamped score and the list of applied penalties.
func predictQuality(req Requirements, meta Metadata) (int, []string) {
	score := 85
	var penalties []string

	apply := func(amount int, reason string) {
		score -= amount
		penalties = append(penalties, fmt.Sprintf("-%d: %s", amount, reason))
	}

	switch meta.Type {
	case TaskAnalytical:
		apply(30, "analytical task")
	case TaskHybrid:
		apply(15, "hybrid task")
	}

	switch {
	case meta.InputSizeBytes > 100*1024:
		apply(20, "input exceeds 100KB")
	case meta.InputSizeBytes > 50*1024:
		apply(10, "input exceeds 50KB")
	}

	if meta.HasEmbeddedCode {
		apply(15, "embedded code blocks")
	}
	if req.NeedsFileLineRefs {
		apply(15, "file:line references required")
	}
	if req.NoPlaceholders {
		apply(10, "no placeholders allowed")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, penalties
}

// Route classifies the task, predicts quality, and returns a Decision. A
// predicted quality below the rejection threshold without premium
// permission returns a *RejectionError carrying the decision.
func (r *Router) Route(task string, req Requirements) (Decision, error) {
	meta := DeriveMetadata(task)
	meta.Type = classify(task, req, meta)

	quality, penalties := predictQuality(req, meta)
	reasoning := append([]string{fmt.Sprintf("task classified as %s", meta.Type)}, penalties...)

	decision := Decision{
		PredictedQuality: quality,
		Reasoning:        reasoning,
		Metadata:         meta,
	}

	switch {
	case quality >= r.cfg.HybridThreshold:
		decision.Action = ActionDelegate
		decision.Provider = r.cfg.DefaultProvider
		decision.Model = r.cfg.DefaultModel
		decision.Workflow = WorkflowDelegate
		return decision, nil

	case quality >= r.cfg.RejectionThreshold:
		decision.Action = ActionHybrid
		decision.Provider = r.cfg.DefaultProvider
		decision.Model = r.cfg.DefaultModel
		decision.Workflow = WorkflowHybrid
		return decision, nil

	case req.AllowPremium:
		decision.Action = ActionEscalate
		decision.Provider = r.cfg.PremiumProvider
		decision.Model = r.cfg.PremiumModel
		decision.Workflow = WorkflowEscalate
		return decision, nil

	default:
		decision.Action = ActionReject
		return decision, &RejectionError{
			Decision: decision,
			Alternatives: []string{
				fmt.Sprintf("run the task directly on the premium model (%s/%s)", r.cfg.PremiumProvider, r.cfg.PremiumModel),
				"set allow_premium to let the router escalate automatically",
				"simplify the task: split it into smaller pieces or trim the embedded code",
			},
		}
	}
}

// Thresholds returns the active rejection and hybrid thresholds.
func (r *Router) Thresholds() (rejection, hybrid int) {
	return r.cfg.RejectionThreshold, r.cfg.HybridThreshold
}

// DefaultTarget returns the cheap provider and model named in delegate
// decisions.
func (r *Router) DefaultTarget() (provider, model string) {
	return r.cfg.DefaultProvider, r.cfg.DefaultModel
}
