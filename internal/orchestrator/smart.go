package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"relay/internal/llm"
	"relay/internal/logging"
)

// LLMCaller is the one capability the orchestrators need from the LLM
// layer. *llm.Client satisfies it.
type LLMCaller interface {
	CallLLM(ctx context.Context, prompt string, opts llm.CallOptions) (string, error)
}

// SubtaskResult is the outcome of one delegated subtask.
type SubtaskResult struct {
	SubtaskID  string            `json:"subtask_id"`
	Worker     string            `json:"worker"`
	Output     string            `json:"output"`
	Validation *ValidationReport `json:"validation,omitempty"`
	Attempts   int               `json:"attempts"`
	DurationMS int64             `json:"duration_ms"`
}

// SmartResult is the full orchestration outcome.
type SmartResult struct {
	Plan        Plan                     `json:"plan"`
	Assignments map[string]string        `json:"assignments"`
	Subtasks    map[string]SubtaskResult `json:"subtasks"`
	Final       string                   `json:"final"`
	Decomposed  bool                     `json:"decomposed"`
	TotalCost   float64                  `json:"total_cost"`
}

// SmartConfig tunes the multi-step orchestrator.
type SmartConfig struct {
	Workers        map[string]WorkerInfo
	MaxFixRounds   int  // validation retries per subtask, default 1
	ReplicateStyle bool // deterministic temperature for pattern replication
	Logger         logging.Logger
}

// SmartOrchestrator decomposes a task into a subtask DAG, delegates each
// subtask to a worker persona, validates the outputs, and assembles the
// final deliverable. All LLM calls go through a single caller so cost
// tracking and fallback stay centralized.
type SmartOrchestrator struct {
	caller  LLMCaller
	workers map[string]WorkerInfo
	rounds  int
	style   bool
	logger  logging.Logger
	metrics *Metrics
}

// NewSmart wires a SmartOrchestrator.
func NewSmart(caller LLMCaller, cfg SmartConfig) *SmartOrchestrator {
	workers := cfg.Workers
	if len(workers) == 0 {
		workers = DefaultWorkers()
	}
	rounds := cfg.MaxFixRounds
	if rounds <= 0 {
		rounds = 1
	}
	return &SmartOrchestrator{
		caller:  caller,
		workers: workers,
		rounds:  rounds,
		style:   cfg.ReplicateStyle,
		logger:  logging.OrNop(cfg.Logger),
		metrics: GetMetrics(),
	}
}

// Orchestrate runs the whole pipeline: plan, assign, execute in dependency
// waves, validate, assemble.
func (o *SmartOrchestrator) Orchestrate(ctx context.Context, task string) (*SmartResult, error) {
	// Pattern replication skips planning: one deterministic call so the
	// output tracks the reference style instead of a decomposition.
	if o.style {
		out, err := o.runSingle(ctx, task)
		if err != nil {
			return nil, err
		}
		return &SmartResult{Final: out, Subtasks: map[string]SubtaskResult{}}, nil
	}

	plan, err := o.AnalyzeAndPlan(ctx, task)
	if err != nil {
		return nil, err
	}

	result := &SmartResult{Plan: plan, Subtasks: make(map[string]SubtaskResult)}

	if !plan.Decompose || len(plan.Subtasks) == 0 {
		out, err := o.runSingle(ctx, task)
		if err != nil {
			return nil, err
		}
		result.Final = out
		return result, nil
	}
	result.Decomposed = true

	assignments, err := AssignWorkers(plan.Subtasks, o.workers)
	if err != nil {
		return nil, err
	}
	result.Assignments = assignments
	o.logger.Info("plan: %d subtasks across %d workers", len(plan.Subtasks), len(o.workers))

	waves, err := plan.TopologicalWaves()
	if err != nil {
		return nil, err
	}

	specs := o.GenerateSpecs(task, plan, assignments)
	if err := o.executeWaves(ctx, waves, specs, assignments, result); err != nil {
		return nil, err
	}

	final, err := o.AssembleAndPolish(ctx, task, plan, result.Subtasks)
	if err != nil {
		return nil, err
	}
	result.Final = final
	return result, nil
}

// AnalyzeAndPlan asks the planner for a strict-JSON decomposition. On a
// parse failure it re-prompts once with the parse error appended; a second
// failure surfaces the PlanParseError.
func (o *SmartOrchestrator) AnalyzeAndPlan(ctx context.Context, task string) (Plan, error) {
	prompt := o.planPrompt(task, "")
	raw, err := o.caller.CallLLM(ctx, prompt, llm.CallOptions{Operation: "plan"})
	if err != nil {
		return Plan{}, fmt.Errorf("planning call failed: %w", err)
	}

	plan, parseErr := ParsePlan(raw)
	if parseErr == nil {
		o.metrics.PlansTotal.WithLabelValues("ok").Inc()
		return plan, nil
	}

	var pe *PlanParseError
	if !errors.As(parseErr, &pe) {
		o.metrics.PlansTotal.WithLabelValues("invalid").Inc()
		return Plan{}, parseErr // cycle or duplicate ids: re-prompting rarely helps
	}

	o.logger.Warn("plan JSON invalid, re-prompting once: %v", parseErr)
	raw, err = o.caller.CallLLM(ctx, o.planPrompt(task, parseErr.Error()), llm.CallOptions{Operation: "plan"})
	if err != nil {
		return Plan{}, fmt.Errorf("planning retry failed: %w", err)
	}
	plan, parseErr = ParsePlan(raw)
	if parseErr != nil {
		o.metrics.PlansTotal.WithLabelValues("parse_failed").Inc()
		return Plan{}, parseErr
	}
	o.metrics.PlansTotal.WithLabelValues("ok_retry").Inc()
	return plan, nil
}

func (o *SmartOrchestrator) planPrompt(task, previousError string) string {
	var b strings.Builder
	b.WriteString("You are a task planner. Decompose the task below into subtasks if it benefits from decomposition.\n")
	b.WriteString("Respond with STRICT JSON only, no prose, matching this schema:\n")
	b.WriteString(`{"complexity":"low|medium|high","decompose":true,"subtasks":[{"id":"s1","description":"...","dependencies":[],"difficulty":"low|medium|high","error_risk":"low|medium|high","estimated_tokens":500}],"requirements":{}}` + "\n")
	b.WriteString("\nAvailable workers:\n")
	for _, name := range sortedWorkerNames(o.workers) {
		b.WriteString("- " + describeWorker(name, o.workers[name]) + "\n")
	}
	if previousError != "" {
		b.WriteString("\nYour previous response was not valid JSON (" + previousError + "). Respond with corrected strict JSON only.\n")
	}
	b.WriteString("\nTask:\n" + task + "\n")
	return b.String()
}

// GenerateSpecs renders a focused prompt per subtask: the overall goal, the
// subtask description, the assigned worker's strengths, and the outputs of
// its dependencies slot (filled at execution time).
func (o *SmartOrchestrator) GenerateSpecs(task string, plan Plan, assignments map[string]string) map[string]string {
	specs := make(map[string]string, len(plan.Subtasks))
	for _, st := range plan.Subtasks {
		var b strings.Builder
		fmt.Fprintf(&b, "Overall goal:\n%s\n\nYour subtask (%s):\n%s\n", task, st.ID, st.Description)
		if worker := assignments[st.ID]; worker != "" {
			info := o.workers[worker]
			fmt.Fprintf(&b, "\nYou are the %q worker. Play to your strengths: %s.\n",
				worker, strings.Join(info.BestFor, ", "))
		}
		if len(plan.Requirements) > 0 {
			b.WriteString("\nRequirements:\n")
			keys := make([]string, 0, len(plan.Requirements))
			for k := range plan.Requirements {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, "- %s: %s\n", k, plan.Requirements[k])
			}
		}
		b.WriteString("\nProduce only the deliverable for your subtask. No placeholders.\n")
		specs[st.ID] = b.String()
	}
	return specs
}

// executeWaves runs each dependency wave concurrently with errgroup; a wave
// starts only after the previous one completed, so dependency outputs are
// always available.
func (o *SmartOrchestrator) executeWaves(ctx context.Context, waves [][]Subtask, specs, assignments map[string]string, result *SmartResult) error {
	for i, wave := range waves {
		o.logger.Debug("executing wave %d (%d subtasks)", i, len(wave))
		g, gctx := errgroup.WithContext(ctx)
		waveResults := make([]SubtaskResult, len(wave))

		for j, st := range wave {
			j, st := j, st
			g.Go(func() error {
				spec := specs[st.ID] + o.dependencyContext(st, result.Subtasks)
				res, err := o.runSubtask(gctx, st, assignments[st.ID], spec)
				if err != nil {
					return fmt.Errorf("subtask %s: %w", st.ID, err)
				}
				waveResults[j] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, res := range waveResults {
			result.Subtasks[res.SubtaskID] = res
		}
	}
	return nil
}

func (o *SmartOrchestrator) dependencyContext(st Subtask, done map[string]SubtaskResult) string {
	if len(st.Dependencies) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nOutputs of completed dependencies:\n")
	for _, dep := range st.Dependencies {
		if res, ok := done[dep]; ok {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", dep, truncateForContext(res.Output, 4000))
		}
	}
	return b.String()
}

// runSubtask delegates one subtask and validates the output, retrying with
// fix instructions up to the configured round count.
func (o *SmartOrchestrator) runSubtask(ctx context.Context, st Subtask, worker, spec string) (SubtaskResult, error) {
	start := time.Now()
	prompt := spec
	var output string
	var report ValidationReport

	attempts := 0
	for {
		attempts++
		out, err := o.caller.CallLLM(ctx, prompt, llm.CallOptions{
			Operation:     "subtask",
			Deterministic: o.style,
		})
		if err != nil {
			return SubtaskResult{}, err
		}
		output = out
		report = EvaluateOutput(st.Description, output)
		o.metrics.ValidationScore.Observe(float64(report.Score))
		if report.Score >= 80 || attempts > o.rounds {
			break
		}
		o.logger.Debug("subtask %s scored %d, retrying with fixes", st.ID, report.Score)
		prompt = spec + "\n\nYour previous attempt had issues. Fix ALL of them:\n" + report.FixInstructions +
			"\nPrevious attempt (truncated):\n" + truncateForContext(output, 3000)
	}

	o.metrics.SubtasksTotal.WithLabelValues(worker).Inc()
	return SubtaskResult{
		SubtaskID:  st.ID,
		Worker:     worker,
		Output:     output,
		Validation: &report,
		Attempts:   attempts,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// ValidateOutputs re-scores every subtask output, keyed by subtask id.
func (o *SmartOrchestrator) ValidateOutputs(plan Plan, results map[string]SubtaskResult) map[string]ValidationReport {
	reports := make(map[string]ValidationReport, len(results))
	for _, st := range plan.Subtasks {
		if res, ok := results[st.ID]; ok {
			reports[st.ID] = EvaluateOutput(st.Description, res.Output)
		}
	}
	return reports
}

// AssembleAndPolish merges subtask outputs in dependency order and asks the
// LLM for one final coherence pass.
func (o *SmartOrchestrator) AssembleAndPolish(ctx context.Context, task string, plan Plan, results map[string]SubtaskResult) (string, error) {
	order, err := plan.TopologicalOrder()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Combine the subtask outputs below into one coherent final deliverable for the task. ")
	b.WriteString("Resolve duplication and inconsistencies; do not drop content.\n\nTask:\n")
	b.WriteString(task)
	b.WriteString("\n\nSubtask outputs in dependency order:\n")
	for _, st := range order {
		if res, ok := results[st.ID]; ok {
			fmt.Fprintf(&b, "=== %s (%s) ===\n%s\n\n", st.ID, st.Description, res.Output)
		}
	}

	out, err := o.caller.CallLLM(ctx, b.String(), llm.CallOptions{Operation: "assemble"})
	if err != nil {
		return "", fmt.Errorf("assembly call failed: %w", err)
	}
	return out, nil
}

// runSingle handles plans that decline decomposition.
func (o *SmartOrchestrator) runSingle(ctx context.Context, task string) (string, error) {
	return o.caller.CallLLM(ctx, task, llm.CallOptions{
		Operation:     "execute",
		Deterministic: o.style,
	})
}

func sortedWorkerNames(workers map[string]WorkerInfo) []string {
	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func truncateForContext(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "\n[truncated]"
}
