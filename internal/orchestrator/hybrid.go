package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"relay/internal/llm"
	"relay/internal/logging"
)

// HybridResult is the outcome of the generate/validate/fix loop.
type HybridResult struct {
	Result          string           `json:"result"`
	ValidationScore int              `json:"validation_score"`
	Iteration       int              `json:"iteration"`
	Issues          []Issue          `json:"issues"`
	Report          ValidationReport `json:"report"`
	Status          string           `json:"status"` // "passed" or "failed_validation"
}

// Passed reports whether the loop converged above the threshold.
func (r *HybridResult) Passed() bool { return r.Status == "passed" }

// HybridConfig tunes the hybrid loop.
type HybridConfig struct {
	ValidationThreshold int // default 80
	MaxIterations       int // generation attempts, default 3
	Logger              logging.Logger
}

// HybridOrchestrator runs the cheap-generation / validation workflow: a
// cheap model generates, the rubric scores, and fix instructions feed the
// next attempt with escalating firmness. The loop never silently returns a
// failing output as a success.
type HybridOrchestrator struct {
	caller    LLMCaller
	threshold int
	maxIters  int
	logger    logging.Logger
	metrics   *Metrics
}

// NewHybrid wires a HybridOrchestrator.
func NewHybrid(caller LLMCaller, cfg HybridConfig) *HybridOrchestrator {
	threshold := cfg.ValidationThreshold
	if threshold <= 0 {
		threshold = 80
	}
	iters := cfg.MaxIterations
	if iters <= 0 {
		iters = 3
	}
	return &HybridOrchestrator{
		caller:    caller,
		threshold: threshold,
		maxIters:  iters,
		logger:    logging.OrNop(cfg.Logger),
		metrics:   GetMetrics(),
	}
}

// OrchestrateWithValidation runs the generate/validate/fix loop. The
// best-scoring attempt is returned even when validation never passes, with
// Status set to "failed_validation" so callers cannot mistake it for a
// clean result.
func (h *HybridOrchestrator) OrchestrateWithValidation(ctx context.Context, task string) (*HybridResult, error) {
	best := &HybridResult{ValidationScore: -1, Status: "failed_validation"}
	prompt := task

	for iter := 1; iter <= h.maxIters; iter++ {
		output, err := h.caller.CallLLM(ctx, prompt, llm.CallOptions{Operation: "generate"})
		if err != nil {
			return nil, fmt.Errorf("generation attempt %d: %w", iter, err)
		}

		report := EvaluateOutput(task, output)
		h.metrics.ValidationScore.Observe(float64(report.Score))
		h.logger.Debug("hybrid iteration %d scored %d (threshold %d)", iter, report.Score, h.threshold)

		if report.Score > best.ValidationScore {
			best = &HybridResult{
				Result:          output,
				ValidationScore: report.Score,
				Iteration:       iter,
				Issues:          report.Issues,
				Report:          report,
				Status:          "failed_validation",
			}
		}

		if report.Score >= h.threshold {
			best.Status = "passed"
			h.metrics.HybridIterations.Observe(float64(iter))
			return best, nil
		}

		prompt = h.fixPrompt(task, output, report, iter)
	}

	h.metrics.HybridIterations.Observe(float64(h.maxIters))
	h.logger.Warn("hybrid loop exhausted %d iterations, best score %d", h.maxIters, best.ValidationScore)
	return best, nil
}

// fixPrompt rebuilds the generation prompt with the validator's findings.
// Firmness escalates with the iteration count so later attempts stop
// repeating the same mistakes.
func (h *HybridOrchestrator) fixPrompt(task, previous string, report ValidationReport, iter int) string {
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\n")

	switch iter {
	case 1:
		b.WriteString("Your previous attempt did not pass review. Address these issues:\n")
	case 2:
		b.WriteString("Second attempt also failed review. You MUST fix every issue below, no exceptions:\n")
	default:
		fmt.Fprintf(&b, "Attempt %d failed review. This is the final chance: fix EVERY issue below exactly as instructed.\n", iter)
	}

	b.WriteString(report.FixInstructions)
	fmt.Fprintf(&b, "\nPrevious score: %d/100 (need %d).\n", report.Score, h.threshold)
	b.WriteString("\nYour previous attempt (truncated):\n")
	b.WriteString(truncateForContext(previous, 3000))
	return b.String()
}
