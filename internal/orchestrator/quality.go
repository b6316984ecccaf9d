package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relay/internal/llm"
	"relay/internal/logging"
	"relay/internal/router"
)

// EnvelopeMetadata records how a result was produced.
type EnvelopeMetadata struct {
	Workflow         string `json:"workflow"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Iterations       int    `json:"iterations"`
	ValidationPassed bool   `json:"validation_passed"`
}

// ResultEnvelope is the uniform return shape of the quality-aware facade:
// whatever path a task took, callers get the same fields back.
type ResultEnvelope struct {
	Result       string           `json:"result"`
	Decision     router.Decision  `json:"decision"`
	Orchestrator string           `json:"orchestrator"` // "SmartOrchestrator", "HybridOrchestrator", "PremiumEscalation"
	CostEstimate float64          `json:"cost_estimate"`
	QualityScore int              `json:"quality_score"`
	Metadata     EnvelopeMetadata `json:"metadata"`
}

// Nominal per-task cost estimates used before real usage numbers exist.
const (
	delegateCostEstimate = 0.10
	escalateCostEstimate = 3.00

	escalateQualityScore = 95
)

// QualityConfig tunes the facade.
type QualityConfig struct {
	Router *router.Router
	Smart  SmartConfig
	Hybrid HybridConfig
	Logger logging.Logger
}

// QualityAware routes every task through the quality router first and then
// dispatches to the matching execution path: Delegate runs the smart
// orchestrator, Hybrid the generate/validate loop, Escalate a single
// premium-pinned call. Rejections surface as the router's
// *router.RejectionError so callers see the alternatives.
type QualityAware struct {
	caller  LLMCaller
	router  *router.Router
	smart   *SmartOrchestrator
	hybrid  *HybridOrchestrator
	logger  logging.Logger
	metrics *Metrics
}

// NewQualityAware wires the facade around one LLM caller.
func NewQualityAware(caller LLMCaller, cfg QualityConfig) *QualityAware {
	rt := cfg.Router
	if rt == nil {
		rt = router.New(router.Config{})
	}
	cfg.Smart.Logger = logging.OrNop(cfg.Smart.Logger)
	cfg.Hybrid.Logger = logging.OrNop(cfg.Hybrid.Logger)
	return &QualityAware{
		caller:  caller,
		router:  rt,
		smart:   NewSmart(caller, cfg.Smart),
		hybrid:  NewHybrid(caller, cfg.Hybrid),
		logger:  logging.OrNop(cfg.Logger),
		metrics: GetMetrics(),
	}
}

// Orchestrate routes the task and runs the selected workflow. With
// forceDelegate the router is bypassed and the task goes straight to the
// cheap single-shot path.
func (q *QualityAware) Orchestrate(ctx context.Context, task string, req router.Requirements, forceDelegate bool) (*ResultEnvelope, error) {
	if forceDelegate {
		provider, model := q.router.DefaultTarget()
		decision := router.Decision{
			Action:           router.ActionDelegate,
			PredictedQuality: 85,
			Reasoning:        []string{"routing bypassed (force_delegate)"},
			Provider:         provider,
			Model:            model,
			Workflow:         router.WorkflowDelegate,
			Metadata:         router.DeriveMetadata(task),
		}
		q.metrics.RoutesTotal.WithLabelValues("force_delegate").Inc()
		return q.runDelegate(ctx, task, decision)
	}

	decision, err := q.router.Route(task, req)
	if err != nil {
		q.metrics.RoutesTotal.WithLabelValues(string(router.ActionReject)).Inc()
		return nil, err // *router.RejectionError passes through unchanged
	}
	q.metrics.RoutesTotal.WithLabelValues(string(decision.Action)).Inc()
	q.logger.Info("routing: %s (predicted quality %d)", decision.Action, decision.PredictedQuality)

	switch decision.Action {
	case router.ActionDelegate:
		return q.runDelegate(ctx, task, decision)
	case router.ActionHybrid:
		return q.runHybrid(ctx, task, decision)
	case router.ActionEscalate:
		return q.runEscalate(ctx, task, decision)
	default:
		return nil, fmt.Errorf("unexpected routing action %q", decision.Action)
	}
}

func (q *QualityAware) runDelegate(ctx context.Context, task string, decision router.Decision) (*ResultEnvelope, error) {
	res, err := q.smart.Orchestrate(ctx, task)
	if err != nil {
		return nil, err
	}
	iterations := 1
	for _, sub := range res.Subtasks {
		if sub.Attempts > iterations {
			iterations = sub.Attempts
		}
	}
	q.metrics.TaskCost.Observe(delegateCostEstimate)
	return &ResultEnvelope{
		Result:       res.Final,
		Decision:     decision,
		Orchestrator: "SmartOrchestrator",
		CostEstimate: delegateCostEstimate,
		QualityScore: decision.PredictedQuality,
		Metadata: EnvelopeMetadata{
			Workflow:         decision.Workflow,
			Provider:         decision.Provider,
			Model:            decision.Model,
			Iterations:       iterations,
			ValidationPassed: true,
		},
	}, nil
}

func (q *QualityAware) runHybrid(ctx context.Context, task string, decision router.Decision) (*ResultEnvelope, error) {
	res, err := q.hybrid.OrchestrateWithValidation(ctx, task)
	if err != nil {
		return nil, err
	}
	cost := delegateCostEstimate * float64(res.Iteration)
	q.metrics.TaskCost.Observe(cost)
	return &ResultEnvelope{
		Result:       res.Result,
		Decision:     decision,
		Orchestrator: "HybridOrchestrator",
		CostEstimate: cost,
		QualityScore: res.ValidationScore,
		Metadata: EnvelopeMetadata{
			Workflow:         decision.Workflow,
			Provider:         decision.Provider,
			Model:            decision.Model,
			Iterations:       res.Iteration,
			ValidationPassed: res.Passed(),
		},
	}, nil
}

func (q *QualityAware) runEscalate(ctx context.Context, task string, decision router.Decision) (*ResultEnvelope, error) {
	// The decision names the premium provider; pin the call so it cannot
	// land on a cheaper chain entry.
	out, err := q.caller.CallLLM(ctx, task, llm.CallOptions{
		Operation: "escalate",
		Provider:  decision.Provider,
		Model:     decision.Model,
		System:    "You are the premium reviewer. Deliver exhaustive, file:line-precise output with no placeholders.",
	})
	if err != nil {
		return nil, err
	}
	q.metrics.TaskCost.Observe(escalateCostEstimate)
	return &ResultEnvelope{
		Result:       out,
		Decision:     decision,
		Orchestrator: "PremiumEscalation",
		CostEstimate: escalateCostEstimate,
		QualityScore: escalateQualityScore,
		Metadata: EnvelopeMetadata{
			Workflow:         decision.Workflow,
			Provider:         decision.Provider,
			Model:            decision.Model,
			Iterations:       1,
			ValidationPassed: true,
		},
	}, nil
}

// ExplainRouting dry-runs the router and renders the decision for humans,
// without spending any money.
func (q *QualityAware) ExplainRouting(task string, req router.Requirements) string {
	decision, err := q.router.Route(task, req)

	var b strings.Builder
	if err != nil {
		var rejection *router.RejectionError
		if errors.As(err, &rejection) {
			decision = rejection.Decision
			fmt.Fprintf(&b, "Decision: REJECT (predicted quality %d)\n", decision.PredictedQuality)
			writeReasoning(&b, decision.Reasoning)
			b.WriteString("Alternatives:\n")
			for _, alt := range rejection.Alternatives {
				b.WriteString("  - " + alt + "\n")
			}
			return b.String()
		}
		return "routing failed: " + err.Error()
	}

	fmt.Fprintf(&b, "Decision: %s (predicted quality %d)\n", strings.ToUpper(string(decision.Action)), decision.PredictedQuality)
	fmt.Fprintf(&b, "Workflow: %s via %s/%s\n", decision.Workflow, decision.Provider, decision.Model)
	writeReasoning(&b, decision.Reasoning)
	return b.String()
}

func writeReasoning(b *strings.Builder, reasoning []string) {
	b.WriteString("Reasoning:\n")
	for _, line := range reasoning {
		b.WriteString("  " + line + "\n")
	}
}
