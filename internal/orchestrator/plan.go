package orchestrator

import (
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"relay/internal/jsonx"
)

// Complexity grades a plan or subtask.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Subtask is one node of the plan's dependency DAG.
type Subtask struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	Dependencies    []string   `json:"dependencies"`
	Difficulty      Complexity `json:"difficulty"`
	ErrorRisk       Complexity `json:"error_risk"`
	EstimatedTokens int        `json:"estimated_tokens"`
}

// priority maps difficulty and error risk onto a 1–5 urgency scale used by
// worker assignment gates.
func (s Subtask) priority() int {
	p := 1
	switch s.Difficulty {
	case ComplexityMedium:
		p = 3
	case ComplexityHigh:
		p = 5
	}
	if s.ErrorRisk == ComplexityHigh && p < 5 {
		p++
	}
	return p
}

// Plan is the strict-JSON decomposition returned by the planning call.
type Plan struct {
	Complexity   Complexity        `json:"complexity"`
	Decompose    bool              `json:"decompose"`
	Subtasks     []Subtask         `json:"subtasks"`
	Requirements map[string]string `json:"requirements"`
}

// PlanParseError reports plan JSON that could not be parsed even after a
// repair pass and a re-prompt.
type PlanParseError struct {
	Raw string
	Err error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("plan is not valid JSON: %v", e.Err)
}

func (e *PlanParseError) Unwrap() error { return e.Err }

// PlanCycleError reports a cyclic or ill-formed subtask dependency graph.
type PlanCycleError struct {
	Detail string
}

func (e *PlanCycleError) Error() string {
	return "plan dependency graph is not a DAG: " + e.Detail
}

// ParsePlan decodes a plan from LLM output. Code fences are stripped; a
// jsonrepair pass fixes the common LLM JSON defects (trailing commas,
// single quotes) before giving up.
func ParsePlan(raw string) (Plan, error) {
	payload := extractJSONPayload(raw)

	var plan Plan
	if err := jsonx.Unmarshal([]byte(payload), &plan); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return Plan{}, &PlanParseError{Raw: raw, Err: err}
		}
		if err := jsonx.Unmarshal([]byte(repaired), &plan); err != nil {
			return Plan{}, &PlanParseError{Raw: raw, Err: err}
		}
	}

	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// extractJSONPayload strips markdown fences and leading prose around the
// first JSON object in the text.
func extractJSONPayload(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		} else {
			trimmed = strings.TrimSpace(rest)
		}
	}
	if start := strings.Index(trimmed, "{"); start > 0 {
		trimmed = trimmed[start:]
	}
	return trimmed
}

// Validate checks subtask id uniqueness, dependency resolution, and
// acyclicity. Unknown ids and cycles are fatal construction errors.
func (p Plan) Validate() error {
	seen := make(map[string]bool, len(p.Subtasks))
	for _, st := range p.Subtasks {
		if st.ID == "" {
			return &PlanCycleError{Detail: "subtask with empty id"}
		}
		if seen[st.ID] {
			return &PlanCycleError{Detail: "duplicate subtask id " + st.ID}
		}
		seen[st.ID] = true
	}
	for _, st := range p.Subtasks {
		for _, dep := range st.Dependencies {
			if !seen[dep] {
				return &PlanCycleError{Detail: fmt.Sprintf("subtask %s depends on unknown id %s", st.ID, dep)}
			}
		}
	}
	if _, err := p.TopologicalWaves(); err != nil {
		return err
	}
	return nil
}

// TopologicalWaves returns the subtasks grouped into dependency waves:
// every subtask in wave N depends only on subtasks in waves < N. Subtasks
// within a wave are independent and may run concurrently.
func (p Plan) TopologicalWaves() ([][]Subtask, error) {
	remaining := make(map[string]Subtask, len(p.Subtasks))
	for _, st := range p.Subtasks {
		remaining[st.ID] = st
	}

	var waves [][]Subtask
	done := make(map[string]bool, len(p.Subtasks))

	for len(remaining) > 0 {
		var wave []Subtask
		// Preserve declaration order within a wave for determinism.
		for _, st := range p.Subtasks {
			if done[st.ID] {
				continue
			}
			ready := true
			for _, dep := range st.Dependencies {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, st)
			}
		}
		if len(wave) == 0 {
			var stuck []string
			for id := range remaining {
				stuck = append(stuck, id)
			}
			return nil, &PlanCycleError{Detail: "cycle among " + strings.Join(stuck, ", ")}
		}
		for _, st := range wave {
			done[st.ID] = true
			delete(remaining, st.ID)
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// TopologicalOrder flattens the waves into a single dependency-respecting
// order used for assembly.
func (p Plan) TopologicalOrder() ([]Subtask, error) {
	waves, err := p.TopologicalWaves()
	if err != nil {
		return nil, err
	}
	var out []Subtask
	for _, wave := range waves {
		out = append(out, wave...)
	}
	return out, nil
}
