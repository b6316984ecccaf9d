package orchestrator

import (
	"fmt"
	"strings"
)

// Issue is one defect found by validation, with a fix the generator can act on.
type Issue struct {
	Component      string `json:"component"`
	Severity       string `json:"severity"` // "critical", "major", "minor"
	Issue          string `json:"issue"`
	FixInstruction string `json:"fix_instruction"`
	CodeExample    string `json:"code_example,omitempty"`
	Location       string `json:"location,omitempty"`
}

// ValidationReport scores an output against the 30/40/30 rubric:
// completeness, correctness, production-readiness.
type ValidationReport struct {
	Score              int      `json:"score"`
	Issues             []Issue  `json:"issues"`
	Strengths          []string `json:"strengths"`
	Completeness       int      `json:"completeness"`
	Correctness        int      `json:"correctness"`
	ProductionReady    int      `json:"production_ready"`
	ImprovementSummary string   `json:"improvement_summary"`
	FixInstructions    string   `json:"fix_instructions"`
}

var placeholderMarkers = []string{
	"TODO", "FIXME", "XXX:", "<placeholder>", "[placeholder]",
	"your code here", "not implemented",
}

var errorHandlingMarkers = []string{
	"try", "except", "catch", "if err", "raise ", "error", "errors.",
}

var testMarkers = []string{
	"test", "assert", "expect(", "pytest", "unittest",
}

// EvaluateOutput applies the rule-based rubric to a generated output.
// Completeness is worth 30 points, correctness 40, production-readiness 30.
func EvaluateOutput(task, output string) ValidationReport {
	report := ValidationReport{}
	trimmed := strings.TrimSpace(output)
	lowerOut := strings.ToLower(trimmed)

	// --- Completeness (30) ---
	completeness := 30
	if len(trimmed) < 100 {
		completeness = 0
		report.Issues = append(report.Issues, Issue{
			Component:      "completeness",
			Severity:       "critical",
			Issue:          "output is too short to cover the task",
			FixInstruction: "produce the full deliverable, not a sketch",
		})
	} else {
		if marker := findPlaceholder(trimmed, lowerOut); marker != "" {
			completeness -= 10
			report.Issues = append(report.Issues, Issue{
				Component:      "completeness",
				Severity:       "major",
				Issue:          fmt.Sprintf("placeholder marker %q left in output", marker),
				FixInstruction: fmt.Sprintf("replace the %q section with a working implementation", marker),
			})
		}
		if len(trimmed) < 300 {
			completeness -= 10
			report.Issues = append(report.Issues, Issue{
				Component:      "completeness",
				Severity:       "minor",
				Issue:          "output is thin for the requested scope",
				FixInstruction: "expand the implementation and add minimal documentation",
			})
		}
	}
	if completeness < 0 {
		completeness = 0
	}

	// --- Correctness (40) ---
	correctness := 0
	fenceCount := strings.Count(trimmed, "```")
	hasStructure := fenceCount > 0 ||
		strings.Contains(trimmed, "def ") || strings.Contains(trimmed, "func ") ||
		strings.Contains(trimmed, "class ") || strings.Contains(trimmed, "\n- ") ||
		strings.Contains(trimmed, "\n#")
	if hasStructure {
		correctness += 10
	} else {
		report.Issues = append(report.Issues, Issue{
			Component:      "correctness",
			Severity:       "major",
			Issue:          "output lacks code or structural markers",
			FixInstruction: "return the deliverable as structured code or sections",
		})
	}
	if fenceCount%2 == 0 {
		correctness += 5
	} else {
		report.Issues = append(report.Issues, Issue{
			Component:      "correctness",
			Severity:       "major",
			Issue:          "unbalanced code fences suggest truncated output",
			FixInstruction: "close every code fence and re-emit the truncated tail",
		})
	}
	overlap := keywordOverlap(task, trimmed)
	correctness += int(overlap * 25)
	if overlap < 0.3 {
		report.Issues = append(report.Issues, Issue{
			Component:      "correctness",
			Severity:       "critical",
			Issue:          "output does not address the task vocabulary",
			FixInstruction: "re-read the task and address each requirement explicitly",
		})
	}
	if correctness > 40 {
		correctness = 40
	}

	// --- Production readiness (30) ---
	production := 0
	if containsAny(lowerOut, errorHandlingMarkers) {
		production += 12
		report.Strengths = append(report.Strengths, "error handling present")
	} else {
		report.Issues = append(report.Issues, Issue{
			Component:      "production",
			Severity:       "major",
			Issue:          "no error handling visible",
			FixInstruction: "handle failure paths explicitly instead of assuming success",
		})
	}
	if containsAny(lowerOut, testMarkers) {
		production += 10
		report.Strengths = append(report.Strengths, "tests or testability present")
	} else {
		report.Issues = append(report.Issues, Issue{
			Component:      "production",
			Severity:       "minor",
			Issue:          "no tests or assertions included",
			FixInstruction: "add tests or at least assertion examples for the main paths",
		})
	}
	if containsAny(lowerOut, []string{"import", "interface", "api", "usage", "example"}) {
		production += 8
		report.Strengths = append(report.Strengths, "integration points defined")
	}
	if production > 30 {
		production = 30
	}

	report.Completeness = completeness
	report.Correctness = correctness
	report.ProductionReady = production
	report.Score = completeness + correctness + production

	if completeness == 30 {
		report.Strengths = append(report.Strengths, "no placeholders")
	}
	report.ImprovementSummary = summarizeIssues(report.Issues)
	report.FixInstructions = joinFixes(report.Issues)
	return report
}

// findPlaceholder returns the first placeholder marker present in the
// output, or "". An ellipsis only counts when it stands alone on a line or
// ends one, the shape of a stubbed-out body; mid-sentence prose ellipses
// are fine.
func findPlaceholder(output, lowerOutput string) string {
	for _, marker := range placeholderMarkers {
		if strings.Contains(output, marker) || strings.Contains(lowerOutput, strings.ToLower(marker)) {
			return marker
		}
	}
	for _, line := range strings.Split(output, "\n") {
		t := strings.TrimSpace(line)
		if t == "..." || strings.HasSuffix(t, "...") {
			return "..."
		}
	}
	return ""
}

// keywordOverlap measures how much of the task's salient vocabulary shows
// up in the output, in [0,1].
func keywordOverlap(task, output string) float64 {
	lowerOut := strings.ToLower(output)
	words := strings.FieldsFunc(strings.ToLower(task), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
	salient := 0
	hits := 0
	seen := make(map[string]bool)
	for _, w := range words {
		if len(w) <= 4 || seen[w] {
			continue
		}
		seen[w] = true
		salient++
		if strings.Contains(lowerOut, w) {
			hits++
		}
	}
	if salient == 0 {
		return 1
	}
	return float64(hits) / float64(salient)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func summarizeIssues(issues []Issue) string {
	if len(issues) == 0 {
		return "no issues found"
	}
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.Issue)
	}
	return strings.Join(parts, "; ")
}

func joinFixes(issues []Issue) string {
	if len(issues) == 0 {
		return ""
	}
	var b strings.Builder
	for i, issue := range issues {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, issue.Component, issue.FixInstruction)
	}
	return b.String()
}
