package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// WorkerInfo describes one delegation target available to the planner.
type WorkerInfo struct {
	Price       float64  `json:"price"`   // USD per task, informational
	Quality     int      `json:"quality"` // 0-100 ceiling, informational
	Speed       string   `json:"speed"`   // "fast", "medium", "slow"
	BestFor     []string `json:"best_for"`
	Weaknesses  []string `json:"weaknesses"`
	Reliability float64  `json:"reliability"` // 0-1
	Load        int      `json:"load"`        // currently assigned subtasks
}

// NoCapableWorkerError reports a subtask that no worker can take.
type NoCapableWorkerError struct {
	SubtaskID string
}

func (e *NoCapableWorkerError) Error() string {
	return "no capable worker for subtask " + e.SubtaskID
}

const (
	relevanceWeight   = 0.6
	reliabilityWeight = 0.3
	loadWeight        = 0.1

	maxWorkerLoad = 3
)

// AssignWorkers maps each subtask to the best available worker. Scoring
// weights skill relevance 60%, reliability 30%, inverse load 10%. Workers
// at full load are never assigned, and high-priority subtasks never go to
// workers with reliability below 0.8. Ties break by higher reliability,
// then lexicographic worker name.
func AssignWorkers(subtasks []Subtask, workers map[string]WorkerInfo) (map[string]string, error) {
	if len(workers) == 0 && len(subtasks) > 0 {
		return nil, &NoCapableWorkerError{SubtaskID: subtasks[0].ID}
	}

	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	sort.Strings(names)

	load := make(map[string]int, len(workers))
	for name, info := range workers {
		load[name] = info.Load
	}

	assignments := make(map[string]string, len(subtasks))
	for _, st := range subtasks {
		best := ""
		bestScore := -1.0
		for _, name := range names {
			info := workers[name]
			if load[name] >= maxWorkerLoad {
				continue
			}
			if st.priority() >= 4 && info.Reliability < 0.8 {
				continue
			}

			score := relevanceWeight*relevance(st.Description, info.BestFor) +
				reliabilityWeight*info.Reliability +
				loadWeight*(1.0-float64(load[name])/float64(maxWorkerLoad))

			switch {
			case score > bestScore:
				best, bestScore = name, score
			case score == bestScore && best != "":
				if info.Reliability > workers[best].Reliability {
					best = name
				}
				// Equal reliability keeps the earlier (lexicographically
				// smaller) name from the sorted walk.
			}
		}
		if best == "" {
			return nil, &NoCapableWorkerError{SubtaskID: st.ID}
		}
		assignments[st.ID] = best
		load[best]++
	}
	return assignments, nil
}

// relevance measures skill overlap between a subtask description and a
// worker's best_for tags, normalized to [0,1].
func relevance(description string, bestFor []string) float64 {
	if len(bestFor) == 0 {
		return 0.5 // generalist, neither favored nor excluded
	}
	lower := strings.ToLower(description)
	hits := 0
	for _, tag := range bestFor {
		if tag == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(tag)) {
			hits++
		}
	}
	return float64(hits) / float64(len(bestFor))
}

// DefaultWorkers is the built-in worker pool used when the caller does not
// supply one.
func DefaultWorkers() map[string]WorkerInfo {
	return map[string]WorkerInfo{
		"codegen": {
			Price:       0.10,
			Quality:     85,
			Speed:       "fast",
			BestFor:     []string{"implement", "function", "code", "api"},
			Weaknesses:  []string{"long documents"},
			Reliability: 0.9,
		},
		"analyst": {
			Price:       0.15,
			Quality:     80,
			Speed:       "medium",
			BestFor:     []string{"analyze", "review", "design", "plan"},
			Weaknesses:  []string{"large codebases"},
			Reliability: 0.85,
		},
		"writer": {
			Price:       0.05,
			Quality:     75,
			Speed:       "fast",
			BestFor:     []string{"document", "describe", "readme", "summary"},
			Weaknesses:  []string{"complex algorithms"},
			Reliability: 0.8,
		},
	}
}

// describeWorker renders a worker for spec prompts.
func describeWorker(name string, info WorkerInfo) string {
	return fmt.Sprintf("%s (best for: %s; weaknesses: %s; reliability %.2f)",
		name,
		strings.Join(info.BestFor, ", "),
		strings.Join(info.Weaknesses, ", "),
		info.Reliability)
}
