package llm

import (
	"sync"
)

// Aggregate holds per-group cost statistics.
type Aggregate struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
	AvgCost      float64 `json:"avg_cost"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Summary is the full cost report grouped by provider and operation.
type Summary struct {
	TotalCost        float64              `json:"total_cost"`
	TotalCalls       int                  `json:"total_calls"`
	InputTokens      int                  `json:"input_tokens"`
	OutputTokens     int                  `json:"output_tokens"`
	CostPer1KTokens  float64              `json:"cost_per_1k_tokens"`
	InputOutputRatio float64              `json:"input_output_ratio"`
	ByProvider       map[string]Aggregate `json:"by_provider"`
	ByOperation      map[string]Aggregate `json:"by_operation"`
}

// Tracker is the append-only cost ledger. Records are written by the task
// making the call; aggregations read a consistent snapshot.
type Tracker struct {
	mu    sync.Mutex
	costs []TaskCost
}

// NewTracker returns an empty cost ledger.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record appends one cost record.
func (t *Tracker) Record(cost TaskCost) {
	t.mu.Lock()
	t.costs = append(t.costs, cost)
	t.mu.Unlock()
}

// CurrentCost returns the accumulated cost in USD.
func (t *Tracker) CurrentCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0.0
	for _, c := range t.costs {
		total += c.TotalCost
	}
	return total
}

// Tokens returns total input and output token counts.
func (t *Tracker) Tokens() (input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.costs {
		input += c.InputTokens
		output += c.OutputTokens
	}
	return input, output
}

// Records returns a copy of every recorded cost.
func (t *Tracker) Records() []TaskCost {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TaskCost, len(t.costs))
	copy(out, t.costs)
	return out
}

// Reset clears the ledger.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.costs = nil
	t.mu.Unlock()
}

// Summary aggregates by provider and operation and derives efficiency
// metrics (cost per 1K tokens, input/output ratio).
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	snapshot := make([]TaskCost, len(t.costs))
	copy(snapshot, t.costs)
	t.mu.Unlock()

	s := Summary{
		ByProvider:  make(map[string]Aggregate),
		ByOperation: make(map[string]Aggregate),
	}
	latencyByProvider := make(map[string]int64)
	latencyByOperation := make(map[string]int64)

	for _, c := range snapshot {
		s.TotalCost += c.TotalCost
		s.TotalCalls++
		s.InputTokens += c.InputTokens
		s.OutputTokens += c.OutputTokens

		p := s.ByProvider[c.Provider]
		p.Calls++
		p.InputTokens += c.InputTokens
		p.OutputTokens += c.OutputTokens
		p.TotalCost += c.TotalCost
		s.ByProvider[c.Provider] = p
		latencyByProvider[c.Provider] += c.LatencyMS

		op := c.Operation
		if op == "" {
			op = "default"
		}
		o := s.ByOperation[op]
		o.Calls++
		o.InputTokens += c.InputTokens
		o.OutputTokens += c.OutputTokens
		o.TotalCost += c.TotalCost
		s.ByOperation[op] = o
		latencyByOperation[op] += c.LatencyMS
	}

	for name, agg := range s.ByProvider {
		agg.AvgCost = agg.TotalCost / float64(agg.Calls)
		agg.AvgLatencyMS = float64(latencyByProvider[name]) / float64(agg.Calls)
		s.ByProvider[name] = agg
	}
	for name, agg := range s.ByOperation {
		agg.AvgCost = agg.TotalCost / float64(agg.Calls)
		agg.AvgLatencyMS = float64(latencyByOperation[name]) / float64(agg.Calls)
		s.ByOperation[name] = agg
	}

	totalTokens := s.InputTokens + s.OutputTokens
	if totalTokens > 0 {
		s.CostPer1KTokens = s.TotalCost / float64(totalTokens) * 1000
	}
	if s.OutputTokens > 0 {
		s.InputOutputRatio = float64(s.InputTokens) / float64(s.OutputTokens)
	}
	return s
}
