// Package llm is the single entry point to external language-model
// providers. It hides wire differences behind CallLLM, applies per-provider
// retries, walks a cheapest-first fallback chain, and records token, cost,
// and latency figures for every call.
package llm

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// WireFormat selects the HTTP request/response shape a provider speaks.
type WireFormat string

const (
	// WireOpenAI is the OpenAI-compatible chat completions format, also
	// spoken by DeepSeek, Groq, and OpenRouter.
	WireOpenAI WireFormat = "openai"
	// WireAnthropic is the Anthropic messages API format.
	WireAnthropic WireFormat = "anthropic"
)

// Provider describes one entry in the fallback chain.
type Provider struct {
	Name                string
	DefaultModel        string
	BaseURL             string
	Wire                WireFormat
	InputPricePerToken  float64 // USD per input token
	OutputPricePerToken float64 // USD per output token
	MaxOutputTokens     int
	AuthEnvNames        []string // accepted credential env vars, first non-empty wins
	APIKey              string   // explicit credential, overrides env lookup
}

// Credential returns the provider's API key: the explicit key when set,
// otherwise the first non-empty environment variable from AuthEnvNames.
func (p Provider) Credential() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	for _, name := range p.AuthEnvNames {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// Configured reports whether the provider has both a credential and a model.
func (p Provider) Configured() bool {
	return p.Credential() != "" && p.DefaultModel != ""
}

// DefaultProviders returns the built-in fallback chain ordered cheapest
// bulk → fast/cheap → balanced cheap → premium/reliable.
func DefaultProviders() []Provider {
	return []Provider{
		{
			Name:                "deepseek",
			DefaultModel:        "deepseek-chat",
			BaseURL:             "https://api.deepseek.com/v1",
			Wire:                WireOpenAI,
			InputPricePerToken:  0.27e-6,
			OutputPricePerToken: 1.10e-6,
			MaxOutputTokens:     8192,
			AuthEnvNames:        []string{"DEEPSEEK_API_KEY"},
		},
		{
			Name:                "groq",
			DefaultModel:        "llama-3.3-70b-versatile",
			BaseURL:             "https://api.groq.com/openai/v1",
			Wire:                WireOpenAI,
			InputPricePerToken:  0.59e-6,
			OutputPricePerToken: 0.79e-6,
			MaxOutputTokens:     8192,
			AuthEnvNames:        []string{"GROQ_API_KEY"},
		},
		{
			Name:                "openrouter",
			DefaultModel:        "google/gemini-2.0-flash-001",
			BaseURL:             "https://openrouter.ai/api/v1",
			Wire:                WireOpenAI,
			InputPricePerToken:  0.10e-6,
			OutputPricePerToken: 0.40e-6,
			MaxOutputTokens:     8192,
			AuthEnvNames:        []string{"OPENROUTER_API_KEY", "OR_API_KEY"},
		},
		{
			Name:                "anthropic",
			DefaultModel:        "claude-sonnet-4-20250514",
			BaseURL:             "https://api.anthropic.com/v1",
			Wire:                WireAnthropic,
			InputPricePerToken:  3.0e-6,
			OutputPricePerToken: 15.0e-6,
			MaxOutputTokens:     8192,
			AuthEnvNames:        []string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY"},
		},
	}
}

// PremiumProvider returns the most reliable chain entry, used by the
// escalation path.
func PremiumProvider(chain []Provider) (Provider, bool) {
	if len(chain) == 0 {
		return Provider{}, false
	}
	return chain[len(chain)-1], true
}

// CallOptions tune a single CallLLM invocation.
type CallOptions struct {
	MaxTokens     int    // 0 uses the provider default
	Operation     string // cost-tracking label, e.g. "plan", "generate", "validate"
	System        string // optional system hint
	Deterministic bool   // temperature 0.1 for pattern-replication flows
	Provider      string // pin the call to this chain entry; no fallback
	Model         string // override the pinned provider's default model
}

// Usage carries the token counts reported by a provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// TaskCost is the append-only record written after every successful call.
type TaskCost struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Operation    string    `json:"operation"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	InputCost    float64   `json:"input_cost"`
	OutputCost   float64   `json:"output_cost"`
	TotalCost    float64   `json:"total_cost"`
	LatencyMS    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProvidersExhaustedError reports that every provider in the chain failed.
type ProvidersExhaustedError struct {
	Failed map[string]error // provider name → last error
}

func (e *ProvidersExhaustedError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failed[name]))
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

// FailedProviders returns the provider names that failed, sorted.
func (e *ProvidersExhaustedError) FailedProviders() []string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
