package llm

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	relayerrors "relay/internal/errors"
	"relay/internal/logging"
	"relay/internal/token"
)

// Stats is a point-in-time snapshot of client activity.
type Stats struct {
	Calls     int
	Retries   int
	Fallbacks int
}

// UsageCallback observes the usage of every successful call.
type UsageCallback func(usage Usage, model, provider string)

// Client walks a provider fallback chain with per-provider retries and
// records cost for every successful call.
type Client struct {
	mu             sync.Mutex
	chain          []Provider
	failed         map[string]error // providers marked failed for this session
	enableFallback bool
	retryConfig    relayerrors.RetryConfig
	tracker        *Tracker
	httpClient     *http.Client
	logger         logging.Logger
	usageCallback  UsageCallback
	stats          Stats
}

// Option configures a Client.
type Option func(*Client)

// WithProviders replaces the default provider chain. Order is significant:
// it is the fallback order.
func WithProviders(providers []Provider) Option {
	return func(c *Client) {
		c.chain = make([]Provider, len(providers))
		copy(c.chain, providers)
	}
}

// WithDefaultProvider rotates the chain so the named provider is tried
// first; the rest keep their relative fallback order.
func WithDefaultProvider(name string) Option {
	return func(c *Client) {
		for i, p := range c.chain {
			if p.Name == name {
				c.chain = append(append([]Provider{p}, c.chain[:i]...), c.chain[i+1:]...)
				return
			}
		}
	}
}

// WithFallback toggles the fallback chain.
func WithFallback(enabled bool) Option {
	return func(c *Client) { c.enableFallback = enabled }
}

// WithRetryConfig overrides the per-provider retry policy.
func WithRetryConfig(config relayerrors.RetryConfig) Option {
	return func(c *Client) { c.retryConfig = config }
}

// WithHTTPClient overrides the HTTP transport (tests use this).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(logger) }
}

// NewClient constructs a Client over the default chain unless overridden.
func NewClient(opts ...Option) *Client {
	c := &Client{
		chain:          DefaultProviders(),
		failed:         make(map[string]error),
		enableFallback: true,
		retryConfig:    relayerrors.DefaultRetryConfig(),
		tracker:        NewTracker(),
		httpClient:     &http.Client{Timeout: 120 * time.Second},
		logger:         logging.NewComponentLogger("llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUsageCallback registers an observer for per-call usage.
func (c *Client) SetUsageCallback(cb UsageCallback) {
	c.mu.Lock()
	c.usageCallback = cb
	c.mu.Unlock()
}

// Chain returns a copy of the provider chain in fallback order.
func (c *Client) Chain() []Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Provider, len(c.chain))
	copy(out, c.chain)
	return out
}

// CallLLM sends prompt verbatim as a single user message and returns the
// completion text. Retries the active provider up to the retry budget,
// then walks the fallback chain when enabled. A pinned opts.Provider is
// the only provider tried: escalation must not silently land on a cheaper
// model.
func (c *Client) CallLLM(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	candidates := c.candidates()
	if opts.Provider != "" {
		pinned := candidates[:0:0]
		for _, p := range candidates {
			if p.Name == opts.Provider {
				pinned = append(pinned, p)
			}
		}
		if len(pinned) == 0 {
			return "", &ProvidersExhaustedError{Failed: map[string]error{
				opts.Provider: fmt.Errorf("pinned provider is not configured or already failed"),
			}}
		}
		candidates = pinned
	}
	if len(candidates) == 0 {
		return "", &ProvidersExhaustedError{Failed: c.failedSnapshot()}
	}

	attempted := false
	for _, p := range candidates {
		text, err := c.callProvider(ctx, p, prompt, opts)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", err
		}

		attempted = true
		c.markFailed(p.Name, err)
		if !c.fallbackEnabled() {
			break
		}
		c.mu.Lock()
		c.stats.Fallbacks++
		c.mu.Unlock()
		c.logger.Warn("provider %s failed for this session, falling back: %v", p.Name, err)
	}

	if !attempted {
		// Nothing configured at all.
		return "", &ProvidersExhaustedError{Failed: map[string]error{
			"(none)": fmt.Errorf("no provider has credentials configured"),
		}}
	}
	return "", &ProvidersExhaustedError{Failed: c.failedSnapshot()}
}

// callProvider runs the retry loop against a single provider and records
// cost on success.
func (c *Client) callProvider(ctx context.Context, p Provider, prompt string, opts CallOptions) (string, error) {
	if opts.Model != "" {
		p.DefaultModel = opts.Model // value copy, the chain keeps its default
	}
	c.mu.Lock()
	c.stats.Calls++
	c.mu.Unlock()

	start := time.Now()
	type completion struct {
		text  string
		usage Usage
	}
	result, err := relayerrors.RetryWithResult(ctx, c.retryConfig, func(ctx context.Context) (completion, error) {
		text, usage, callErr := c.doCall(ctx, p, prompt, opts)
		if callErr != nil {
			c.mu.Lock()
			c.stats.Retries++
			c.mu.Unlock()
			return completion{}, callErr
		}
		return completion{text: text, usage: usage}, nil
	}, c.logger)
	if err != nil {
		return "", err
	}

	// Some gateways omit usage; estimate so the cost ledger stays honest.
	if result.usage.InputTokens == 0 && result.usage.OutputTokens == 0 {
		result.usage.InputTokens = token.CountTokens(prompt)
		result.usage.OutputTokens = token.CountTokens(result.text)
	}

	latency := time.Since(start)
	cost := TaskCost{
		Provider:     p.Name,
		Model:        p.DefaultModel,
		Operation:    opts.Operation,
		InputTokens:  result.usage.InputTokens,
		OutputTokens: result.usage.OutputTokens,
		InputCost:    float64(result.usage.InputTokens) * p.InputPricePerToken,
		OutputCost:   float64(result.usage.OutputTokens) * p.OutputPricePerToken,
		LatencyMS:    latency.Milliseconds(),
		Timestamp:    time.Now().UTC(),
	}
	cost.TotalCost = cost.InputCost + cost.OutputCost
	c.tracker.Record(cost)

	c.mu.Lock()
	cb := c.usageCallback
	c.mu.Unlock()
	if cb != nil {
		cb(result.usage, p.DefaultModel, p.Name)
	}

	c.logger.Info("call succeeded provider=%s op=%s tokens=%d/%d cost=$%.6f latency=%s",
		p.Name, opts.Operation, result.usage.InputTokens, result.usage.OutputTokens,
		cost.TotalCost, latency.Round(time.Millisecond))
	return result.text, nil
}

// candidates returns configured, not-yet-failed providers in fallback order.
func (c *Client) candidates() []Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Provider
	for _, p := range c.chain {
		if _, bad := c.failed[p.Name]; bad {
			continue
		}
		if !p.Configured() {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (c *Client) fallbackEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enableFallback
}

func (c *Client) markFailed(name string, err error) {
	c.mu.Lock()
	c.failed[name] = err
	c.mu.Unlock()
}

// FailedProviders returns providers marked failed for this session.
func (c *Client) FailedProviders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.failed))
	for name := range c.failed {
		names = append(names, name)
	}
	return names
}

func (c *Client) failedSnapshot() map[string]error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]error, len(c.failed))
	for k, v := range c.failed {
		out[k] = v
	}
	return out
}

// GetCost returns the accumulated cost in USD.
func (c *Client) GetCost() float64 { return c.tracker.CurrentCost() }

// GetCostSummary aggregates recorded costs by provider and operation.
func (c *Client) GetCostSummary() Summary { return c.tracker.Summary() }

// GetStats returns a snapshot of call/retry/fallback counters.
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ResetStats clears cost records, counters, and session failure marks.
func (c *Client) ResetStats() {
	c.tracker.Reset()
	c.mu.Lock()
	c.stats = Stats{}
	c.failed = make(map[string]error)
	c.mu.Unlock()
}

// Tracker exposes the underlying cost tracker.
func (c *Client) Tracker() *Tracker { return c.tracker }
