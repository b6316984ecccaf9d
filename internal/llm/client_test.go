package llm

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "relay/internal/errors"
)

func fastRetry() relayerrors.RetryConfig {
	return relayerrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

// fakeOpenAI returns an httptest server speaking the chat completions
// format. handler may mutate the status/content per call.
func fakeOpenAI(t *testing.T, handler func(call int, w http.ResponseWriter, req openAIRequest)) *httptest.Server {
	t.Helper()
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		handler(int(calls.Add(1)), w, req)
	}))
	t.Cleanup(server.Close)
	return server
}

func respondText(w http.ResponseWriter, text string, in, out int) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": text}, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": in, "completion_tokens": out},
	})
}

func testProvider(name, baseURL string) Provider {
	return Provider{
		Name:                name,
		DefaultModel:        name + "-model",
		BaseURL:             baseURL,
		Wire:                WireOpenAI,
		InputPricePerToken:  1e-6,
		OutputPricePerToken: 2e-6,
		MaxOutputTokens:     4096,
		APIKey:              "test-key",
	}
}

func TestCallLLMSuccessRecordsCost(t *testing.T) {
	server := fakeOpenAI(t, func(_ int, w http.ResponseWriter, req openAIRequest) {
		assert.Equal(t, "hello", req.Messages[len(req.Messages)-1].Content)
		respondText(w, "world", 100, 50)
	})

	client := NewClient(
		WithProviders([]Provider{testProvider("cheap", server.URL)}),
		WithRetryConfig(fastRetry()),
	)

	text, err := client.CallLLM(context.Background(), "hello", CallOptions{Operation: "generate"})
	require.NoError(t, err)
	assert.Equal(t, "world", text)

	records := client.Tracker().Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "cheap", rec.Provider)
	assert.Equal(t, "generate", rec.Operation)
	assert.Equal(t, 100, rec.InputTokens)
	assert.Equal(t, 50, rec.OutputTokens)

	// total_cost within 5% of n_in*p_in + n_out*p_out
	expected := 100*1e-6 + 50*2e-6
	assert.InEpsilon(t, expected, rec.TotalCost, 0.05)
	assert.InEpsilon(t, expected, client.GetCost(), 0.05)
}

func TestCallLLMDeterministicTemperature(t *testing.T) {
	server := fakeOpenAI(t, func(_ int, w http.ResponseWriter, req openAIRequest) {
		assert.InDelta(t, 0.1, req.Temperature, 1e-9)
		respondText(w, "ok", 1, 1)
	})
	client := NewClient(
		WithProviders([]Provider{testProvider("cheap", server.URL)}),
		WithRetryConfig(fastRetry()),
	)
	_, err := client.CallLLM(context.Background(), "replicate this", CallOptions{Deterministic: true})
	require.NoError(t, err)
}

func TestCallLLMSystemHint(t *testing.T) {
	server := fakeOpenAI(t, func(_ int, w http.ResponseWriter, req openAIRequest) {
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "output only code", req.Messages[0].Content)
		respondText(w, "ok", 1, 1)
	})
	client := NewClient(
		WithProviders([]Provider{testProvider("cheap", server.URL)}),
		WithRetryConfig(fastRetry()),
	)
	_, err := client.CallLLM(context.Background(), "task", CallOptions{System: "output only code"})
	require.NoError(t, err)
}

func TestRetryOnRateLimitThenSuccess(t *testing.T) {
	server := fakeOpenAI(t, func(call int, w http.ResponseWriter, _ openAIRequest) {
		if call == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		respondText(w, "recovered", 1, 1)
	})
	client := NewClient(
		WithProviders([]Provider{testProvider("cheap", server.URL)}),
		WithRetryConfig(fastRetry()),
	)
	text, err := client.CallLLM(context.Background(), "x", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.GreaterOrEqual(t, client.GetStats().Retries, 1)
}

func TestAuthFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	server := fakeOpenAI(t, func(_ int, w http.ResponseWriter, _ openAIRequest) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	client := NewClient(
		WithProviders([]Provider{testProvider("cheap", server.URL)}),
		WithRetryConfig(fastRetry()),
		WithFallback(false),
	)
	_, err := client.CallLLM(context.Background(), "x", CallOptions{})
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestFallbackSkipsFailedProvider(t *testing.T) {
	bad := fakeOpenAI(t, func(_ int, w http.ResponseWriter, _ openAIRequest) {
		w.WriteHeader(http.StatusForbidden)
	})
	var goodCalls atomic.Int64
	good := fakeOpenAI(t, func(_ int, w http.ResponseWriter, _ openAIRequest) {
		goodCalls.Add(1)
		respondText(w, "from-backup", 1, 1)
	})

	client := NewClient(
		WithProviders([]Provider{
			testProvider("primary", bad.URL),
			testProvider("backup", good.URL),
		}),
		WithRetryConfig(fastRetry()),
	)

	text, err := client.CallLLM(context.Background(), "x", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from-backup", text)
	assert.Contains(t, client.FailedProviders(), "primary")

	// Subsequent calls never attempt the failed provider again.
	_, err = client.CallLLM(context.Background(), "y", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), goodCalls.Load())
}

func TestProvidersExhausted(t *testing.T) {
	var calls atomic.Int64
	bad := fakeOpenAI(t, func(_ int, w http.ResponseWriter, _ openAIRequest) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := NewClient(
		WithProviders([]Provider{
			testProvider("one", bad.URL),
			testProvider("two", bad.URL),
		}),
		WithRetryConfig(fastRetry()),
	)

	_, err := client.CallLLM(context.Background(), "x", CallOptions{})
	var exhausted *ProvidersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ElementsMatch(t, []string{"one", "two"}, exhausted.FailedProviders())
	// Non-retryable error: exactly one attempt per provider.
	assert.Equal(t, int64(2), calls.Load())
}

func TestUnconfiguredProvidersSkipped(t *testing.T) {
	good := fakeOpenAI(t, func(_ int, w http.ResponseWriter, _ openAIRequest) {
		respondText(w, "ok", 1, 1)
	})
	unconfigured := testProvider("nokey", "http://127.0.0.1:1")
	unconfigured.APIKey = ""
	unconfigured.AuthEnvNames = []string{"RELAY_TEST_MISSING_KEY"}

	client := NewClient(
		WithProviders([]Provider{unconfigured, testProvider("haskey", good.URL)}),
		WithRetryConfig(fastRetry()),
	)
	text, err := client.CallLLM(context.Background(), "x", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestWithDefaultProviderRotatesChain(t *testing.T) {
	client := NewClient(WithDefaultProvider("openrouter"))
	chain := client.Chain()
	require.NotEmpty(t, chain)
	assert.Equal(t, "openrouter", chain[0].Name)
	assert.Len(t, chain, len(DefaultProviders()))
}

func TestCostSummaryGroupsAndEfficiency(t *testing.T) {
	tracker := NewTracker()
	tracker.Record(TaskCost{Provider: "a", Operation: "plan", InputTokens: 1000, OutputTokens: 500, TotalCost: 0.002, LatencyMS: 100})
	tracker.Record(TaskCost{Provider: "a", Operation: "generate", InputTokens: 2000, OutputTokens: 1000, TotalCost: 0.004, LatencyMS: 300})
	tracker.Record(TaskCost{Provider: "b", Operation: "generate", InputTokens: 500, OutputTokens: 500, TotalCost: 0.01, LatencyMS: 200})

	s := tracker.Summary()
	assert.Equal(t, 3, s.TotalCalls)
	assert.InDelta(t, 0.016, s.TotalCost, 1e-9)
	assert.Equal(t, 3500, s.InputTokens)
	assert.Equal(t, 2000, s.OutputTokens)

	require.Contains(t, s.ByProvider, "a")
	assert.Equal(t, 2, s.ByProvider["a"].Calls)
	assert.InDelta(t, 200, s.ByProvider["a"].AvgLatencyMS, 1e-9)

	require.Contains(t, s.ByOperation, "generate")
	assert.Equal(t, 2, s.ByOperation["generate"].Calls)

	assert.InDelta(t, 0.016/5500*1000, s.CostPer1KTokens, 1e-9)
	assert.InDelta(t, 1.75, s.InputOutputRatio, 1e-9)
}

func TestResetStatsClearsFailureMarks(t *testing.T) {
	bad := fakeOpenAI(t, func(_ int, w http.ResponseWriter, _ openAIRequest) {
		w.WriteHeader(http.StatusForbidden)
	})
	client := NewClient(
		WithProviders([]Provider{testProvider("p", bad.URL)}),
		WithRetryConfig(fastRetry()),
	)
	_, err := client.CallLLM(context.Background(), "x", CallOptions{})
	require.Error(t, err)
	require.NotEmpty(t, client.FailedProviders())

	client.ResetStats()
	assert.Empty(t, client.FailedProviders())
	assert.Equal(t, Stats{}, client.GetStats())
	assert.Zero(t, client.GetCost())
}

func TestAnthropicWire(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Greater(t, req.MaxTokens, 0)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "claude says hi"}},
			"usage":   map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer server.Close()

	p := Provider{
		Name:                "anthropic",
		DefaultModel:        "claude-test",
		BaseURL:             server.URL,
		Wire:                WireAnthropic,
		InputPricePerToken:  3e-6,
		OutputPricePerToken: 15e-6,
		MaxOutputTokens:     4096,
		APIKey:              "test-key",
	}
	client := NewClient(WithProviders([]Provider{p}), WithRetryConfig(fastRetry()))

	text, err := client.CallLLM(context.Background(), "hi", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "claude says hi", text)

	expected := 10*3e-6 + 5*15e-6
	assert.True(t, math.Abs(client.GetCost()-expected)/expected < 0.05)
}

func TestPremiumProvider(t *testing.T) {
	chain := DefaultProviders()
	premium, ok := PremiumProvider(chain)
	require.True(t, ok)
	assert.Equal(t, "anthropic", premium.Name)

	_, ok = PremiumProvider(nil)
	assert.False(t, ok)
}

func TestCallLLMPinnedProviderSkipsChain(t *testing.T) {
	var cheapHits atomic.Int64
	cheap := fakeOpenAI(t, func(_ int, w http.ResponseWriter, _ openAIRequest) {
		cheapHits.Add(1)
		respondText(w, "cheap answer", 1, 1)
	})
	premium := fakeOpenAI(t, func(_ int, w http.ResponseWriter, req openAIRequest) {
		assert.Equal(t, "claude-premium", req.Model)
		respondText(w, "premium answer", 10, 10)
	})

	client := NewClient(
		WithProviders([]Provider{testProvider("cheap", cheap.URL), testProvider("premium", premium.URL)}),
		WithRetryConfig(fastRetry()),
	)

	text, err := client.CallLLM(context.Background(), "audit this", CallOptions{
		Operation: "escalate",
		Provider:  "premium",
		Model:     "claude-premium",
	})
	require.NoError(t, err)
	assert.Equal(t, "premium answer", text)
	assert.Zero(t, cheapHits.Load(), "pinned call must never touch the cheap provider")

	records := client.Tracker().Records()
	require.Len(t, records, 1)
	assert.Equal(t, "premium", records[0].Provider)
	assert.Equal(t, "claude-premium", records[0].Model)
}

func TestCallLLMPinnedProviderDoesNotFallBack(t *testing.T) {
	var cheapHits atomic.Int64
	cheap := fakeOpenAI(t, func(_ int, w http.ResponseWriter, _ openAIRequest) {
		cheapHits.Add(1)
		respondText(w, "cheap answer", 1, 1)
	})
	premium := fakeOpenAI(t, func(_ int, w http.ResponseWriter, _ openAIRequest) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	client := NewClient(
		WithProviders([]Provider{testProvider("cheap", cheap.URL), testProvider("premium", premium.URL)}),
		WithRetryConfig(fastRetry()),
	)

	_, err := client.CallLLM(context.Background(), "audit this", CallOptions{Provider: "premium"})
	var exhausted *ProvidersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.FailedProviders(), "premium")
	assert.Zero(t, cheapHits.Load(), "a failing pinned provider must not fall back")
}

func TestCallLLMPinnedProviderUnknown(t *testing.T) {
	server := fakeOpenAI(t, func(_ int, w http.ResponseWriter, _ openAIRequest) {
		respondText(w, "ok", 1, 1)
	})
	client := NewClient(
		WithProviders([]Provider{testProvider("cheap", server.URL)}),
		WithRetryConfig(fastRetry()),
	)

	_, err := client.CallLLM(context.Background(), "x", CallOptions{Provider: "ghost"})
	var exhausted *ProvidersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.FailedProviders(), "ghost")
}
