package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	relayerrors "relay/internal/errors"
	"relay/internal/jsonx"
)

const (
	defaultTemperature       = 0.7
	deterministicTemperature = 0.1
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openAIRequest is the OpenAI-compatible chat completions payload.
type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// anthropicRequest is the Anthropic messages API payload.
type anthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Temperature float64     `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// doCall sends prompt to a single provider and returns the text plus usage.
func (c *Client) doCall(ctx context.Context, p Provider, prompt string, opts CallOptions) (string, Usage, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 || (p.MaxOutputTokens > 0 && maxTokens > p.MaxOutputTokens) {
		maxTokens = p.MaxOutputTokens
	}
	temperature := defaultTemperature
	if opts.Deterministic {
		temperature = deterministicTemperature
	}

	switch p.Wire {
	case WireAnthropic:
		return c.doAnthropic(ctx, p, prompt, opts.System, maxTokens, temperature)
	default:
		return c.doOpenAI(ctx, p, prompt, opts.System, maxTokens, temperature)
	}
}

func (c *Client) doOpenAI(ctx context.Context, p Provider, prompt, system string, maxTokens int, temperature float64) (string, Usage, error) {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := jsonx.Marshal(openAIRequest{
		Model:       p.DefaultModel,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(p.BaseURL, "/") + "/chat/completions"
	respBody, err := c.post(ctx, p, endpoint, body, map[string]string{
		"Authorization": "Bearer " + p.Credential(),
	})
	if err != nil {
		return "", Usage{}, err
	}

	var parsed openAIResponse
	if err := jsonx.Unmarshal(respBody, &parsed); err != nil {
		return "", Usage{}, relayerrors.NewPermanent(err, "provider returned unparseable response")
	}
	if parsed.Error != nil {
		return "", Usage{}, relayerrors.NewPermanent(
			fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message),
			"provider rejected the request: "+parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", Usage{}, relayerrors.NewPermanent(
			fmt.Errorf("empty choices"), "provider returned no completion")
	}

	usage := Usage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}
	return parsed.Choices[0].Message.Content, usage, nil
}

func (c *Client) doAnthropic(ctx context.Context, p Provider, prompt, system string, maxTokens int, temperature float64) (string, Usage, error) {
	body, err := jsonx.Marshal(anthropicRequest{
		Model:       p.DefaultModel,
		System:      system,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(p.BaseURL, "/") + "/messages"
	respBody, err := c.post(ctx, p, endpoint, body, map[string]string{
		"x-api-key":         p.Credential(),
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", Usage{}, err
	}

	var parsed anthropicResponse
	if err := jsonx.Unmarshal(respBody, &parsed); err != nil {
		return "", Usage{}, relayerrors.NewPermanent(err, "provider returned unparseable response")
	}
	if parsed.Error != nil {
		return "", Usage{}, relayerrors.NewPermanent(
			fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message),
			"provider rejected the request: "+parsed.Error.Message)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := Usage{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	return text.String(), usage, nil
}

// post sends the request and maps transport and HTTP status failures onto
// the transient/permanent taxonomy.
func (c *Client) post(ctx context.Context, p Provider, endpoint string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug("=== LLM Request ===")
	c.logger.Debug("URL: POST %s", endpoint)
	c.logger.Debug("Provider: %s model: %s", p.Name, p.DefaultModel)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, relayerrors.NewTransient(err, "network error calling "+p.Name)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relayerrors.NewTransient(err, "failed reading response from "+p.Name)
	}

	c.logger.Debug("=== LLM Response ===")
	c.logger.Debug("Status: %d %s", resp.StatusCode, resp.Status)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapHTTPError(p.Name, resp.StatusCode, respBody)
	}
	return respBody, nil
}

func mapHTTPError(provider string, status int, body []byte) error {
	preview := strings.TrimSpace(string(body))
	if len(preview) > 256 {
		preview = preview[:256]
	}
	base := fmt.Errorf("%s HTTP %d: %s", provider, status, preview)

	switch {
	case status == http.StatusTooManyRequests:
		return &relayerrors.TransientError{Err: base, StatusCode: status,
			Message: fmt.Sprintf("%s rate limit reached (429), backing off", provider)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &relayerrors.PermanentError{Err: base, StatusCode: status,
			Message: fmt.Sprintf("%s authentication failed (%d), check the API key", provider, status)}
	case status >= 500:
		return &relayerrors.TransientError{Err: base, StatusCode: status,
			Message: fmt.Sprintf("%s server error (%d), retrying", provider, status)}
	default:
		return &relayerrors.PermanentError{Err: base, StatusCode: status,
			Message: fmt.Sprintf("%s rejected the request (%d)", provider, status)}
	}
}
