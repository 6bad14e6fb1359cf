// Package analyzer provides the AI fallback collaborator, invoked when no rule
// matches a payload. Failures and timeouts are treated as "no match" by the
// pipeline: the analyzer fails open, never blocking unrelated events.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AutoAccountingOrg/autoledger/internal/common"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/normalize"
)

// Config holds analyzer client settings.
type Config struct {
	APIKey      string
	Endpoint    string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// Client calls an OpenAI-style chat-completions endpoint to extract candidate
// fields from an unmatched payload.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	endpoint    string
	model       string
	timeout     time.Duration
	temperature float64
	maxTokens   int
}

// NewClient creates an analyzer client. Returns ErrAnalyzerDisabled when no
// API key is configured; callers should then run rule-only.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, common.ErrAnalyzerDisabled
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1/chat/completions"
	}
	mdl := cfg.Model
	if mdl == "" {
		mdl = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 300
	}

	return &Client{
		apiKey:      cfg.APIKey,
		endpoint:    endpoint,
		model:       mdl,
		timeout:     timeout,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

const systemPrompt = "You are a financial transaction extractor. Given a raw payment " +
	"notification, respond with ONLY a valid JSON object with keys: amount (string), " +
	"kind (expense|income|transfer), counterparty, from, to, currency, time. " +
	"Use empty strings for unknown fields. Do not include any explanatory text, " +
	"markdown formatting, or commentary before or after the JSON. Start your response " +
	"directly with { and end with }."

// Analyze extracts candidate fields from a payload. The per-request deadline
// is the configured timeout or the context's deadline, whichever is sooner.
func (c *Client) Analyze(ctx context.Context, app string, channel model.Channel, payload string) (*model.BillCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := fmt.Sprintf("App: %s\nChannel: %s\nPayload:\n%s", app, channel, payload)

	requestBody := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"temperature": c.temperature,
		"max_tokens":  c.maxTokens,
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(string(jsonBody)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrAnalyzerTimeout, err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer API error (status %d): %s", resp.StatusCode, string(body))
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices returned")
	}

	raw, err := parseExtraction(response.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	cand, err := normalize.Candidate(*raw, time.Now())
	if err != nil {
		return nil, fmt.Errorf("analyzer extraction unusable: %w", err)
	}
	if cand.Channel == "" {
		cand.Channel = "ai"
	}
	return &cand, nil
}

// chatResponse represents the chat-completions API response structure.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
		Index        int    `json:"index"`
	} `json:"choices"`
}
