package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"conductor/internal/config"
	"conductor/internal/logging"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// anthropicClient speaks the Anthropic messages API.
type anthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	logger     logging.Logger
}

func newAnthropicClient(cfg config.AgentConfig, secret string, logger logging.Logger) *anthropicClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &anthropicClient{
		model:      cfg.Model,
		apiKey:     secret,
		baseURL:    baseURL,
		maxTokens:  cfg.MaxTokens,
		httpClient: newHTTPClient(),
		logger:     logger,
	}
}

func (c *anthropicClient) Model() string {
	return c.model
}

func (c *anthropicClient) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	payload := map[string]any{
		"model":      c.model,
		"max_tokens": resolveMaxTokens(req, c.maxTokens),
		"system":     req.System,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
		"temperature": req.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	c.logger.Debug("POST %s model=%s", endpoint, c.model)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	var antResp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &antResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range antResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	tokens := antResp.Usage.InputTokens + antResp.Usage.OutputTokens
	if tokens == 0 {
		tokens = estimateTokens(text.String())
	}
	return &Response{
		Text:         text.String(),
		Tokens:       tokens,
		Model:        c.model,
		FinishReason: antResp.StopReason,
	}, nil
}
