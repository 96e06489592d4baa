package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"conductor/internal/config"
	"conductor/internal/logging"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiClient speaks the Gemini generateContent API. The credential rides
// as a query parameter, not a header.
type geminiClient struct {
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	logger     logging.Logger
}

func newGeminiClient(cfg config.AgentConfig, secret string, logger logging.Logger) *geminiClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &geminiClient{
		model:      cfg.Model,
		apiKey:     secret,
		baseURL:    baseURL,
		maxTokens:  cfg.MaxTokens,
		httpClient: newHTTPClient(),
		logger:     logger,
	}
}

func (c *geminiClient) Model() string {
	return c.model
}

func (c *geminiClient) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	payload := map[string]any{
		"contents": []map[string]any{
			{
				"role":  "user",
				"parts": []map[string]string{{"text": req.Prompt}},
			},
		},
		"generationConfig": map[string]any{
			"maxOutputTokens": resolveMaxTokens(req, c.maxTokens),
			"temperature":     req.Temperature,
		},
	}
	if req.System != "" {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": req.System}},
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, url.QueryEscape(c.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("POST %s/models/%s:generateContent", c.baseURL, c.model)
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

	var gemResp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata struct {
			TotalTokenCount int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(respBody, &gemResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(gemResp.Candidates) == 0 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: "no candidates in response"}
	}

	var text strings.Builder
	for _, part := range gemResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	tokens := gemResp.UsageMetadata.TotalTokenCount
	if tokens == 0 {
		tokens = estimateTokens(text.String())
	}
	return &Response{
		Text:         text.String(),
		Tokens:       tokens,
		Model:        c.model,
		FinishReason: gemResp.Candidates[0].FinishReason,
	}, nil
}
