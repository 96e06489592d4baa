package llm

import (
	"bufio"
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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openaiClient speaks the OpenAI-compatible chat completions API. Against
// the NVIDIA NIM host it always streams; a buffered completion there must be
// considered hung.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	maxTokens  int
	stream     bool
	httpClient *http.Client
	logger     logging.Logger
}

func newOpenAIClient(cfg config.AgentConfig, secret string, logger logging.Logger) *openaiClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openaiClient{
		model:      cfg.Model,
		apiKey:     secret,
		baseURL:    baseURL,
		maxTokens:  cfg.MaxTokens,
		stream:     isNIMEndpoint(baseURL),
		httpClient: newHTTPClient(),
		logger:     logger,
	}
}

func (c *openaiClient) Model() string {
	return c.model
}

func (c *openaiClient) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := withCallTimeout(ctx)
	defer cancel()

	if c.stream {
		return c.executeStreaming(ctx, req)
	}
	return c.executeBuffered(ctx, req)
}

func (c *openaiClient) buildBody(req Request, stream bool) ([]byte, error) {
	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.Prompt},
		},
		"max_tokens":  resolveMaxTokens(req, c.maxTokens),
		"temperature": req.Temperature,
		"stream":      stream,
	}
	if kwargs := thinkingKwargs(c.model); kwargs != nil && isNIMEndpoint(c.baseURL) {
		payload["chat_template_kwargs"] = kwargs
	}
	return json.Marshal(payload)
}

func (c *openaiClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("POST %s model=%s", endpoint, c.model)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read error response: %w", readErr)
		}
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}
	return resp, nil
}

func (c *openaiClient) executeBuffered(ctx context.Context, req Request) (*Response, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: "no choices in response"}
	}

	text := oaiResp.Choices[0].Message.Content
	tokens := oaiResp.Usage.TotalTokens
	if tokens == 0 {
		tokens = estimateTokens(text)
	}
	return &Response{
		Text:         text,
		Tokens:       tokens,
		Model:        c.model,
		FinishReason: oaiResp.Choices[0].FinishReason,
	}, nil
}

// executeStreaming reads server-sent events, concatenating delta content
// until the [DONE] terminator.
func (c *openaiClient) executeStreaming(ctx context.Context, req Request) (*Response, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	type streamChunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}

	var content strings.Builder
	tokens := 0
	finishReason := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping undecodable stream chunk: %v", err)
			continue
		}
		if chunk.Usage != nil {
			tokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		content.WriteString(choice.Delta.Content)
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapRequestError(fmt.Errorf("read response stream: %w", err))
	}

	text := content.String()
	if tokens == 0 {
		tokens = estimateTokens(text)
	}
	return &Response{
		Text:         text,
		Tokens:       tokens,
		Model:        c.model,
		FinishReason: finishReason,
	}, nil
}
