// Package llm normalizes every provider wire shape to a single
// {text, tokens} completion contract. Errors are typed so the orchestrator
// can decide cooldown versus failure without string matching.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"conductor/internal/config"
	"conductor/internal/logging"
)

// callTimeout is the safety wall-clock cap on any single adapter call.
const callTimeout = 5 * time.Minute

// Request is a fully composed prompt pair for one completion.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is the normalized completion result.
type Response struct {
	Text         string
	Tokens       int
	Model        string
	FinishReason string
}

// Client is the closed capability set every adapter variant implements.
type Client interface {
	Execute(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// nimHost identifies the NVIDIA-hosted OpenAI-compatible endpoint where
// non-streaming completions hang and must not be attempted.
const nimHost = "integrate.api.nvidia.com"

// New builds the adapter for an agent config. Dispatch is by provider tag;
// unknown kinds were already rejected by config validation.
func New(cfg config.AgentConfig, secret string, logger logging.Logger) (Client, error) {
	logger = logging.OrNop(logger)
	switch cfg.Provider {
	case config.ProviderOpenAICompatible:
		return newOpenAIClient(cfg, secret, logger), nil
	case config.ProviderAnthropic:
		return newAnthropicClient(cfg, secret, logger), nil
	case config.ProviderGemini:
		return newGeminiClient(cfg, secret, logger), nil
	case config.ProviderCursorBridge, config.ProviderCopilotBridge:
		return &bridgeClient{kind: cfg.Provider, model: cfg.Model}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// newHTTPClient builds the transport shared by the HTTP adapters. Per-call
// deadlines come from the context, so the client itself carries none.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// withCallTimeout caps the context at the adapter safety deadline.
func withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}

// estimateTokens approximates usage when the provider omits it: one token
// per four characters, rounded up.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// defaultMaxTokens applies when neither the request nor the agent config
// sets a cap.
const defaultMaxTokens = 4096

func resolveMaxTokens(req Request, cfgMax int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if cfgMax > 0 {
		return cfgMax
	}
	return defaultMaxTokens
}

// isNIMEndpoint reports whether the endpoint is the NVIDIA NIM host, where
// streaming is mandatory.
func isNIMEndpoint(endpoint string) bool {
	return strings.Contains(strings.ToLower(endpoint), nimHost)
}

// thinkingKwargs returns the chat_template_kwargs passthrough for NVIDIA-
// hosted models. The shape is model-specific and forwarded unmodified.
func thinkingKwargs(model string) map[string]any {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nemotron"):
		return map[string]any{"thinking": true}
	case strings.Contains(lower, "qwen"):
		return map[string]any{"enable_thinking": true, "clear_thinking": false}
	default:
		return nil
	}
}
