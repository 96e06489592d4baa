package llm

import (
	"context"
	"fmt"

	"conductor/internal/config"
)

// bridgeClient stands in for providers whose completions run inside a host
// IDE session. The core registers them for visibility but never performs
// their I/O itself.
type bridgeClient struct {
	kind  config.ProviderKind
	model string
}

func (c *bridgeClient) Model() string {
	return c.model
}

func (c *bridgeClient) Execute(ctx context.Context, req Request) (*Response, error) {
	return nil, fmt.Errorf("provider %s: %w", c.kind, ErrBridgeProvider)
}
