package modelclient

import (
	"context"
	"fmt"
	"log"
)

// Chain tries providers in order: the hosted primary first, then the
// self-hosted secondary. There is exactly one fallback hop and no retry
// beyond it; if every provider fails the chat fails fatally for the request.
type Chain struct {
	providers []Client
	logger    *log.Logger
}

// ChainOption customises chain construction.
type ChainOption func(*Chain)

// WithLogger overrides the logger used for fallback notices.
func WithLogger(logger *log.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChain builds a provider chain. Nil providers are skipped.
func NewChain(providers []Client, opts ...ChainOption) *Chain {
	chain := &Chain{logger: log.Default()}
	for _, provider := range providers {
		if provider != nil {
			chain.providers = append(chain.providers, provider)
		}
	}
	for _, opt := range opts {
		opt(chain)
	}
	return chain
}

// Name identifies the chain by its first provider.
func (c *Chain) Name() string {
	if len(c.providers) == 0 {
		return "none"
	}
	return c.providers[0].Name()
}

// Configured reports whether at least one provider is available.
func (c *Chain) Configured() bool {
	return len(c.providers) > 0
}

// Chat tries each provider in order and returns the first success.
func (c *Chain) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if len(c.providers) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for i, provider := range c.providers {
		resp, err := provider.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i+1 < len(c.providers) {
			c.logger.Printf("[ModelClient] Provider %s failed, trying %s: %v",
				provider.Name(), c.providers[i+1].Name(), err)
		}
	}
	return nil, fmt.Errorf("modelclient: all providers failed: %w", lastErr)
}
