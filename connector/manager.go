package connector

import (
	"context"
	"fmt"
	"sync"
)

var globalManager = &manager{
	providers: make(map[string]Provider),
}

type manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// Register makes a provider available under name. Typically called from a
// provider's init.
func Register(name string, provider Provider) {
	globalManager.mu.Lock()
	defer globalManager.mu.Unlock()
	globalManager.providers[name] = provider
}

// New returns a Connector for the named provider and config.
func New(name string, config Config) (Connector, error) {
	globalManager.mu.RLock()
	provider, ok := globalManager.providers[name]
	globalManager.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", name)
	}
	return &standardConnector{provider: provider, config: config}, nil
}

type standardConnector struct {
	provider Provider
	config   Config
}

func (c *standardConnector) Connect(ctx context.Context) (Connection, error) {
	return c.provider.Connect(ctx, c.config)
}

func (c *standardConnector) ConnectWithRetry(ctx context.Context, opts RetryConfig) (Connection, error) {
	return retryConnect(ctx, opts, c.Connect)
}

func (c *standardConnector) Close() error {
	return nil
}
