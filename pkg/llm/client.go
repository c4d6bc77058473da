package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Client is the provider-agnostic model-calling interface used by call nodes.
type Client interface {
	// Complete performs a blocking generation and returns the full response.
	Complete(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	// Stream starts a streaming generation. Deltas arrive in order, followed by
	// exactly one Complete or Error event; then the channel is closed.
	Stream(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, error)
}

// ProviderFactory creates a Client for a given model name within a provider.
type ProviderFactory func(modelName string) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ProviderFactory{}
)

// RegisterProvider registers a factory function for a named provider.
// Call this from init() in provider packages.
func RegisterProvider(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Providers lists the registered provider names, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewClient constructs a Client for a "provider:model-name" ID.
func NewClient(modelID string) (Client, error) {
	provider, modelName, err := ParseModelID(modelID)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	registryMu.RLock()
	factory, ok := registry[provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (model ID %q); import the providers package", provider, modelID)
	}
	return factory(modelName)
}
