package llm

import (
	"context"
	"fmt"
)

// MultiClient routes requests to a provider based on model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient creates a client that routes to multiple providers.
// Models without a mapping go to fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client, nil
		}
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

// Chat sends a request to the provider for model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, model, messages)
}

// ChatStream sends a streaming request to the provider for model.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) (*ChatResponse, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, model, messages, callback)
}

// Ping checks the fallback provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil {
		return fmt.Errorf("no fallback client configured")
	}
	return m.fallback.Ping(ctx)
}
