// Package llm provides the model clients the execution loop talks to.
// Clients are safe for concurrent independent calls; each call is a
// self-contained request/stream.
package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends a chat request and returns the complete response.
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// text tokens are delivered to it as they arrive. The returned
	// response carries the full accumulated text.
	ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
