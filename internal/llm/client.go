package llm

import "context"

// Client is the interface the chat pipeline uses to talk to an LLM
// provider. Implementations must forward stream events in provider
// order and return the accumulated response when the stream ends.
type Client interface {
	// ChatStream sends a streaming chat request. If callback is non-nil,
	// events are delivered to it as they arrive.
	ChatStream(ctx context.Context, model string, messages []Message, tools []ToolSpec, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable and the credentials work.
	Ping(ctx context.Context) error
}
