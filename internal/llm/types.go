// Package llm provides the LLM provider client used by the chat pipeline.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents one entry in the conversation sent to the model.
type Message struct {
	Role        string       `json:"role"` // system, user, assistant, tool
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`  // user messages only
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`   // assistant partial turn
	ToolCallID  string       `json:"tool_call_id,omitempty"` // role=tool: which call this answers
	ToolError   bool         `json:"tool_error,omitempty"`   // role=tool: the invocation failed
}

// Attachment is a binary payload accompanying a user message. Image
// media types are forwarded to the model as image blocks; everything
// else is summarized as text by the caller before it gets here.
type Attachment struct {
	MediaType string `json:"media_type"` // e.g. "image/png"
	Name      string `json:"name,omitempty"`
	Data      []byte `json:"data"`
}

// ToolCall is a tool invocation requested by the model. The ID is
// provider-assigned and correlates the eventual result back to the
// request; Input is the parsed structured payload.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolSpec declares a tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatResponse is the final summary of one model invocation.
type ChatResponse struct {
	Model      string
	Text       string
	ToolCalls  []ToolCall
	StopReason string // end_turn, tool_use, max_tokens, stop_sequence

	// Token usage as reported by the provider.
	InputTokens  int
	OutputTokens int
}

// StreamEvent is a single event in a streaming response. Consumers
// switch on Kind to determine which fields are set. Modeling the
// stream as a discriminated event sequence (rather than ad hoc
// callbacks) lets the turn state machine be driven by synthetic
// sequences in tests.
type StreamEvent struct {
	Kind StreamEventKind

	// Text is set for KindText events.
	Text string

	// ID and Name are set for KindToolStart events.
	ID   string
	Name string

	// PartialJSON is set for KindToolDelta events. Fragments concatenate
	// into the tool's input payload; parsing happens at KindToolStop.
	PartialJSON string

	// StopReason is set for KindDone events.
	StopReason string
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindText is an incremental text fragment from the model.
	KindText StreamEventKind = iota

	// KindToolStart fires when the model opens a tool-use block.
	KindToolStart

	// KindToolDelta carries a fragment of the tool input payload.
	KindToolDelta

	// KindToolStop fires when the current tool-use block closes.
	KindToolStop

	// KindDone signals normal end of the stream.
	KindDone
)

// StreamCallback receives streaming events in the order the provider
// emitted them.
type StreamCallback func(event StreamEvent)
