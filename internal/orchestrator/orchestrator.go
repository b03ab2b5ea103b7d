// Package orchestrator runs one conversational turn end to end: it
// assembles the model context, streams the first model pass, executes
// any requested tools, streams the follow-up pass, and gates the
// assembled answer. A turn performs at most one round of tool
// execution; a second round requested by the model is not honored.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anyrxo/seology/internal/account"
	"github.com/anyrxo/seology/internal/briefing"
	"github.com/anyrxo/seology/internal/llm"
	"github.com/anyrxo/seology/internal/quality"
	"github.com/anyrxo/seology/internal/tools"
)

// Phase identifies where a turn is in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseToolExecution
	PhaseFinalStreaming
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStreaming:
		return "streaming"
	case PhaseToolExecution:
		return "tool_execution"
	case PhaseFinalStreaming:
		return "final_streaming"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Canned fragments streamed when the model gives us nothing usable.
// They reach the client through the same path as model text.
const (
	clarificationText = "I wasn't able to work out what you need from that. Could you rephrase, or add a bit more detail?"
	defaultAckText    = "Let me look into that for you."
	modelErrorText    = "Something went wrong while generating this answer. Please try again in a moment."
	qualityNoteText   = "\n\n(This answer may be incomplete. Ask again if anything is missing.)"
)

// Options configures an Orchestrator.
type Options struct {
	Model         string
	HistoryWindow int           // max prior messages kept in context
	PhaseTimeout  time.Duration // per model pass
	ToolTimeout   time.Duration // per tool invocation
}

// Result summarizes one completed turn.
type Result struct {
	// FinalText is all assistant text streamed during the turn,
	// including any provisional acknowledgement.
	FinalText string

	Phase        Phase
	ToolCalls    int
	ToolFailures int
	StopReason   string
	Quality      quality.Report

	// Token usage summed across both model passes.
	InputTokens  int
	OutputTokens int
}

// Emitter receives assistant text fragments in order. The transport
// forwards them to the client as they arrive.
type Emitter func(fragment string)

// Orchestrator drives turns. Safe for concurrent use; per-turn state
// lives on the stack of Run.
type Orchestrator struct {
	client   llm.Client
	registry *tools.Registry
	checker  *quality.Checker
	logger   *slog.Logger
	opts     Options
}

// New creates an orchestrator.
func New(client llm.Client, registry *tools.Registry, checker *quality.Checker, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client:   client,
		registry: registry,
		checker:  checker,
		logger:   logger,
		opts:     opts,
	}
}

// Run executes one turn for the given user. history is the prior
// conversation including the new user message as its last element.
// Fragments reach emit as they stream; by the time Run returns, the
// client has seen everything except the terminal marker.
//
// A non-nil error means the turn ended abnormally after a
// human-readable error fragment was already emitted; the transport
// should terminate the stream without further text.
func (o *Orchestrator) Run(ctx context.Context, user *account.User, history []llm.Message, emit Emitter) (*Result, error) {
	ctx = tools.WithUserID(ctx, user.ID)
	logger := o.logger.With("user", user.ID)

	res := &Result{Phase: PhaseIdle}
	messages := o.assemble(user, history)

	// First pass: the model sees the full tool catalogue.
	res.Phase = PhaseStreaming
	phase1Text := ""
	resp, err := o.streamPass(ctx, messages, o.registry.Specs(), func(text string) {
		phase1Text += text
		emit(text)
	})
	if err != nil {
		logger.Error("first model pass failed", "error", err)
		emit(modelErrorText)
		return res, fmt.Errorf("model pass: %w", err)
	}
	res.InputTokens += resp.InputTokens
	res.OutputTokens += resp.OutputTokens
	res.StopReason = resp.StopReason
	res.FinalText = phase1Text

	if len(resp.ToolCalls) == 0 {
		// No tools requested; the first pass is the whole answer. A
		// pass that produced neither text nor tool calls gets a
		// clarification prompt so the client never sees a silent turn.
		if phase1Text == "" {
			emit(clarificationText)
			res.FinalText = clarificationText
		}
		return o.finalize(res, "", emit, logger), nil
	}

	// The user must never stare at a silent stream while tools run.
	ack := phase1Text
	if ack == "" {
		emit(defaultAckText)
		ack = defaultAckText
		res.FinalText = defaultAckText
	}

	res.Phase = PhaseToolExecution
	res.ToolCalls = len(resp.ToolCalls)
	logger.Info("executing tools", "count", len(resp.ToolCalls))

	results := o.registry.Dispatch(ctx, resp.ToolCalls, o.opts.ToolTimeout)

	// The assistant's partial turn and every tool's outcome go back to
	// the model; failures are reported rather than hidden so it can
	// explain them.
	messages = append(messages, llm.Message{
		Role:      "assistant",
		Content:   phase1Text,
		ToolCalls: resp.ToolCalls,
	})
	for _, tr := range results {
		msg := llm.Message{Role: "tool", ToolCallID: tr.ID, Content: tr.Content}
		if tr.Err != nil {
			res.ToolFailures++
			msg.ToolError = true
			msg.Content = tr.Err.Error()
		}
		messages = append(messages, msg)
	}

	// Second pass: the catalogue is still declared (the provider
	// requires it alongside tool_use history) but further calls are
	// not executed.
	res.Phase = PhaseFinalStreaming
	resp2, err := o.streamPass(ctx, messages, o.registry.Specs(), func(text string) {
		res.FinalText += text
		emit(text)
	})
	if err != nil {
		logger.Error("second model pass failed", "error", err)
		emit(modelErrorText)
		return res, fmt.Errorf("model pass: %w", err)
	}
	res.InputTokens += resp2.InputTokens
	res.OutputTokens += resp2.OutputTokens
	res.StopReason = resp2.StopReason

	if len(resp2.ToolCalls) > 0 {
		logger.Warn("model requested a second tool round; not honored", "count", len(resp2.ToolCalls))
	}

	return o.finalize(res, ack, emit, logger), nil
}

// assemble builds the model context: account brief as the system
// message, then the most recent window of conversation.
func (o *Orchestrator) assemble(user *account.User, history []llm.Message) []llm.Message {
	if o.opts.HistoryWindow > 0 && len(history) > o.opts.HistoryWindow {
		history = history[len(history)-o.opts.HistoryWindow:]
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: "system", Content: briefing.Build(user)})
	messages = append(messages, history...)
	return messages
}

// streamPass runs one model pass under the phase deadline, forwarding
// text fragments to onText as they arrive.
func (o *Orchestrator) streamPass(ctx context.Context, messages []llm.Message, specs []llm.ToolSpec, onText func(string)) (*llm.ChatResponse, error) {
	if o.opts.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.PhaseTimeout)
		defer cancel()
	}

	return o.client.ChatStream(ctx, o.opts.Model, messages, specs, func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindText {
			onText(ev.Text)
		}
	})
}

// finalize runs the quality gate. The answer has already streamed, so
// a failed check appends a corrective note rather than retracting
// anything.
func (o *Orchestrator) finalize(res *Result, provisionalAck string, emit Emitter, logger *slog.Logger) *Result {
	res.Phase = PhaseFinalizing
	res.Quality = o.checker.Check(res.FinalText, provisionalAck, completedNormally(res.StopReason))
	if !res.Quality.OK {
		logger.Warn("quality gate flagged answer", "reason", res.Quality.Reason)
		emit(qualityNoteText)
	}
	res.Phase = PhaseDone
	return res
}

// completedNormally reports whether the model stopped deliberately.
// max_tokens means the answer was cut off mid-thought; an empty stop
// reason means the stream ended before the provider's final event
// arrived. Both are truncations the gate must flag.
func completedNormally(stopReason string) bool {
	switch stopReason {
	case "end_turn", "stop_sequence", "tool_use":
		return true
	}
	return false
}
