// Package api implements the HTTP surface of the chat service: the
// SSE chat endpoint, a WebSocket variant, and the credit balance and
// health endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anyrxo/seology/internal/account"
	"github.com/anyrxo/seology/internal/auth"
	"github.com/anyrxo/seology/internal/buildinfo"
	"github.com/anyrxo/seology/internal/credits"
	"github.com/anyrxo/seology/internal/llm"
	"github.com/anyrxo/seology/internal/orchestrator"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int

	tokens   *auth.Store
	accounts *account.Store
	ledger   *credits.Ledger
	orch     *orchestrator.Orchestrator
	logger   *slog.Logger
	server   *http.Server

	maxMessageChars int
}

// NewServer creates the API server.
func NewServer(address string, port int, tokens *auth.Store, accounts *account.Store, ledger *credits.Ledger, orch *orchestrator.Orchestrator, maxMessageChars int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:         address,
		port:            port,
		tokens:          tokens,
		accounts:        accounts,
		ledger:          ledger,
		orch:            orch,
		maxMessageChars: maxMessageChars,
		logger:          logger,
	}
}

// Handler returns the routed handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)
	mux.HandleFunc("GET /v1/credits", s.handleCredits)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Long write timeout for streaming; the SSE loop resets the
		// deadline after every fragment.
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "seologyd",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := s.tokens.Verify(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "invalid or missing API token")
		return
	}

	balance, err := s.ledger.Balance(r.Context(), userID)
	if errors.Is(err, credits.ErrNoBalance) {
		s.errorResponse(w, http.StatusNotFound, "no credit balance for account")
		return
	}
	if err != nil {
		s.logger.Error("balance lookup failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, balance, s.logger)
}

// ChatRequest is the chat endpoint's request body. Messages carry the
// full conversation; the server holds no session state between calls.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// ChatMessage is one conversation entry as sent by the client.
type ChatMessage struct {
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	Attachments []ChatAttachment `json:"attachments,omitempty"`
}

// ChatAttachment is a file attached to a user message. Data is base64
// in the JSON wire form.
type ChatAttachment struct {
	MediaType string `json:"media_type"`
	Name      string `json:"name,omitempty"`
	Data      []byte `json:"data"`
}

// StreamChunk is one SSE data payload: a text fragment of the
// assistant's answer. The stream ends with a literal [DONE] marker.
type StreamChunk struct {
	Text string `json:"text"`
}

// handleChat runs one conversational turn and streams the answer as
// SSE. All validation and the credit spend happen before the first
// byte of the stream, so errors there still get proper status codes.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user, history, ok := s.prepareTurn(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	rc := http.NewResponseController(w)
	emit := func(fragment string) {
		data, err := json.Marshal(StreamChunk{Text: fragment})
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			s.logger.Debug("failed to write SSE chunk", "error", err)
			return
		}
		flusher.Flush()

		// Reset the write deadline so long tool executions between
		// fragments don't kill the stream.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	res, err := s.orch.Run(r.Context(), user, history, emit)
	if err != nil {
		// The error fragment already streamed; the status line is long
		// gone. Terminate the stream cleanly.
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	s.logger.Info("turn complete",
		"user", user.ID,
		"tool_calls", res.ToolCalls,
		"tool_failures", res.ToolFailures,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"quality_ok", res.Quality.OK,
	)

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// prepareTurn performs everything that must succeed before streaming
// begins: authentication, request validation, account lookup, and the
// credit spend. On failure it writes the error response and returns
// ok=false. The credit is spent up front and is not refunded if the
// turn later fails or the client disconnects.
func (s *Server) prepareTurn(w http.ResponseWriter, r *http.Request) (*account.User, []llm.Message, bool) {
	userID, err := s.tokens.Verify(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "invalid or missing API token")
		return nil, nil, false
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return nil, nil, false
	}
	if msg := validateChatRequest(&req, s.maxMessageChars); msg != "" {
		s.errorResponse(w, http.StatusBadRequest, msg)
		return nil, nil, false
	}

	user, err := s.accounts.FindUser(r.Context(), userID)
	if errors.Is(err, account.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "account not found")
		return nil, nil, false
	}
	if err != nil {
		s.logger.Error("account lookup failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return nil, nil, false
	}

	balance, err := s.ledger.Consume(r.Context(), userID)
	if errors.Is(err, credits.ErrInsufficientCredits) || errors.Is(err, credits.ErrNoBalance) {
		snapshot, berr := s.ledger.Balance(r.Context(), userID)
		if berr != nil {
			snapshot = &credits.Balance{UserID: userID}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		writeJSON(w, map[string]any{
			"error": map[string]any{
				"message": "out of credits",
				"type":    "insufficient_credits",
				"code":    http.StatusPaymentRequired,
			},
			"balance": snapshot,
		}, s.logger)
		return nil, nil, false
	}
	if err != nil {
		s.logger.Error("credit spend failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return nil, nil, false
	}
	if !balance.Unlimited {
		s.logger.Debug("credit spent", "user", userID, "remaining", balance.TotalAvailable())
	}

	return user, convertMessages(req.Messages), true
}

// validateChatRequest returns a human-readable problem description, or
// "" when the request is acceptable.
func validateChatRequest(req *ChatRequest, maxChars int) string {
	if len(req.Messages) == 0 {
		return "messages is required"
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return "last message must have role user"
	}
	if strings.TrimSpace(last.Content) == "" && len(last.Attachments) == 0 {
		return "last message is empty"
	}
	if maxChars > 0 && len(last.Content) > maxChars {
		return fmt.Sprintf("message exceeds the %d character limit", maxChars)
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "user", "assistant":
		default:
			return fmt.Sprintf("unsupported message role %q", m.Role)
		}
	}
	return ""
}

// convertMessages maps the wire messages into the model conversation.
// Image attachments are forwarded for the model to see; anything else
// is flattened into a text note so the model knows the file exists
// without receiving bytes it cannot read.
func convertMessages(msgs []ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		conv := llm.Message{Role: m.Role, Content: m.Content}
		var notes []string
		for _, att := range m.Attachments {
			if strings.HasPrefix(att.MediaType, "image/") {
				conv.Attachments = append(conv.Attachments, llm.Attachment{
					MediaType: att.MediaType,
					Name:      att.Name,
					Data:      att.Data,
				})
				continue
			}
			name := att.Name
			if name == "" {
				name = "unnamed file"
			}
			notes = append(notes, fmt.Sprintf("[Attached file: %s (%s, %d bytes); contents not included]",
				name, att.MediaType, len(att.Data)))
		}
		if len(notes) > 0 {
			if conv.Content != "" {
				conv.Content += "\n"
			}
			conv.Content += strings.Join(notes, "\n")
		}
		out = append(out, conv)
	}
	return out
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusPaymentRequired:
		return "insufficient_credits"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "invalid_request_error"
	}
	return "api_error"
}
