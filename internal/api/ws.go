package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anyrxo/seology/internal/account"
	"github.com/anyrxo/seology/internal/credits"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsFrame is the WebSocket wire frame. Exactly one field is set per
// frame: Text for answer fragments, Error for failures, Done for the
// terminal marker. Fragment content is identical to the SSE stream.
type wsFrame struct {
	Text    string           `json:"text,omitempty"`
	Error   *wsError         `json:"error,omitempty"`
	Done    bool             `json:"done,omitempty"`
	Balance *credits.Balance `json:"balance,omitempty"`
}

type wsError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

const wsWriteTimeout = 120 * time.Second

// handleChatWS is the WebSocket variant of the chat endpoint. The
// client sends one ChatRequest per turn; the server answers with text
// frames and a done frame, then waits for the next turn on the same
// connection. Authentication happens once, at the handshake.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.tokens.Verify(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "invalid or missing API token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("user", userID, "transport", "websocket")

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		if !s.runWSTurn(conn, r, userID, &req, logger) {
			return
		}
	}
}

// runWSTurn executes one turn over an established connection. Returns
// false when the connection is no longer usable.
func (s *Server) runWSTurn(conn *websocket.Conn, r *http.Request, userID string, req *ChatRequest, logger *slog.Logger) bool {
	// The upgrade hijacked the connection, so r.Context() no longer
	// tracks the peer. Derive a per-turn context and cancel it on the
	// first failed write: a gone client must abort the in-flight model
	// pass and tool calls instead of letting them run to completion.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writeFrame := func(f wsFrame) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(f); err != nil {
			cancel()
			return false
		}
		return true
	}
	fail := func(code int, message string, balance *credits.Balance) bool {
		return writeFrame(wsFrame{
			Error:   &wsError{Message: message, Type: errorType(code), Code: code},
			Balance: balance,
		})
	}

	if msg := validateChatRequest(req, s.maxMessageChars); msg != "" {
		return fail(http.StatusBadRequest, msg, nil)
	}

	user, err := s.accounts.FindUser(ctx, userID)
	if errors.Is(err, account.ErrNotFound) {
		return fail(http.StatusNotFound, "account not found", nil)
	}
	if err != nil {
		logger.Error("account lookup failed", "error", err)
		return fail(http.StatusInternalServerError, "internal error", nil)
	}

	if _, err := s.ledger.Consume(ctx, userID); err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) || errors.Is(err, credits.ErrNoBalance) {
			snapshot, berr := s.ledger.Balance(ctx, userID)
			if berr != nil {
				snapshot = &credits.Balance{UserID: userID}
			}
			return fail(http.StatusPaymentRequired, "out of credits", snapshot)
		}
		logger.Error("credit spend failed", "error", err)
		return fail(http.StatusInternalServerError, "internal error", nil)
	}

	res, err := s.orch.Run(ctx, user, convertMessages(req.Messages), func(fragment string) {
		writeFrame(wsFrame{Text: fragment})
	})
	if err != nil {
		// The orchestrator already emitted a readable error fragment.
		return writeFrame(wsFrame{Done: true})
	}

	logger.Info("turn complete",
		"tool_calls", res.ToolCalls,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"quality_ok", res.Quality.OK,
	)
	return writeFrame(wsFrame{Done: true})
}
