package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anyrxo/seology/internal/llm"
)

func dialWS(t *testing.T, env *testEnv, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/chat/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial %s: %v (status %d)", url, err, resp.StatusCode)
		}
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readTurn collects frames until the done or error frame.
func readTurn(t *testing.T, conn *websocket.Conn) (text string, errFrame *wsError) {
	t.Helper()
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch {
		case frame.Error != nil:
			return text, frame.Error
		case frame.Done:
			return text, nil
		default:
			text += frame.Text
		}
	}
}

func TestWSChatTurn(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{fragments: []string{"Your site ", "looks healthy."}})
	conn := dialWS(t, env, env.token)

	if err := conn.WriteJSON(chatBody("how is my site?")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	text, errFrame := readTurn(t, conn)
	if errFrame != nil {
		t.Fatalf("unexpected error frame: %+v", errFrame)
	}
	if text != "Your site looks healthy." {
		t.Errorf("streamed text = %q", text)
	}

	balance, err := env.ledger.Balance(context.Background(), env.userID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.MonthlyConsumed != 1 {
		t.Errorf("MonthlyConsumed = %d, want 1", balance.MonthlyConsumed)
	}
}

func TestWSMultipleTurnsOneConnection(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{fragments: []string{"answer text here"}})
	conn := dialWS(t, env, env.token)

	for turn := 0; turn < 2; turn++ {
		if err := conn.WriteJSON(chatBody("hello again")); err != nil {
			t.Fatalf("turn %d write: %v", turn, err)
		}
		text, errFrame := readTurn(t, conn)
		if errFrame != nil {
			t.Fatalf("turn %d error frame: %+v", turn, errFrame)
		}
		if text == "" {
			t.Errorf("turn %d produced no text", turn)
		}
	}
}

func TestWSUnauthorizedHandshake(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{})

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/chat/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %+v, want 401", resp)
	}
}

func TestWSValidationErrorFrame(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{fragments: []string{"hi"}})
	conn := dialWS(t, env, env.token)

	if err := conn.WriteJSON(ChatRequest{}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	_, errFrame := readTurn(t, conn)
	if errFrame == nil || errFrame.Code != http.StatusBadRequest {
		t.Errorf("error frame = %+v, want 400", errFrame)
	}
}

// slowLLM emits fragments on a timer until its context is cancelled,
// standing in for a long model pass against a client that hangs up.
type slowLLM struct {
	firstSent chan struct{}
	cancelled chan struct{}
}

func (f *slowLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, specs []llm.ToolSpec, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	cb(llm.StreamEvent{Kind: llm.KindText, Text: "Working on it. "})
	close(f.firstSent)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-ctx.Done():
			close(f.cancelled)
			return nil, ctx.Err()
		case <-deadline:
			return nil, errors.New("pass ran to completion despite disconnect")
		case <-time.After(10 * time.Millisecond):
			cb(llm.StreamEvent{Kind: llm.KindText, Text: "still working. "})
		}
	}
}

func (f *slowLLM) Ping(ctx context.Context) error { return nil }

func TestWSClientDisconnectCancelsTurn(t *testing.T) {
	model := &slowLLM{
		firstSent: make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	env := newTestEnv(t, model)
	conn := dialWS(t, env, env.token)

	if err := conn.WriteJSON(chatBody("run a long analysis")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	// Wait until the turn is streaming, then hang up mid-answer.
	<-model.firstSent
	conn.Close()

	select {
	case <-model.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("model pass kept running after the client disconnected")
	}
}

func TestWSOutOfCreditsFrame(t *testing.T) {
	env := newTestEnv(t, &fakeLLM{fragments: []string{"hi"}})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := env.ledger.Consume(ctx, env.userID); err != nil {
			t.Fatalf("drain credit %d: %v", i, err)
		}
	}

	conn := dialWS(t, env, env.token)
	if err := conn.WriteJSON(chatBody("hello")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	_, errFrame := readTurn(t, conn)
	if errFrame == nil || errFrame.Code != http.StatusPaymentRequired {
		t.Errorf("error frame = %+v, want 402", errFrame)
	}
}
