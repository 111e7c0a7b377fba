package chat_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"spark-chat/internal/chat"
	myMiddleware "spark-chat/internal/middleware"
	"spark-chat/internal/session"
)

// tokenIsUsername accepts "token-<username>".
type tokenIsUsername struct{}

func (tokenIsUsername) Verify(token string) (string, error) {
	username, ok := strings.CutPrefix(token, "token-")
	if !ok || username == "" {
		return "", errors.New("bad token")
	}
	return username, nil
}

type server struct {
	*httptest.Server
	registry *session.Registry
}

func newServer(t *testing.T) server {
	f := newFixture(t)
	knownUsers(f.directory, "alice", "bob")

	handler := chat.NewHandler(f.dispatcher, f.registry, chat.NewUpgrader([]string{"*"}), slog.Default(), 5*time.Second)
	auth := myMiddleware.NewAuthMiddleware(tokenIsUsername{}, slog.Default())

	r := chi.NewRouter()
	r.Get("/healthz", handler.Health)
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Get("/ws", handler.ServeWs)
		r.Get("/api/messages", handler.GetChatHistory)
		r.Post("/api/conversations", handler.StartConversation)
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return server{Server: ts, registry: f.registry}
}

func (s server) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer token-" + username}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return s.registry.Online(username) }, time.Second, 5*time.Millisecond)
	return conn
}

func (s server) get(t *testing.T, path, username string) *http.Response {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer token-"+username)
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHandler_Handshake_Without_Valid_Token_Is_Rejected(t *testing.T) {
	s := newServer(t)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"

	tests := []struct {
		name   string
		header http.Header
	}{
		{"no header", nil},
		{"wrong scheme", http.Header{"Authorization": {"Basic token-alice"}}},
		{"bad token", http.Header{"Authorization": {"Bearer nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(url, tt.header)
			if conn != nil {
				_ = conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	require.Zero(t, s.registry.Count())
}

func TestHandler_Message_Round_Trip(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")

	// A sender field in the frame is ignored, the session identity wins
	req.NoError(alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message","sender":"mallory","recipient":"bob","content":"hello bob"}`)))

	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := bob.ReadMessage()
	req.NoError(err)

	var frame chat.OutboundFrame
	req.NoError(json.Unmarshal(data, &frame))
	req.Equal("alice", frame.Sender)
	req.Equal("hello bob", frame.Content)

	// The sender gets nothing back
	_ = alice.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = alice.ReadMessage()
	req.Error(err)
}

func TestHandler_Invalid_Frame_Gets_Error_Frame(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	alice := s.dial(t, "alice")

	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte(`{"recipient":"bob","content":""}`)))

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := alice.ReadMessage()
	req.NoError(err)
	var frame chat.ErrorFrame
	req.NoError(json.Unmarshal(data, &frame))
	req.Equal(chat.ErrorFrame{Type: chat.FrameError, Error: "invalid_payload"}, frame)

	// The session survives a rejected frame
	req.True(s.registry.Online("alice"))
}

func TestHandler_Disconnect_Unregisters_Session(t *testing.T) {
	s := newServer(t)
	alice := s.dial(t, "alice")
	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool { return !s.registry.Online("alice") }, time.Second, 5*time.Millisecond)
}

func TestHandler_History_And_Conversations(t *testing.T) {
	req := require.New(t)
	s := newServer(t)

	// History of a pair that never talked is empty
	resp := s.get(t, "/api/messages?with=bob", "alice")
	req.Equal(http.StatusOK, resp.StatusCode)
	var history []chat.Message
	req.NoError(json.NewDecoder(resp.Body).Decode(&history))
	req.Empty(history)

	// Starting a conversation is idempotent
	start := func(username, peer string) int64 {
		r, err := http.NewRequest(http.MethodPost, s.URL+"/api/conversations", strings.NewReader(`{"username":"`+peer+`"}`))
		req.NoError(err)
		r.Header.Set("Authorization", "Bearer token-"+username)
		resp, err := http.DefaultClient.Do(r)
		req.NoError(err)
		defer resp.Body.Close()
		req.Equal(http.StatusOK, resp.StatusCode)
		var body struct {
			ConversationID int64 `json:"conversation_id"`
		}
		req.NoError(json.NewDecoder(resp.Body).Decode(&body))
		return body.ConversationID
	}
	req.Equal(start("alice", "bob"), start("bob", "alice"))

	// Missing peer is a bad request
	resp = s.get(t, "/api/messages", "alice")
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	// And nothing is readable without a token
	anonymous, err := http.Get(s.URL + "/api/messages?with=bob")
	req.NoError(err)
	defer anonymous.Body.Close()
	req.Equal(http.StatusUnauthorized, anonymous.StatusCode)
}

func TestHandler_Health(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	s.dial(t, "alice")

	resp, err := http.Get(s.URL + "/healthz")
	req.NoError(err)
	defer resp.Body.Close()
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&body))
	req.Equal("ok", body.Status)
	req.Equal(1, body.Sessions)
}

func TestHandler_Numeric_Kind_Gets_Error_Frame(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	alice := s.dial(t, "alice")

	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte(`{"recipient":"bob","content":"hi","kind":7}`)))

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := alice.ReadMessage()
	req.NoError(err)
	var frame chat.ErrorFrame
	req.NoError(json.Unmarshal(data, &frame))
	req.Equal("invalid_payload", frame.Error)
}
