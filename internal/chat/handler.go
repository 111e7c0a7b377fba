package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	myMiddleware "spark-chat/internal/middleware"
	"spark-chat/internal/session"
)

// NewUpgrader only accepts origins from the allow-list; "*" accepts any.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowed["*"] || origin == "" || allowed[origin]
		},
	}
}

type Handler struct {
	dispatcher  *Dispatcher
	registry    *session.Registry
	upgrader    websocket.Upgrader
	log         *slog.Logger
	sendTimeout time.Duration
}

func NewHandler(dispatcher *Dispatcher, registry *session.Registry, upgrader websocket.Upgrader,
	log *slog.Logger, sendTimeout time.Duration) *Handler {
	return &Handler{
		dispatcher:  dispatcher,
		registry:    registry,
		upgrader:    upgrader,
		log:         log,
		sendTimeout: sendTimeout,
	}
}

// ServeWs upgrades an authenticated request and binds the new session to the
// verified identity. It must sit behind the auth middleware.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	username, ok := myMiddleware.UsernameFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "identity", username, "err", err)
		return
	}

	sessionID := uuid.NewString()
	client := NewClient(sessionID, username, conn, h.dispatcher, h.registry, h.log, h.sendTimeout)
	if err := h.registry.Register(sessionID, username, client); err != nil {
		h.log.Error("Session registration failed", "session", sessionID, "err", err)
		_ = conn.Close()
		return
	}
	h.log.Debug("Session opened", "session", sessionID, "identity", username)

	go client.WritePump()
	go client.ReadPump()
}

// GetChatHistory serves GET /api/messages?with=<username>&page=<n>&size=<n>.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	username, ok := myMiddleware.UsernameFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))

	messages, err := h.dispatcher.History(r.Context(), username, q.Get("with"), page, size)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type startConversationRequest struct {
	Username string `json:"username"`
}

type startConversationResponse struct {
	ConversationID int64 `json:"conversation_id"`
}

// StartConversation serves POST /api/conversations.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	username, ok := myMiddleware.UsernameFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	conversationID, err := h.dispatcher.StartConversation(r.Context(), username, req.Username)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startConversationResponse{ConversationID: conversationID})
}

// Health reports liveness and the number of sessions on this instance.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.registry.Count()})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		http.Error(w, ErrorCode(err), http.StatusBadRequest)
	case errors.Is(err, ErrUnknownSender):
		http.Error(w, ErrorCode(err), http.StatusUnauthorized)
	case errors.Is(err, ErrUnknownRecipient):
		http.Error(w, ErrorCode(err), http.StatusNotFound)
	default:
		h.log.Error("Request failed", "err", err)
		http.Error(w, ErrorCode(err), http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
