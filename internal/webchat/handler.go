// Package webchat serves the student chat over a WebSocket, with a plain
// HTTP history endpoint for reconnecting clients.
package webchat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/saathi-ai-platform/internal/http/middleware"
	"github.com/wolfman30/saathi-ai-platform/internal/pipeline"
	"github.com/wolfman30/saathi-ai-platform/internal/session"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

const historyLimit = 50

// Sender runs a message through the pipeline.
type Sender interface {
	Send(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// SessionReader loads the saved conversation for history replay.
type SessionReader interface {
	Load(ctx context.Context, id string) (session.ConversationSession, error)
}

// Handler manages web chat connections.
type Handler struct {
	conversations Sender
	sessions      SessionReader
	logger        *logging.Logger

	mu    sync.RWMutex
	conns map[string]*wsConn // session id -> active connection
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.JSON.Send(c.conn, msg)
}

// InboundMessage is what the client sends.
type InboundMessage struct {
	Type string `json:"type"` // "message", "ping"
	Text string `json:"text"`
}

// OutboundMessage is what the client receives.
type OutboundMessage struct {
	Type            string            `json:"type"` // "session", "history", "typing", "message", "pong", "error"
	Text            string            `json:"text,omitempty"`
	Role            string            `json:"role,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	Timestamp       string            `json:"timestamp,omitempty"`
	RiskLevel       string            `json:"risk_level,omitempty"`
	CrisisResources []ResourceMessage `json:"crisis_resources,omitempty"`
	SuggestedCoping []string          `json:"suggested_coping,omitempty"`
	Messages        []HistoryMessage  `json:"messages,omitempty"`
}

// ResourceMessage is a helpline shown with a crisis reply.
type ResourceMessage struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

type HistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

func NewHandler(conversations Sender, sessions SessionReader, logger *logging.Logger) *Handler {
	if conversations == nil {
		panic("webchat: conversations cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		conversations: conversations,
		sessions:      sessions,
		logger:        logger,
		conns:         make(map[string]*wsConn),
	}
}

func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(b)
}

// connection identifies the caller. An owner token wins over the owner query
// parameter, which is only honored when auth is disabled.
type connection struct {
	ownerID   string
	sessionID string
	consent   session.ConsentFlags
}

func connectionFor(r *http.Request) (connection, error) {
	q := r.URL.Query()
	c := connection{sessionID: strings.TrimSpace(q.Get("session"))}
	if claims, ok := middleware.OwnerClaimsFromContext(r.Context()); ok {
		c.ownerID = claims.Subject
		c.consent = session.ConsentFlags{DataStorage: claims.ConsentDataStorage, ScreeningStorage: claims.ConsentScreeningStorage}
	} else {
		c.ownerID = strings.TrimSpace(q.Get("owner"))
		c.consent.DataStorage = q.Get("consent_data_storage") == "true"
	}
	if c.ownerID == "" {
		return c, errors.New("missing owner")
	}
	if c.sessionID == "" {
		c.sessionID = generateSessionID()
	}
	return c, nil
}

// HandleWebSocket upgrades to WebSocket and handles real-time messaging.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request) {
	ctx := r.Context()
	wsc := &wsConn{conn: conn}

	c, err := connectionFor(r)
	if err != nil {
		_ = wsc.send(OutboundMessage{Type: "error", Text: err.Error()})
		return
	}
	_ = wsc.send(OutboundMessage{Type: "session", SessionID: c.sessionID})

	if history, ok := h.history(ctx, c.ownerID, c.sessionID); ok && len(history) > 0 {
		_ = wsc.send(OutboundMessage{Type: "history", SessionID: c.sessionID, Messages: history})
	}

	h.mu.Lock()
	h.conns[c.sessionID] = wsc
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.conns[c.sessionID] == wsc {
			delete(h.conns, c.sessionID)
		}
		h.mu.Unlock()
	}()

	h.logger.Info("webchat: connection opened", "owner_id", c.ownerID, "session_id", c.sessionID)

	for {
		var msg InboundMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Debug("webchat: connection closed", "session_id", c.sessionID, "error", err)
			return
		}
		switch {
		case msg.Type == "ping":
			_ = wsc.send(OutboundMessage{Type: "pong"})
		case msg.Type == "message" && strings.TrimSpace(msg.Text) != "":
			_ = wsc.send(OutboundMessage{Type: "typing"})
			_ = wsc.send(h.reply(ctx, c, msg.Text))
		}
	}
}

// reply runs one message. Failures become an error frame; the connection
// stays open.
func (h *Handler) reply(ctx context.Context, c connection, text string) OutboundMessage {
	res, err := h.conversations.Send(ctx, pipeline.Request{
		OwnerID:   c.ownerID,
		SessionID: c.sessionID,
		Text:      text,
		Consent:   c.consent,
	})
	switch {
	case err == nil:
		return outboundFromResult(res)
	case errors.Is(err, pipeline.ErrInvalidInput):
		return OutboundMessage{Type: "error", Text: "Please type a message."}
	case errors.Is(err, pipeline.ErrSessionOwner):
		return OutboundMessage{Type: "error", Text: "This conversation belongs to someone else."}
	default:
		h.logger.Error("webchat: send failed", "error", err, "session_id", c.sessionID)
		return OutboundMessage{Type: "error", Text: "Sorry, something went wrong. Please try again."}
	}
}

func outboundFromResult(res pipeline.Result) OutboundMessage {
	out := OutboundMessage{
		Type:            "message",
		Role:            string(session.RoleAssistant),
		Text:            res.ReplyText,
		SessionID:       res.SessionID,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		RiskLevel:       res.RiskLevel.String(),
		SuggestedCoping: res.SuggestedCoping,
	}
	for _, r := range res.CrisisResources {
		out.CrisisResources = append(out.CrisisResources, ResourceMessage{Name: r.Name, Contact: r.Contact})
	}
	return out
}

// Push delivers a message to the session's open connection, if any.
func (h *Handler) Push(sessionID string, msg OutboundMessage) bool {
	h.mu.RLock()
	wsc, ok := h.conns[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return wsc.send(msg) == nil
}

func (h *Handler) history(ctx context.Context, ownerID, sessionID string) ([]HistoryMessage, bool) {
	if h.sessions == nil {
		return nil, true
	}
	sess, err := h.sessions.Load(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, true
	}
	if err != nil {
		h.logger.Error("webchat: failed to load history", "error", err, "session_id", sessionID)
		return nil, false
	}
	if sess.OwnerID != ownerID {
		return nil, false
	}
	msgs := sess.Recent(historyLimit)
	history := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, HistoryMessage{
			Role:      string(m.Role),
			Text:      m.Text,
			Timestamp: m.CreatedAt.Format(time.RFC3339),
		})
	}
	return history, true
}

// HandleHistory returns the saved messages for a session the caller owns.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	c, err := connectionFor(r)
	if err != nil || r.URL.Query().Get("session") == "" {
		http.Error(w, "owner and session parameters required", http.StatusBadRequest)
		return
	}
	history, ok := h.history(r.Context(), c.ownerID, c.sessionID)
	if !ok {
		http.Error(w, "session not available", http.StatusNotFound)
		return
	}
	if history == nil {
		history = []HistoryMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"session_id": c.sessionID, "messages": history})
}
