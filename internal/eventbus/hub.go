// README: WebSocket session registry keyed by user id.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"okada/internal/observability"
	"okada/internal/types"
)

// session wraps one connection with a write mutex; gorilla connections
// do not allow concurrent writers.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// Hub is the process-scoped connection registry. Connect/disconnect are
// explicit Add/Remove calls from the websocket handler; no other code
// touches the session map.
type Hub struct {
	mu       sync.RWMutex
	sessions map[types.ID]*session
	log      *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{sessions: make(map[types.ID]*session), log: log}
}

// Add registers the connection for userID, closing any previous session
// for the same user (reconnects win).
func (h *Hub) Add(userID types.ID, conn *websocket.Conn) {
	h.mu.Lock()
	prev := h.sessions[userID]
	h.sessions[userID] = &session{conn: conn}
	h.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
}

// Remove drops the session if conn is still the registered one.
func (h *Hub) Remove(userID types.ID, conn *websocket.Conn) {
	h.mu.Lock()
	if s, ok := h.sessions[userID]; ok && s.conn == conn {
		delete(h.sessions, userID)
	}
	h.mu.Unlock()
}

func (h *Hub) Connected(userID types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[userID]
	return ok
}

// Publish routes a user-addressed event to that user's session, if any.
// Platform-wide events are not the hub's concern.
func (h *Hub) Publish(_ context.Context, ev Event) {
	if ev.UserID == "" {
		return
	}
	h.mu.RLock()
	s, ok := h.sessions[ev.UserID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	env := Envelope{Topic: ev.Topic, Payload: ev.Payload, SentAt: time.Now().UTC()}
	if err := s.send(env); err != nil {
		observability.EventPublishFailures.WithLabelValues("ws").Inc()
		h.log.Warn("ws publish failed",
			zap.String("user_id", string(ev.UserID)),
			zap.String("topic", ev.Topic),
			zap.Error(err))
	}
}
