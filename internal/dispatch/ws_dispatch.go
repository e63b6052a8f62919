package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNoConnection = errors.New("no live connection for handle")

const writeWait = 5 * time.Second

// Envelope is the frame written to clients for every event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WSSession represents one connected client
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// WSHub holds live websocket sessions keyed by connection handle.
type WSHub struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSHub() *WSHub { return &WSHub{sessions: make(map[string]*WSSession)} }

// Add registers conn under a fresh handle.
func (h *WSHub) Add(conn *websocket.Conn) string {
	handle := uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[handle] = &WSSession{conn: conn}
	observability.WSConnections.Inc()
	return handle
}

// Remove forgets the session; the caller owns closing the connection.
func (h *WSHub) Remove(handle string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[handle]; ok {
		delete(h.sessions, handle)
		observability.WSConnections.Dec()
	}
}

func (h *WSHub) Emit(handle, event string, payload any) error {
	h.mu.RLock()
	s, ok := h.sessions[handle]
	h.mu.RUnlock()
	if !ok {
		return ErrNoConnection
	}
	return s.Send(Envelope{Event: event, Data: payload})
}

func (h *WSHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
