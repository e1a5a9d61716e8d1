package realtime

import (
	"log/slog"
	"sync"

	"relay/cmd/internal/metrics"
	v1 "relay/shared/contracts/chat/v1"
)

// Hub owns the in-memory rooms and the session registry. It is the
// transport-side index only: persistence, authorization and presence
// aggregation live in the core.
//
// Two delivery paths exist. Room broadcast reaches sessions currently
// subscribed to a conversation's room. User delivery reaches every session
// of one user regardless of room subscriptions; the core uses it for
// receipts, presence and conversation list refreshes.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	rooms    map[string]*Room
	sessions map[string]*Client
	users    map[string]map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:      log,
		rooms:    make(map[string]*Room),
		sessions: make(map[string]*Client),
		users:    make(map[string]map[string]*Client),
	}
}

// Register adds a session to the registry.
func (h *Hub) Register(client *Client) {
	if h == nil || client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	h.sessions[client.SessionID] = client
	byUser := h.users[client.UserID]
	if byUser == nil {
		byUser = make(map[string]*Client)
		h.users[client.UserID] = byUser
	}
	byUser[client.SessionID] = client
	h.mu.Unlock()

	metrics.ConnectionsActive.Inc()
}

// Unregister removes a session from the registry. Unknown ids are no-ops.
func (h *Hub) Unregister(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	h.mu.Lock()
	client, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	if ok && client != nil {
		byUser := h.users[client.UserID]
		delete(byUser, sessionID)
		if len(byUser) == 0 {
			delete(h.users, client.UserID)
		}
	}
	h.mu.Unlock()

	if ok {
		metrics.ConnectionsActive.Dec()
	}
}

// GetOrCreateRoom returns a stable in-memory room handle.
func (h *Hub) GetOrCreateRoom(conversationID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[conversationID]; ok {
		return r
	}

	r := NewRoom(h.log, conversationID)
	h.rooms[conversationID] = r
	return r
}

// RoomIfExists returns the room handle without creating one. Fan-out into a
// conversation nobody is subscribed to resolves to nil and is skipped.
func (h *Hub) RoomIfExists(conversationID string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[conversationID]
}

// SendToUser enqueues an envelope to every session of one user. It reports
// the number of sessions reached; full queues and closing clients are
// dropped, never blocked on.
func (h *Hub) SendToUser(userID string, env v1.Envelope) int {
	if h == nil || userID == "" {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.users[userID] {
		if c == nil {
			continue
		}

		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			delivered++
		default:
			metrics.DroppedDeliveriesTotal.Inc()
		}
	}
	return delivered
}
