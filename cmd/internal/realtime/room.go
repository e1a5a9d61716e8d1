package realtime

import (
	"log/slog"
	"sync"

	"relay/cmd/internal/metrics"
	v1 "relay/shared/contracts/chat/v1"
)

// Room is the in-memory broadcast channel of one conversation. A
// subscription only scopes room fan-out for the session; it never implies
// conversation membership, which the core authorizes on every operation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for one conversation id.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join subscribes a client to the room. A client that is already shutting
// down is not admitted.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}
	select {
	case <-client.Done():
		return
	default:
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "conversation_id", r.ID, "session_id", client.SessionID, "user_id", client.UserID)
}

// Leave unsubscribes a session from the room. It does not close the client:
// a session outlives any single room subscription.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.member.leave", "conversation_id", r.ID, "session_id", sessionID)
	}
}

// Len reports the current subscriber count.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans an envelope out to all subscribed sessions.
// Non-blocking: a member with a full queue or a closing client is dropped.
func (r *Room) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			metrics.DroppedDeliveriesTotal.Inc()
		}
	}
}
