// Package presence tracks live connections per user.
//
// The registry is the only in-process shared mutable state in Relay. It is
// multi-device aware: a user is online while at least one connection remains,
// and the userID key exists in the map iff its connection set is non-empty.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Transition describes how a connect/disconnect changed a user's presence.
type Transition uint8

const (
	// TransitionNone means the user's online state did not change
	// (additional device connected, or one of several disconnected).
	TransitionNone Transition = iota
	// TransitionOnline means the user's first connection was added.
	TransitionOnline
	// TransitionOffline means the user's last connection was removed.
	TransitionOffline
)

func (t Transition) String() string {
	switch t {
	case TransitionOnline:
		return "online"
	case TransitionOffline:
		return "offline"
	default:
		return "none"
	}
}

// Connection is one live transport connection owned by the registry.
type Connection struct {
	ID            string
	UserID        string
	EstablishedAt time.Time
}

// Registry is a synchronized multi-device presence map.
//
// All mutations take the registry lock, which serializes concurrent
// connect/disconnect on the same user; critical sections are map
// operations only. Raw maps never escape: snapshots are copies.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Connection
	byConn map[string]Connection
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]Connection),
		byConn: make(map[string]Connection),
	}
}

// Connect registers a connection for userID and reports the transition.
// Re-registering a known connectionID is benign and reports TransitionNone.
func (r *Registry) Connect(userID, connectionID string, at time.Time) Transition {
	if userID == "" || connectionID == "" {
		return TransitionNone
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[connectionID]; ok {
		return TransitionNone
	}

	conn := Connection{ID: connectionID, UserID: userID, EstablishedAt: at}
	r.byConn[connectionID] = conn

	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]Connection, 2)
		r.byUser[userID] = set
	}
	first := len(set) == 0
	set[connectionID] = conn

	if first {
		return TransitionOnline
	}
	return TransitionNone
}

// Disconnect removes a connection and reports the owning user plus the
// transition. An unknown connectionID is benign (transports may deliver
// disconnect twice) and reports ("", TransitionNone).
func (r *Registry) Disconnect(connectionID string) (string, Transition) {
	if connectionID == "" {
		return "", TransitionNone
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byConn[connectionID]
	if !ok {
		return "", TransitionNone
	}
	delete(r.byConn, connectionID)

	set := r.byUser[conn.UserID]
	delete(set, connectionID)
	if len(set) == 0 {
		// Keep the invariant: a user key exists iff its set is non-empty.
		delete(r.byUser, conn.UserID)
		return conn.UserID, TransitionOffline
	}
	return conn.UserID, TransitionNone
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns a sorted snapshot of all online user ids.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// ConnectionsOf returns a sorted snapshot of userID's connection ids.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	set := r.byUser[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// OnlineCount returns the number of online users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
