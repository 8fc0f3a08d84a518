// Package registry tracks live transport connections, the user identity
// each connection authenticated as, and the rooms each connection is a
// member of. It is the single source of truth the relay consults for
// fan-out targets.
//
// Rooms are plain string identifiers: a user id names that user's private
// "inbox" room, a chat id names a conversation room. The registry does
// not distinguish between the two.
package registry

import (
	"log/slog"
	"sync"
)

// Registry is an in-memory bidirectional index of connections, user
// identities, and room memberships. All methods are safe for concurrent
// use; reverse lookups (connection to identity, user to connections) are
// O(1) map hits rather than scans.
type Registry struct {
	mu sync.RWMutex

	// conn id -> user id, "" until a join identifies the connection
	identity map[string]string
	// user id -> set of conn ids
	userConns map[string]map[string]struct{}
	// room id -> set of conn ids
	rooms map[string]map[string]struct{}
	// conn id -> set of room ids
	memberships map[string]map[string]struct{}

	logger *slog.Logger
}

// New creates an empty registry. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		identity:    make(map[string]string),
		userConns:   make(map[string]map[string]struct{}),
		rooms:       make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
		logger:      logger.With("component", "registry"),
	}
}

// Register records a new connection with no identity and no memberships.
// Registering an already-known connection is a no-op.
func (r *Registry) Register(connID string) {
	if connID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.identity[connID]; ok {
		return
	}
	r.identity[connID] = ""
	r.memberships[connID] = make(map[string]struct{})
	r.logger.Debug("connection registered", "conn_id", connID)
}

// Identify binds a connection to a user identity and joins it to that
// user's inbox room. Identifying with the same user id again is a no-op.
// Identifying with a different user id replaces the old mapping entirely:
// the connection leaves the previous user's inbox room and its old
// reverse mapping is dropped, not merged.
func (r *Registry) Identify(connID, userID string) {
	if connID == "" || userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, known := r.identity[connID]
	if !known {
		// Identify before Register: tolerate it, disconnect handlers
		// must stay safe regardless of call order.
		r.identity[connID] = ""
		r.memberships[connID] = make(map[string]struct{})
		prev = ""
	}
	if prev == userID {
		return
	}
	if prev != "" {
		r.dropUserConnLocked(prev, connID)
		r.leaveRoomLocked(connID, prev)
	}

	r.identity[connID] = userID
	conns, ok := r.userConns[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.userConns[userID] = conns
	}
	conns[connID] = struct{}{}

	// A connection's membership set always includes the inbox room of
	// the identity it authenticated as.
	r.joinRoomLocked(connID, userID)
	r.logger.Debug("connection identified", "conn_id", connID, "user_id", userID)
}

// JoinRoom adds a connection to a room. Joining a room twice is a no-op.
func (r *Registry) JoinRoom(connID, roomID string) {
	if connID == "" || roomID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinRoomLocked(connID, roomID)
}

// LeaveRoom removes a connection from a room. Unknown connections and
// rooms are ignored.
func (r *Registry) LeaveRoom(connID, roomID string) {
	if connID == "" || roomID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveRoomLocked(connID, roomID)
}

// Unregister removes the connection from every room it was a member of
// and drops its identity mapping. Safe to call from a disconnect handler
// irrespective of prior state: unknown connections are ignored, and a
// connection that never identified unregisters cleanly.
func (r *Registry) Unregister(connID string) {
	if connID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, known := r.identity[connID]
	if !known {
		return
	}
	for roomID := range r.memberships[connID] {
		r.removeFromRoomLocked(connID, roomID)
	}
	delete(r.memberships, connID)
	if userID != "" {
		r.dropUserConnLocked(userID, connID)
	}
	delete(r.identity, connID)
	r.logger.Debug("connection unregistered", "conn_id", connID, "user_id", userID)
}

// ConnectionsFor returns every live connection identified as userID.
// Multiple connections per user (a user open in two tabs) are expected.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.userConns[userID])
}

// MembersOf returns every connection currently in the room.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.rooms[roomID])
}

// IdentityOf returns the user identity a connection authenticated as.
// The second return is false when the connection is unknown or has not
// yet identified.
func (r *Registry) IdentityOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.identity[connID]
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// RoomsOf returns the rooms a connection is currently a member of.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.memberships[connID])
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identity)
}

func (r *Registry) joinRoomLocked(connID, roomID string) {
	member, known := r.memberships[connID]
	if !known {
		return
	}
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[roomID] = room
	}
	room[connID] = struct{}{}
	member[roomID] = struct{}{}
}

func (r *Registry) leaveRoomLocked(connID, roomID string) {
	member, known := r.memberships[connID]
	if !known {
		return
	}
	delete(member, roomID)
	r.removeFromRoomLocked(connID, roomID)
}

func (r *Registry) removeFromRoomLocked(connID, roomID string) {
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
}

func (r *Registry) dropUserConnLocked(userID, connID string) {
	conns, ok := r.userConns[userID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.userConns, userID)
	}
}

func keys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
