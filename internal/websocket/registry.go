package websocket

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"markethub/pkg/interfaces"
)

// Registry tracks live connections and which user each one belongs to.
// A user may hold many connections (one per device). Registry does no I/O.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection // connID -> handle
	owners      map[string]string                // connID -> userID
	users       map[string]map[string]struct{}   // userID -> connIDs
	groups      map[string]map[string]struct{}   // group -> connIDs
	memberOf    map[string]map[string]struct{}   // connID -> groups
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		owners:      make(map[string]string),
		users:       make(map[string]map[string]struct{}),
		groups:      make(map[string]map[string]struct{}),
		memberOf:    make(map[string]map[string]struct{}),
	}
}

// Add tracks a transport handle before it is authenticated.
func (r *Registry) Add(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[conn.ID()] = conn
	return nil
}

// Register associates connID with userID. Registering the same pair twice is
// a no-op; registering a connection under a new user moves it.
func (r *Registry) Register(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owners[connID]; ok {
		if prev == userID {
			return
		}
		r.removeFromUserLocked(prev, connID)
	}

	r.owners[connID] = userID
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
}

// Unregister removes connID from every index. Unknown ids are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.connections, connID)

	if userID, ok := r.owners[connID]; ok {
		delete(r.owners, connID)
		r.removeFromUserLocked(userID, connID)
	}

	for group := range r.memberOf[connID] {
		if members, ok := r.groups[group]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(r.groups, group)
			}
		}
	}
	delete(r.memberOf, connID)
}

func (r *Registry) removeFromUserLocked(userID, connID string) {
	set, ok := r.users[userID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
	}
}

// ConnectionsOf returns the live connection ids of a user, sorted.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := lo.Keys(r.users[userID])
	sort.Strings(ids)
	return ids
}

// UserOf returns the user owning connID; false means unknown or unauthenticated.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.owners[connID]
	return userID, ok
}

// Connection returns the live handle for connID.
func (r *Registry) Connection(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connID]
	return conn, ok
}

// IsOnline reports whether the user holds at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users[userID]) > 0
}

// JoinGroup adds connID to a coarse broadcast group such as "role:admin".
func (r *Registry) JoinGroup(connID, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[connID] = struct{}{}

	joined, ok := r.memberOf[connID]
	if !ok {
		joined = make(map[string]struct{})
		r.memberOf[connID] = joined
	}
	joined[group] = struct{}{}
}

// GroupConnections returns the connection ids in a group, sorted.
func (r *Registry) GroupConnections(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := lo.Keys(r.groups[group])
	sort.Strings(ids)
	return ids
}

// All returns every tracked handle, authenticated or not.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.connections)
}

// CloseAll closes every tracked handle. Handles unregister themselves when
// their read loop exits.
func (r *Registry) CloseAll() int {
	conns := r.All()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// GetStats returns registry counts for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections":         len(r.connections),
		"authenticated_connections": len(r.owners),
		"online_users":              len(r.users),
		"groups":                    len(r.groups),
	}
}
