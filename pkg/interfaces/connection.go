package interfaces

import "markethub/pkg/types"

// Connection is a live client transport handle.
type Connection interface {
	// ID returns the connection id assigned at upgrade.
	ID() string

	// WriteJSON queues v for delivery; implementations serialize writers.
	WriteJSON(v any) error

	// Close tears down the transport. Safe to call more than once.
	Close() error

	// SetUser caches the identity resolved at authentication.
	SetUser(user types.User)

	// User returns the cached identity, false before authentication.
	User() (types.User, bool)
}
