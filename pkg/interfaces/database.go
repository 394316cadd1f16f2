package interfaces

import (
	"context"

	"markethub/pkg/types"
)

//go:generate mockgen -source=database.go -destination=../../internal/mocks/mock_database.go -package=mocks
//go:generate mockgen -source=connection.go -destination=../../internal/mocks/mock_connection.go -package=mocks

// UserDirectory resolves identities owned by the marketplace's user service.
type UserDirectory interface {
	// Authenticate verifies a credential token and returns its identity.
	// Invalid tokens yield types.ErrForbidden.
	Authenticate(ctx context.Context, token string) (types.User, error)

	// Lookup resolves a user id, types.ErrNotFound when unknown.
	Lookup(ctx context.Context, userID string) (types.User, error)

	// OrderOwner resolves the user that placed an order.
	OrderOwner(ctx context.Context, orderID string) (string, error)
}

// NotificationStore persists user notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, userID string, n types.Notification) error
	ListUnreadNotifications(ctx context.Context, userID string) ([]types.Notification, error)
	MarkNotificationsRead(ctx context.Context, userID string, ids []string) error
}
