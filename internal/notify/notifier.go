package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"markethub/pkg/interfaces"
	"markethub/pkg/types"
)

// Sender is the subset of the dispatcher the notifier delivers through.
type Sender interface {
	SendToUser(userID string, event types.Event) int
	SendToConnection(connID string, event types.Event) error
	SendToRoleGroup(event types.Event, roles ...types.Role) int
}

// Notifier persists user-targeted notifications and pushes them to the
// user's live connections.
type Notifier struct {
	store  interfaces.NotificationStore
	sender Sender
	log    zerolog.Logger
}

// NewNotifier creates a notifier. A nil store makes every notification
// live-only.
func NewNotifier(store interfaces.NotificationStore, sender Sender, log zerolog.Logger) *Notifier {
	return &Notifier{
		store:  store,
		sender: sender,
		log:    log,
	}
}

// Notify stores n for userID and delivers it to every connection the user
// holds. A store failure is returned after live delivery has been attempted.
func (n *Notifier) Notify(ctx context.Context, userID string, notification types.Notification) (types.Notification, error) {
	if userID == "" {
		return types.Notification{}, fmt.Errorf("%w: empty user id", types.ErrInvalidArgument)
	}
	notification = stamp(userID, notification)

	var storeErr error
	if n.store != nil {
		if err := n.store.CreateNotification(ctx, userID, notification); err != nil {
			storeErr = fmt.Errorf("persist notification: %w", err)
			n.log.Error().Err(err).Str("user", userID).Str("type", notification.Type).Msg("failed to persist notification")
		}
	}

	delivered := n.sender.SendToUser(userID, types.NewEvent(types.EventNotification, "", notification))
	n.log.Debug().
		Str("user", userID).
		Str("type", notification.Type).
		Int("delivered", delivered).
		Msg("notification sent")

	return notification, storeErr
}

// NotifyRole pushes a live-only alert to every connection holding one of
// roles. Nothing is stored; agents catch up through the support queue.
func (n *Notifier) NotifyRole(event types.Event, roles ...types.Role) int {
	delivered := n.sender.SendToRoleGroup(event, roles...)
	n.log.Debug().
		Str("type", event.Type).
		Str("room", event.Room).
		Int("delivered", delivered).
		Msg("role alert sent")
	return delivered
}

// DeliverUnread replays unread notifications to a freshly authenticated
// connection and returns how many were written.
func (n *Notifier) DeliverUnread(ctx context.Context, userID, connID string) (int, error) {
	if n.store == nil {
		return 0, nil
	}

	unread, err := n.store.ListUnreadNotifications(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list unread notifications: %w", err)
	}

	sent := 0
	for _, notification := range unread {
		if err := n.sender.SendToConnection(connID, types.NewEvent(types.EventNotification, "", notification)); err != nil {
			n.log.Warn().Err(err).Str("conn", connID).Msg("unread replay interrupted")
			return sent, nil
		}
		sent++
	}
	return sent, nil
}

// MarkRead flags notifications of userID as read.
func (n *Notifier) MarkRead(ctx context.Context, userID string, ids []string) error {
	ids = lo.Uniq(lo.Compact(ids))
	if len(ids) == 0 {
		return fmt.Errorf("%w: no notification ids", types.ErrInvalidArgument)
	}
	if n.store == nil {
		return nil
	}
	if err := n.store.MarkNotificationsRead(ctx, userID, ids); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

// Unread lists the unread notifications of userID.
func (n *Notifier) Unread(ctx context.Context, userID string) ([]types.Notification, error) {
	if n.store == nil {
		return []types.Notification{}, nil
	}
	unread, err := n.store.ListUnreadNotifications(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list unread notifications: %w", err)
	}
	return unread, nil
}

func stamp(userID string, notification types.Notification) types.Notification {
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if userID != "" {
		notification.UserID = userID
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	notification.Read = false
	return notification
}
