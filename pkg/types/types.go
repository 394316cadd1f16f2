package types

import (
	"time"
)

// Role is the marketplace role of a user identity.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleSeller   Role = "seller"
	RoleAdmin    Role = "admin"
	RoleSupport  Role = "support"
)

// RoomKind classifies a room.
type RoomKind string

const (
	RoomKindSupport RoomKind = "support"
	RoomKindOrder   RoomKind = "order"
	RoomKindGeneral RoomKind = "general"
)

// SupportStatus is the lifecycle state of a support request.
type SupportStatus string

const (
	SupportPending  SupportStatus = "pending"
	SupportAssigned SupportStatus = "assigned"
	SupportResolved SupportStatus = "resolved"
	SupportClosed   SupportStatus = "closed"
	SupportReopened SupportStatus = "reopened"
)

// IsTerminal reports whether the request no longer needs an agent.
func (s SupportStatus) IsTerminal() bool {
	return s == SupportResolved || s == SupportClosed
}

// Priority orders support requests for agents.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a sortable weight, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// User is an identity resolved through the user directory. Copies of it are
// used as sender/requester/assignee snapshots.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// IsAgent reports whether the user may handle support requests.
func (u User) IsAgent() bool {
	return u.Role == RoleAdmin || u.Role == RoleSupport
}

// Room is a point-in-time view of a room.
type Room struct {
	ID           string    `json:"id"`
	Kind         RoomKind  `json:"kind"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int64     `json:"message_count"`
}

// Message is a chat message held in a room's bounded history.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    User      `json:"sender"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// SupportRequest tracks a customer's request for help, keyed by its support room.
type SupportRequest struct {
	RoomID       string        `json:"room_id"`
	Requester    User          `json:"requester"`
	Issue        string        `json:"issue"`
	LastMessage  string        `json:"last_message"`
	Priority     Priority      `json:"priority"`
	Status       SupportStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Assignee     *User         `json:"assignee,omitempty"`
}

// Notification is a persisted, user-targeted alert.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notification types produced by the hub.
const (
	NotificationOrderStatus     = "order_status"
	NotificationSupportAssigned = "support_assigned"
	NotificationSupportUpdated  = "support_updated"
)

// SupportRoomID returns the support room owned by a user.
func SupportRoomID(userID string) string {
	return "support_" + userID
}

// OrderRoomID returns the tracking room of an order.
func OrderRoomID(orderID string) string {
	return "order_" + orderID
}
