package types

import "time"

// Outbound event types.
const (
	EventAuthenticated    = "authenticated"
	EventJoinedRoom       = "joined_room"
	EventLeftRoom         = "left_room"
	EventNewMessage       = "new_message"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
	EventSupportRequested = "support_requested"
	EventSupportAssigned  = "support_assigned"
	EventSupportUpdated   = "support_updated"
	EventOrderStatus      = "order_status_update"
	EventNotification     = "notification"
	EventRoomArchived     = "room_archived"
	EventServiceShutdown  = "service_shutdown"
	EventHeartbeat        = "heartbeat"
	EventError            = "error"
)

// Event is the envelope of every message written to a client.
type Event struct {
	Type      string    `json:"type"`
	Room      string    `json:"room,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType, room string, payload any) Event {
	return Event{
		Type:      eventType,
		Room:      room,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// JoinedRoom is the acknowledgment sent to the joining connection.
type JoinedRoom struct {
	Room         Room      `json:"room"`
	Participants []string  `json:"participants"`
	History      []Message `json:"history"`
}

// TypingNotice is the payload of typing_start and typing_stop.
type TypingNotice struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// OrderStatusUpdate is the payload of order_status_update.
type OrderStatusUpdate struct {
	OrderID string         `json:"order_id"`
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Notice carries a human-readable reason, used by archive and shutdown events.
type Notice struct {
	Reason string `json:"reason"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

// MemberChange is the payload of left_room.
type MemberChange struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}
