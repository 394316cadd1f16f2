package types

// Inbound command types accepted over the websocket transport.
const (
	CommandAuthenticate   = "authenticate"
	CommandJoinRoom       = "join_room"
	CommandLeaveRoom      = "leave_room"
	CommandSendMessage    = "send_message"
	CommandTypingStart    = "typing_start"
	CommandTypingStop     = "typing_stop"
	CommandRequestSupport = "request_support"
	CommandMarkRead       = "mark_read"
)

// Command is a client-issued instruction decoded from a websocket frame.
// Body length is checked by the room manager, not here, so that oversize
// bodies surface as ErrMessageTooLarge.
type Command struct {
	Type     string   `json:"type" validate:"required,oneof=authenticate join_room leave_room send_message typing_start typing_stop request_support mark_read"`
	Room     string   `json:"room,omitempty" validate:"omitempty,roomid"`
	Kind     RoomKind `json:"kind,omitempty" validate:"omitempty,oneof=support order general"`
	Body     string   `json:"body,omitempty"`
	Token    string   `json:"token,omitempty" validate:"omitempty,max=4096"`
	Issue    string   `json:"issue,omitempty"`
	Priority Priority `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	IDs      []string `json:"ids,omitempty" validate:"omitempty,max=100,dive,required,max=64"`
}

// NeedsRoom reports whether the command addresses a room.
func (c Command) NeedsRoom() bool {
	switch c.Type {
	case CommandJoinRoom, CommandLeaveRoom, CommandSendMessage, CommandTypingStart, CommandTypingStop:
		return true
	default:
		return false
	}
}
