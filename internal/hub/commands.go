package hub

import (
	"context"
	"fmt"
	"strings"

	"markethub/pkg/types"
)

// HandleCommand routes a validated client command to its operation.
func (h *Hub) HandleCommand(ctx context.Context, connID string, cmd types.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	kind := inferKind(cmd.Room, cmd.Kind)

	switch cmd.Type {
	case types.CommandAuthenticate:
		_, err := h.Authenticate(ctx, connID, cmd.Token)
		return err
	case types.CommandJoinRoom:
		_, err := h.JoinRoom(ctx, connID, cmd.Room, kind)
		return err
	case types.CommandLeaveRoom:
		return h.LeaveRoom(ctx, connID, cmd.Room)
	case types.CommandSendMessage:
		_, err := h.SendMessage(ctx, connID, cmd.Room, kind, cmd.Body)
		return err
	case types.CommandTypingStart:
		return h.StartTyping(ctx, connID, cmd.Room, kind)
	case types.CommandTypingStop:
		return h.StopTyping(ctx, connID, cmd.Room, kind)
	case types.CommandRequestSupport:
		if err := h.gate(connID, cmd.Type); err != nil {
			return err
		}
		_, user, err := h.identify(connID)
		if err != nil {
			return err
		}
		_, err = h.RequestSupport(ctx, user.ID, cmd.Issue, cmd.Priority)
		return err
	case types.CommandMarkRead:
		if err := h.gate(connID, cmd.Type); err != nil {
			return err
		}
		_, user, err := h.identify(connID)
		if err != nil {
			return err
		}
		return h.MarkNotificationsRead(ctx, user.ID, cmd.IDs)
	default:
		return fmt.Errorf("%w: unknown command %q", types.ErrInvalidArgument, cmd.Type)
	}
}

// inferKind derives a room kind from the id prefix when the client omits it.
func inferKind(roomID string, kind types.RoomKind) types.RoomKind {
	if kind != "" {
		return kind
	}
	switch {
	case strings.HasPrefix(roomID, "support_"):
		return types.RoomKindSupport
	case strings.HasPrefix(roomID, "order_"):
		return types.RoomKindOrder
	default:
		return types.RoomKindGeneral
	}
}
