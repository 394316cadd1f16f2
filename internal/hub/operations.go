package hub

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"markethub/internal/metrics"
	"markethub/internal/room"
	"markethub/internal/router"
	"markethub/internal/typing"
	"markethub/pkg/interfaces"
	"markethub/pkg/types"
)

var agentRoles = []types.Role{types.RoleAdmin, types.RoleSupport}

// identify resolves the authenticated user behind a connection.
func (h *Hub) identify(connID string) (interfaces.Connection, types.User, error) {
	conn, ok := h.registry.Connection(connID)
	if !ok {
		return nil, types.User{}, fmt.Errorf("%w: connection %s", types.ErrNotFound, connID)
	}
	user, ok := conn.User()
	if !ok {
		return nil, types.User{}, fmt.Errorf("%w: authenticate first", types.ErrForbidden)
	}
	return conn, user, nil
}

// checkRoomAccess enforces room naming by kind and keeps support rooms
// private to their owner and to agents.
func checkRoomAccess(user types.User, roomID string, kind types.RoomKind) error {
	switch kind {
	case types.RoomKindSupport:
		if !strings.HasPrefix(roomID, "support_") {
			return fmt.Errorf("%w: support room id must start with support_", types.ErrInvalidArgument)
		}
		if roomID != types.SupportRoomID(user.ID) && !user.IsAgent() {
			return fmt.Errorf("%w: support room %s belongs to another user", types.ErrForbidden, roomID)
		}
	case types.RoomKindOrder:
		if !strings.HasPrefix(roomID, "order_") {
			return fmt.Errorf("%w: order room id must start with order_", types.ErrInvalidArgument)
		}
	case types.RoomKindGeneral:
	default:
		return fmt.Errorf("%w: room kind %q", types.ErrInvalidArgument, kind)
	}
	return nil
}

// Authenticate verifies token through the user directory and binds the
// resulting identity to the connection.
func (h *Hub) Authenticate(ctx context.Context, connID, token string) (types.User, error) {
	if err := h.gate(connID, types.CommandAuthenticate); err != nil {
		return types.User{}, err
	}
	conn, ok := h.registry.Connection(connID)
	if !ok {
		return types.User{}, fmt.Errorf("%w: connection %s", types.ErrNotFound, connID)
	}
	if strings.TrimSpace(token) == "" {
		return types.User{}, fmt.Errorf("%w: empty token", types.ErrInvalidArgument)
	}

	user, err := h.directory.Authenticate(ctx, token)
	if err != nil {
		return types.User{}, err
	}
	if current, ok := conn.User(); ok && current.ID != user.ID {
		return types.User{}, fmt.Errorf("%w: connection already authenticated as another user", types.ErrForbidden)
	}

	h.registry.Register(connID, user.ID)
	h.registry.JoinGroup(connID, router.RoleGroup(user.Role))
	conn.SetUser(user)

	if err := h.dispatcher.SendToConnection(connID, types.NewEvent(types.EventAuthenticated, "", user)); err != nil {
		h.log.Debug().Err(err).Str("conn", connID).Msg("failed to acknowledge authentication")
	}
	if _, err := h.notifier.DeliverUnread(ctx, user.ID, connID); err != nil {
		h.log.Warn().Err(err).Str("user", user.ID).Msg("failed to replay unread notifications")
	}

	h.log.Info().
		Str("conn", connID).
		Str("user", user.ID).
		Str("role", string(user.Role)).
		Msg("connection authenticated")
	return user, nil
}

// JoinRoom adds the connection's user to a room, creating it on first join,
// and acknowledges with the participant list and history tail.
func (h *Hub) JoinRoom(ctx context.Context, connID, roomID string, kind types.RoomKind) (room.JoinResult, error) {
	if err := h.gate(connID, types.CommandJoinRoom); err != nil {
		return room.JoinResult{}, err
	}
	_, user, err := h.identify(connID)
	if err != nil {
		return room.JoinResult{}, err
	}
	if err := checkRoomAccess(user, roomID, kind); err != nil {
		return room.JoinResult{}, err
	}

	res, err := h.rooms.Join(roomID, kind, user.ID)
	if err != nil {
		return room.JoinResult{}, err
	}

	ack := types.NewEvent(types.EventJoinedRoom, roomID, types.JoinedRoom{
		Room:         res.Room,
		Participants: res.Room.Participants,
		History:      res.History,
	})
	if err := h.dispatcher.SendToConnection(connID, ack); err != nil {
		h.log.Debug().Err(err).Str("conn", connID).Msg("failed to acknowledge join")
	}
	return res, nil
}

// LeaveRoom removes the connection's user from a room. The room is deleted
// together with its history and typing state once empty.
func (h *Hub) LeaveRoom(ctx context.Context, connID, roomID string) error {
	if err := h.gate(connID, types.CommandLeaveRoom); err != nil {
		return err
	}
	_, user, err := h.identify(connID)
	if err != nil {
		return err
	}
	return h.leave(user.ID, roomID)
}

// leave fails with NotFound for a missing room and is a no-op for a user
// who is not a participant.
func (h *Hub) leave(userID, roomID string) error {
	if !h.rooms.IsParticipant(roomID, userID) {
		if _, ok := h.rooms.Room(roomID); !ok {
			return fmt.Errorf("%w: room %s", types.ErrNotFound, roomID)
		}
		return nil
	}
	wasTyping := h.typing.Stop(roomID, userID)

	deleted, err := h.rooms.Leave(roomID, userID)
	if err != nil {
		return err
	}

	notice := types.NewEvent(types.EventLeftRoom, roomID, types.MemberChange{RoomID: roomID, UserID: userID})
	h.dispatcher.SendToUser(userID, notice)
	if deleted {
		h.typing.ClearRoom(roomID)
		return nil
	}
	if wasTyping {
		h.dispatcher.SendToRoom(roomID, typingEvent(types.EventTypingStop, roomID, userID), userID)
	}
	h.dispatcher.SendToRoom(roomID, notice)
	return nil
}

// SendMessage appends body to a room's history and fans it out to every
// device of every participant, the sender included. The sender joins the
// room implicitly. A customer writing in their own support room files or
// updates their support request.
func (h *Hub) SendMessage(ctx context.Context, connID, roomID string, kind types.RoomKind, body string) (types.Message, error) {
	if err := h.gate(connID, types.CommandSendMessage); err != nil {
		return types.Message{}, err
	}
	_, user, err := h.identify(connID)
	if err != nil {
		return types.Message{}, err
	}
	if err := h.rooms.ValidateBody(body); err != nil {
		return types.Message{}, err
	}
	if err := checkRoomAccess(user, roomID, kind); err != nil {
		return types.Message{}, err
	}

	if !h.rooms.IsParticipant(roomID, user.ID) {
		if _, err := h.rooms.Join(roomID, kind, user.ID); err != nil {
			return types.Message{}, err
		}
	}

	if kind == types.RoomKindSupport && roomID == types.SupportRoomID(user.ID) {
		res, err := h.support.FileOrUpdate(roomID, user, body, "")
		if err != nil {
			return types.Message{}, err
		}
		h.releaseSupportRooms(res.Evicted)
		h.announceSupport(res.Request, res.Created)
	}

	msg, err := h.rooms.AppendMessage(roomID, types.Message{Sender: user, Body: body})
	if err != nil {
		return types.Message{}, err
	}
	h.processed.Add(1)
	metrics.MessagesProcessed.WithLabelValues(string(kind)).Inc()

	if h.typing.Stop(roomID, user.ID) {
		h.dispatcher.SendToRoom(roomID, typingEvent(types.EventTypingStop, roomID, user.ID), user.ID)
	}
	h.dispatcher.SendToRoom(roomID, types.NewEvent(types.EventNewMessage, roomID, msg))

	return msg, nil
}

// StartTyping marks the user as typing. Indicators beyond the per-room cap
// are dropped silently.
func (h *Hub) StartTyping(ctx context.Context, connID, roomID string, kind types.RoomKind) error {
	if err := h.gate(connID, types.CommandTypingStart); err != nil {
		return err
	}
	_, user, err := h.identify(connID)
	if err != nil {
		return err
	}
	if err := h.requireParticipant(roomID, user.ID); err != nil {
		return err
	}

	if h.typing.Start(roomID, user.ID) == typing.Started {
		h.dispatcher.SendToRoom(roomID, typingEvent(types.EventTypingStart, roomID, user.ID), user.ID)
	}
	return nil
}

// StopTyping clears the user's typing indicator and cancels its timer.
func (h *Hub) StopTyping(ctx context.Context, connID, roomID string, kind types.RoomKind) error {
	if err := h.gate(connID, types.CommandTypingStop); err != nil {
		return err
	}
	_, user, err := h.identify(connID)
	if err != nil {
		return err
	}

	if h.typing.Stop(roomID, user.ID) {
		h.dispatcher.SendToRoom(roomID, typingEvent(types.EventTypingStop, roomID, user.ID), user.ID)
	}
	return nil
}

func (h *Hub) requireParticipant(roomID, userID string) error {
	if _, ok := h.rooms.Room(roomID); !ok {
		return fmt.Errorf("%w: room %s", types.ErrNotFound, roomID)
	}
	if !h.rooms.IsParticipant(roomID, userID) {
		return fmt.Errorf("%w: not a participant of %s", types.ErrForbidden, roomID)
	}
	return nil
}

// RequestSupport files a support request for userID, opening their support
// room, and alerts every connected agent.
func (h *Hub) RequestSupport(ctx context.Context, userID, issue string, priority types.Priority) (types.SupportRequest, error) {
	if !types.IsValidUserID(userID) {
		return types.SupportRequest{}, fmt.Errorf("%w: user id %q", types.ErrInvalidArgument, userID)
	}
	if err := h.support.Validate(issue, priority); err != nil {
		return types.SupportRequest{}, err
	}

	user, err := h.directory.Lookup(ctx, userID)
	if err != nil {
		return types.SupportRequest{}, err
	}

	roomID := types.SupportRoomID(user.ID)
	if _, err := h.rooms.Join(roomID, types.RoomKindSupport, user.ID); err != nil {
		return types.SupportRequest{}, err
	}

	res, err := h.support.FileOrUpdate(roomID, user, issue, priority)
	if err != nil {
		return types.SupportRequest{}, err
	}
	h.releaseSupportRooms(res.Evicted)
	h.announceSupport(res.Request, res.Created)
	h.dispatcher.SendToUser(user.ID, types.NewEvent(types.EventSupportRequested, roomID, res.Request))

	return res.Request, nil
}

func (h *Hub) announceSupport(req types.SupportRequest, created bool) {
	eventType := types.EventSupportUpdated
	if created {
		eventType = types.EventSupportRequested
	}
	h.notifier.NotifyRole(types.NewEvent(eventType, req.RoomID, req), agentRoles...)
}

// releaseSupportRooms removes participants without a live connection from
// the rooms of requests that left the queue. Offline users are never
// disconnected, so otherwise those rooms would hold their slot for good.
func (h *Hub) releaseSupportRooms(reqs []types.SupportRequest) {
	for _, req := range reqs {
		participants, err := h.rooms.Participants(req.RoomID)
		if err != nil {
			continue
		}
		for _, userID := range participants {
			if h.registry.IsOnline(userID) {
				continue
			}
			deleted, err := h.rooms.Leave(req.RoomID, userID)
			if err != nil {
				break
			}
			if deleted {
				h.typing.ClearRoom(req.RoomID)
				h.log.Debug().Str("room", req.RoomID).Msg("support room released")
				break
			}
			h.dispatcher.SendToRoom(req.RoomID, types.NewEvent(types.EventLeftRoom, req.RoomID, types.MemberChange{RoomID: req.RoomID, UserID: userID}))
		}
	}
}

// AssignSupportAgent hands a support request to an agent, who joins the
// support room. The requester is notified.
func (h *Hub) AssignSupportAgent(ctx context.Context, roomID, agentID string) (types.SupportRequest, error) {
	if !types.IsValidUserID(agentID) {
		return types.SupportRequest{}, fmt.Errorf("%w: agent id %q", types.ErrInvalidArgument, agentID)
	}
	agent, err := h.directory.Lookup(ctx, agentID)
	if err != nil {
		return types.SupportRequest{}, err
	}

	req, err := h.support.Assign(roomID, agent)
	if err != nil {
		return types.SupportRequest{}, err
	}

	if _, err := h.rooms.Join(roomID, types.RoomKindSupport, agent.ID); err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Str("agent", agent.ID).Msg("assigned agent could not join support room")
	}

	h.dispatcher.SendToRoom(roomID, types.NewEvent(types.EventSupportAssigned, roomID, req))
	h.notifier.NotifyRole(types.NewEvent(types.EventSupportUpdated, roomID, req), agentRoles...)

	if _, err := h.notifier.Notify(ctx, req.Requester.ID, types.Notification{
		Type:  types.NotificationSupportAssigned,
		Title: "Support agent assigned",
		Body:  fmt.Sprintf("%s is now handling your request", agent.Name),
		Data:  map[string]any{"room_id": roomID, "agent_id": agent.ID},
	}); err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Msg("assignment notification not stored")
	}

	h.log.Info().Str("room", roomID).Str("agent", agent.ID).Msg("support request assigned")
	return req, nil
}

// UpdateSupportStatus changes a request's status. Agents may set any status;
// the requester may only resolve or close their own request.
func (h *Hub) UpdateSupportStatus(ctx context.Context, roomID, actorID string, status types.SupportStatus) (types.SupportRequest, error) {
	if !types.IsValidSupportStatus(status) {
		return types.SupportRequest{}, fmt.Errorf("%w: status %q", types.ErrInvalidArgument, status)
	}
	actor, err := h.directory.Lookup(ctx, actorID)
	if err != nil {
		return types.SupportRequest{}, err
	}

	current, ok := h.support.Get(roomID)
	if !ok {
		return types.SupportRequest{}, fmt.Errorf("%w: support request %s", types.ErrNotFound, roomID)
	}
	if !actor.IsAgent() && (actor.ID != current.Requester.ID || !status.IsTerminal()) {
		return types.SupportRequest{}, fmt.Errorf("%w: %s cannot set status %s", types.ErrForbidden, actor.ID, status)
	}

	req, err := h.support.UpdateStatus(roomID, status)
	if err != nil {
		return types.SupportRequest{}, err
	}

	event := types.NewEvent(types.EventSupportUpdated, roomID, req)
	h.dispatcher.SendToRoom(roomID, event)
	h.notifier.NotifyRole(event, agentRoles...)

	if actor.ID != req.Requester.ID {
		if _, err := h.notifier.Notify(ctx, req.Requester.ID, types.Notification{
			Type:  types.NotificationSupportUpdated,
			Title: "Support request " + string(status),
			Data:  map[string]any{"room_id": roomID, "status": string(status)},
		}); err != nil {
			h.log.Warn().Err(err).Str("room", roomID).Msg("status notification not stored")
		}
	}
	return req, nil
}

// ListSupport returns support requests, optionally filtered by status.
func (h *Hub) ListSupport(status types.SupportStatus) ([]types.SupportRequest, error) {
	if status != "" && !types.IsValidSupportStatus(status) {
		return nil, fmt.Errorf("%w: status %q", types.ErrInvalidArgument, status)
	}
	return h.support.List(status), nil
}

// BroadcastOrderStatus pushes an order transition to the order's tracking
// room and to its owner, and stores a notification for the owner. It returns
// the number of connections reached.
func (h *Hub) BroadcastOrderStatus(ctx context.Context, orderID, status string, payload map[string]any) (int, error) {
	roomID := types.OrderRoomID(orderID)
	if orderID == "" || !types.IsValidRoomID(roomID) {
		return 0, fmt.Errorf("%w: order id %q", types.ErrInvalidArgument, orderID)
	}
	if strings.TrimSpace(status) == "" {
		return 0, fmt.Errorf("%w: empty order status", types.ErrInvalidArgument)
	}

	owner, err := h.directory.OrderOwner(ctx, orderID)
	if err != nil {
		return 0, err
	}

	event := types.NewEvent(types.EventOrderStatus, roomID, types.OrderStatusUpdate{
		OrderID: orderID,
		Status:  status,
		Payload: payload,
	})
	delivered := h.dispatcher.SendToRoom(roomID, event)
	if !h.rooms.IsParticipant(roomID, owner) {
		delivered += h.dispatcher.SendToUser(owner, event)
	}

	if _, err := h.notifier.Notify(ctx, owner, types.Notification{
		Type:  types.NotificationOrderStatus,
		Title: fmt.Sprintf("Order %s is %s", orderID, status),
		Data:  map[string]any{"order_id": orderID, "status": status},
	}); err != nil {
		h.log.Warn().Err(err).Str("order", orderID).Msg("order notification not stored")
	}

	h.log.Debug().Str("order", orderID).Str("status", status).Int("delivered", delivered).Msg("order status broadcast")
	return delivered, nil
}

// MarkNotificationsRead flags the user's notifications as read.
func (h *Hub) MarkNotificationsRead(ctx context.Context, userID string, ids []string) error {
	return h.notifier.MarkRead(ctx, userID, ids)
}

// UnreadNotifications lists a user's unread notifications.
func (h *Hub) UnreadNotifications(ctx context.Context, userID string) ([]types.Notification, error) {
	if !types.IsValidUserID(userID) {
		return nil, fmt.Errorf("%w: user id %q", types.ErrInvalidArgument, userID)
	}
	return h.notifier.Unread(ctx, userID)
}

// Disconnect forgets a closed connection. When it was the user's last
// connection their typing indicators are cleared and they leave every room.
func (h *Hub) Disconnect(connID string) {
	userID, authenticated := h.registry.UserOf(connID)
	h.registry.Unregister(connID)
	h.limiter.Forget(connID)

	if !authenticated || h.registry.IsOnline(userID) {
		return
	}
	h.goOffline(userID)
}

// goOffline releases an offline user's typing state and memberships. A
// device may authenticate between the online check and LeaveAll; the check
// is repeated afterwards and that user is put back into the rooms that
// survived, so only rooms emptied in that window are lost.
func (h *Hub) goOffline(userID string) {
	for _, roomID := range h.typing.ClearUser(userID) {
		h.dispatcher.SendToRoom(roomID, typingEvent(types.EventTypingStop, roomID, userID), userID)
	}

	left, deleted := h.rooms.LeaveAll(userID)
	for _, roomID := range deleted {
		h.typing.ClearRoom(roomID)
	}
	surviving := lo.Without(left, deleted...)

	if h.registry.IsOnline(userID) {
		restored := 0
		for _, roomID := range surviving {
			r, ok := h.rooms.Room(roomID)
			if !ok {
				continue
			}
			if _, err := h.rooms.Join(roomID, r.Kind, userID); err != nil {
				h.log.Warn().Err(err).Str("room", roomID).Str("user", userID).Msg("failed to restore membership")
				continue
			}
			restored++
		}
		h.log.Debug().Str("user", userID).Int("rooms_restored", restored).Msg("user reconnected while going offline")
		return
	}

	for _, roomID := range surviving {
		h.dispatcher.SendToRoom(roomID, types.NewEvent(types.EventLeftRoom, roomID, types.MemberChange{RoomID: roomID, UserID: userID}))
	}
	h.log.Debug().Str("user", userID).Int("rooms_left", len(left)).Msg("user went offline")
}

func typingEvent(eventType, roomID, userID string) types.Event {
	return types.NewEvent(eventType, roomID, types.TypingNotice{RoomID: roomID, UserID: userID})
}
