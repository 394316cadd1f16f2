package hub

import (
	"context"

	"markethub/internal/maintenance"
	"markethub/internal/metrics"
	"markethub/pkg/types"
)

// maintenanceSteps returns the periodic passes in the order they must run.
func (h *Hub) maintenanceSteps() []maintenance.Step {
	return []maintenance.Step{
		{Name: "inactive-rooms", Run: h.sweepInactiveRooms},
		{Name: "support-cleanup", Run: h.cleanupSupport},
		{Name: "capacity", Run: h.enforceCapacity},
		{Name: "typing-sweep", Run: h.sweepTyping},
		{Name: "rate-limiter-cleanup", Run: h.cleanupRateLimiter},
		{Name: "stats", Run: h.emitStats},
	}
}

func (h *Hub) sweepInactiveRooms(context.Context) error {
	removed := h.rooms.SweepInactive(h.cfg.RoomInactiveThreshold)
	for _, r := range removed {
		h.typing.ClearRoom(r.ID)
	}
	if len(removed) > 0 {
		h.log.Info().Int("rooms", len(removed)).Msg("inactive rooms removed")
	}
	return nil
}

func (h *Hub) cleanupSupport(context.Context) error {
	removed := h.support.CleanupResolved(h.cfg.SupportResolvedThreshold)
	h.releaseSupportRooms(removed)
	if len(removed) > 0 {
		h.log.Info().Int("requests", len(removed)).Msg("resolved support requests removed")
	}
	return nil
}

// enforceCapacity force-closes the least recently active rooms while the
// room bound is reached, telling their remaining participants first, then
// trims the support queue.
func (h *Hub) enforceCapacity(context.Context) error {
	for _, r := range h.rooms.OverCapacity() {
		h.dispatcher.SendToRoom(r.ID, types.NewEvent(types.EventRoomArchived, r.ID, types.Notice{Reason: "room closed under capacity pressure"}))
		h.typing.ClearRoom(r.ID)
		if _, ok := h.rooms.EvictForCapacity(r.ID); ok {
			h.log.Warn().Str("room", r.ID).Time("last_activity", r.LastActivity).Msg("room evicted under capacity pressure")
		}
	}

	evicted := h.support.EnforceCapacity()
	h.releaseSupportRooms(evicted)
	for _, req := range evicted {
		h.notifier.NotifyRole(types.NewEvent(types.EventSupportUpdated, req.RoomID, req), agentRoles...)
	}
	return nil
}

func (h *Hub) sweepTyping(context.Context) error {
	for _, e := range h.typing.SweepExpired() {
		h.typingExpired(e.RoomID, e.UserID)
	}
	return nil
}

func (h *Hub) cleanupRateLimiter(context.Context) error {
	if n := h.limiter.Cleanup(); n > 0 {
		h.log.Debug().Int("windows", n).Msg("stale rate limit windows removed")
	}
	return nil
}

func (h *Hub) emitStats(context.Context) error {
	s := h.Stats()

	metrics.ResidentRooms.Set(float64(s.Rooms))
	metrics.SupportQueueSize.Set(float64(s.SupportRequests))
	metrics.BufferedMessages.Set(float64(s.BufferedMessages))
	metrics.TypingEntries.Set(float64(s.TypingEntries))
	metrics.Utilization.WithLabelValues("rooms").Set(s.RoomUtilization)
	metrics.Utilization.WithLabelValues("support").Set(s.SupportUtilization)
	metrics.ProcessRSS.Set(float64(s.ProcessRSSBytes))

	h.log.Info().
		Int("rooms", s.Rooms).
		Float64("room_utilization_pct", s.RoomUtilization).
		Int("support_requests", s.SupportRequests).
		Float64("support_utilization_pct", s.SupportUtilization).
		Int("buffered_messages", s.BufferedMessages).
		Int("typing_entries", s.TypingEntries).
		Int("connections", s.Connections).
		Int64("messages_processed", s.MessagesProcessed).
		Int64("capacity_pressure_events", s.CapacityPressureEvents).
		Msg("hub stats")
	return nil
}
