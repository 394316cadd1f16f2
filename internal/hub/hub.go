package hub

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"

	"markethub/internal/config"
	"markethub/internal/maintenance"
	"markethub/internal/metrics"
	"markethub/internal/notify"
	"markethub/internal/room"
	"markethub/internal/router"
	"markethub/internal/support"
	"markethub/internal/typing"
	"markethub/internal/websocket"
	"markethub/pkg/interfaces"
	"markethub/pkg/types"
)

// Hub coordinates the real-time components. It owns no state of its own
// beyond counters; every bounded collection is mutated only through its
// component, and no component lock is held across a call into another.
type Hub struct {
	cfg config.HubConfig

	registry   *websocket.Registry
	rooms      *room.Manager
	typing     *typing.Tracker
	support    *support.Queue
	dispatcher *router.Dispatcher
	limiter    *router.RateLimiter
	notifier   *notify.Notifier
	directory  interfaces.UserDirectory
	scheduler  *maintenance.Scheduler

	processed   atomic.Int64
	rateLimited atomic.Int64

	running bool
	mu      sync.RWMutex

	log zerolog.Logger
}

// New wires the hub components from cfg. store may be nil, in which case
// notifications are delivered live only.
func New(cfg config.HubConfig, registry *websocket.Registry, directory interfaces.UserDirectory, store interfaces.NotificationStore, log zerolog.Logger) *Hub {
	h := &Hub{
		cfg:       cfg,
		registry:  registry,
		directory: directory,
		log:       log,
	}

	h.rooms = room.NewManager(room.Config{
		MaxRooms:         cfg.MaxRooms,
		MaxParticipants:  cfg.MaxParticipantsPerRoom,
		HistorySize:      cfg.MaxMessageHistoryPerRoom,
		HistoryTail:      cfg.HistoryTail,
		MaxMessageLength: cfg.MaxMessageLength,
	}, log.With().Str("component", "rooms").Logger())
	h.typing = typing.NewTracker(cfg.TypingTimeout, cfg.MaxTypingPerRoom, h.typingExpired)
	h.support = support.NewQueue(cfg.MaxSupportRequests, cfg.MaxMessageLength, log.With().Str("component", "support").Logger())
	h.dispatcher = router.NewDispatcher(registry, h.rooms, log.With().Str("component", "dispatcher").Logger())
	h.limiter = router.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
	h.notifier = notify.NewNotifier(store, h.dispatcher, log.With().Str("component", "notify").Logger())
	h.scheduler = maintenance.New(cfg.MaintenanceInterval, log.With().Str("component", "maintenance").Logger(), h.maintenanceSteps()...)

	return h
}

// Start launches periodic maintenance.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	if err := h.scheduler.Start(ctx); err != nil {
		return err
	}
	h.running = true

	h.log.Info().
		Int("max_rooms", h.cfg.MaxRooms).
		Int("max_support_requests", h.cfg.MaxSupportRequests).
		Dur("maintenance_interval", h.cfg.MaintenanceInterval).
		Msg("hub started")
	return nil
}

// Shutdown is the first phase of teardown: stop maintenance, cancel every
// typing timer and tell each live connection the service is going away.
// Closing the connections is left to the caller.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	if err := h.scheduler.Stop(); err != nil && !errors.Is(err, maintenance.ErrSchedulerNotRunning) {
		h.log.Warn().Err(err).Msg("failed to stop maintenance")
	}
	cancelled := h.typing.Shutdown()

	notified := h.dispatcher.Broadcast(types.NewEvent(types.EventServiceShutdown, "", types.Notice{Reason: "server shutting down"}))

	h.log.Info().
		Int("typing_timers_cancelled", cancelled).
		Int("connections_notified", notified).
		Msg("hub stopped")
	return nil
}

// Running reports whether Start has been called without a matching Shutdown.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// RunMaintenance executes one maintenance pass immediately.
func (h *Hub) RunMaintenance(ctx context.Context) maintenance.Report {
	return h.scheduler.RunOnce(ctx)
}

// Stats is the polled snapshot of hub state.
func (h *Hub) Stats() types.Stats {
	rs := h.rooms.Stats()
	reg := h.registry.GetStats()
	supportLen := h.support.Len()

	s := types.Stats{
		Rooms:                  rs.Rooms,
		MaxRooms:               rs.MaxRooms,
		RoomUtilization:        types.Utilization(rs.Rooms, rs.MaxRooms),
		SupportRequests:        supportLen,
		MaxSupportRequests:     h.support.Capacity(),
		SupportUtilization:     types.Utilization(supportLen, h.support.Capacity()),
		BufferedMessages:       rs.BufferedMessages,
		TypingEntries:          h.typing.Count(),
		Connections:            reg["total_connections"],
		Users:                  reg["online_users"],
		MessagesProcessed:      h.processed.Load(),
		CleanupRuns:            h.scheduler.Runs(),
		CapacityPressureEvents: rs.PressureEvents + h.support.PressureEvents(),
		RateLimitedEvents:      h.rateLimited.Load(),
		GeneratedAt:            time.Now().UTC(),
	}
	if rss, err := processRSS(); err == nil {
		s.ProcessRSSBytes = rss
	}
	return s
}

func processRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}

// gate applies the per-connection rate limit before anything else is touched.
func (h *Hub) gate(connID, kind string) error {
	if h.limiter.Allow(connID, kind) {
		return nil
	}
	h.rateLimited.Add(1)
	metrics.RateLimitHits.WithLabelValues(kind).Inc()
	return types.ErrRateLimited
}

func (h *Hub) typingExpired(roomID, userID string) {
	h.dispatcher.SendToRoom(roomID,
		types.NewEvent(types.EventTypingStop, roomID, types.TypingNotice{RoomID: roomID, UserID: userID}),
		userID)
}
