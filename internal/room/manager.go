package room

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"markethub/internal/metrics"
	"markethub/pkg/types"
)

// Config bounds the room manager.
type Config struct {
	MaxRooms         int
	MaxParticipants  int
	HistorySize      int
	HistoryTail      int
	MaxMessageLength int
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type room struct {
	id           string
	kind         types.RoomKind
	participants map[string]struct{}
	createdAt    time.Time
	lastActivity time.Time
	messageCount int64
	history      *History
}

// JoinResult is what a joining user needs to catch up.
type JoinResult struct {
	Room    types.Room
	History []types.Message
	Created bool
}

// Stats summarizes resident rooms.
type Stats struct {
	Rooms            int
	MaxRooms         int
	Participants     int
	BufferedMessages int
	PressureEvents   int64
}

// Manager owns room lifecycle, membership and per-room bounded history.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	rooms    map[string]*room
	pressure int64
	now      func() time.Time
	log      zerolog.Logger
}

// NewManager creates a room manager.
func NewManager(cfg Config, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg,
		rooms: make(map[string]*room),
		now:   time.Now,
		log:   log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func validateRoom(roomID string, kind types.RoomKind) error {
	if !types.IsValidRoomID(roomID) {
		return fmt.Errorf("%w: room id %q", types.ErrInvalidArgument, roomID)
	}
	if !types.IsValidRoomKind(kind) {
		return fmt.Errorf("%w: room kind %q", types.ErrInvalidArgument, kind)
	}
	return nil
}

// EnsureRoom returns the existing room or creates it with the given
// participants. Initial participants are ignored for an existing room.
func (m *Manager) EnsureRoom(roomID string, kind types.RoomKind, initial []string) (types.Room, error) {
	if err := validateRoom(roomID, kind); err != nil {
		return types.Room{}, err
	}
	initial = lo.Uniq(lo.Compact(initial))

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[roomID]; ok {
		return m.snapshotLocked(r), nil
	}

	if len(initial) > m.cfg.MaxParticipants {
		m.pressure++
		metrics.CapacityPressure.WithLabelValues("participants", "rejected").Inc()
		return types.Room{}, fmt.Errorf("%w: room %s allows %d participants", types.ErrCapacityExceeded, roomID, m.cfg.MaxParticipants)
	}
	if err := m.makeRoomLocked(); err != nil {
		return types.Room{}, err
	}

	r := m.createLocked(roomID, kind)
	for _, userID := range initial {
		r.participants[userID] = struct{}{}
	}
	return m.snapshotLocked(r), nil
}

// Join adds userID to the room, creating the room on first join. Joining
// twice is a no-op apart from refreshing lastActivity.
func (m *Manager) Join(roomID string, kind types.RoomKind, userID string) (JoinResult, error) {
	if err := validateRoom(roomID, kind); err != nil {
		return JoinResult{}, err
	}
	if userID == "" {
		return JoinResult{}, fmt.Errorf("%w: empty user id", types.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.rooms[roomID]
	if !exists {
		if err := m.makeRoomLocked(); err != nil {
			return JoinResult{}, err
		}
		r = m.createLocked(roomID, kind)
	}

	if _, member := r.participants[userID]; !member {
		if len(r.participants) >= m.cfg.MaxParticipants {
			m.pressure++
			metrics.CapacityPressure.WithLabelValues("participants", "rejected").Inc()
			return JoinResult{}, fmt.Errorf("%w: room %s is full", types.ErrCapacityExceeded, roomID)
		}
		r.participants[userID] = struct{}{}
	}
	r.lastActivity = m.now()

	return JoinResult{
		Room:    m.snapshotLocked(r),
		History: r.history.Tail(m.cfg.HistoryTail),
		Created: !exists,
	}, nil
}

// Leave removes userID. The room, with its history, is deleted as soon as
// its last participant leaves; deleted reports that case.
func (m *Manager) Leave(roomID, userID string) (deleted bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false, fmt.Errorf("%w: room %s", types.ErrNotFound, roomID)
	}
	if _, member := r.participants[userID]; !member {
		return false, nil
	}

	delete(r.participants, userID)
	r.lastActivity = m.now()
	if len(r.participants) == 0 {
		delete(m.rooms, roomID)
		m.log.Debug().Str("room", roomID).Msg("room emptied and removed")
		return true, nil
	}
	return false, nil
}

// LeaveAll removes userID from every room it is in. It returns the rooms
// left and, among those, the rooms deleted because they emptied.
func (m *Manager) LeaveAll(userID string) (left, deleted []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, r := range m.rooms {
		if _, member := r.participants[userID]; !member {
			continue
		}
		delete(r.participants, userID)
		r.lastActivity = now
		left = append(left, id)
		if len(r.participants) == 0 {
			delete(m.rooms, id)
			deleted = append(deleted, id)
		}
	}
	sort.Strings(left)
	sort.Strings(deleted)
	return left, deleted
}

// ValidateBody checks a message body without touching any room.
func (m *Manager) ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: empty message body", types.ErrInvalidArgument)
	}
	if n := utf8.RuneCountInString(body); n > m.cfg.MaxMessageLength {
		return fmt.Errorf("%w: %d characters, limit %d", types.ErrMessageTooLarge, n, m.cfg.MaxMessageLength)
	}
	return nil
}

// AppendMessage stores msg in the room's history, assigning an id and
// timestamp when missing.
func (m *Manager) AppendMessage(roomID string, msg types.Message) (types.Message, error) {
	if err := m.ValidateBody(msg.Body); err != nil {
		return types.Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return types.Message{}, fmt.Errorf("%w: room %s", types.ErrNotFound, roomID)
	}

	now := m.now()
	msg.RoomID = roomID
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now.UTC()
	}

	r.history.Push(msg)
	r.lastActivity = now
	r.messageCount++
	return msg, nil
}

// History returns the newest n messages of a room, oldest first.
func (m *Manager) History(roomID string, n int) ([]types.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", types.ErrNotFound, roomID)
	}
	return r.history.Tail(n), nil
}

// Participants returns the sorted participant ids of a room.
func (m *Manager) Participants(roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", types.ErrNotFound, roomID)
	}
	return sortedKeys(r.participants), nil
}

// IsParticipant reports whether userID is in the room.
func (m *Manager) IsParticipant(roomID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	_, member := r.participants[userID]
	return member
}

// Room returns a snapshot of the room.
func (m *Manager) Room(roomID string) (types.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return types.Room{}, false
	}
	return m.snapshotLocked(r), true
}

// RoomIDs returns every resident room id, sorted.
func (m *Manager) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedKeys(m.rooms)
}

// Destroy removes a room unconditionally and returns its last snapshot.
func (m *Manager) Destroy(roomID string) (types.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return types.Room{}, false
	}
	delete(m.rooms, roomID)
	return m.snapshotLocked(r), true
}

// EvictForCapacity destroys a room chosen by OverCapacity and records the
// capacity-pressure event.
func (m *Manager) EvictForCapacity(roomID string) (types.Room, bool) {
	snap, ok := m.Destroy(roomID)
	if !ok {
		return snap, false
	}

	m.mu.Lock()
	m.pressure++
	m.mu.Unlock()
	metrics.CapacityPressure.WithLabelValues("rooms", "evicted").Inc()
	return snap, true
}

// SweepInactive destroys rooms with no participants whose last activity is
// older than threshold.
func (m *Manager) SweepInactive(threshold time.Duration) []types.Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-threshold)
	var removed []types.Room
	for id, r := range m.rooms {
		if len(r.participants) == 0 && r.lastActivity.Before(cutoff) {
			removed = append(removed, m.snapshotLocked(r))
			delete(m.rooms, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

// OverCapacity returns the rooms to force-close while the manager is at or
// above MaxRooms, least recently active first. Closing all of them leaves
// one free slot. It does not remove them.
func (m *Manager) OverCapacity() []types.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.rooms) == 0 || len(m.rooms) < m.cfg.MaxRooms {
		return nil
	}
	excess := min(len(m.rooms)-m.cfg.MaxRooms+1, len(m.rooms))

	all := lo.Values(m.rooms)
	sort.Slice(all, func(i, j int) bool {
		if all[i].lastActivity.Equal(all[j].lastActivity) {
			return all[i].id < all[j].id
		}
		return all[i].lastActivity.Before(all[j].lastActivity)
	})

	return lo.Map(all[:excess], func(r *room, _ int) types.Room {
		return m.snapshotLocked(r)
	})
}

// Stats returns counts over resident rooms.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Rooms:          len(m.rooms),
		MaxRooms:       m.cfg.MaxRooms,
		PressureEvents: m.pressure,
	}
	for _, r := range m.rooms {
		s.Participants += len(r.participants)
		s.BufferedMessages += r.history.Len()
	}
	return s
}

// makeRoomLocked ensures there is space for one more room, evicting the
// oldest empty room when the manager is full.
func (m *Manager) makeRoomLocked() error {
	if len(m.rooms) < m.cfg.MaxRooms {
		return nil
	}

	var candidate *room
	for _, r := range m.rooms {
		if len(r.participants) > 0 {
			continue
		}
		if candidate == nil || r.lastActivity.Before(candidate.lastActivity) {
			candidate = r
		}
	}

	m.pressure++
	if candidate == nil {
		metrics.CapacityPressure.WithLabelValues("rooms", "rejected").Inc()
		return fmt.Errorf("%w: %d rooms resident", types.ErrCapacityExceeded, len(m.rooms))
	}

	delete(m.rooms, candidate.id)
	metrics.CapacityPressure.WithLabelValues("rooms", "evicted").Inc()
	m.log.Info().Str("room", candidate.id).Msg("evicted empty room to make space")
	return nil
}

func (m *Manager) createLocked(roomID string, kind types.RoomKind) *room {
	now := m.now()
	r := &room{
		id:           roomID,
		kind:         kind,
		participants: make(map[string]struct{}),
		createdAt:    now,
		lastActivity: now,
		history:      NewHistory(m.cfg.HistorySize),
	}
	m.rooms[roomID] = r
	m.log.Debug().Str("room", roomID).Str("kind", string(kind)).Msg("room created")
	return r
}

func (m *Manager) snapshotLocked(r *room) types.Room {
	return types.Room{
		ID:           r.id,
		Kind:         r.kind,
		Participants: sortedKeys(r.participants),
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
		MessageCount: r.messageCount,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
