package room

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"markethub/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func defaultConfig() Config {
	return Config{
		MaxRooms:         10,
		MaxParticipants:  5,
		HistorySize:      100,
		HistoryTail:      50,
		MaxMessageLength: 2000,
	}
}

func newTestManager(cfg Config) (*Manager, *fakeClock) {
	clock := newFakeClock()
	return NewManager(cfg, zerolog.Nop(), WithClock(clock.Now)), clock
}

func message(body string) types.Message {
	return types.Message{Sender: types.User{ID: "alice", Name: "Alice", Role: types.RoleCustomer}, Body: body}
}

func TestManager_JoinIsIdempotent(t *testing.T) {
	req := require.New(t)
	m, clock := newTestManager(defaultConfig())

	// Given a user who joined once
	first, err := m.Join("order_123", types.RoomKindOrder, "alice")
	req.NoError(err)
	req.True(first.Created)

	// When the same user joins again later
	clock.Advance(time.Minute)
	second, err := m.Join("order_123", types.RoomKindOrder, "alice")

	// Then there is still one participant and createdAt is unchanged
	req.NoError(err)
	req.False(second.Created)
	req.Equal([]string{"alice"}, second.Room.Participants)
	req.Equal(first.Room.CreatedAt, second.Room.CreatedAt)
	req.True(second.Room.LastActivity.After(first.Room.LastActivity))
}

func TestManager_JoinReturnsHistoryTail(t *testing.T) {
	req := require.New(t)
	m, _ := newTestManager(defaultConfig())

	_, err := m.Join("lobby", types.RoomKindGeneral, "alice")
	req.NoError(err)
	for i := 0; i < 80; i++ {
		_, err := m.AppendMessage("lobby", message(fmt.Sprintf("msg-%d", i)))
		req.NoError(err)
	}

	result, err := m.Join("lobby", types.RoomKindGeneral, "bob")

	req.NoError(err)
	req.Len(result.History, 50)
	req.Equal("msg-30", result.History[0].Body)
	req.Equal("msg-79", result.History[49].Body)
}

func TestManager_JoinRejectsFullRoom(t *testing.T) {
	req := require.New(t)
	cfg := defaultConfig()
	cfg.MaxParticipants = 2
	m, _ := newTestManager(cfg)

	_, err := m.Join("lobby", types.RoomKindGeneral, "a")
	req.NoError(err)
	_, err = m.Join("lobby", types.RoomKindGeneral, "b")
	req.NoError(err)

	_, err = m.Join("lobby", types.RoomKindGeneral, "c")

	req.ErrorIs(err, types.ErrCapacityExceeded)
	participants, err := m.Participants("lobby")
	req.NoError(err)
	req.Equal([]string{"a", "b"}, participants)
	req.Equal(int64(1), m.Stats().PressureEvents)
}

func TestManager_JoinValidatesInput(t *testing.T) {
	req := require.New(t)
	m, _ := newTestManager(defaultConfig())

	_, err := m.Join("bad room", types.RoomKindGeneral, "alice")
	req.ErrorIs(err, types.ErrInvalidArgument)

	_, err = m.Join("lobby", "secret", "alice")
	req.ErrorIs(err, types.ErrInvalidArgument)

	_, err = m.Join("lobby", types.RoomKindGeneral, "")
	req.ErrorIs(err, types.ErrInvalidArgument)

	req.Zero(m.Stats().Rooms)
}

func TestManager_HistoryBoundedUnderConcurrentBurst(t *testing.T) {
	req := require.New(t)
	cfg := defaultConfig()
	cfg.HistorySize = 100
	m, _ := newTestManager(cfg)
	_, err := m.Join("lobby", types.RoomKindGeneral, "alice")
	req.NoError(err)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = m.AppendMessage("lobby", message(fmt.Sprintf("%d-%d", w, i)))
				history, _ := m.History("lobby", 1000)
				if len(history) > 100 {
					t.Errorf("history length %d exceeds capacity", len(history))
				}
			}
		}(w)
	}
	wg.Wait()

	history, err := m.History("lobby", 1000)
	req.NoError(err)
	req.Len(history, 100)
	room, ok := m.Room("lobby")
	req.True(ok)
	req.Equal(int64(500), room.MessageCount)
	req.Equal(100, m.Stats().BufferedMessages)
}

func TestManager_AppendMessage(t *testing.T) {
	req := require.New(t)
	m, clock := newTestManager(defaultConfig())
	joined, err := m.Join("lobby", types.RoomKindGeneral, "alice")
	req.NoError(err)

	clock.Advance(time.Second)
	stored, err := m.AppendMessage("lobby", message("hello"))

	req.NoError(err)
	req.NotEmpty(stored.ID)
	req.Equal("lobby", stored.RoomID)
	req.Equal(clock.Now(), stored.Timestamp)
	room, _ := m.Room("lobby")
	req.True(room.LastActivity.After(joined.Room.LastActivity))
	req.Equal(int64(1), room.MessageCount)
}

func TestManager_AppendMessageErrors(t *testing.T) {
	tests := []struct {
		name    string
		room    string
		body    string
		wantErr error
	}{
		{"blank body", "lobby", "   ", types.ErrInvalidArgument},
		{"too large", "lobby", strings.Repeat("x", 2001), types.ErrMessageTooLarge},
		{"unknown room", "nowhere", "hi", types.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			m, _ := newTestManager(defaultConfig())
			_, err := m.Join("lobby", types.RoomKindGeneral, "alice")
			req.NoError(err)

			_, err = m.AppendMessage(tt.room, message(tt.body))

			req.ErrorIs(err, tt.wantErr)
			history, _ := m.History("lobby", 10)
			req.Empty(history)
		})
	}
}

func TestManager_MessageLengthCountsCharacters(t *testing.T) {
	req := require.New(t)
	m, _ := newTestManager(defaultConfig())

	req.NoError(m.ValidateBody(strings.Repeat("é", 2000)))
	req.ErrorIs(m.ValidateBody(strings.Repeat("é", 2001)), types.ErrMessageTooLarge)
}

func TestManager_LeaveDeletesEmptyRoom(t *testing.T) {
	req := require.New(t)
	m, _ := newTestManager(defaultConfig())

	// Given a room with history
	_, err := m.Join("order_9", types.RoomKindOrder, "alice")
	req.NoError(err)
	_, err = m.AppendMessage("order_9", message("secret"))
	req.NoError(err)

	// When the last participant leaves
	deleted, err := m.Leave("order_9", "alice")
	req.NoError(err)
	req.True(deleted)

	// Then ensureRoom creates a fresh room with no history
	room, err := m.EnsureRoom("order_9", types.RoomKindOrder, nil)
	req.NoError(err)
	req.Zero(room.MessageCount)
	history, err := m.History("order_9", 50)
	req.NoError(err)
	req.Empty(history)
}

func TestManager_Leave(t *testing.T) {
	req := require.New(t)
	m, _ := newTestManager(defaultConfig())

	_, err := m.Leave("nowhere", "alice")
	req.ErrorIs(err, types.ErrNotFound)

	_, err = m.Join("lobby", types.RoomKindGeneral, "alice")
	req.NoError(err)
	_, err = m.Join("lobby", types.RoomKindGeneral, "bob")
	req.NoError(err)

	deleted, err := m.Leave("lobby", "carol")
	req.NoError(err)
	req.False(deleted)

	deleted, err = m.Leave("lobby", "alice")
	req.NoError(err)
	req.False(deleted)
	req.False(m.IsParticipant("lobby", "alice"))
	req.True(m.IsParticipant("lobby", "bob"))
}

func TestManager_LeaveAll(t *testing.T) {
	req := require.New(t)
	m, _ := newTestManager(defaultConfig())
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Join(id, types.RoomKindGeneral, "alice")
		req.NoError(err)
	}
	_, err := m.Join("b", types.RoomKindGeneral, "bob")
	req.NoError(err)

	left, deleted := m.LeaveAll("alice")

	req.Equal([]string{"a", "b", "c"}, left)
	req.Equal([]string{"a", "c"}, deleted)
	req.Equal([]string{"b"}, m.RoomIDs())
}

func TestManager_EnsureRoom(t *testing.T) {
	req := require.New(t)
	m, _ := newTestManager(defaultConfig())

	created, err := m.EnsureRoom("support_alice", types.RoomKindSupport, []string{"alice", "alice", ""})
	req.NoError(err)
	req.Equal([]string{"alice"}, created.Participants)

	existing, err := m.EnsureRoom("support_alice", types.RoomKindSupport, []string{"bob"})
	req.NoError(err)
	req.Equal(created.CreatedAt, existing.CreatedAt)
	req.Equal([]string{"alice"}, existing.Participants)

	_, err = m.EnsureRoom("crowd", types.RoomKindGeneral, []string{"1", "2", "3", "4", "5", "6"})
	req.ErrorIs(err, types.ErrCapacityExceeded)
}

func TestManager_CreationAtCapacity(t *testing.T) {
	req := require.New(t)
	cfg := defaultConfig()
	cfg.MaxRooms = 2
	m, clock := newTestManager(cfg)

	// Given one empty room and one occupied room
	_, err := m.EnsureRoom("empty", types.RoomKindGeneral, nil)
	req.NoError(err)
	clock.Advance(time.Second)
	_, err = m.Join("busy", types.RoomKindGeneral, "alice")
	req.NoError(err)

	// When a third room is needed, the empty room is evicted
	_, err = m.Join("third", types.RoomKindGeneral, "bob")
	req.NoError(err)
	req.Equal([]string{"busy", "third"}, m.RoomIDs())

	// When no empty room remains, creation is rejected
	_, err = m.Join("fourth", types.RoomKindGeneral, "carol")
	req.ErrorIs(err, types.ErrCapacityExceeded)
	req.Equal([]string{"busy", "third"}, m.RoomIDs())
	req.Equal(int64(2), m.Stats().PressureEvents)
}

func TestManager_SweepInactive(t *testing.T) {
	req := require.New(t)
	m, clock := newTestManager(defaultConfig())

	_, err := m.EnsureRoom("stale", types.RoomKindGeneral, nil)
	req.NoError(err)
	_, err = m.Join("occupied", types.RoomKindGeneral, "alice")
	req.NoError(err)
	clock.Advance(25 * time.Hour)
	_, err = m.EnsureRoom("fresh", types.RoomKindGeneral, nil)
	req.NoError(err)

	removed := m.SweepInactive(24 * time.Hour)

	req.Len(removed, 1)
	req.Equal("stale", removed[0].ID)
	req.Equal([]string{"fresh", "occupied"}, m.RoomIDs())
}

func TestManager_OverCapacityOldestFirst(t *testing.T) {
	req := require.New(t)
	cfg := defaultConfig()
	cfg.MaxRooms = 3
	m, clock := newTestManager(cfg)
	for _, id := range []string{"r1", "r2"} {
		_, err := m.Join(id, types.RoomKindGeneral, "u-"+id)
		req.NoError(err)
		clock.Advance(time.Minute)
	}
	req.Nil(m.OverCapacity())

	// Given every slot held by an occupied room, r1 being the most recently active
	_, err := m.Join("r3", types.RoomKindGeneral, "u-r3")
	req.NoError(err)
	clock.Advance(time.Minute)
	_, err = m.AppendMessage("r1", message("keep me warm"))
	req.NoError(err)
	_, err = m.Join("r4", types.RoomKindGeneral, "u-r4")
	req.ErrorIs(err, types.ErrCapacityExceeded)

	// When the manager is at its maximum, the least recently active room is chosen
	victims := m.OverCapacity()

	req.Len(victims, 1)
	req.Equal("r2", victims[0].ID)
	_, ok := m.EvictForCapacity(victims[0].ID)
	req.True(ok)
	req.Equal([]string{"r1", "r3"}, m.RoomIDs())
	req.Nil(m.OverCapacity())

	// Then the freed slot accepts a new room
	_, err = m.Join("r4", types.RoomKindGeneral, "u-r4")
	req.NoError(err)
	req.Equal(int64(2), m.Stats().PressureEvents)
}

func TestManager_OverCapacityWithZeroMaximum(t *testing.T) {
	req := require.New(t)
	cfg := defaultConfig()
	cfg.MaxRooms = 0
	m, _ := newTestManager(cfg)

	req.Nil(m.OverCapacity())
	_, err := m.Join("r1", types.RoomKindGeneral, "alice")
	req.ErrorIs(err, types.ErrCapacityExceeded)
}

func TestHistory_RingBuffer(t *testing.T) {
	req := require.New(t)
	h := NewHistory(3)

	req.Empty(h.Tail(5))
	for i := 1; i <= 5; i++ {
		h.Push(types.Message{Body: fmt.Sprint(i)})
	}

	req.Equal(3, h.Len())
	req.Equal(3, h.Cap())
	tail := h.Tail(10)
	req.Equal([]string{"3", "4", "5"}, []string{tail[0].Body, tail[1].Body, tail[2].Body})
	last := h.Tail(1)
	req.Equal("5", last[0].Body)
}
