package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Result describes what Start did.
type Result int

const (
	// Dropped means the room's typing set was full; indicators are advisory.
	Dropped Result = iota
	// Started means a new entry was created.
	Started
	// Refreshed means an existing entry's deadline was pushed back.
	Refreshed
)

// Entry identifies one typing indicator.
type Entry struct {
	RoomID string
	UserID string
}

// ExpireFunc is called, outside the tracker lock, when an entry times out.
type ExpireFunc func(roomID, userID string)

type entry struct {
	deadline time.Time
	timer    *time.Timer
	gen      uint64
}

// Tracker holds per-(room, user) typing indicators that expire on their own.
// Each entry owns exactly one timer; refreshing stops and replaces it inside
// a single critical section.
type Tracker struct {
	mu         sync.Mutex
	timeout    time.Duration
	maxPerRoom int
	rooms      map[string]map[string]*entry
	gen        uint64
	onExpire   ExpireFunc
	closed     bool
}

// NewTracker creates a tracker. onExpire may be nil.
func NewTracker(timeout time.Duration, maxPerRoom int, onExpire ExpireFunc) *Tracker {
	return &Tracker{
		timeout:    timeout,
		maxPerRoom: maxPerRoom,
		rooms:      make(map[string]map[string]*entry),
		onExpire:   onExpire,
	}
}

// Start marks userID as typing in roomID and (re)arms its expiry.
func (t *Tracker) Start(roomID, userID string) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Dropped
	}

	set, ok := t.rooms[roomID]
	if !ok {
		set = make(map[string]*entry)
		t.rooms[roomID] = set
	}

	result := Started
	if e, exists := set[userID]; exists {
		e.timer.Stop()
		result = Refreshed
	} else if len(set) >= t.maxPerRoom {
		if len(set) == 0 {
			delete(t.rooms, roomID)
		}
		return Dropped
	}

	t.gen++
	gen := t.gen
	set[userID] = &entry{
		deadline: time.Now().Add(t.timeout),
		gen:      gen,
		timer: time.AfterFunc(t.timeout, func() {
			t.expire(roomID, userID, gen)
		}),
	}
	return result
}

func (t *Tracker) expire(roomID, userID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.rooms[roomID][userID]
	if !ok || e.gen != gen {
		// Stopped or refreshed after this timer fired.
		t.mu.Unlock()
		return
	}
	t.removeLocked(roomID, userID)
	fn := t.onExpire
	t.mu.Unlock()

	if fn != nil {
		fn(roomID, userID)
	}
}

// Stop clears an indicator and cancels its timer. It reports whether the
// user was typing.
func (t *Tracker) Stop(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.rooms[roomID][userID]
	if !ok {
		return false
	}
	e.timer.Stop()
	t.removeLocked(roomID, userID)
	return true
}

// ClearRoom drops every indicator in a room and returns the users that were typing.
func (t *Tracker) ClearRoom(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.rooms[roomID]
	users := make([]string, 0, len(set))
	for userID, e := range set {
		e.timer.Stop()
		users = append(users, userID)
	}
	delete(t.rooms, roomID)
	sort.Strings(users)
	return users
}

// ClearUser drops every indicator of a user and returns the affected rooms.
func (t *Tracker) ClearUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var rooms []string
	for roomID, set := range t.rooms {
		if e, ok := set[userID]; ok {
			e.timer.Stop()
			t.removeLocked(roomID, userID)
			rooms = append(rooms, roomID)
		}
	}
	sort.Strings(rooms)
	return rooms
}

// Typing returns the users typing in a room, sorted.
func (t *Tracker) Typing(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := lo.Keys(t.rooms[roomID])
	sort.Strings(users)
	return users
}

// IsTyping reports whether an indicator exists.
func (t *Tracker) IsTyping(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.rooms[roomID][userID]
	return ok
}

// Count returns the number of live indicators.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, set := range t.rooms {
		n += len(set)
	}
	return n
}

// SweepExpired removes entries whose deadline passed without their timer
// clearing them, and returns them.
func (t *Tracker) SweepExpired() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var expired []Entry
	for roomID, set := range t.rooms {
		for userID, e := range set {
			if now.After(e.deadline) {
				e.timer.Stop()
				t.removeLocked(roomID, userID)
				expired = append(expired, Entry{RoomID: roomID, UserID: userID})
			}
		}
	}
	return expired
}

// Shutdown cancels every pending timer. Later Start calls are dropped.
func (t *Tracker) Shutdown() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, set := range t.rooms {
		for _, e := range set {
			e.timer.Stop()
			n++
		}
	}
	t.rooms = make(map[string]map[string]*entry)
	t.closed = true
	return n
}

func (t *Tracker) removeLocked(roomID, userID string) {
	set, ok := t.rooms[roomID]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(t.rooms, roomID)
	}
}
