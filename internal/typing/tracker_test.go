package typing

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type expiryRecorder struct {
	mu     sync.Mutex
	events []Entry
}

func (r *expiryRecorder) record(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Entry{RoomID: roomID, UserID: userID})
}

func (r *expiryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestTracker_ExpiresAfterTimeout(t *testing.T) {
	req := require.New(t)
	rec := &expiryRecorder{}
	tracker := NewTracker(50*time.Millisecond, 50, rec.record)

	// Given a user who starts typing
	req.Equal(Started, tracker.Start("lobby", "alice"))
	req.True(tracker.IsTyping("lobby", "alice"))

	// When the timeout passes without a refresh
	// Then a single stop event fires and the entry is gone
	req.Eventually(func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	req.False(tracker.IsTyping("lobby", "alice"))
	req.Empty(tracker.Typing("lobby"))
	req.Equal(Entry{RoomID: "lobby", UserID: "alice"}, rec.events[0])
}

func TestTracker_RefreshResetsDeadline(t *testing.T) {
	req := require.New(t)
	rec := &expiryRecorder{}
	tracker := NewTracker(100*time.Millisecond, 50, rec.record)

	req.Equal(Started, tracker.Start("lobby", "alice"))
	time.Sleep(60 * time.Millisecond)

	// When typing restarts inside the window
	req.Equal(Refreshed, tracker.Start("lobby", "alice"))

	// Then the first deadline passes silently
	time.Sleep(60 * time.Millisecond)
	req.Zero(rec.count())
	req.True(tracker.IsTyping("lobby", "alice"))

	// And exactly one stop fires after the second deadline
	req.Eventually(func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	req.Equal(1, rec.count())
}

func TestTracker_StopCancelsTimer(t *testing.T) {
	req := require.New(t)
	rec := &expiryRecorder{}
	tracker := NewTracker(30*time.Millisecond, 50, rec.record)

	tracker.Start("lobby", "alice")
	req.True(tracker.Stop("lobby", "alice"))
	req.False(tracker.Stop("lobby", "alice"))

	time.Sleep(80 * time.Millisecond)
	req.Zero(rec.count())
	req.Zero(tracker.Count())
}

func TestTracker_RoomCapDropsNewEntries(t *testing.T) {
	req := require.New(t)
	tracker := NewTracker(time.Minute, 2, nil)
	defer tracker.Shutdown()

	req.Equal(Started, tracker.Start("lobby", "a"))
	req.Equal(Started, tracker.Start("lobby", "b"))
	req.Equal(Dropped, tracker.Start("lobby", "c"))
	req.Equal(Refreshed, tracker.Start("lobby", "a"))
	req.Equal(Started, tracker.Start("other", "c"))

	req.Equal([]string{"a", "b"}, tracker.Typing("lobby"))
	req.Equal(3, tracker.Count())
}

func TestTracker_ClearRoomAndUser(t *testing.T) {
	req := require.New(t)
	rec := &expiryRecorder{}
	tracker := NewTracker(40*time.Millisecond, 50, rec.record)

	tracker.Start("r1", "alice")
	tracker.Start("r1", "bob")
	tracker.Start("r2", "alice")

	req.Equal([]string{"r1", "r2"}, tracker.ClearUser("alice"))
	req.Equal([]string{"bob"}, tracker.ClearRoom("r1"))
	req.Zero(tracker.Count())

	time.Sleep(100 * time.Millisecond)
	req.Zero(rec.count())
}

func TestTracker_ConcurrentRefreshKeepsSingleEntry(t *testing.T) {
	req := require.New(t)
	rec := &expiryRecorder{}
	tracker := NewTracker(50*time.Millisecond, 50, rec.record)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				tracker.Start("lobby", "alice")
			}
		}()
	}
	wg.Wait()

	req.Equal(1, tracker.Count())
	req.Eventually(func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	req.Equal(1, rec.count())
}

func TestTracker_SweepExpired(t *testing.T) {
	req := require.New(t)
	tracker := NewTracker(time.Hour, 50, nil)
	defer tracker.Shutdown()

	tracker.Start("lobby", "alice")
	tracker.Start("lobby", "bob")

	// Simulate a timer that never ran
	tracker.mu.Lock()
	tracker.rooms["lobby"]["alice"].deadline = time.Now().Add(-time.Second)
	tracker.mu.Unlock()

	expired := tracker.SweepExpired()

	req.Equal([]Entry{{RoomID: "lobby", UserID: "alice"}}, expired)
	req.Equal([]string{"bob"}, tracker.Typing("lobby"))
}

func TestTracker_ShutdownCancelsEverything(t *testing.T) {
	req := require.New(t)
	rec := &expiryRecorder{}
	tracker := NewTracker(30*time.Millisecond, 50, rec.record)

	for i := 0; i < 5; i++ {
		tracker.Start("lobby", fmt.Sprintf("user-%d", i))
	}

	req.Equal(5, tracker.Shutdown())
	req.Equal(Dropped, tracker.Start("lobby", "late"))

	time.Sleep(80 * time.Millisecond)
	req.Zero(rec.count())
	req.Zero(tracker.Count())
}
