package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"markethub/pkg/types"
)

type recordingCommands struct {
	mu           sync.Mutex
	commands     []types.Command
	disconnected []string
	err          error
}

func (r *recordingCommands) HandleCommand(_ context.Context, _ string, cmd types.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	return r.err
}

func (r *recordingCommands) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, connID)
}

func (r *recordingCommands) seen() []types.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Command(nil), r.commands...)
}

func (r *recordingCommands) disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

func testOptions() Options {
	return Options{
		PingInterval:  time.Hour,
		ReadTimeout:   2 * time.Hour,
		WriteTimeout:  time.Second,
		BufferSize:    16,
		MaxFrameBytes: 4096,
	}
}

func startHandler(t *testing.T, commands CommandHandler, opts Options) (*Registry, string) {
	t.Helper()
	registry := NewRegistry()
	h := NewHandler(registry, commands, opts, zerolog.Nop())
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(server.Close)
	return registry, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev types.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func errorCode(t *testing.T, ev types.Event) string {
	t.Helper()
	raw, err := json.Marshal(ev.Payload)
	require.NoError(t, err)
	var payload types.ErrorPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	return payload.Code
}

func TestHandler_TracksConnectionUntilClose(t *testing.T) {
	is := require.New(t)
	commands := &recordingCommands{}
	registry, url := startHandler(t, commands, testOptions())

	conn := dial(t, url)
	is.Eventually(func() bool { return len(registry.All()) == 1 }, time.Second, 10*time.Millisecond)

	_ = conn.Close()
	is.Eventually(func() bool { return commands.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_RoutesCommands(t *testing.T) {
	is := require.New(t)
	commands := &recordingCommands{}
	_, url := startHandler(t, commands, testOptions())
	conn := dial(t, url)

	is.NoError(conn.WriteJSON(types.Command{Type: types.CommandJoinRoom, Room: "order_123"}))

	is.Eventually(func() bool { return len(commands.seen()) == 1 }, time.Second, 10*time.Millisecond)
	is.Equal("order_123", commands.seen()[0].Room)
}

func TestHandler_TokenQueryAuthenticates(t *testing.T) {
	is := require.New(t)
	commands := &recordingCommands{}
	_, url := startHandler(t, commands, testOptions())

	dial(t, url+"?token=abc")

	is.Eventually(func() bool { return len(commands.seen()) == 1 }, time.Second, 10*time.Millisecond)
	is.Equal(types.CommandAuthenticate, commands.seen()[0].Type)
	is.Equal("abc", commands.seen()[0].Token)
}

func TestHandler_CommandErrorsBecomeErrorEvents(t *testing.T) {
	is := require.New(t)
	commands := &recordingCommands{err: types.ErrRateLimited}
	_, url := startHandler(t, commands, testOptions())
	conn := dial(t, url)

	is.NoError(conn.WriteJSON(types.Command{Type: types.CommandSendMessage, Room: "general_1", Body: "hi"}))

	ev := readEvent(t, conn)
	is.Equal(types.EventError, ev.Type)
	is.Equal(types.CodeRateLimited, errorCode(t, ev))
}

func TestHandler_MalformedFrame(t *testing.T) {
	is := require.New(t)
	commands := &recordingCommands{}
	_, url := startHandler(t, commands, testOptions())
	conn := dial(t, url)

	is.NoError(conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	ev := readEvent(t, conn)
	is.Equal(types.CodeInvalidArgument, errorCode(t, ev))
	is.Empty(commands.seen())
}

func TestHandler_InternalErrorsAreMasked(t *testing.T) {
	is := require.New(t)
	commands := &recordingCommands{err: context.DeadlineExceeded}
	_, url := startHandler(t, commands, testOptions())
	conn := dial(t, url)

	is.NoError(conn.WriteJSON(types.Command{Type: types.CommandTypingStart, Room: "general_1"}))

	ev := readEvent(t, conn)
	raw, err := json.Marshal(ev.Payload)
	is.NoError(err)
	is.Contains(string(raw), "internal error")
}

func TestHandler_OversizeFrameClosesConnection(t *testing.T) {
	is := require.New(t)
	commands := &recordingCommands{}
	opts := testOptions()
	opts.MaxFrameBytes = 64
	_, url := startHandler(t, commands, opts)
	conn := dial(t, url)

	is.NoError(conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 1024))))

	is.Eventually(func() bool { return commands.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_Heartbeat(t *testing.T) {
	is := require.New(t)
	opts := testOptions()
	opts.PingInterval = 20 * time.Millisecond
	_, url := startHandler(t, &recordingCommands{}, opts)
	conn := dial(t, url)

	ev := readEvent(t, conn)

	is.Equal(types.EventHeartbeat, ev.Type)
}

func TestHandler_RejectsUnknownOrigin(t *testing.T) {
	opts := testOptions()
	opts.AllowedOrigins = []string{"https://shop.example"}
	_, url := startHandler(t, &recordingCommands{}, opts)

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)

	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
