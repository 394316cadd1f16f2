package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"markethub/internal/metrics"
	"markethub/pkg/types"
)

// Connection wraps a gorilla websocket. Writes go through one writer
// goroutine because gorilla supports a single concurrent writer.
type Connection struct {
	id           string
	conn         *websocket.Conn
	remoteAddr   string
	createdAt    time.Time
	writeTimeout time.Duration
	writeCh      chan []byte
	closing      chan struct{}
	writerDone   chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	mu   sync.RWMutex
	user *types.User
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	c := newConnection(conn, bufferSize, writeTimeout)
	go c.writeLoop()
	return c
}

func newConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		remoteAddr:   conn.RemoteAddr().String(),
		createdAt:    time.Now().UTC(),
		writeTimeout: writeTimeout,
		writeCh:      make(chan []byte, max(bufferSize, 1)),
		closing:      make(chan struct{}),
		writerDone:   make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				c.cancel()
				_ = c.conn.Close()
				return
			}
		case <-c.closing:
			c.flush()
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// flush writes whatever is still queued, then a close frame.
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON queues v for the writer goroutine without blocking. A client
// whose buffer is full is not keeping up: the event is dropped and the
// connection is closed, so a fan-out never waits on one slow device.
func (c *Connection) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case <-c.closing:
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
	}

	metrics.SlowConsumersClosed.Inc()
	go func() { _ = c.Close() }()
	return ErrSendBufferFull
}

// WritePing sends a control ping directly; gorilla allows WriteControl
// concurrently with the writer goroutine.
func (c *Connection) WritePing() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close flushes queued events, bounded by the write timeout, then closes
// the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		select {
		case <-c.writerDone:
		case <-time.After(c.writeTimeout):
		}
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// SetUser caches the identity resolved at authentication.
func (c *Connection) SetUser(user types.User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := user
	c.user = &u
}

// User returns the cached identity.
func (c *Connection) User() (types.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.user == nil {
		return types.User{}, false
	}
	return *c.user, true
}
