package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"markethub/internal/metrics"
	"markethub/pkg/types"
)

// CommandHandler executes client commands on behalf of a connection.
type CommandHandler interface {
	HandleCommand(ctx context.Context, connID string, cmd types.Command) error
	Disconnect(connID string)
}

// Options tune the transport.
type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxFrameBytes  int64
	AllowedOrigins []string // empty allows every origin
}

// Handler upgrades HTTP requests and pumps client commands into the hub.
type Handler struct {
	registry *Registry
	commands CommandHandler
	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(registry *Registry, commands CommandHandler, opts Options, log zerolog.Logger) *Handler {
	h := &Handler{
		registry: registry,
		commands: commands,
		opts:     opts,
		log:      log,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(h.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// HandleWebSocket upgrades the request, tracks the connection and starts its
// read loop. A "token" query parameter authenticates immediately.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, h.opts.BufferSize, h.opts.WriteTimeout)
	if err := h.registry.Add(wsConn); err != nil {
		h.log.Error().Err(err).Msg("failed to track connection")
		_ = wsConn.Close()
		return
	}
	metrics.ConnectionsOpened.Inc()
	metrics.ConnectionsActive.Inc()

	h.log.Debug().
		Str("conn", wsConn.ID()).
		Str("remote_addr", wsConn.RemoteAddr()).
		Msg("connection opened")

	if token := r.URL.Query().Get("token"); token != "" {
		h.dispatch(wsConn, types.Command{Type: types.CommandAuthenticate, Token: token})
	}

	go h.handleConnection(wsConn)
}

func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.commands.Disconnect(conn.ID())
		_ = conn.Close()
		metrics.ConnectionsActive.Dec()
		h.log.Debug().
			Str("conn", conn.ID()).
			Dur("lifetime", time.Since(conn.CreatedAt())).
			Msg("connection closed")
	}()

	conn.conn.SetReadLimit(h.opts.MaxFrameBytes)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.heartbeat(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("conn", conn.ID()).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd types.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.replyError(conn, "", fmt.Errorf("%w: malformed command", types.ErrInvalidArgument))
			continue
		}
		h.dispatch(conn, cmd)
	}
}

func (h *Handler) dispatch(conn *Connection, cmd types.Command) {
	if err := h.commands.HandleCommand(conn.ctx, conn.ID(), cmd); err != nil {
		h.replyError(conn, cmd.Type, err)
	}
}

func (h *Handler) replyError(conn *Connection, command string, err error) {
	payload := types.ErrorPayload{
		Code:    types.ErrorCode(err),
		Message: err.Error(),
		Command: command,
	}
	if payload.Code == types.CodeInternal {
		h.log.Error().Err(err).Str("conn", conn.ID()).Str("command", command).Msg("command failed")
		payload.Message = "internal error"
	}
	if werr := conn.WriteJSON(types.NewEvent(types.EventError, "", payload)); werr != nil {
		h.log.Debug().Err(werr).Str("conn", conn.ID()).Msg("failed to send error event")
	}
}

// heartbeat pings the peer and emits an application-level heartbeat event.
func (h *Handler) heartbeat(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WritePing(); err != nil {
				_ = conn.Close()
				return
			}
			_ = conn.WriteJSON(types.NewEvent(types.EventHeartbeat, "", nil))
		case <-conn.Done():
			return
		}
	}
}
