package router

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"markethub/internal/metrics"
	"markethub/internal/websocket"
	"markethub/pkg/types"
)

// Roster resolves the participants of a room.
type Roster interface {
	Participants(roomID string) ([]string, error)
}

// RoleGroup is the registry group name holding the connections of a role.
func RoleGroup(role types.Role) string {
	return "role:" + string(role)
}

// Dispatcher fans events out to connections. Every user receives an event on
// each of their connections; a failed write is logged and counted and the
// remaining deliveries continue. Connection writes only enqueue, so a slow
// device never delays the recipients after it.
type Dispatcher struct {
	registry *websocket.Registry
	roster   Roster
	log      zerolog.Logger
}

// NewDispatcher creates a dispatcher over registry. roster may be nil when
// room fan-out is not needed.
func NewDispatcher(registry *websocket.Registry, roster Roster, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		roster:   roster,
		log:      log,
	}
}

// SendToConnection writes event to a single connection.
func (d *Dispatcher) SendToConnection(connID string, event types.Event) error {
	conn, ok := d.registry.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	if err := conn.WriteJSON(event); err != nil {
		metrics.Deliveries.WithLabelValues("failed").Inc()
		return err
	}
	metrics.Deliveries.WithLabelValues("ok").Inc()
	return nil
}

// SendToUser delivers event to every connection of userID and returns the
// number of successful writes.
func (d *Dispatcher) SendToUser(userID string, event types.Event) int {
	return d.deliver(d.registry.ConnectionsOf(userID), event)
}

// SendToRoom delivers event to every connection of every participant of
// roomID, skipping the users listed in except.
func (d *Dispatcher) SendToRoom(roomID string, event types.Event, except ...string) int {
	if d.roster == nil {
		return 0
	}
	participants, err := d.roster.Participants(roomID)
	if err != nil {
		d.log.Debug().Err(err).Str("room", roomID).Str("event", event.Type).Msg("room fan-out skipped")
		return 0
	}

	var connIDs []string
	for _, userID := range participants {
		if lo.Contains(except, userID) {
			continue
		}
		connIDs = append(connIDs, d.registry.ConnectionsOf(userID)...)
	}
	return d.deliver(connIDs, event)
}

// SendToRoleGroup delivers event once to each connection belonging to any of
// the given roles.
func (d *Dispatcher) SendToRoleGroup(event types.Event, roles ...types.Role) int {
	var connIDs []string
	for _, role := range roles {
		connIDs = append(connIDs, d.registry.GroupConnections(RoleGroup(role))...)
	}
	connIDs = lo.Uniq(connIDs)
	sort.Strings(connIDs)
	return d.deliver(connIDs, event)
}

// Broadcast delivers event to every live connection, authenticated or not.
func (d *Dispatcher) Broadcast(event types.Event) int {
	delivered := 0
	for _, conn := range d.registry.All() {
		if err := conn.WriteJSON(event); err != nil {
			d.deliveryFailed(conn.ID(), event, err)
			continue
		}
		metrics.Deliveries.WithLabelValues("ok").Inc()
		delivered++
	}
	return delivered
}

func (d *Dispatcher) deliver(connIDs []string, event types.Event) int {
	delivered := 0
	for _, connID := range connIDs {
		conn, ok := d.registry.Connection(connID)
		if !ok {
			// Unregistered between lookup and write.
			continue
		}
		if err := conn.WriteJSON(event); err != nil {
			d.deliveryFailed(connID, event, err)
			continue
		}
		metrics.Deliveries.WithLabelValues("ok").Inc()
		delivered++
	}
	return delivered
}

func (d *Dispatcher) deliveryFailed(connID string, event types.Event, err error) {
	metrics.Deliveries.WithLabelValues("failed").Inc()
	d.log.Warn().
		Err(err).
		Str("conn", connID).
		Str("event", event.Type).
		Str("room", event.Room).
		Msg("delivery failed")
}
