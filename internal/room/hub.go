// Package room tracks which local connections joined which rooms and relays
// room broadcasts between processes over Redis pub/sub.
package room

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
)

// Conn is a connection events can be emitted to. Send must not block.
type Conn interface {
	ID() string
	UserID() string
	Send(event string, payload interface{}) error
}

func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}

// PersonalRoom is joined automatically by every authenticated connection.
func PersonalRoom(userID string) string {
	return "user:" + userID
}

// Hub is the process-local view of room membership. Membership for broadcast
// purposes is the union of every process's hub.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn     // room -> connID -> conn
	joined map[string]map[string]struct{} // connID -> rooms
	log    *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]Conn),
		joined: make(map[string]map[string]struct{}),
		log:    log.With(zap.String("module", "room_hub")),
	}
}

// Join adds conn to room. Joining twice is a no-op.
func (h *Hub) Join(conn Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		h.rooms[room] = members
	}
	members[conn.ID()] = conn

	rooms, ok := h.joined[conn.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		h.joined[conn.ID()] = rooms
	}
	rooms[room] = struct{}{}
}

// Leave removes a connection from room and reports whether it was a member.
func (h *Hub) Leave(connID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(connID, room)
}

func (h *Hub) leaveLocked(connID, room string) bool {
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	if rooms, ok := h.joined[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.joined, connID)
		}
	}
	return true
}

// LeaveAll removes a connection from every room and returns them.
func (h *Hub) LeaveAll(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var left []string
	for room := range h.joined[connID] {
		left = append(left, room)
	}
	for _, room := range left {
		h.leaveLocked(connID, room)
	}
	return left
}

// EvictUser removes every local connection of userID from room and returns
// the evicted connections.
func (h *Hub) EvictUser(userID, room string) []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	var evicted []Conn
	for _, c := range h.rooms[room] {
		if c.UserID() == userID {
			evicted = append(evicted, c)
		}
	}
	for _, c := range evicted {
		h.leaveLocked(c.ID(), room)
	}
	return evicted
}

// CloseRoom removes every local joiner of room and returns them.
func (h *Hub) CloseRoom(room string) []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	var evicted []Conn
	for _, c := range h.rooms[room] {
		evicted = append(evicted, c)
	}
	for _, c := range evicted {
		h.leaveLocked(c.ID(), room)
	}
	return evicted
}

// InRoom reports whether connID joined room on this process.
func (h *Hub) InRoom(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

// Rooms returns the rooms connID joined on this process.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.joined[connID]))
	for room := range h.joined[connID] {
		out = append(out, room)
	}
	return out
}

// Members returns the local joiners of room.
func (h *Hub) Members(room string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

// Emit sends to every local joiner of room except the connection named by
// except, and returns the number of connections reached.
func (h *Hub) Emit(room, event string, payload interface{}, except string) int {
	return h.EmitUnion([]string{room}, event, payload, except)
}

// EmitUnion sends once to every connection that joined any of rooms, so a
// connection present in several of them receives a single copy.
func (h *Hub) EmitUnion(rooms []string, event string, payload interface{}, except string) int {
	h.mu.RLock()
	targets := make(map[string]Conn)
	for _, room := range rooms {
		for id, c := range h.rooms[room] {
			if id != except {
				targets[id] = c
			}
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			h.log.Debug("Emit skipped connection", zap.String("connection_id", c.ID()), zap.String("event", event), zap.Error(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		metrics.Emissions.WithLabelValues(event).Add(float64(sent))
	}
	return sent
}
