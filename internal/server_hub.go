package internal

import (
	"log/slog"
	"sync"
)

// Sender is a connection's outbound queue as the relay sees it. Enqueue must never
// block: a full queue returns false and the connection is expected to close itself.
type Sender interface {
	ID() string
	Enqueue(payload []byte) bool
}

// Hub is the in-memory room registry. It lives for the lifetime of one server
// process and is the only state shared between connections; rooms are not
// replicated across processes.
type Hub struct {
	mutex       sync.RWMutex
	rooms       map[string]*Room
	memberships map[string]string // connection id -> room key
	logger      *slog.Logger
}

// NewHub builds an empty registry.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:       make(map[string]*Room),
		memberships: make(map[string]string),
		logger:      logger,
	}
}

// Register joins sender to roomKey. A connection is in at most one room, so an
// existing membership elsewhere is dropped first and that room's key returned as
// previousRoom together with the participant that left it.
func (hub *Hub) Register(roomKey string, participant Participant, sender Sender) (participants []Participant, previousRoom string, previous Participant) {
	connectionID := sender.ID()
	participant.ConnectionID = connectionID

	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	if current, ok := hub.memberships[connectionID]; ok && current != roomKey {
		if left, removed := hub.removeLocked(current, connectionID); removed {
			previousRoom, previous = current, left
		}
	}

	room, exists := hub.rooms[roomKey]
	if !exists {
		room = newRoom(roomKey)
		hub.rooms[roomKey] = room
		go room.run()
		hub.logger.Debug("room created", "room", roomKey, "total", len(hub.rooms))
	}
	room.add(participant, sender)
	hub.memberships[connectionID] = roomKey
	return room.participants(), previousRoom, previous
}

// Unregister removes the connection from roomKey. It reports false when the
// connection was not a member, which makes repeated cleanup a no-op.
func (hub *Hub) Unregister(roomKey, connectionID string) (Participant, bool) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.memberships[connectionID] != roomKey {
		return Participant{}, false
	}
	return hub.removeLocked(roomKey, connectionID)
}

func (hub *Hub) removeLocked(roomKey, connectionID string) (Participant, bool) {
	delete(hub.memberships, connectionID)
	room, exists := hub.rooms[roomKey]
	if !exists {
		return Participant{}, false
	}
	participant, removed := room.remove(connectionID)
	if room.size() == 0 {
		delete(hub.rooms, roomKey)
		room.stop()
		hub.logger.Debug("room removed", "room", roomKey, "total", len(hub.rooms))
	}
	return participant, removed
}

// Participants lists the members of roomKey in join order. Unknown rooms yield nil.
func (hub *Hub) Participants(roomKey string) []Participant {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	room, exists := hub.rooms[roomKey]
	if !exists {
		return nil
	}
	return room.participants()
}

// RoomOf returns the room the connection is currently joined to.
func (hub *Hub) RoomOf(connectionID string) (string, bool) {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	roomKey, ok := hub.memberships[connectionID]
	return roomKey, ok
}

// Exists returns true if a room with the given key currently exists in memory.
func (hub *Hub) Exists(roomKey string) bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	_, ok := hub.rooms[roomKey]
	return ok
}

// RoomCount is the number of live rooms.
func (hub *Hub) RoomCount() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.rooms)
}

// Broadcast queues payload on the room's relay for every member except
// excludeConnectionID (empty excludes nobody). It returns false when the room
// does not exist.
func (hub *Hub) Broadcast(roomKey string, payload []byte, excludeConnectionID string) bool {
	room := hub.room(roomKey)
	if room == nil {
		return false
	}
	return room.publish(outbound{payload: payload, exclude: excludeConnectionID})
}

// SendTo queues payload for a single member through the room's relay so it keeps
// its place relative to the room's other traffic.
func (hub *Hub) SendTo(roomKey, connectionID string, payload []byte) bool {
	room := hub.room(roomKey)
	if room == nil {
		return false
	}
	return room.publish(outbound{payload: payload, only: connectionID})
}

// MarkRelayed claims messageID for a single new-message in roomKey. It returns
// false when the id went out before or the room is gone.
func (hub *Hub) MarkRelayed(roomKey, messageID string) bool {
	room := hub.room(roomKey)
	if room == nil {
		return false
	}
	return room.markRelayed(messageID)
}

// Close stops every relay and forgets all memberships.
func (hub *Hub) Close() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for key, room := range hub.rooms {
		room.stop()
		delete(hub.rooms, key)
	}
	hub.memberships = make(map[string]string)
}

func (hub *Hub) room(roomKey string) *Room {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return hub.rooms[roomKey]
}
