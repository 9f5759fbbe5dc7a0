package internal

import (
	"sort"
	"sync"
)

const (
	roomBacklog = 256
	// relayMemory bounds how many message ids a room remembers as already relayed.
	relayMemory = 1024
)

type member struct {
	participant Participant
	sender      Sender
	seq         uint64
}

type outbound struct {
	payload []byte
	exclude string
	only    string
}

// a room relays every event through one goroutine, which is what keeps delivery
// order identical for all members.
type Room struct {
	key       string
	mutex     sync.RWMutex
	members   map[string]*member
	seq       uint64
	broadcast chan outbound
	done      chan struct{}
	stopOnce  sync.Once

	relayed      map[string]struct{}
	relayedOrder []string
}

func newRoom(key string) *Room {
	return &Room{
		key:       key,
		members:   make(map[string]*member),
		broadcast: make(chan outbound, roomBacklog),
		done:      make(chan struct{}),
		relayed:   make(map[string]struct{}),
	}
}

func (room *Room) add(participant Participant, sender Sender) {
	room.mutex.Lock()
	defer room.mutex.Unlock()
	room.seq++
	room.members[participant.ConnectionID] = &member{participant: participant, sender: sender, seq: room.seq}
}

func (room *Room) remove(connectionID string) (Participant, bool) {
	room.mutex.Lock()
	defer room.mutex.Unlock()
	existing, ok := room.members[connectionID]
	if !ok {
		return Participant{}, false
	}
	delete(room.members, connectionID)
	return existing.participant, true
}

// markRelayed records messageID and reports false if it was already relayed.
// Only the most recent relayMemory ids are kept.
func (room *Room) markRelayed(messageID string) bool {
	room.mutex.Lock()
	defer room.mutex.Unlock()
	if _, seen := room.relayed[messageID]; seen {
		return false
	}
	room.relayed[messageID] = struct{}{}
	room.relayedOrder = append(room.relayedOrder, messageID)
	if len(room.relayedOrder) > relayMemory {
		delete(room.relayed, room.relayedOrder[0])
		room.relayedOrder = room.relayedOrder[1:]
	}
	return true
}

func (room *Room) size() int {
	room.mutex.RLock()
	defer room.mutex.RUnlock()
	return len(room.members)
}

func (room *Room) participants() []Participant {
	room.mutex.RLock()
	ordered := make([]*member, 0, len(room.members))
	for _, m := range room.members {
		ordered = append(ordered, m)
	}
	room.mutex.RUnlock()
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	participants := make([]Participant, 0, len(ordered))
	for _, m := range ordered {
		participants = append(participants, m.participant)
	}
	return participants
}

// publish hands an event to the relay. It waits for backlog space but gives up
// once the room has been stopped.
func (room *Room) publish(msg outbound) bool {
	select {
	case <-room.done:
		return false
	default:
	}
	select {
	case room.broadcast <- msg:
		return true
	case <-room.done:
		return false
	}
}

func (room *Room) stop() {
	room.stopOnce.Do(func() { close(room.done) })
}

func (room *Room) run() {
	for {
		select {
		case <-room.done:
			return
		case msg := <-room.broadcast:
			room.fanOut(msg)
		}
	}
}

func (room *Room) fanOut(msg outbound) {
	room.mutex.RLock()
	defer room.mutex.RUnlock()
	if msg.only != "" {
		if target, ok := room.members[msg.only]; ok {
			target.sender.Enqueue(msg.payload)
		}
		return
	}
	for id, m := range room.members {
		if id == msg.exclude {
			continue
		}
		// a member whose queue is full closes itself; the others are not held up.
		m.sender.Enqueue(msg.payload)
	}
}
