package devserver

import (
	"sync"

	"dmsync/pkg/logger"
	"dmsync/pkg/remote"
)

// hub fans stored changes out to the websocket subscribers. Channels are
// buffered; a subscriber that cannot keep up drops intermediate snapshots,
// which is safe because every push carries the full current state.
type hub struct {
	mu       sync.Mutex
	nextID   int
	roomSubs map[string]map[int]chan remote.MessageSnapshot
	userSubs map[string]map[int]chan remote.RoomSnapshot
}

func newHub() *hub {
	return &hub{
		roomSubs: make(map[string]map[int]chan remote.MessageSnapshot),
		userSubs: make(map[string]map[int]chan remote.RoomSnapshot),
	}
}

func (h *hub) subscribeRoom(roomID string) (int, chan remote.MessageSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan remote.MessageSnapshot, 16)
	if h.roomSubs[roomID] == nil {
		h.roomSubs[roomID] = make(map[int]chan remote.MessageSnapshot)
	}
	h.roomSubs[roomID][h.nextID] = ch
	return h.nextID, ch
}

func (h *hub) unsubscribeRoom(roomID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.roomSubs[roomID], id)
}

func (h *hub) subscribeUser(userID string) (int, chan remote.RoomSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan remote.RoomSnapshot, 16)
	if h.userSubs[userID] == nil {
		h.userSubs[userID] = make(map[int]chan remote.RoomSnapshot)
	}
	h.userSubs[userID][h.nextID] = ch
	return h.nextID, ch
}

func (h *hub) unsubscribeUser(userID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.userSubs[userID], id)
}

func (h *hub) broadcastRoom(roomID string, snap remote.MessageSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.roomSubs[roomID] {
		select {
		case ch <- snap:
		default:
			logger.Warn("room_subscriber_lagging", "room", roomID, "subscriber", id)
		}
	}
}

func (h *hub) broadcastUser(userID string, snap remote.RoomSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.userSubs[userID] {
		select {
		case ch <- snap:
		default:
			logger.Warn("user_subscriber_lagging", "user", userID, "subscriber", id)
		}
	}
}
