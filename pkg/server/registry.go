package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Registry owns every room, behind one exclusive lock. All room access runs
// under that lock for the duration of a single request's registry interaction
// and the lock is never held across network I/O, so a slow connection can
// never stall room mutation for anyone else.
//
// One lock for the whole map serializes room mutations server-wide. That is a
// deliberate simplicity trade-off; sharding by room id would change no
// externally observable behavior.
type Registry struct {
	mu         sync.Mutex
	rooms      map[uuid.UUID]*ChatRoom
	bufferSize int
	metrics    *Metrics
}

// NewRegistry creates an empty registry. bufferSize is the per-subscriber
// broadcast queue capacity handed to every room it creates.
func NewRegistry(bufferSize int, metrics *Metrics) *Registry {
	return &Registry{
		rooms:      make(map[uuid.UUID]*ChatRoom),
		bufferSize: bufferSize,
		metrics:    metrics,
	}
}

// CreateRoom inserts a new room and returns its freshly generated id.
// passwordHash of nil creates an open room.
func (reg *Registry) CreateRoom(passwordHash []byte) uuid.UUID {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	chatID := uuid.New()
	reg.rooms[chatID] = NewChatRoom(passwordHash, reg.bufferSize, reg.metrics)
	reg.metrics.RecordRoomCreated()
	return chatID
}

// WithRoom runs fn against the named room while holding the registry lock.
// An unknown id yields a chat-not-found RoomError; a request referencing a
// missing room never creates one implicitly.
func (reg *Registry) WithRoom(chatID uuid.UUID, fn func(*ChatRoom) error) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[chatID]
	if !ok {
		return &RoomError{Code: protocol.CodeChatNotFound, Message: "chat not found"}
	}
	return fn(room)
}

// RoomCount returns the number of rooms ever created (rooms are never reaped).
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
