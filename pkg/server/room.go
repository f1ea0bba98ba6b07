package server

import (
	"github.com/google/uuid"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// RoomError is an application-level rejection. It is converted to an
// ErrorResponse at the dispatch boundary and never tears down a connection.
type RoomError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *RoomError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// ChatMessage is one entry in a room's append-only message log.
type ChatMessage struct {
	Username string
	Message  string
}

// Subscription is one member's bounded view of a room's broadcast stream.
// The channel is created at join time and closed at leave/disconnect time;
// broadcasts published before subscription are never replayed.
type Subscription struct {
	token    uuid.UUID
	username string
	ch       chan *protocol.MessageBroadcast
}

// Username returns the member name this subscription belongs to.
func (s *Subscription) Username() string {
	return s.username
}

// Recv returns the broadcast channel. It is closed when the membership ends.
func (s *Subscription) Recv() <-chan *protocol.MessageBroadcast {
	return s.ch
}

// ChatRoom owns membership, the optional password gate, the message log, and
// the per-subscriber broadcast queues for one room. ChatRoom itself is not
// goroutine-safe: all mutation happens while the caller holds the registry
// lock (see Registry.WithRoom).
type ChatRoom struct {
	passwordHash []byte // bcrypt hash, nil means open room
	users        map[string]struct{}
	tokens       map[uuid.UUID]string
	messages     []ChatMessage
	subscribers  map[uuid.UUID]*Subscription
	bufferSize   int
	metrics      *Metrics
}

// NewChatRoom creates an empty room. passwordHash of nil marks the room open.
func NewChatRoom(passwordHash []byte, bufferSize int, metrics *Metrics) *ChatRoom {
	return &ChatRoom{
		passwordHash: passwordHash,
		users:        make(map[string]struct{}),
		tokens:       make(map[uuid.UUID]string),
		subscribers:  make(map[uuid.UUID]*Subscription),
		bufferSize:   bufferSize,
		metrics:      metrics,
	}
}

// Join adds a member to the room, minting a fresh token and a fresh broadcast
// subscription. A supplied password on an open room is ignored, not rejected.
func (r *ChatRoom) Join(username string, password *string) (uuid.UUID, *Subscription, error) {
	if _, exists := r.users[username]; exists {
		return uuid.Nil, nil, &RoomError{Code: protocol.CodeUserAlreadyInRoom, Message: "user already in room"}
	}

	if r.passwordHash != nil {
		if password == nil {
			return uuid.Nil, nil, &RoomError{Code: protocol.CodePasswordMissing, Message: "password missing"}
		}
		if !verifyPassword(r.passwordHash, *password) {
			return uuid.Nil, nil, &RoomError{Code: protocol.CodeWrongPassword, Message: "wrong password"}
		}
	}

	token := uuid.New()
	sub := &Subscription{
		token:    token,
		username: username,
		ch:       make(chan *protocol.MessageBroadcast, r.bufferSize),
	}
	r.tokens[token] = username
	r.users[username] = struct{}{}
	r.subscribers[token] = sub
	return token, sub, nil
}

// Send appends a message to the log and publishes it to every subscriber.
func (r *ChatRoom) Send(token uuid.UUID, text string) error {
	username, ok := r.tokens[token]
	if !ok {
		return &RoomError{Code: protocol.CodeUnauthorized, Message: "token not valid in this room"}
	}

	r.messages = append(r.messages, ChatMessage{Username: username, Message: text})
	r.publish(&protocol.MessageBroadcast{Username: username, Message: text})
	return nil
}

// publish delivers a broadcast to every subscriber queue. Queues are bounded;
// when a lagging subscriber's queue is full the oldest buffered broadcast is
// dropped so senders never block. The loss is silent and limited to that
// subscriber.
func (r *ChatRoom) publish(bc *protocol.MessageBroadcast) {
	for _, sub := range r.subscribers {
		select {
		case sub.ch <- bc:
			continue
		default:
		}

		// Queue full: evict the oldest entry, then retry once.
		select {
		case <-sub.ch:
			r.metrics.RecordBroadcastDropped()
		default:
		}
		select {
		case sub.ch <- bc:
		default:
		}
	}
}

// Leave removes the membership the token proves: the username frees up for a
// rejoin, the token is invalidated, and the subscription channel is closed.
// Other members are not notified and the room itself is never deleted.
func (r *ChatRoom) Leave(token uuid.UUID) error {
	username, ok := r.tokens[token]
	if !ok {
		return &RoomError{Code: protocol.CodeUnauthorized, Message: "token not valid in this room"}
	}

	delete(r.users, username)
	delete(r.tokens, token)
	if sub, ok := r.subscribers[token]; ok {
		delete(r.subscribers, token)
		close(sub.ch)
	}
	return nil
}

// Unsubscribe drops the broadcast queue for a token without ending the
// membership. Used when a connection goes away: the token stays valid (it is
// a capability, not a session id) but nothing is listening anymore.
func (r *ChatRoom) Unsubscribe(token uuid.UUID) {
	if sub, ok := r.subscribers[token]; ok {
		delete(r.subscribers, token)
		close(sub.ch)
	}
}

// MemberCount returns the number of currently joined usernames.
func (r *ChatRoom) MemberCount() int {
	return len(r.users)
}

// Messages returns a copy of the room's message log.
func (r *ChatRoom) Messages() []ChatMessage {
	out := make([]ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}
