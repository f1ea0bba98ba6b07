package server

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// joinState is the session's local record of its one active membership. It is
// convenience state for wiring the broadcast forwarder, never a substitute
// for per-request token validation against the room.
type joinState struct {
	chatID   uuid.UUID
	token    uuid.UUID
	username string
	sub      *Subscription
}

// Session represents one active client connection. A session is either
// unjoined or joined to exactly one room.
type Session struct {
	ID   uint64
	Conn Conn

	mu     sync.Mutex // protects joined
	joined *joinState // nil while unjoined
}

// setJoined transitions the session to the joined state.
func (s *Session) setJoined(js *joinState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = js
}

// joinedState returns the current join state, or nil while unjoined.
func (s *Session) joinedState() *joinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// clearJoinedIf resets the session to unjoined when the active membership
// matches the given room and token. Returns the cleared state, or nil.
func (s *Session) clearJoinedIf(chatID, token uuid.UUID) *joinState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined == nil || s.joined.chatID != chatID || s.joined.token != token {
		return nil
	}
	js := s.joined
	s.joined = nil
	return js
}

// SessionManager tracks all active sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	metrics  *Metrics
}

// NewSessionManager creates an empty session manager.
func NewSessionManager(metrics *Metrics) *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
		metrics:  metrics,
	}
}

// CreateSession registers a new session for a connection.
func (sm *SessionManager) CreateSession(conn Conn) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:   sessionID,
		Conn: conn,
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(count)
	sm.metrics.RecordSessionCreated()
	return sess
}

// RemoveSession forgets a session. Closing the connection is the caller's job.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	if _, ok := sm.sessions[sessionID]; !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	count := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(count)
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every active connection. Used during shutdown; each
// session's message loop notices the closed socket and cleans itself up.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}
}
