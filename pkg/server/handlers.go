package server

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// ErrProtocolViolation signals that a client sent a message no client should
// ever send. The connection is terminated, not answered.
var ErrProtocolViolation = errors.New("protocol violation")

// handleMessage dispatches a decoded request. Application-level rejections
// are answered with an ErrorResponse on the same connection; only a write
// failure or a protocol violation propagates an error (terminating the
// session).
func (s *Server) handleMessage(sess *Session, env *protocol.Envelope) error {
	switch msg := env.Message.(type) {
	case *protocol.CreateChatRequest:
		return s.handleCreateChat(sess, msg)
	case *protocol.JoinChatRequest:
		return s.handleJoinChat(sess, msg)
	case *protocol.SendMessageRequest:
		return s.handleSendMessage(sess, msg)
	case *protocol.LeaveChatRequest:
		return s.handleLeaveChat(sess, msg)
	default:
		// Server-to-client variants arriving from a client. Best-effort
		// error, then tear the connection down.
		s.sendError(sess, protocol.CodeInvalidFormat,
			fmt.Sprintf("unexpected %s from client", protocol.TypeOf(env.Message)))
		return fmt.Errorf("%w: client sent %s", ErrProtocolViolation, protocol.TypeOf(env.Message))
	}
}

func (s *Server) handleCreateChat(sess *Session, msg *protocol.CreateChatRequest) error {
	var passwordHash []byte
	if msg.Password != nil {
		hash, err := hashPassword(*msg.Password, s.config.BcryptCost)
		if err != nil {
			errorLog.Printf("Session %d: password hash failed: %v", sess.ID, err)
			return s.sendError(sess, protocol.CodeInternalError, "failed to hash password")
		}
		passwordHash = hash
	}

	chatID := s.registry.CreateRoom(passwordHash)
	debugLog.Printf("Session %d: created room %s (password: %t)", sess.ID, chatID, passwordHash != nil)
	return s.sendResponse(sess, &protocol.CreateChatResponse{ChatID: chatID})
}

func (s *Server) handleJoinChat(sess *Session, msg *protocol.JoinChatRequest) error {
	if len(msg.Username) > s.config.MaxUsernameLength {
		return s.sendError(sess, protocol.CodeInvalidFormat,
			fmt.Sprintf("username exceeds %d bytes", s.config.MaxUsernameLength))
	}
	if sess.joinedState() != nil {
		return s.sendError(sess, protocol.CodeUserAlreadyInAnotherRoom,
			"this connection is already joined to a room")
	}

	var (
		token uuid.UUID
		sub   *Subscription
	)
	err := s.registry.WithRoom(msg.ChatID, func(room *ChatRoom) error {
		var joinErr error
		token, sub, joinErr = room.Join(msg.Username, msg.Password)
		return joinErr
	})
	if err != nil {
		return s.sendRoomError(sess, err)
	}

	js := &joinState{chatID: msg.ChatID, token: token, username: msg.Username, sub: sub}
	sess.setJoined(js)
	go s.forwardBroadcasts(sess, js)

	debugLog.Printf("Session %d: %q joined room %s", sess.ID, msg.Username, msg.ChatID)
	return s.sendResponse(sess, &protocol.JoinChatResponse{Token: token})
}

func (s *Server) handleSendMessage(sess *Session, msg *protocol.SendMessageRequest) error {
	if len(msg.Message) > s.config.MaxMessageLength {
		return s.sendError(sess, protocol.CodeInvalidFormat,
			fmt.Sprintf("message exceeds %d bytes", s.config.MaxMessageLength))
	}

	// The token is re-validated against the room on every send; the session's
	// own join state is never consulted here.
	err := s.registry.WithRoom(msg.ChatID, func(room *ChatRoom) error {
		return room.Send(msg.Token, msg.Message)
	})
	if err != nil {
		return s.sendRoomError(sess, err)
	}
	return s.sendResponse(sess, &protocol.SendMessageResponse{})
}

func (s *Server) handleLeaveChat(sess *Session, msg *protocol.LeaveChatRequest) error {
	err := s.registry.WithRoom(msg.ChatID, func(room *ChatRoom) error {
		return room.Leave(msg.Token)
	})
	if err != nil {
		return s.sendRoomError(sess, err)
	}

	// Leaving closes the subscription channel, which ends the forwarder
	// goroutine. Only reset local state if this session's own membership
	// was the one the token proved.
	sess.clearJoinedIf(msg.ChatID, msg.Token)

	debugLog.Printf("Session %d: left room %s", sess.ID, msg.ChatID)
	return s.sendResponse(sess, &protocol.LeaveChatResponse{})
}

// forwardBroadcasts copies a subscription's broadcast stream onto the
// session's connection, racing against the inbound request loop on the shared
// write-synchronized Conn. The sender's own messages are suppressed here:
// clients already print their sends locally.
func (s *Server) forwardBroadcasts(sess *Session, js *joinState) {
	for bc := range js.sub.Recv() {
		if bc.Username == js.username {
			continue
		}
		env := &protocol.Envelope{Version: protocol.ProtocolVersion, Message: bc}
		if err := sess.Conn.WriteEnvelope(env); err != nil {
			debugLog.Printf("Session %d: broadcast write failed: %v", sess.ID, err)
			return
		}
		s.metrics.RecordBroadcastDelivered()
		s.metrics.RecordMessageSent(protocol.TypeMessageBroadcast)
	}
}

// sendRoomError converts an application-level rejection into an
// ErrorResponse. Anything that is not a RoomError is an internal fault.
func (s *Server) sendRoomError(sess *Session, err error) error {
	var roomErr *RoomError
	if errors.As(err, &roomErr) {
		return s.sendError(sess, roomErr.Code, roomErr.Message)
	}
	errorLog.Printf("Session %d: internal error: %v", sess.ID, err)
	return s.sendError(sess, protocol.CodeInternalError, "internal error")
}

func (s *Server) sendError(sess *Session, code protocol.ErrorCode, message string) error {
	s.metrics.RecordErrorSent(string(code))
	return s.sendResponse(sess, &protocol.ErrorResponse{Code: code, Message: message})
}

func (s *Server) sendResponse(sess *Session, msg protocol.Message) error {
	s.metrics.RecordMessageSent(protocol.TypeOf(msg))
	return sess.Conn.WriteEnvelope(&protocol.Envelope{
		Version: protocol.ProtocolVersion,
		Message: msg,
	})
}
