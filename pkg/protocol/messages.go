package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message is the tagged union carried inside an envelope body. On the wire a
// message is a JSON object {"type": "<tag>", "body": {...}}; unknown tags are
// rejected, not ignored.
type Message interface {
	// messageType returns the wire tag for this variant.
	messageType() string
}

// Wire tags (snake_case, matching the type discriminator on the wire)
const (
	TypeCreateChatRequest   = "create_chat_request"
	TypeCreateChatResponse  = "create_chat_response"
	TypeJoinChatRequest     = "join_chat_request"
	TypeJoinChatResponse    = "join_chat_response"
	TypeSendMessageRequest  = "send_message_request"
	TypeSendMessageResponse = "send_message_response"
	TypeLeaveChatRequest    = "leave_chat_request"
	TypeLeaveChatResponse   = "leave_chat_response"
	TypeMessageBroadcast    = "message_broadcast"
	TypeErrorResponse       = "error_response"
)

// ErrorCode identifies why a request was rejected.
type ErrorCode string

const (
	CodeWrongPassword            ErrorCode = "wrong_password"
	CodePasswordMissing          ErrorCode = "password_missing"
	CodeChatNotFound             ErrorCode = "chat_not_found"
	CodeInvalidFormat            ErrorCode = "invalid_format"
	CodeUnauthorized             ErrorCode = "unauthorized"
	CodeUserAlreadyInRoom        ErrorCode = "user_already_in_room"
	CodeUserAlreadyInAnotherRoom ErrorCode = "user_already_in_another_room"
	CodeInternalError            ErrorCode = "internal_error"
)

// CreateChatRequest asks the server to create a new room. A nil password
// creates an open room.
type CreateChatRequest struct {
	Password *string `json:"password"`
}

// CreateChatResponse carries the id of a freshly created room.
type CreateChatResponse struct {
	ChatID uuid.UUID `json:"chat_id"`
}

// JoinChatRequest asks to join an existing room under a username.
type JoinChatRequest struct {
	ChatID   uuid.UUID `json:"chat_id"`
	Username string    `json:"username"`
	Password *string   `json:"password"`
}

// JoinChatResponse carries the session token minted for a successful join.
type JoinChatResponse struct {
	Token uuid.UUID `json:"token"`
}

// SendMessageRequest posts a message to a room. The token must be valid in
// that room's token map.
type SendMessageRequest struct {
	ChatID  uuid.UUID `json:"chat_id"`
	Token   uuid.UUID `json:"token"`
	Message string    `json:"message"`
}

// SendMessageResponse acknowledges a successful send.
type SendMessageResponse struct{}

// LeaveChatRequest removes the membership the token proves.
type LeaveChatRequest struct {
	ChatID uuid.UUID `json:"chat_id"`
	Token  uuid.UUID `json:"token"`
}

// LeaveChatResponse acknowledges a successful leave.
type LeaveChatResponse struct{}

// MessageBroadcast is the unsolicited server push delivered to every other
// joined member of a room when any member sends.
type MessageBroadcast struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// ErrorResponse reports a rejected request without closing the connection.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (*CreateChatRequest) messageType() string   { return TypeCreateChatRequest }
func (*CreateChatResponse) messageType() string  { return TypeCreateChatResponse }
func (*JoinChatRequest) messageType() string     { return TypeJoinChatRequest }
func (*JoinChatResponse) messageType() string    { return TypeJoinChatResponse }
func (*SendMessageRequest) messageType() string  { return TypeSendMessageRequest }
func (*SendMessageResponse) messageType() string { return TypeSendMessageResponse }
func (*LeaveChatRequest) messageType() string    { return TypeLeaveChatRequest }
func (*LeaveChatResponse) messageType() string   { return TypeLeaveChatResponse }
func (*MessageBroadcast) messageType() string    { return TypeMessageBroadcast }
func (*ErrorResponse) messageType() string       { return TypeErrorResponse }

// TypeOf returns the wire tag of a message variant.
func TypeOf(m Message) string {
	return m.messageType()
}

// wireMessage is the on-wire shape of a message body.
type wireMessage struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// MarshalMessage serializes a message to its tagged JSON body.
func MarshalMessage(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Type: m.messageType(), Body: body})
}

// UnmarshalMessage parses a tagged JSON body back into its message variant.
// Returns ErrUnknownType for unrecognized tags and ErrSchemaMismatch when the
// body cannot be mapped onto the variant's fields.
func UnmarshalMessage(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	var msg Message
	switch wire.Type {
	case TypeCreateChatRequest:
		msg = &CreateChatRequest{}
	case TypeCreateChatResponse:
		msg = &CreateChatResponse{}
	case TypeJoinChatRequest:
		msg = &JoinChatRequest{}
	case TypeJoinChatResponse:
		msg = &JoinChatResponse{}
	case TypeSendMessageRequest:
		msg = &SendMessageRequest{}
	case TypeSendMessageResponse:
		msg = &SendMessageResponse{}
	case TypeLeaveChatRequest:
		msg = &LeaveChatRequest{}
	case TypeLeaveChatResponse:
		msg = &LeaveChatResponse{}
	case TypeMessageBroadcast:
		msg = &MessageBroadcast{}
	case TypeErrorResponse:
		msg = &ErrorResponse{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, wire.Type)
	}

	// Empty-struct responses may arrive with no body at all.
	if len(wire.Body) > 0 {
		if err := json.Unmarshal(wire.Body, msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
	}
	return msg, nil
}
