// Package client provides a programmatic client for the chat relay protocol:
// connect, create or join a room, send messages, and receive broadcasts.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

const defaultRequestTimeout = 10 * time.Second

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrNotJoined        = errors.New("not joined to a chat")
)

// ServerError is a structured rejection from the server. The connection
// stays usable; the caller can correct input and retry.
type ServerError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected request: %s (%s)", e.Message, e.Code)
}

// Membership records the room this client is currently joined to.
type Membership struct {
	ChatID   uuid.UUID
	Token    uuid.UUID
	Username string
}

// Client is a connection to a chat relay server. One goroutine owns the
// socket reads, one owns the writes; requests are serialized so every request
// pairs with exactly one response.
type Client struct {
	conn    net.Conn
	sendCh  chan *protocol.Envelope
	done    chan struct{}
	Timeout time.Duration

	responses  chan protocol.Message
	broadcasts chan *protocol.MessageBroadcast

	reqMu sync.Mutex // serializes request/response exchanges

	mu        sync.Mutex
	joined    *Membership
	closeOnce sync.Once
}

// Dial connects to a server and starts the reader and writer goroutines.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c := &Client{
		conn:       conn,
		sendCh:     make(chan *protocol.Envelope, 16),
		done:       make(chan struct{}),
		Timeout:    defaultRequestTimeout,
		responses:  make(chan protocol.Message, 8),
		broadcasts: make(chan *protocol.MessageBroadcast, 64),
	}

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Broadcasts returns the stream of messages relayed from other members of the
// joined room. The channel closes when the connection does. A consumer that
// stops draining loses the oldest pending broadcasts, never the connection.
func (c *Client) Broadcasts() <-chan *protocol.MessageBroadcast {
	return c.broadcasts
}

// Membership returns a copy of the current membership, or nil while unjoined.
func (c *Client) Membership() *Membership {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined == nil {
		return nil
	}
	m := *c.joined
	return &m
}

// CreateChat creates a room and returns its id. A nil password creates an
// open room. Creating does not join.
func (c *Client) CreateChat(password *string) (uuid.UUID, error) {
	resp, err := c.request(&protocol.CreateChatRequest{Password: password})
	if err != nil {
		return uuid.Nil, err
	}
	created, ok := resp.(*protocol.CreateChatResponse)
	if !ok {
		return uuid.Nil, fmt.Errorf("unexpected response %s", protocol.TypeOf(resp))
	}
	return created.ChatID, nil
}

// JoinChat joins a room under a username and records the minted token.
func (c *Client) JoinChat(chatID uuid.UUID, username string, password *string) (uuid.UUID, error) {
	resp, err := c.request(&protocol.JoinChatRequest{ChatID: chatID, Username: username, Password: password})
	if err != nil {
		return uuid.Nil, err
	}
	joined, ok := resp.(*protocol.JoinChatResponse)
	if !ok {
		return uuid.Nil, fmt.Errorf("unexpected response %s", protocol.TypeOf(resp))
	}

	c.mu.Lock()
	c.joined = &Membership{ChatID: chatID, Token: joined.Token, Username: username}
	c.mu.Unlock()
	return joined.Token, nil
}

// SendMessage posts a message to the joined room.
func (c *Client) SendMessage(text string) error {
	m := c.Membership()
	if m == nil {
		return ErrNotJoined
	}

	resp, err := c.request(&protocol.SendMessageRequest{ChatID: m.ChatID, Token: m.Token, Message: text})
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.SendMessageResponse); !ok {
		return fmt.Errorf("unexpected response %s", protocol.TypeOf(resp))
	}
	return nil
}

// LeaveChat leaves the joined room and forgets the membership.
func (c *Client) LeaveChat() error {
	m := c.Membership()
	if m == nil {
		return ErrNotJoined
	}

	resp, err := c.request(&protocol.LeaveChatRequest{ChatID: m.ChatID, Token: m.Token})
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.LeaveChatResponse); !ok {
		return fmt.Errorf("unexpected response %s", protocol.TypeOf(resp))
	}

	c.mu.Lock()
	c.joined = nil
	c.mu.Unlock()
	return nil
}

// request sends one request and waits for its one response. An ErrorResponse
// comes back as *ServerError; the exchange lock keeps responses paired with
// requests.
func (c *Client) request(msg protocol.Message) (protocol.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	env := &protocol.Envelope{Version: protocol.ProtocolVersion, Message: msg}
	select {
	case c.sendCh <- env:
	case <-c.done:
		return nil, ErrConnectionClosed
	}

	select {
	case resp, ok := <-c.responses:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if errResp, isErr := resp.(*protocol.ErrorResponse); isErr {
			return nil, &ServerError{Code: errResp.Code, Message: errResp.Message}
		}
		return resp, nil
	case <-time.After(c.Timeout):
		return nil, ErrRequestTimeout
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

// writeLoop is the sole writer on the socket.
func (c *Client) writeLoop() {
	for {
		select {
		case env := <-c.sendCh:
			if err := protocol.EncodeEnvelope(c.conn, env); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop is the sole reader on the socket. It routes broadcasts and
// responses to their channels and closes both on connection loss.
func (c *Client) readLoop() {
	defer close(c.broadcasts)
	defer close(c.responses)

	for {
		env, err := protocol.DecodeEnvelope(c.conn)
		if err != nil {
			c.Close()
			return
		}

		switch msg := env.Message.(type) {
		case *protocol.MessageBroadcast:
			// The server already withholds the sender's own broadcasts;
			// filtering here as well keeps the rule independent of which
			// server version is on the other end.
			if m := c.Membership(); m != nil && msg.Username == m.Username {
				continue
			}
			select {
			case c.broadcasts <- msg:
			default:
				// Consumer is lagging; drop the oldest pending broadcast.
				select {
				case <-c.broadcasts:
				default:
				}
				select {
				case c.broadcasts <- msg:
				default:
				}
			}
		default:
			select {
			case c.responses <- msg:
			default:
				// No request is waiting; an unsolicited response is dropped.
			}
		}
	}
}
