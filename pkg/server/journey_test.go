package server

import (
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

const readTimeout = 2 * time.Second

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0 // WebSocket tests mount HandleWebSocket on httptest
	srv := NewServer(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// testClient speaks the wire protocol over a raw TCP connection.
type testClient struct {
	t         *testing.T
	conn      net.Conn
	closeOnce sync.Once
}

func dialTestServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	c := &testClient{t: t, conn: conn}
	t.Cleanup(c.close)
	return c
}

func (c *testClient) close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

func (c *testClient) send(msg protocol.Message) {
	c.t.Helper()
	env := &protocol.Envelope{Version: protocol.ProtocolVersion, Message: msg}
	require.NoError(c.t, protocol.EncodeEnvelope(c.conn, env))
}

// expect reads the next message and asserts its wire type.
func (c *testClient) expect(wantType string) protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	env, err := protocol.DecodeEnvelope(c.conn)
	c.conn.SetReadDeadline(time.Time{})
	require.NoError(c.t, err, "expected %s", wantType)
	require.Equal(c.t, wantType, protocol.TypeOf(env.Message))
	return env.Message
}

func (c *testClient) expectError(code protocol.ErrorCode) {
	c.t.Helper()
	msg := c.expect(protocol.TypeErrorResponse)
	assert.Equal(c.t, code, msg.(*protocol.ErrorResponse).Code)
}

// tryRead attempts to read one message within timeout; nil means silence.
func (c *testClient) tryRead(timeout time.Duration) protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	env, err := protocol.DecodeEnvelope(c.conn)
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil
	}
	return env.Message
}

func (c *testClient) createChat(password *string) uuid.UUID {
	c.t.Helper()
	c.send(&protocol.CreateChatRequest{Password: password})
	msg := c.expect(protocol.TypeCreateChatResponse)
	return msg.(*protocol.CreateChatResponse).ChatID
}

func (c *testClient) joinChat(chatID uuid.UUID, username string, password *string) uuid.UUID {
	c.t.Helper()
	c.send(&protocol.JoinChatRequest{ChatID: chatID, Username: username, Password: password})
	msg := c.expect(protocol.TypeJoinChatResponse)
	return msg.(*protocol.JoinChatResponse).Token
}

func TestEndToEndScenario(t *testing.T) {
	srv := newTestServer(t)

	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)

	chatID := alice.createChat(nil)
	aliceToken := alice.joinChat(chatID, "alice", nil)
	bobToken := bob.joinChat(chatID, "bob", nil)
	assert.NotEqual(t, aliceToken, bobToken)

	alice.send(&protocol.SendMessageRequest{ChatID: chatID, Token: aliceToken, Message: "hi"})
	alice.expect(protocol.TypeSendMessageResponse)

	// Bob receives exactly one broadcast; alice receives nothing back.
	bc := bob.expect(protocol.TypeMessageBroadcast).(*protocol.MessageBroadcast)
	assert.Equal(t, "alice", bc.Username)
	assert.Equal(t, "hi", bc.Message)
	assert.Nil(t, alice.tryRead(200*time.Millisecond), "sender must not receive its own broadcast")
	assert.Nil(t, bob.tryRead(100*time.Millisecond), "exactly one broadcast expected")

	// Leaving invalidates the token for further sends.
	alice.send(&protocol.LeaveChatRequest{ChatID: chatID, Token: aliceToken})
	alice.expect(protocol.TypeLeaveChatResponse)
	alice.send(&protocol.SendMessageRequest{ChatID: chatID, Token: aliceToken, Message: "x"})
	alice.expectError(protocol.CodeUnauthorized)
}

func TestPasswordScenario(t *testing.T) {
	srv := newTestServer(t)
	alice := dialTestServer(t, srv)

	chatID := alice.createChat(strptr("secret"))

	alice.send(&protocol.JoinChatRequest{ChatID: chatID, Username: "alice"})
	alice.expectError(protocol.CodePasswordMissing)

	alice.send(&protocol.JoinChatRequest{ChatID: chatID, Username: "alice", Password: strptr("wrong")})
	alice.expectError(protocol.CodeWrongPassword)

	alice.joinChat(chatID, "alice", strptr("secret"))
}

func TestJoinUnknownRoom(t *testing.T) {
	srv := newTestServer(t)
	c := dialTestServer(t, srv)

	c.send(&protocol.JoinChatRequest{ChatID: uuid.New(), Username: "alice"})
	c.expectError(protocol.CodeChatNotFound)
}

func TestSendToUnknownRoom(t *testing.T) {
	srv := newTestServer(t)
	c := dialTestServer(t, srv)

	c.send(&protocol.SendMessageRequest{ChatID: uuid.New(), Token: uuid.New(), Message: "x"})
	c.expectError(protocol.CodeChatNotFound)
}

func TestSecondJoinOnSameConnection(t *testing.T) {
	srv := newTestServer(t)
	c := dialTestServer(t, srv)

	first := c.createChat(nil)
	second := c.createChat(nil)
	c.joinChat(first, "alice", nil)

	c.send(&protocol.JoinChatRequest{ChatID: second, Username: "alice"})
	c.expectError(protocol.CodeUserAlreadyInAnotherRoom)
}

func TestRoomIsolation(t *testing.T) {
	srv := newTestServer(t)

	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)

	roomX := alice.createChat(nil)
	roomY := bob.createChat(nil)
	aliceToken := alice.joinChat(roomX, "alice", nil)
	bob.joinChat(roomY, "bob", nil)

	alice.send(&protocol.SendMessageRequest{ChatID: roomX, Token: aliceToken, Message: "only for room X"})
	alice.expect(protocol.TypeSendMessageResponse)

	assert.Nil(t, bob.tryRead(200*time.Millisecond), "message must not cross rooms")
}

func TestRejoinAfterLeave(t *testing.T) {
	srv := newTestServer(t)
	c := dialTestServer(t, srv)

	chatID := c.createChat(nil)
	first := c.joinChat(chatID, "alice", nil)
	c.send(&protocol.LeaveChatRequest{ChatID: chatID, Token: first})
	c.expect(protocol.TypeLeaveChatResponse)

	second := c.joinChat(chatID, "alice", nil)
	assert.NotEqual(t, first, second, "rejoin must mint a fresh token")
}

func TestTokenNotBoundToConnection(t *testing.T) {
	srv := newTestServer(t)

	alice := dialTestServer(t, srv)
	other := dialTestServer(t, srv)

	chatID := alice.createChat(nil)
	token := alice.joinChat(chatID, "alice", nil)

	// A valid (chat_id, token) pair works from any connection: the token is
	// a capability, not a session id.
	other.send(&protocol.SendMessageRequest{ChatID: chatID, Token: token, Message: "replayed"})
	other.expect(protocol.TypeSendMessageResponse)
}

func TestServerVariantFromClientTerminates(t *testing.T) {
	srv := newTestServer(t)
	c := dialTestServer(t, srv)

	c.send(&protocol.CreateChatResponse{ChatID: uuid.New()})
	c.expectError(protocol.CodeInvalidFormat)

	// The connection is torn down after the error.
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, err := protocol.DecodeEnvelope(c.conn)
	require.Error(t, err)
}

func TestOversizedEnvelopeTerminates(t *testing.T) {
	srv := newTestServer(t)
	c := dialTestServer(t, srv)

	var header [protocol.HeaderSize]byte
	header[0] = protocol.ProtocolVersion
	binary.BigEndian.PutUint32(header[1:], protocol.MaxBodySize+1)
	_, err := c.conn.Write(header[:])
	require.NoError(t, err)

	// Protocol-level failure: no structured error, just a closed stream.
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, err = protocol.DecodeEnvelope(c.conn)
	require.Error(t, err)
}

func TestSessionFaultIsolation(t *testing.T) {
	srv := newTestServer(t)

	healthy := dialTestServer(t, srv)
	chatID := healthy.createChat(nil)
	token := healthy.joinChat(chatID, "alice", nil)

	// A misbehaving connection dies alone.
	broken := dialTestServer(t, srv)
	_, err := broken.conn.Write([]byte{0xFF, 0xFF})
	require.NoError(t, err)
	broken.close()

	healthy.send(&protocol.SendMessageRequest{ChatID: chatID, Token: token, Message: "still alive"})
	healthy.expect(protocol.TypeSendMessageResponse)
}

func TestGracefulShutdownClosesSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	srv := NewServer(cfg)
	require.NoError(t, srv.Start())

	c := dialTestServer(t, srv)
	c.createChat(nil)

	require.NoError(t, srv.Stop())

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, err := protocol.DecodeEnvelope(c.conn)
	require.Error(t, err, "connection must be closed by shutdown")
}

// wsTestClient speaks the same envelopes over a WebSocket, one binary message
// per envelope.
type wsTestClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWebSocket(t *testing.T, httpURL string) *wsTestClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsTestClient{t: t, conn: conn}
}

func (c *wsTestClient) send(msg protocol.Message) {
	c.t.Helper()
	data, err := protocol.EncodeToBytes(&protocol.Envelope{Version: protocol.ProtocolVersion, Message: msg})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, data))
}

func (c *wsTestClient) expect(wantType string) protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "expected %s", wantType)
	env, err := protocol.DecodeFromBytes(data)
	require.NoError(c.t, err)
	require.Equal(c.t, wantType, protocol.TypeOf(env.Message))
	return env.Message
}

func TestWebSocketTransport(t *testing.T) {
	srv := newTestServer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	wsClient := dialWebSocket(t, ts.URL)
	tcpClient := dialTestServer(t, srv)

	// Rooms are shared across transports.
	wsClient.send(&protocol.CreateChatRequest{})
	chatID := wsClient.expect(protocol.TypeCreateChatResponse).(*protocol.CreateChatResponse).ChatID

	wsClient.send(&protocol.JoinChatRequest{ChatID: chatID, Username: "webalice"})
	wsToken := wsClient.expect(protocol.TypeJoinChatResponse).(*protocol.JoinChatResponse).Token
	tcpClient.joinChat(chatID, "bob", nil)

	wsClient.send(&protocol.SendMessageRequest{ChatID: chatID, Token: wsToken, Message: "over ws"})
	wsClient.expect(protocol.TypeSendMessageResponse)

	bc := tcpClient.expect(protocol.TypeMessageBroadcast).(*protocol.MessageBroadcast)
	assert.Equal(t, "webalice", bc.Username)
	assert.Equal(t, "over ws", bc.Message)
}
