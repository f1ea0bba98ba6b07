package server

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

func strptr(s string) *string { return &s }

func newOpenRoom(t *testing.T, bufferSize int) *ChatRoom {
	t.Helper()
	return NewChatRoom(nil, bufferSize, nil)
}

func newPasswordRoom(t *testing.T, password string) *ChatRoom {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return NewChatRoom(hash, 10, nil)
}

func requireRoomError(t *testing.T, err error, code protocol.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	roomErr, ok := err.(*RoomError)
	require.True(t, ok, "expected *RoomError, got %T", err)
	assert.Equal(t, code, roomErr.Code)
}

func TestJoinOpenRoom(t *testing.T) {
	room := newOpenRoom(t, 10)

	token, sub, err := room.Join("alice", nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, token)
	require.NotNil(t, sub)
	assert.Equal(t, "alice", sub.Username())
	assert.Equal(t, 1, room.MemberCount())
}

func TestJoinOpenRoomIgnoresSuppliedPassword(t *testing.T) {
	room := newOpenRoom(t, 10)

	// A password on an open room is ignored, not rejected.
	_, _, err := room.Join("alice", strptr("whatever"))
	require.NoError(t, err)
}

func TestJoinPasswordRoom(t *testing.T) {
	room := newPasswordRoom(t, "secret")

	_, _, err := room.Join("alice", nil)
	requireRoomError(t, err, protocol.CodePasswordMissing)

	_, _, err = room.Join("alice", strptr("wrong"))
	requireRoomError(t, err, protocol.CodeWrongPassword)

	_, _, err = room.Join("alice", strptr("secret"))
	require.NoError(t, err)
}

func TestDoubleJoinSameUsername(t *testing.T) {
	room := newOpenRoom(t, 10)

	first, _, err := room.Join("alice", nil)
	require.NoError(t, err)

	_, _, err = room.Join("alice", nil)
	requireRoomError(t, err, protocol.CodeUserAlreadyInRoom)

	// After a leave the username frees up and the new join gets a new token.
	require.NoError(t, room.Leave(first))
	second, _, err := room.Join("alice", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestTokenInvalidatedByLeave(t *testing.T) {
	room := newOpenRoom(t, 10)

	token, _, err := room.Join("alice", nil)
	require.NoError(t, err)
	require.NoError(t, room.Leave(token))

	requireRoomError(t, room.Send(token, "x"), protocol.CodeUnauthorized)
	requireRoomError(t, room.Leave(token), protocol.CodeUnauthorized)
}

func TestSendUnknownToken(t *testing.T) {
	room := newOpenRoom(t, 10)
	requireRoomError(t, room.Send(uuid.New(), "x"), protocol.CodeUnauthorized)
}

func TestSendAppendsLogAndPublishes(t *testing.T) {
	room := newOpenRoom(t, 10)

	aliceToken, aliceSub, err := room.Join("alice", nil)
	require.NoError(t, err)
	_, bobSub, err := room.Join("bob", nil)
	require.NoError(t, err)

	require.NoError(t, room.Send(aliceToken, "hi"))

	log := room.Messages()
	require.Len(t, log, 1)
	assert.Equal(t, ChatMessage{Username: "alice", Message: "hi"}, log[0])

	// The room publishes to every subscriber; the sender's own copy is
	// suppressed later, on the forwarding path.
	for _, sub := range []*Subscription{aliceSub, bobSub} {
		select {
		case bc := <-sub.Recv():
			assert.Equal(t, "alice", bc.Username)
			assert.Equal(t, "hi", bc.Message)
		default:
			t.Fatalf("subscriber %s did not receive the broadcast", sub.Username())
		}
	}
}

func TestNoBacklogReplay(t *testing.T) {
	room := newOpenRoom(t, 10)

	aliceToken, _, err := room.Join("alice", nil)
	require.NoError(t, err)
	require.NoError(t, room.Send(aliceToken, "before bob"))

	_, bobSub, err := room.Join("bob", nil)
	require.NoError(t, err)

	select {
	case bc := <-bobSub.Recv():
		t.Fatalf("new subscriber saw pre-join broadcast %q", bc.Message)
	default:
	}
}

func TestLaggingSubscriberDropsOldest(t *testing.T) {
	room := newOpenRoom(t, 2)

	aliceToken, _, err := room.Join("alice", nil)
	require.NoError(t, err)
	_, bobSub, err := room.Join("bob", nil)
	require.NoError(t, err)

	// Bob never drains: three sends into a two-slot queue must evict the
	// oldest message and keep the sender unblocked.
	require.NoError(t, room.Send(aliceToken, "one"))
	require.NoError(t, room.Send(aliceToken, "two"))
	require.NoError(t, room.Send(aliceToken, "three"))

	first := <-bobSub.Recv()
	second := <-bobSub.Recv()
	assert.Equal(t, "two", first.Message)
	assert.Equal(t, "three", second.Message)
	select {
	case bc := <-bobSub.Recv():
		t.Fatalf("unexpected extra broadcast %q", bc.Message)
	default:
	}
}

func TestLeaveClosesSubscription(t *testing.T) {
	room := newOpenRoom(t, 10)

	token, sub, err := room.Join("alice", nil)
	require.NoError(t, err)
	require.NoError(t, room.Leave(token))

	_, open := <-sub.Recv()
	assert.False(t, open, "subscription channel should be closed after leave")
}

func TestUnsubscribeKeepsMembership(t *testing.T) {
	room := newOpenRoom(t, 10)

	token, sub, err := room.Join("alice", nil)
	require.NoError(t, err)
	room.Unsubscribe(token)

	_, open := <-sub.Recv()
	assert.False(t, open)

	// The token stays valid: it proves membership, not a live connection.
	require.NoError(t, room.Send(token, "still here"))
	assert.Equal(t, 1, room.MemberCount())
}
