package server

import (
	"net"
	"sync"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Conn is a transport able to carry protocol envelopes. Implementations must
// serialize concurrent writes internally: both the request dispatcher and the
// broadcast forwarder write to the same connection, and interleaved partial
// writes would corrupt the framing.
type Conn interface {
	ReadEnvelope() (*protocol.Envelope, error)
	WriteEnvelope(env *protocol.Envelope) error
	Close() error
	RemoteAddr() string
}

// SafeConn wraps a net.Conn with automatic write synchronization. It is the
// only way a session writes to its socket; the raw conn stays private.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// ReadEnvelope reads the next envelope. Reads have a single caller (the
// session's message loop) and need no synchronization.
func (sc *SafeConn) ReadEnvelope() (*protocol.Envelope, error) {
	return protocol.DecodeEnvelope(sc.conn)
}

// WriteEnvelope encodes and sends an envelope while holding the write lock.
func (sc *SafeConn) WriteEnvelope(env *protocol.Envelope) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.EncodeEnvelope(sc.conn, env)
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}
