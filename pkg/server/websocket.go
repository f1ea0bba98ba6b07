package server

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The protocol has its own token-based authorization; cross-origin
	// browser clients are allowed to connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a WebSocket connection to the Conn interface. Each binary
// WebSocket message carries exactly one envelope, headers included, so the
// wire bytes are identical to the TCP transport and sessions over either
// transport are indistinguishable at the dispatch layer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla/websocket allows only one concurrent writer
}

func (wc *wsConn) ReadEnvelope() (*protocol.Envelope, error) {
	for {
		messageType, data, err := wc.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return protocol.DecodeFromBytes(data)
	}
}

func (wc *wsConn) WriteEnvelope(env *protocol.Envelope) error {
	data, err := protocol.EncodeToBytes(env)
	if err != nil {
		return err
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (wc *wsConn) Close() error {
	return wc.conn.Close()
}

func (wc *wsConn) RemoteAddr() string {
	return wc.conn.RemoteAddr().String()
}

// HandleWebSocket upgrades an HTTP request and runs a regular session over it.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	sess := s.sessions.CreateSession(&wsConn{conn: conn})
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New WebSocket connection from %s (session %d)", sess.Conn.RemoteAddr(), sess.ID)

	go s.messageLoop(sess)
}
