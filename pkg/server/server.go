// Package server implements the chat relay: a TCP (and WebSocket) listener,
// per-connection sessions, and the room registry they dispatch against.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

const statsInterval = 30 * time.Second

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging turns on per-session debug logging to stderr.
func EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
}

// Server owns the listeners, the session manager, and the room registry.
type Server struct {
	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	sessions     *SessionManager
	registry     *Registry
	config       ServerConfig
	shutdown     chan struct{}
	wg           sync.WaitGroup
	metrics      *Metrics
	startTime    time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a server instance. Nothing listens until Start.
func NewServer(config ServerConfig) *Server {
	metrics := NewMetrics()
	return &Server{
		sessions:  NewSessionManager(metrics),
		registry:  NewRegistry(config.SubscriberBufferSize, metrics),
		config:    config,
		shutdown:  make(chan struct{}),
		metrics:   metrics,
		startTime: time.Now(),
	}
}

// Start binds the TCP listener (and the HTTP listener when configured) and
// begins accepting connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP listener on %s", listener.Addr())

	if s.config.HTTPPort > 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.statsLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// startHTTPServer serves /ws (WebSocket transport), /metrics, and /health.
func (s *Server) startHTTPServer() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpListener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	s.httpServer = &http.Server{Handler: mux}

	log.Printf("HTTP listener on %s (/ws, /metrics, /health)", listener.Addr())
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the TCP listener address, useful when started on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil when disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Stop gracefully stops the server: no new connections, all sessions closed,
// background loops drained. Rooms simply cease to exist with the process;
// there is no state to flush.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
		log.Println("TCP listener closed")
	}
	if s.httpServer != nil {
		s.httpServer.Close()
		s.httpServer = nil
		log.Println("HTTP listener closed")
	}

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	s.wg.Wait()
	log.Println("Graceful shutdown complete")
	return nil
}

// HealthHandler reports basic liveness information.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"sessions":%d,"rooms":%d}`,
		int(time.Since(s.startTime).Seconds()), s.sessions.Count(), s.registry.RoomCount())
}

// acceptLoop accepts incoming TCP connections until shutdown.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection sets up a session for an accepted TCP connection.
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession(NewSafeConn(conn))
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %d)", sess.Conn.RemoteAddr(), sess.ID)

	s.messageLoop(sess)
}

// messageLoop reads and dispatches requests for one session. Broadcast
// forwarding runs concurrently in the session's forwarder goroutine; the two
// share the connection through its write-synchronized Conn.
func (s *Server) messageLoop(sess *Session) {
	defer s.cleanupSession(sess)
	defer sess.Conn.Close()

	for {
		env, err := sess.Conn.ReadEnvelope()
		if err != nil {
			s.disconnectionsSinceReport.Add(1)
			switch {
			case err == io.EOF:
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			case errors.Is(err, protocol.ErrMalformedEnvelope),
				errors.Is(err, protocol.ErrUnknownType),
				errors.Is(err, protocol.ErrSchemaMismatch),
				errors.Is(err, protocol.ErrBodyTooLarge):
				// Protocol-level failure: the stream may be corrupt, so no
				// structured error goes out. Tear the session down.
				debugLog.Printf("Session %d: protocol error, closing: %v", sess.ID, err)
			default:
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		debugLog.Printf("Session %d ← RECV %s", sess.ID, protocol.TypeOf(env.Message))
		s.metrics.RecordMessageReceived(protocol.TypeOf(env.Message))

		if err := s.handleMessage(sess, env); err != nil {
			s.disconnectionsSinceReport.Add(1)
			if errors.Is(err, ErrProtocolViolation) {
				debugLog.Printf("Session %d: %v, closing", sess.ID, err)
			} else {
				debugLog.Printf("Session %d: write error: %v", sess.ID, err)
			}
			return
		}
	}
}

// cleanupSession runs when a session's message loop exits, for any reason.
// Membership in the room survives the disconnect (the token is a capability,
// not a session id), but the broadcast queue is dropped: nothing is listening
// anymore.
func (s *Server) cleanupSession(sess *Session) {
	s.sessions.RemoveSession(sess.ID)

	if js := sess.joinedState(); js != nil {
		sess.setJoined(nil)
		_ = s.registry.WithRoom(js.chatID, func(room *ChatRoom) error {
			room.Unsubscribe(js.token)
			return nil
		})
	}
}

// statsLoop periodically logs a one-line activity summary.
func (s *Server) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			conns := s.connectionsSinceReport.Swap(0)
			discs := s.disconnectionsSinceReport.Swap(0)
			log.Printf("Stats: %d active sessions, %d rooms (+%d/-%d connections)",
				s.sessions.Count(), s.registry.RoomCount(), conns, discs)
		}
	}
}
