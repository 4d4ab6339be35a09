package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orgchat/relay/internal/contextkey"
	"github.com/orgchat/relay/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Message bodies ride in JSON
	// frames, so this bounds chat message length too.
	maxMessageSize = 64 * 1024

	// Outbound frame buffer per connection.
	sendBuffer = 256
)

// wsConn is the subset of *websocket.Conn the session uses. Tests substitute
// an in-memory fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type sessionState int

const (
	stateUnregistered sessionState = iota
	stateRegistered
	stateClosed
)

// Session is one live connection and its registration state. The read pump
// owns every state transition; other goroutines only queue outbound frames
// and read the identity fields published through the registry.
type Session struct {
	engine *Engine
	conn   wsConn
	ctx    context.Context

	state          sessionState
	userID         int64
	username       string
	organizationID int64
	sessionToken   string

	send      chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(engine *Engine, conn wsConn, clientIP string) *Session {
	// The upgrade request's context dies with the HTTP handler, so the
	// session carries its own, keeping only the identifying values.
	ctx := context.WithValue(context.Background(), contextkey.ContextKeyConnID, uuid.New())
	if clientIP != "" {
		ctx = context.WithValue(ctx, contextkey.ContextKeyClientIP, clientIP)
	}

	return &Session{
		engine: engine,
		conn:   conn,
		ctx:    ctx,
		state:  stateUnregistered,
		send:   make(chan interface{}, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Start launches the session's read and write pumps.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// queueOut hands a frame to the write pump without blocking. Frames are
// dropped when the session is closing or the peer cannot keep up; fan-out
// failures never propagate.
func (s *Session) queueOut(frame interface{}) bool {
	select {
	case <-s.done:
		metrics.DroppedFrames.WithLabelValues("closed").Inc()
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		metrics.DroppedFrames.WithLabelValues("slow_consumer").Inc()
		return false
	}
}

// close is idempotent; the first caller stops the write pump and closes the
// socket, which in turn unblocks the read pump.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump reads frames from the peer and dispatches them in order. It owns
// registry cleanup: whatever ends the session, the deferred detach runs.
func (s *Session) readPump() {
	defer func() {
		s.engine.registry.Detach(s)
		s.state = stateClosed
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.engine.logger.Debug(s.ctx, "WebSocket read error: %v", err)
			}
			break
		}
		s.engine.dispatch(s, raw)
	}
}

// writePump owns all writes to the connection, serializing frames and
// keepalive pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.engine.logger.Debug(s.ctx, "WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
