package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/shopvoice/voice-relay/internal/session"
)

// Conn is one registered fallback socket. Outbound frames go through a
// buffered send channel drained by a single writer goroutine, so writes to
// the websocket never interleave and a slow client surfaces as a full
// channel instead of a blocked caller.
type Conn struct {
	ws            *websocket.Conn
	participantID string
	sessionID     string
	send          chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.ws.Write(context.Background(), websocket.MessageText, msg); err != nil {
				logger.Warn("Socket write failed",
					slog.String("participant_id", c.participantID),
					slog.String("error", err.Error()),
				)
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

// Done returns a channel closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Registry tracks fallback sockets per participant and keeps the session's
// socket liveness bit in step.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*Conn
	sessions *session.Registry
	logger   *slog.Logger

	sendBuffer int
}

// NewRegistry creates a socket registry.
func NewRegistry(sessions *session.Registry, logger *slog.Logger, sendBuffer int) *Registry {
	if sendBuffer < 1 {
		sendBuffer = 32
	}
	return &Registry{
		conns:      make(map[string]*Conn),
		sessions:   sessions,
		logger:     logger,
		sendBuffer: sendBuffer,
	}
}

// Register records an accepted websocket for the participant, replacing and
// closing any prior socket, and marks the session's socket channel live.
func (r *Registry) Register(participantID, sessionID string, ws *websocket.Conn) *Conn {
	conn := &Conn{
		ws:            ws,
		participantID: participantID,
		sessionID:     sessionID,
		send:          make(chan []byte, r.sendBuffer),
		done:          make(chan struct{}),
	}

	r.mu.Lock()
	prior := r.conns[participantID]
	r.conns[participantID] = conn
	r.mu.Unlock()

	if prior != nil {
		prior.close(websocket.StatusNormalClosure, "replaced")
	}

	go conn.writeLoop(r.logger)
	r.sessions.MarkChannelActive(sessionID, session.ChannelSocket, true, "")

	r.logger.Info("Fallback socket registered",
		slog.String("participant_id", participantID),
		slog.String("session_id", sessionID),
	)
	return conn
}

// Send marshals the payload and queues it on the participant's socket.
// Returns false when no socket is registered, the socket is closed, or the
// send buffer cannot absorb the frame.
func (r *Registry) Send(participantID string, payload any) bool {
	r.mu.Lock()
	conn := r.conns[participantID]
	r.mu.Unlock()
	if conn == nil {
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("Failed to marshal socket payload",
			slog.String("participant_id", participantID),
			slog.String("error", err.Error()),
		)
		return false
	}

	select {
	case <-conn.done:
		return false
	case conn.send <- data:
		return true
	default:
		r.logger.Warn("Socket send buffer full, dropping frame",
			slog.String("participant_id", participantID),
		)
		return false
	}
}

// CloseConn closes the given connection and deregisters it only if the
// registry still maps the participant to it. A connection that has already
// been replaced is closed without touching the replacement's entry or the
// session's socket liveness bit.
func (r *Registry) CloseConn(conn *Conn, reason string) {
	r.mu.Lock()
	registered := r.conns[conn.participantID] == conn
	if registered {
		delete(r.conns, conn.participantID)
	}
	r.mu.Unlock()

	conn.close(websocket.StatusNormalClosure, reason)
	if !registered {
		return
	}
	r.sessions.MarkChannelActive(conn.sessionID, session.ChannelSocket, false, reason)

	r.logger.Info("Fallback socket closed",
		slog.String("participant_id", conn.participantID),
		slog.String("reason", reason),
	)
}

// Close resolves the participant's current socket and closes it. No-op for
// unknown participants.
func (r *Registry) Close(participantID, reason string) {
	r.mu.Lock()
	conn := r.conns[participantID]
	r.mu.Unlock()
	if conn == nil {
		return
	}
	r.CloseConn(conn, reason)
}

// CloseAll tears down every socket, used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id, reason)
	}
}

// Count returns the number of registered sockets.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
