package push

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopvoice/voice-relay/internal/event"
	"github.com/shopvoice/voice-relay/internal/metrics"
	"github.com/shopvoice/voice-relay/internal/session"
)

// Close reasons recorded on the session when a connection goes away.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonReplaced         = "replaced"
	ReasonHeartbeatError   = "heartbeat_error"
	ReasonSessionExpired   = "session_expired"
	ReasonShutdown         = "shutdown"
)

// Conn is one open push-stream. The write mutex serializes heartbeats and
// result delivery on the same handle.
type Conn struct {
	sessionID string
	w         http.ResponseWriter
	flusher   http.Flusher

	writeMu sync.Mutex
	closed  bool

	cancelHeartbeat context.CancelFunc
	heartbeatDone   chan struct{}
	// gone is closed when the connection is torn down, releasing the
	// handler goroutine that keeps the response body open.
	gone chan struct{}
}

// Done returns a channel closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.gone
}

// write frames and writes one event, returning false when the handle is no
// longer usable.
func (c *Conn) write(frame []byte) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return false
	}
	if _, err := c.w.Write(frame); err != nil {
		c.closed = true
		return false
	}
	c.flusher.Flush()
	return true
}

func (c *Conn) markClosed() {
	c.writeMu.Lock()
	c.closed = true
	c.writeMu.Unlock()
}

// Registry owns all push-stream connections. All map mutation goes through
// the registry mutex; session liveness bits are maintained through the
// session registry.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*Conn
	sessions *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	heartbeatInterval time.Duration
}

// NewRegistry creates a connection registry. m may be nil in tests.
func NewRegistry(sessions *session.Registry, logger *slog.Logger, m *metrics.Metrics, heartbeatInterval time.Duration) *Registry {
	return &Registry{
		conns:             make(map[string]*Conn),
		sessions:          sessions,
		logger:            logger,
		metrics:           m,
		heartbeatInterval: heartbeatInterval,
	}
}

// Open registers a push-stream for the session, replacing and closing any
// prior connection, and emits the open and ready events before starting the
// heartbeat timer. The caller must have written the streaming response
// headers already.
func (r *Registry) Open(sessionID string, w http.ResponseWriter) (*Conn, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		r.logger.Error("Push-stream handle does not support flushing",
			slog.String("session_id", sessionID),
		)
		return nil, false
	}

	conn := &Conn{
		sessionID:     sessionID,
		w:             w,
		flusher:       flusher,
		heartbeatDone: make(chan struct{}),
		gone:          make(chan struct{}),
	}

	r.mu.Lock()
	prior := r.conns[sessionID]
	r.conns[sessionID] = conn
	r.mu.Unlock()

	if prior != nil {
		r.teardown(prior)
	}

	openFrame, err := event.Frame(event.KindOpen, event.NewOpenPayload(sessionID, time.Now()))
	if err == nil {
		conn.write(openFrame)
	}
	readyFrame := event.FrameRaw(event.KindReady, []byte(`{}`))
	conn.write(readyFrame)

	r.sessions.MarkChannelActive(sessionID, session.ChannelStream, true, "")
	r.updateGauge()

	hbCtx, cancel := context.WithCancel(context.Background())
	conn.cancelHeartbeat = cancel
	go r.heartbeatLoop(hbCtx, conn)

	r.logger.Info("Push-stream opened",
		slog.String("session_id", sessionID),
		slog.Bool("replaced_prior", prior != nil),
	)
	return conn, true
}

// heartbeatLoop periodically writes a keepalive event until the handle stops
// accepting writes or the connection is closed.
func (r *Registry) heartbeatLoop(ctx context.Context, conn *Conn) {
	defer close(conn.heartbeatDone)

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := event.Frame(event.KindHeartbeat, event.NewHeartbeatPayload(conn.sessionID, time.Now()))
			if err != nil {
				continue
			}
			ok := conn.write(frame)
			if r.metrics != nil {
				r.metrics.RecordHeartbeat(!ok)
			}
			if !ok {
				// CloseConn waits for this loop to exit; run it outside.
				go r.CloseConn(conn, ReasonHeartbeatError)
				return
			}
			r.sessions.Touch(conn.sessionID)
		}
	}
}

// Send writes a framed event to the session's push-stream. It returns false
// without error when no connection exists or the handle is closed, ended,
// or failing; the caller falls back to the alternate channel.
func (r *Registry) Send(sessionID, kind string, payload any) bool {
	r.mu.Lock()
	conn := r.conns[sessionID]
	r.mu.Unlock()
	if conn == nil {
		return false
	}

	frame, err := event.Frame(kind, payload)
	if err != nil {
		r.logger.Error("Failed to frame push event",
			slog.String("session_id", sessionID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return false
	}

	if !conn.write(frame) {
		r.CloseConn(conn, "write_error")
		return false
	}
	return true
}

// CloseConn cancels the connection's heartbeat timer and closes it,
// deregistering it only if the registry still maps the session to it. A
// connection that Open has already replaced is torn down without touching
// the replacement's entry or the session's stream liveness bit. Safe to
// call twice.
func (r *Registry) CloseConn(conn *Conn, reason string) {
	r.mu.Lock()
	registered := r.conns[conn.sessionID] == conn
	if registered {
		delete(r.conns, conn.sessionID)
	}
	r.mu.Unlock()

	r.teardown(conn)
	if !registered {
		return
	}
	r.sessions.MarkChannelActive(conn.sessionID, session.ChannelStream, false, reason)
	r.updateGauge()

	r.logger.Info("Push-stream closed",
		slog.String("session_id", conn.sessionID),
		slog.String("reason", reason),
	)
}

// Close resolves the session's current connection and closes it. Safe to
// call for absent sessions.
func (r *Registry) Close(sessionID, reason string) {
	r.mu.Lock()
	conn := r.conns[sessionID]
	r.mu.Unlock()
	if conn == nil {
		return
	}
	r.CloseConn(conn, reason)
}

// teardown stops a connection that is already out of the map.
func (r *Registry) teardown(conn *Conn) {
	conn.markClosed()
	if conn.cancelHeartbeat != nil {
		conn.cancelHeartbeat()
		<-conn.heartbeatDone
	}
	select {
	case <-conn.gone:
	default:
		close(conn.gone)
	}
}

// CloseAll tears down every connection, used on shutdown.
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

// Count returns the number of open push-streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) updateGauge() {
	if r.metrics != nil {
		r.metrics.SetActiveStreamConns(r.Count())
	}
}
