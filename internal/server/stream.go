package server

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/shopvoice/voice-relay/internal/event"
	"github.com/shopvoice/voice-relay/internal/push"
)

// handleStreamOpen upgrades GET /?stream=true into a server-sent event
// stream. The handler blocks until the client disconnects or the connection
// is torn down by a replacement, expiry, or shutdown.
func (s *Server) handleStreamOpen(c *gin.Context) {
	shop := c.Query("shop")
	if shop == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shop query parameter is required"})
		return
	}

	sess, resumed := s.sessions.CreateOrResume(c.Query("sessionId"), shop)
	if !resumed && s.metrics != nil {
		s.metrics.RecordSessionCreated()
		s.metrics.SetActiveSessions(s.sessions.Count())
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	// Disable nginx response buffering so events are not held back.
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	conn, ok := s.streams.Open(sess.ID, c.Writer)
	if !ok {
		return
	}

	s.logger.Info("Push-stream opened",
		slog.String("session_id", sess.ID),
		slog.String("shop", shop),
		slog.Bool("resumed", resumed),
	)

	select {
	case <-conn.Done():
	case <-c.Request.Context().Done():
		// Close by identity: a reconnect may already have replaced this
		// conn under the same session id.
		s.streams.CloseConn(conn, push.ReasonClientDisconnect)
	}
}

// handleSocket implements GET /socket, the websocket fallback channel for
// clients whose network path breaks server-sent events.
func (s *Server) handleSocket(c *gin.Context) {
	participantID := c.Query("participantId")
	if participantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participantId query parameter is required"})
		return
	}
	sessionID := c.Query("sessionId")
	sess, ok := s.sessions.Lookup(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("Websocket accept failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	conn := s.sockets.Register(participantID, sess.ID, ws)

	s.logger.Info("Socket channel opened",
		slog.String("session_id", sess.ID),
		slog.String("participant_id", participantID),
	)

	ctx := c.Request.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			break
		}
		msg, err := event.DecodeClientMessage(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case event.ClientPing:
			s.sessions.Touch(sess.ID)
			s.sockets.Send(participantID, event.AckPayload{Type: event.KindAck})
		case event.ClientClose:
			s.sockets.CloseConn(conn, "client_close")
			return
		}
	}

	// Close by identity: a reconnect may already have replaced this conn,
	// and the replacement must survive this handler's exit.
	s.sockets.CloseConn(conn, "client_disconnect")
}
