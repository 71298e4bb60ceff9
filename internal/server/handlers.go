package server

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/shopvoice/voice-relay/internal/audio"
	"github.com/shopvoice/voice-relay/internal/event"
	"github.com/shopvoice/voice-relay/internal/prediction"
)

// Correlation headers. When present they take precedence over body fields.
const (
	HeaderSessionID = "X-Session-Id"
	HeaderRequestID = "X-Request-Id"
)

// handleHealth implements GET /health. Missing external configuration is a
// 503: the relay still answers requests in degraded mode, but operators
// should know the prediction service cannot be reached.
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{
		"api_token":     s.config.Prediction.APIToken != "",
		"model_version": s.config.Prediction.ModelVersion != "",
	}

	status := http.StatusOK
	statusText := "ok"
	if !s.config.Prediction.HasCredentials() {
		status = http.StatusServiceUnavailable
		statusText = "degraded"
	}

	c.JSON(status, gin.H{
		"status": statusText,
		"uptime": time.Since(s.startTime).String(),
		"connections": gin.H{
			"stream":   s.streams.Count(),
			"sessions": s.sessions.Count(),
		},
		"checks": checks,
	})
}

// handleStats implements GET /stats for monitoring.
func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{
		"sessions": s.sessions.GetStats(),
		"buffers":  s.buffers.GetStats(),
		"connections": gin.H{
			"stream": s.streams.Count(),
			"socket": s.sockets.Count(),
		},
		"uptime": time.Since(s.startTime).String(),
	}
	if s.predStats != nil {
		stats["prediction"] = s.predStats()
	}
	c.JSON(http.StatusOK, stats)
}

// handleRoot implements GET /: with stream=true it opens a push-stream,
// anything else falls through to the 404 diagnostics.
func (s *Server) handleRoot(c *gin.Context) {
	if c.Query("stream") == "true" {
		s.handleStreamOpen(c)
		return
	}
	s.handleNotFound(c)
}

// handleFragment implements POST /: fragment intake. Below the flush
// threshold it acknowledges buffering; at the threshold it assembles the
// buffer and hands the audio to the prediction dispatcher.
func (s *Server) handleFragment(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	req, err := event.DecodeFragment(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Headers win over body fields for correlation.
	sessionID := req.SessionID
	validated := false
	if h := c.GetHeader(HeaderSessionID); h != "" {
		sessionID = h
		validated = true
	}
	requestID := req.RequestID
	if h := c.GetHeader(HeaderRequestID); h != "" {
		requestID = h
	}
	if requestID == "" {
		requestID = ksuid.New().String()
	}

	payload, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio is not valid base64"})
		return
	}
	if len(payload) > s.config.Audio.MaxFragmentBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio fragment too large"})
		return
	}

	sess, resumed := s.sessions.CreateOrResume(sessionID, req.ShopDomain)
	if !resumed && s.metrics != nil {
		s.metrics.RecordSessionCreated()
		s.metrics.SetActiveSessions(s.sessions.Count())
	}
	if validated {
		s.sessions.SetValidated(sess.ID)
	}

	participantID := sess.ParticipantID
	if participantID == "" {
		participantID = uuid.New().String()
		if err := s.sessions.SetParticipant(sess.ID, participantID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session vanished"})
			return
		}
	} else {
		s.sessions.Touch(sess.ID)
	}

	s.buffers.Append(participantID, audio.Fragment{
		Payload:  payload,
		Sequence: req.ChunkNumber,
		Arrival:  time.Now(),
	})
	if s.metrics != nil {
		s.metrics.RecordFragmentReceived()
	}

	threshold := s.config.Audio.FlushThreshold
	flushed := s.buffers.FlushIfThreshold(participantID, threshold)
	if flushed == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":         "received",
			"chunksReceived": s.buffers.Len(participantID),
			"chunksNeeded":   threshold,
		})
		return
	}

	assembled := audio.Assemble(flushed)
	if s.metrics != nil {
		s.metrics.RecordBufferFlush(len(assembled))
	}

	s.logger.Info("Audio buffer flushed, dispatching prediction",
		slog.String("session_id", sess.ID),
		slog.String("participant_id", participantID),
		slog.String("request_id", requestID),
		slog.Int("fragments", len(flushed)),
		slog.Int("assembled_bytes", len(assembled)),
	)

	job := prediction.Job{
		ParticipantID: participantID,
		SessionID:     sess.ID,
		RequestID:     requestID,
		ShopDomain:    req.ShopDomain,
		Audio:         assembled,
	}
	go s.dispatcher.Dispatch(context.Background(), job)

	c.JSON(http.StatusAccepted, gin.H{
		"status":        "processing",
		"requestId":     requestID,
		"participantId": participantID,
		"sessionId":     sess.ID,
	})
}

// handleNotFound reports both the original and the normalized path so proxy
// misconfiguration shows up in the response.
func (s *Server) handleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":          "not found",
		"path":           originalPath(c),
		"normalizedPath": c.Request.URL.Path,
	})
}
