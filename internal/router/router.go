package router

import (
	"log/slog"

	"github.com/shopvoice/voice-relay/internal/event"
	"github.com/shopvoice/voice-relay/internal/metrics"
	"github.com/shopvoice/voice-relay/internal/session"
)

// StreamChannel is the push-stream side of delivery, keyed by session id.
type StreamChannel interface {
	Send(sessionID, kind string, payload any) bool
}

// SocketChannel is the fallback side of delivery, keyed by participant id.
type SocketChannel interface {
	Send(participantID string, payload any) bool
}

// Router resolves a participant to a session and walks the channel
// preference order. Success and failure payloads travel the same path with
// distinct event kinds, so clients tell them apart structurally.
type Router struct {
	sessions *session.Registry
	stream   StreamChannel
	socket   SocketChannel
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRouter wires the delivery channels. m may be nil in tests.
func NewRouter(sessions *session.Registry, stream StreamChannel, socket SocketChannel, logger *slog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		sessions: sessions,
		stream:   stream,
		socket:   socket,
		logger:   logger,
		metrics:  m,
	}
}

// Deliver routes the envelope to the participant. isError selects the error
// event kind. Returns whether any channel accepted the payload.
func (r *Router) Deliver(participantID string, env event.ResultEnvelope, requestID string, isError bool) bool {
	kind := event.KindResult
	if isError {
		kind = event.KindError
	}

	payload := event.Delivery{
		ResultEnvelope: env,
		RequestID:      requestID,
		Type:           kind,
	}

	sess, ok := r.sessions.FindByParticipant(participantID)
	if ok && sess.StreamActive {
		if r.stream.Send(sess.ID, kind, payload) {
			r.sessions.Touch(sess.ID)
			if r.metrics != nil {
				r.metrics.RecordResultDelivered(session.ChannelStream.String(), kind)
			}
			return true
		}
		// The stream reported closed; it is not attempted again for this
		// delivery.
	}

	if r.socket.Send(participantID, payload) {
		if ok {
			r.sessions.Touch(sess.ID)
		}
		if r.metrics != nil {
			r.metrics.RecordResultDelivered(session.ChannelSocket.String(), kind)
		}
		return true
	}

	r.logger.Warn("Result undeliverable, participant gone",
		slog.String("participant_id", participantID),
		slog.String("request_id", requestID),
		slog.String("kind", kind),
	)
	if r.metrics != nil {
		r.metrics.RecordResultUndelivered()
	}
	return false
}
