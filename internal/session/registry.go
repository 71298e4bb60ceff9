package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// Channel identifies one of the two delivery channels a session can hold.
type Channel int

const (
	ChannelStream Channel = iota
	ChannelSocket
)

func (c Channel) String() string {
	if c == ChannelSocket {
		return "socket"
	}
	return "stream"
}

var ErrNotFound = errors.New("session not found")

// Session is one logical conversation between a client and the relay,
// independent of which transport currently carries it.
type Session struct {
	ID            string    `json:"id"`
	Tenant        string    `json:"tenant"`
	ParticipantID string    `json:"participant_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActive    time.Time `json:"last_active"`
	StreamActive  bool      `json:"stream_active"`
	SocketActive  bool      `json:"socket_active"`
	CloseReason   string    `json:"close_reason,omitempty"`
	Validated     bool      `json:"validated"`
}

// Active reports whether either delivery channel is live.
func (s Session) Active() bool {
	return s.StreamActive || s.SocketActive
}

// Registry holds all live sessions. Methods return copies; callers never
// see the stored records, so the mutex is the single writer for all session
// state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger

	created uint64
	expired uint64
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// newSessionID builds `tenant + monotonically increasing timestamp + random
// suffix`. Ids are never reused: the ksuid suffix keeps a recreated session
// distinct even within the same millisecond.
func newSessionID(tenant string, now time.Time) string {
	prefix := tenant
	if i := strings.IndexByte(prefix, '.'); i > 0 {
		prefix = prefix[:i]
	}
	if prefix == "" {
		prefix = "anon"
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), ksuid.New().String())
}

// CreateOrResume returns the session named by candidateID if it exists,
// refreshing its activity; otherwise it allocates a new session for the
// tenant. The second return value reports whether an existing session was
// resumed.
func (r *Registry) CreateOrResume(candidateID, tenant string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if candidateID != "" {
		if existing, ok := r.sessions[candidateID]; ok {
			existing.LastActive = now
			return *existing, true
		}
	}

	sess := &Session{
		ID:         newSessionID(tenant, now),
		Tenant:     tenant,
		CreatedAt:  now,
		LastActive: now,
	}
	r.sessions[sess.ID] = sess
	r.created++

	r.logger.Info("Session created",
		slog.String("session_id", sess.ID),
		slog.String("tenant", tenant),
	)
	return *sess, false
}

// Lookup returns a copy of the session, if present.
func (r *Registry) Lookup(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// FindByParticipant returns the session currently associated with the
// participant, if any.
func (r *Registry) FindByParticipant(participantID string) (Session, bool) {
	if participantID == "" {
		return Session{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if sess.ParticipantID == participantID {
			return *sess, true
		}
	}
	return Session{}, false
}

// Touch refreshes the session's last-active timestamp. Absent sessions are a
// no-op.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.LastActive = time.Now()
	}
}

// SetParticipant binds a participant identity to the session on its first
// fragment.
func (r *Registry) SetParticipant(sessionID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.ParticipantID = participantID
	sess.LastActive = time.Now()
	return nil
}

// SetValidated marks the session's originating request provenance as
// verified (correlation supplied via headers).
func (r *Registry) SetValidated(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.Validated = true
	}
}

// MarkChannelActive sets one of the two liveness flags and refreshes
// activity. Clearing a flag records the close reason for diagnostics.
func (r *Registry) MarkChannelActive(sessionID string, ch Channel, active bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	switch ch {
	case ChannelStream:
		sess.StreamActive = active
	case ChannelSocket:
		sess.SocketActive = active
	}
	sess.LastActive = time.Now()
	if !active && reason != "" {
		sess.CloseReason = reason
	}
}

// ChannelsActive reports the session's liveness bits. Both false for an
// unknown session, which is what the prediction dispatcher's cancellation
// check wants.
func (r *Registry) ChannelsActive(sessionID string) (stream, socket bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return false, false
	}
	return sess.StreamActive, sess.SocketActive
}

// ExpireIfIdle removes the session iff both channels are inactive and it has
// been idle longer than idleTimeout at `now`. Returns the removed session
// and whether it expired.
func (r *Registry) ExpireIfIdle(sessionID string, idleTimeout time.Duration, now time.Time) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	if sess.StreamActive || sess.SocketActive {
		return Session{}, false
	}
	if now.Sub(sess.LastActive) <= idleTimeout {
		return Session{}, false
	}
	delete(r.sessions, sessionID)
	r.expired++
	r.logger.Info("Session expired",
		slog.String("session_id", sessionID),
		slog.Duration("idle", now.Sub(sess.LastActive)),
	)
	return *sess, true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns copies of all live sessions for monitoring endpoints.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	return out
}

// Stats summarizes registry activity for the stats endpoint.
type Stats struct {
	Live    int    `json:"live"`
	Created uint64 `json:"created"`
	Expired uint64 `json:"expired"`
}

// GetStats returns cumulative registry counters.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Live: len(r.sessions), Created: r.created, Expired: r.expired}
}
