package audio

import (
	"sort"
	"sync"
	"time"
)

// Fragment is one unit of audio payload. Sequence is a pointer because
// absence and zero are distinct: fragments without a sequence number sort
// after all numbered fragments, preserving arrival order among themselves.
type Fragment struct {
	Payload  []byte
	Sequence *int
	Arrival  time.Time
}

// Manager owns the per-participant fragment buffers. Buffers are keyed by
// participant id and live independently of session lifetime: a participant
// may outlive a single session resumption. All map mutation goes through the
// manager's mutex.
type Manager struct {
	mu      sync.Mutex
	buffers map[string][]Fragment

	fragments uint64
	flushes   uint64
}

// NewManager creates an empty buffer manager.
func NewManager() *Manager {
	return &Manager{
		buffers: make(map[string][]Fragment),
	}
}

// Append adds a fragment to the participant's buffer, creating the buffer if
// absent.
func (m *Manager) Append(participantID string, frag Fragment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[participantID] = append(m.buffers[participantID], frag)
	m.fragments++
}

// Len returns the number of buffered fragments for the participant.
func (m *Manager) Len(participantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers[participantID])
}

// FlushIfThreshold atomically swaps in an empty buffer and returns the
// previous contents in ascending sequence order once the buffer holds at
// least threshold fragments. Below the threshold it returns nil. No fragment
// is ever both flushed and still visible in the buffer.
func (m *Manager) FlushIfThreshold(participantID string, threshold int) []Fragment {
	m.mu.Lock()
	frags := m.buffers[participantID]
	if threshold <= 0 || len(frags) < threshold {
		m.mu.Unlock()
		return nil
	}
	delete(m.buffers, participantID)
	m.flushes++
	m.mu.Unlock()

	sortFragments(frags)
	return frags
}

// Clear drops the participant's buffer. Used on session teardown.
func (m *Manager) Clear(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, participantID)
}

// sortFragments orders numbered fragments ascending by sequence; fragments
// missing a sequence number sort after all numbered ones in arrival order.
// Malformed input is tolerated rather than rejected.
func sortFragments(frags []Fragment) {
	sort.SliceStable(frags, func(i, j int) bool {
		a, b := frags[i].Sequence, frags[j].Sequence
		switch {
		case a != nil && b != nil:
			return *a < *b
		case a != nil:
			return true
		default:
			return false
		}
	})
}

// Assemble concatenates fragment payloads byte-exactly in the given order.
func Assemble(frags []Fragment) []byte {
	total := 0
	for _, f := range frags {
		total += len(f.Payload)
	}
	out := make([]byte, 0, total)
	for _, f := range frags {
		out = append(out, f.Payload...)
	}
	return out
}

// Stats summarizes buffer activity for the stats endpoint.
type Stats struct {
	ActiveBuffers  int    `json:"active_buffers"`
	TotalFragments uint64 `json:"total_fragments"`
	TotalFlushes   uint64 `json:"total_flushes"`
}

// GetStats returns cumulative buffer counters.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveBuffers:  len(m.buffers),
		TotalFragments: m.fragments,
		TotalFlushes:   m.flushes,
	}
}
