package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Stream event kinds emitted on the push-stream, in the order a client
// observes them: open, ready, then heartbeats interleaved with results.
const (
	KindOpen      = "open"
	KindReady     = "ready"
	KindHeartbeat = "heartbeat"
	KindResult    = "result"
	KindError     = "error"

	// Socket-only kind acknowledging a client ping.
	KindAck = "ack"
)

// Client message kinds accepted on the fallback socket.
const (
	ClientPing  = "ping"
	ClientClose = "close"
)

// ErrUnknownKind reports a client message whose type is outside the closed
// set. It is a decode error, not a no-op.
type ErrUnknownKind struct {
	Kind string
}

func (e *ErrUnknownKind) Error() string {
	return fmt.Sprintf("unknown message kind %q", e.Kind)
}

// Validation errors surfaced as 400 to the HTTP caller.
var (
	ErrInvalidBody       = fmt.Errorf("request body is not valid JSON")
	ErrMissingAudio      = fmt.Errorf("missing required field: audio")
	ErrMissingShopDomain = fmt.Errorf("missing required field: shopDomain")
)

// FragmentRequest is the decoded body of a fragment POST. ChunkNumber is a
// pointer because absence and zero are distinct: fragments without a
// sequence number sort after all numbered fragments.
type FragmentRequest struct {
	Audio       string `json:"audio"`
	ShopDomain  string `json:"shopDomain"`
	SessionID   string `json:"sessionId,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	ChunkNumber *int   `json:"chunkNumber,omitempty"`
}

// DecodeFragment parses and validates an inbound fragment body.
func DecodeFragment(body []byte) (*FragmentRequest, error) {
	var req FragmentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, ErrInvalidBody
	}
	if req.Audio == "" {
		return nil, ErrMissingAudio
	}
	if req.ShopDomain == "" {
		return nil, ErrMissingShopDomain
	}
	return &req, nil
}

// ClientMessage is a message received from a fallback-socket client.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// DecodeClientMessage parses a socket text frame into the closed set of
// client message kinds.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrInvalidBody
	}
	switch msg.Type {
	case ClientPing, ClientClose:
		return &msg, nil
	default:
		return nil, &ErrUnknownKind{Kind: msg.Type}
	}
}

// ResultEnvelope is the structured payload delivered to a participant. It
// mirrors the prediction backend's output contract: message text plus an
// optional storefront action.
type ResultEnvelope struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Query   string `json:"query,omitempty"`
	Handle  string `json:"handle,omitempty"`
}

// Delivery is a result or error envelope annotated with the correlation
// fields every delivered payload carries.
type Delivery struct {
	ResultEnvelope
	RequestID string `json:"requestId"`
	Type      string `json:"type"`
}

// OpenPayload announces the session id bound to a newly opened push-stream.
type OpenPayload struct {
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

// HeartbeatPayload is the periodic keepalive body.
type HeartbeatPayload struct {
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

// AckPayload acknowledges a client ping on the fallback socket. Type is
// always KindAck.
type AckPayload struct {
	Type string `json:"type"`
}

// NewOpenPayload stamps an open event for the given session.
func NewOpenPayload(sessionID string, now time.Time) OpenPayload {
	return OpenPayload{SessionID: sessionID, Timestamp: now.UTC().Format(time.RFC3339)}
}

// NewHeartbeatPayload stamps a heartbeat event for the given session.
func NewHeartbeatPayload(sessionID string, now time.Time) HeartbeatPayload {
	return HeartbeatPayload{Timestamp: now.UTC().Format(time.RFC3339), SessionID: sessionID}
}

// Frame encodes a payload as a push-stream frame:
//
//	event: <name>\n
//	data: <json>\n
//	\n
//
// The JSON is always a single line; payloads that marshal with embedded
// newlines are collapsed so the data field stays one line.
func Frame(kind string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return frameData(kind, data), nil
}

// FrameRaw frames a pre-serialized JSON payload, collapsing any embedded
// newlines before framing.
func FrameRaw(kind string, data []byte) []byte {
	return frameData(kind, data)
}

func frameData(kind string, data []byte) []byte {
	if bytes.ContainsRune(data, '\n') {
		data = bytes.ReplaceAll(data, []byte("\r\n"), []byte(" "))
		data = bytes.ReplaceAll(data, []byte("\n"), []byte(" "))
	}
	var buf bytes.Buffer
	buf.Grow(len(kind) + len(data) + 16)
	buf.WriteString("event: ")
	buf.WriteString(kind)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
