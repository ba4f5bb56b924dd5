package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrAlreadyClosed        = errors.New("already closed")
	ErrClosed               = errors.New("session closed")
	ErrNotReady             = errors.New("session not ready")
	ErrQueued               = errors.New("frame queued until ready")
	ErrHandshakeTimeout     = errors.New("handshake timeout")
	ErrHandshakeRejected    = errors.New("handshake rejected")
	ErrHeartbeatLost        = errors.New("heartbeat lost")
	ErrConnectionLost       = errors.New("connection lost")
	ErrSubscribeUnconfirmed = errors.New("subscribe unconfirmed")
)

// Status is the protocol state of a Session.
type Status int

const (
	Disconnected Status = iota
	Handshaking
	Ready
	Degraded
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// FrameType identifies a protocol frame.
type FrameType string

const (
	FrameHandshake      FrameType = "handshake"
	FrameHandshakeAck   FrameType = "handshake_ack"
	FrameHeartbeat      FrameType = "heartbeat"
	FrameHeartbeatAck   FrameType = "heartbeat_ack"
	FrameSubscribe      FrameType = "subscribe"
	FrameUnsubscribe    FrameType = "unsubscribe"
	FrameSubscribeAck   FrameType = "subscribe_ack"
	FrameUnsubscribeAck FrameType = "unsubscribe_ack"
	FrameUpdate         FrameType = "update"
	FrameError          FrameType = "error"
)

// Frame is the envelope of every message on the stream.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      int64           `json:"id,omitempty"`      // Correlates acks with requests
	Session string          `json:"session,omitempty"` // Assigned by handshake_ack
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandshakePayload opens a session.
type HandshakePayload struct {
	Username      string `json:"username"`
	Token         string `json:"token"` // base64 "username:password"
	ClientID      string `json:"client_id"`
	ClientVersion string `json:"client_version"`
}

// HandshakeAckPayload is the server's answer to a handshake.
type HandshakeAckPayload struct {
	Successful bool   `json:"successful"`
	SessionID  string `json:"session_id"`
	Error      string `json:"error,omitempty"`
}

// SymbolPayload is the payload of subscribe/unsubscribe frames and their acks.
type SymbolPayload struct {
	Symbol string `json:"symbol"`
}

// UpdatePayload is a streamed price.
type UpdatePayload struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"ts"` // Unix milliseconds; 0 if the provider omits it
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Update is a parsed price update delivered on Session.Updates().
type Update struct {
	Symbol     string
	Price      float64
	Timestamp  time.Time // Provider timestamp, zero if absent
	ReceivedAt time.Time
	Conn       uint64 // Sequence number of the Ready connection it was read on
}

// EventType identifies a session lifecycle event.
type EventType int

const (
	EventReady EventType = iota
	EventDegraded
	EventConnectionLost
	EventHandshakeFailed
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventDegraded:
		return "degraded"
	case EventConnectionLost:
		return "connection_lost"
	case EventHandshakeFailed:
		return "handshake_failed"
	default:
		return "unknown"
	}
}

// Event reports a session state change to listeners.
type Event struct {
	Type      EventType
	SessionID string
	Conn      uint64 // Connection sequence number, 0 for HandshakeFailed
	Err       error
	At        time.Time
}

// Info is a point-in-time view of a Session.
type Info struct {
	Status              Status
	SessionID           string
	ClientID            string
	LastHeartbeatSentAt time.Time
	LastHeartbeatAckAt  time.Time
	Reconnects          int64
	Queued              int
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., wss://tools.dxfeed.com/webservice/cometd)
	UserAgent    string        // Sent as User-Agent on the upgrade request
	DialTimeout  time.Duration // WebSocket upgrade timeout
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// SessionConfig configures a Session.
type SessionConfig struct {
	URL                 string
	Username            string
	Token               string // base64 "username:password"
	HandshakeTimeout    time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	AckTimeout          time.Duration // Wait for subscribe/unsubscribe acks
	WriteTimeout        time.Duration
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	UpdateBufferSize    int // Updates() channel capacity
	QueueSize           int // Max frames held while not Ready
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HandshakeTimeout:    10 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		MaxMissedHeartbeats: 3,
		AckTimeout:          10 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReconnectBaseDelay:  1 * time.Second,
		ReconnectMaxDelay:   60 * time.Second,
		UpdateBufferSize:    10000,
		QueueSize:           10000,
	}
}
