package exchange

import (
	"context"
	"net/http"
	"time"
)

// FeedName identifies a depth feed implementation
type FeedName string

const (
	DhanTwentyDepth FeedName = "dhan-20depth"
)

// Feed defines the interface a depth feed session implements
type Feed interface {
	// GetName returns the feed name
	GetName() FeedName

	// Run connects, subscribes and streams until ctx is cancelled, reconnecting on failure
	Run(ctx context.Context) error

	// State returns the current session state
	State() SessionState

	// Health returns connection health information
	Health() HealthStatus
}

// Instrument names one subscribed security. Both fields are sent as strings.
type Instrument struct {
	ExchangeSegment string `json:"ExchangeSegment" yaml:"exchange_segment"`
	SecurityID      string `json:"SecurityId" yaml:"security_id"`
}

// SessionState is the feed session lifecycle position
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateSubscribed
	StateStreaming
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// StateTransition records one lifecycle change
type StateTransition struct {
	From   SessionState `json:"from"`
	To     SessionState `json:"to"`
	At     time.Time    `json:"at"`
	Reason string       `json:"reason,omitempty"`
}

// HealthStatus represents connection health information
type HealthStatus struct {
	State         SessionState      `json:"-"`
	StateName     string            `json:"state"`
	Connected     bool              `json:"connected"`
	ConnID        string            `json:"connId,omitempty"`
	LastMessage   time.Time         `json:"lastMessage"`
	MessageCount  int64             `json:"messageCount"`
	DroppedFrames int64             `json:"droppedFrames"`
	ErrorCount    int64             `json:"errorCount"`
	Reconnects    int64             `json:"reconnects"`
	ReconnectTime *time.Time        `json:"reconnectTime,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
	Transitions   []StateTransition `json:"transitions,omitempty"`
}

// Conn is the subset of *websocket.Conn the session drives
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	Close() error
}

// Dialer opens streaming connections
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (Conn, *http.Response, error)
}
