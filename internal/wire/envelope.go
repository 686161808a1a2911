// Package wire defines the envelope format exchanged with the sync server
// and the typed messages parsed out of it.
package wire

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
)

// Control-plane event names.
const (
	EventConnected         = "connected"
	EventConnectError      = "connect_error"
	EventDisconnect        = "disconnect"
	EventPing              = "ping"
	EventPong              = "pong"
	EventRequestResync     = "request_data_resync"
	EventSyncCheckRequest  = "sync_check_request"
	EventSyncCheckResponse = "sync_check_response"

	joinPrefix  = "join_"
	leavePrefix = "leave_"
)

// Priority is an optional delivery hint carried by an envelope.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Envelope is the named message sent over the persistent connection.
type Envelope struct {
	ID           string          `json:"id,omitempty"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     Priority        `json:"priority,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	Compressed   bool            `json:"compressed,omitempty"`
	OriginalSize int             `json:"originalSize,omitempty"`
}

// NewEnvelope marshals payload and stamps the envelope with an id and timestamp.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	if event == "" {
		return nil, syncerr.Protocol("empty event name", nil)
	}

	env := &Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, syncerr.Protocol("marshal payload", err)
		}
		env.Payload = raw
	}

	return env, nil
}

// Clone returns a copy that does not share the payload buffer.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}

// Encode serializes the envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, syncerr.Protocol("marshal envelope", err)
	}
	return data, nil
}

// Decode parses a wire frame into an envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, syncerr.Protocol("unmarshal envelope", err)
	}
	if env.Event == "" {
		return nil, syncerr.Protocol("envelope without event", nil)
	}
	return &env, nil
}

// JoinEvent returns the subscription event for a scope.
func JoinEvent(scope string) string { return joinPrefix + scope }

// LeaveEvent returns the unsubscription event for a scope.
func LeaveEvent(scope string) string { return leavePrefix + scope }

// ScopeOf extracts the scope from a join_/leave_ event name.
func ScopeOf(event string) (scope string, join bool, ok bool) {
	switch {
	case strings.HasPrefix(event, joinPrefix):
		return strings.TrimPrefix(event, joinPrefix), true, true
	case strings.HasPrefix(event, leavePrefix):
		return strings.TrimPrefix(event, leavePrefix), false, true
	default:
		return "", false, false
	}
}

// IsControl reports whether event belongs to the control plane rather than
// the opaque domain update stream.
func IsControl(event string) bool {
	switch event {
	case EventConnected, EventConnectError, EventDisconnect, EventPing, EventPong,
		EventRequestResync, EventSyncCheckRequest, EventSyncCheckResponse:
		return true
	}
	_, _, ok := ScopeOf(event)
	return ok
}
