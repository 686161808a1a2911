package wire

import (
	"github.com/goccy/go-json"

	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
)

// Update modes.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// Delta actions.
const (
	ActionAdd     = "add"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionReorder = "reorder"
)

// Credential rejection codes carried by connect_error.
const (
	CodeUnauthorized = "unauthorized"
	CodeExpired      = "expired"
)

// ConnectedPayload acknowledges a successful handshake.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	ServerTime   int64  `json:"serverTime,omitempty"`
}

// ConnectErrorPayload explains a rejected handshake.
type ConnectErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// DisconnectPayload is sent by the server before it closes the connection.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// PingPayload is a heartbeat probe; the server echoes it back as a pong.
type PingPayload struct {
	Seq    uint64 `json:"seq"`
	SentAt int64  `json:"sentAt"`
}

// SyncCheckRequest asks the server to compare a topic checksum.
type SyncCheckRequest struct {
	RequestID string `json:"requestId"`
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	Scope     string `json:"scope,omitempty"`
	Checksum  string `json:"checksum"`
}

// SyncCheckResult is the server's verdict for one topic.
type SyncCheckResult struct {
	RequestID      string `json:"requestId"`
	Topic          string `json:"topic"`
	LocalChecksum  string `json:"localChecksum"`
	ServerChecksum string `json:"serverChecksum"`
	Matched        bool   `json:"matched"`
}

// ResyncRequest asks the server for a full snapshot of a topic.
type ResyncRequest struct {
	Type  string `json:"type"`
	Scope string `json:"scope,omitempty"`
}

// DeltaChange is one step of an incremental update.
type DeltaChange struct {
	Action   string         `json:"action"`
	ItemID   string         `json:"itemId,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Position *int           `json:"position,omitempty"`
	From     *int           `json:"from,omitempty"`
	To       *int           `json:"to,omitempty"`
}

// UpdatePayload carries a domain state update.
type UpdatePayload struct {
	Type     string          `json:"type"`
	Scope    string          `json:"scope,omitempty"`
	Mode     string          `json:"mode"`
	Data     json.RawMessage `json:"data,omitempty"`
	Changes  []DeltaChange   `json:"changes,omitempty"`
	Checksum string          `json:"checksum,omitempty"`
}

// Message is a parsed inbound envelope. The set of implementations is closed.
type Message interface {
	message()
}

// Connected reports a successful handshake.
type Connected struct{ ConnectedPayload }

// ConnectRejected reports a handshake refused for credential reasons.
type ConnectRejected struct{ ConnectErrorPayload }

// ServerDisconnect means the server is closing the connection on purpose.
type ServerDisconnect struct{ DisconnectPayload }

// Pong answers a heartbeat probe.
type Pong struct{ PingPayload }

// SyncCheck carries a sync_check_response.
type SyncCheck struct{ SyncCheckResult }

// Update is a domain state update on any non-control event.
type Update struct {
	Event string
	ID    string
	UpdatePayload
}

// Ignored is a control event the client does not act on.
type Ignored struct{ Event string }

func (Connected) message()        {}
func (ConnectRejected) message()  {}
func (ServerDisconnect) message() {}
func (Pong) message()             {}
func (SyncCheck) message()        {}
func (Update) message()           {}
func (Ignored) message()          {}

// Parse turns an already-decompressed envelope into a typed message.
func Parse(env *Envelope) (Message, error) {
	switch env.Event {
	case EventConnected:
		var m Connected
		if err := unmarshalPayload(env, &m.ConnectedPayload); err != nil {
			return nil, err
		}
		return m, nil

	case EventConnectError:
		var m ConnectRejected
		if err := unmarshalPayload(env, &m.ConnectErrorPayload); err != nil {
			return nil, err
		}
		if m.Code == "" {
			m.Code = CodeUnauthorized
		}
		return m, nil

	case EventDisconnect:
		var m ServerDisconnect
		if err := unmarshalPayload(env, &m.DisconnectPayload); err != nil {
			return nil, err
		}
		return m, nil

	case EventPong:
		var m Pong
		if err := unmarshalPayload(env, &m.PingPayload); err != nil {
			return nil, err
		}
		return m, nil

	case EventSyncCheckResponse:
		var m SyncCheck
		if err := unmarshalPayload(env, &m.SyncCheckResult); err != nil {
			return nil, err
		}
		return m, nil
	}

	if IsControl(env.Event) {
		return Ignored{Event: env.Event}, nil
	}

	m := Update{Event: env.Event, ID: env.ID}
	if err := unmarshalPayload(env, &m.UpdatePayload); err != nil {
		return nil, err
	}
	if m.Type == "" {
		m.Type = env.Event
	}
	switch m.Mode {
	case "":
		m.Mode = ModeFull
	case ModeFull, ModeIncremental:
	default:
		return nil, syncerr.Protocol("unknown update mode "+m.Mode, nil)
	}
	return m, nil
}

func unmarshalPayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if env.Compressed {
		return syncerr.Protocol("parse of compressed payload", nil)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return syncerr.Protocol("unmarshal "+env.Event+" payload", err)
	}
	return nil
}
