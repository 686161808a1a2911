package realtime

import (
	"time"

	"github.com/dgnsrekt/karaoke-sync/internal/connection"
	"github.com/dgnsrekt/karaoke-sync/internal/merge"
)

// Lifecycle event names. Topic updates are emitted under the event name the
// server used, e.g. "queue_updated".
const (
	EventStateChanged       = "state_changed"
	EventConnected          = "connected"
	EventDisconnected       = "disconnected"
	EventReconnecting       = "reconnecting"
	EventGaveUp             = "gave_up"
	EventCredentialRejected = "credential_rejected"
	EventServerClosed       = "server_closed"
	EventPoolSwitched       = "pool_switched"
	EventFallbackEnabled    = "fallback_enabled"
	EventFallbackDisabled   = "fallback_disabled"
	EventIntegrityMismatch  = "integrity_mismatch"
	EventError              = "error"
)

// StateChanged reports a connection manager transition.
type StateChanged struct {
	State connection.State
}

// Connected reports a usable link.
type Connected struct {
	LinkID     string
	Generation uint64
}

// Disconnected reports that the active link went away. Err is nil for a
// local disconnect.
type Disconnected struct {
	Generation uint64
	Err        error
}

// Reconnecting reports a scheduled reconnect.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// GaveUp reports that reconnecting stopped after the attempt budget.
type GaveUp struct {
	Err error
}

// CredentialRejected asks the application for a new credential.
type CredentialRejected struct {
	Err error
}

// ServerClosed reports a deliberate close by the server. The client stays
// down until ResetConnection.
type ServerClosed struct {
	Err error
}

// PoolSwitched reports that the active pooled link changed.
type PoolSwitched struct {
	From uint64
	To   uint64
}

// FallbackEnabled reports that real-time delivery is suspended.
type FallbackEnabled struct {
	Reason error
	Queued int
}

// FallbackDisabled reports that real-time delivery resumed and the offline
// queue was drained.
type FallbackDisabled struct {
	Delivered int
	Dropped   int
}

// IntegrityMismatch reports a drifted topic that is being resynced.
type IntegrityMismatch struct {
	Topic          merge.TopicKey
	LocalChecksum  string
	ServerChecksum string
}

// Error reports a failure that was handled internally.
type Error struct {
	Op  string
	Err error
}

// TopicUpdate carries the merged state of a topic after a full snapshot or
// an incremental update.
type TopicUpdate struct {
	Event    string
	Key      merge.TopicKey
	Mode     string
	Items    []merge.Item
	Object   map[string]any
	Checksum string
}

// Value returns the snapshot in its natural shape.
func (u TopicUpdate) Value() any {
	if u.Object != nil {
		return u.Object
	}
	return u.Items
}

func (StateChanged) Name() string       { return EventStateChanged }
func (Connected) Name() string          { return EventConnected }
func (Disconnected) Name() string       { return EventDisconnected }
func (Reconnecting) Name() string       { return EventReconnecting }
func (GaveUp) Name() string             { return EventGaveUp }
func (CredentialRejected) Name() string { return EventCredentialRejected }
func (ServerClosed) Name() string       { return EventServerClosed }
func (PoolSwitched) Name() string       { return EventPoolSwitched }
func (FallbackEnabled) Name() string    { return EventFallbackEnabled }
func (FallbackDisabled) Name() string   { return EventFallbackDisabled }
func (IntegrityMismatch) Name() string  { return EventIntegrityMismatch }
func (Error) Name() string              { return EventError }
func (u TopicUpdate) Name() string      { return u.Event }
