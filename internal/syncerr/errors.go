// Package syncerr defines the failure taxonomy shared by the sync transport.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and escalation decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindCredential
	KindProtocol
	KindIntegrity
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindCredential:
		return "credential"
	case KindProtocol:
		return "protocol"
	case KindIntegrity:
		return "integrity"
	case KindCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = errors.New("not connected")
	ErrGivenUp      = errors.New("connection manager gave up")
	ErrServerClosed = errors.New("connection closed by server")
	ErrNoBaseline   = errors.New("no cached baseline for incremental update")
	ErrNoUsableLink = errors.New("no usable pooled connection")
	ErrStaleAttempt = errors.New("connection attempt superseded")
)

// ConnectionError is a transient transport failure. It is retried with backoff.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connection %s: %v", e.Op, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// CredentialError means the handshake was rejected as unauthenticated or expired.
type CredentialError struct {
	Code string
	Err  error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential rejected (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("credential rejected (%s)", e.Code)
}
func (e *CredentialError) Unwrap() error { return e.Err }

// ProtocolError is a malformed, oversized or unsafe payload. Never retried.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}
func (e *ProtocolError) Unwrap() error { return e.Err }

// IntegrityError reports checksum drift for a topic.
type IntegrityError struct {
	Topic  string
	Local  string
	Remote string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: local=%s remote=%s", e.Topic, e.Local, e.Remote)
}

// CapacityError reports an offline queue eviction.
type CapacityError struct {
	Capacity int
	Dropped  string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("offline queue full (capacity %d), dropped %s", e.Capacity, e.Dropped)
}

// Protocol wraps err as a ProtocolError.
func Protocol(reason string, err error) error {
	return &ProtocolError{Reason: reason, Err: err}
}

// Connection wraps err as a ConnectionError.
func Connection(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}

// Classify maps err onto the failure taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		credErr  *CredentialError
		protoErr *ProtocolError
		intErr   *IntegrityError
		capErr   *CapacityError
		connErr  *ConnectionError
	)
	switch {
	case errors.As(err, &credErr):
		return KindCredential
	case errors.As(err, &protoErr):
		return KindProtocol
	case errors.As(err, &intErr):
		return KindIntegrity
	case errors.As(err, &capErr):
		return KindCapacity
	case errors.As(err, &connErr),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrServerClosed),
		errors.Is(err, ErrNoUsableLink),
		errors.Is(err, context.DeadlineExceeded):
		return KindConnection
	default:
		return KindUnknown
	}
}

// Retryable reports whether a failure of this kind may be retried.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindProtocol, KindCredential:
		return false
	default:
		return !errors.Is(err, ErrServerClosed)
	}
}
