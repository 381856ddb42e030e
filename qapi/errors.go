package qapi

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotConnected is returned when a command is issued before the
	// handshake has run.
	ErrNotConnected = errors.New("qapi: not connected")

	// ErrClosed is returned for commands issued after Close.
	ErrClosed = errors.New("qapi: connection closed")
)

// FramingError indicates the byte stream could not be split into frames.
// It is always fatal to the connection.
type FramingError struct {
	Cause error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("qapi: framing error: %v", e.Cause)
}

func (e *FramingError) Unwrap() error { return e.Cause }

// ProtocolErrorKind categorizes single-message protocol violations.
type ProtocolErrorKind int

const (
	// Malformed indicates a frame that is not valid JSON. Fatal:
	// correlation state can no longer be trusted.
	Malformed ProtocolErrorKind = iota
	// UnexpectedMessage indicates a message that is illegal in the current
	// state, such as a non-greeting first message. Fatal.
	UnexpectedMessage
	// OutOfOrder indicates a response whose id does not match the oldest
	// in-flight command. Fatal in FIFO correlation mode.
	OutOfOrder
	// TypeMismatch indicates a return value that does not decode as the
	// issuing command's return type. Scoped to that one call.
	TypeMismatch
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed message"
	case UnexpectedMessage:
		return "unexpected message"
	case OutOfOrder:
		return "out-of-order response"
	case TypeMismatch:
		return "return type mismatch"
	default:
		return "protocol error"
	}
}

// ProtocolError indicates a message that violates protocol invariants.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Desc string
}

func (e *ProtocolError) Error() string {
	if e.Desc == "" {
		return "qapi: " + e.Kind.String()
	}
	return fmt.Sprintf("qapi: %s: %s", e.Kind, e.Desc)
}

// RemoteError is a command failure reported by the server. It is scoped to
// the single call that triggered it; the connection stays usable.
type RemoteError struct {
	Class ErrorClass
	Desc  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("qapi: %s: %s", e.Class, e.Desc)
}

// ConnectionError indicates the transport failed or was closed. All
// pending and subsequent calls on the connection fail with it.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("qapi: connection failed: %v", e.Cause)
	}
	return "qapi: connection failed"
}

func (e *ConnectionError) Unwrap() error { return e.Cause }
