package qapi

import (
	"encoding/json"
	"time"
)

// ErrorClass is the QAPI error class enumeration. The set is open: servers
// may report classes unknown to this package, and they are carried through
// verbatim rather than rejected.
type ErrorClass string

const (
	ClassGenericError    ErrorClass = "GenericError"
	ClassCommandNotFound ErrorClass = "CommandNotFound"
	ClassDeviceNotActive ErrorClass = "DeviceNotActive"
	ClassDeviceNotFound  ErrorClass = "DeviceNotFound"
	ClassKVMMissingCap   ErrorClass = "KVMMissingCap"
)

// ServerError is the error object carried in a failure reply.
type ServerError struct {
	Class ErrorClass `json:"class"`
	Desc  string     `json:"desc"`
}

// Timestamp is the event timestamp as reported by the server.
type Timestamp struct {
	Seconds      int64 `json:"seconds"`
	Microseconds int64 `json:"microseconds"`
}

// AsTime converts the timestamp to a time.Time.
func (t Timestamp) AsTime() time.Time {
	return time.Unix(t.Seconds, t.Microseconds*1000)
}

// Event is an unsolicited notification from the server. Events are
// QMP-only; the guest agent never emits them.
type Event struct {
	Name      string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp Timestamp       `json:"timestamp"`
}

// envelope is the outbound command frame. Arguments is omitted when the
// command's argument payload marshals to an empty object, and ID is
// omitted when zero (bare sends during handshake carry no id).
type envelope struct {
	Execute   string          `json:"execute"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	ID        uint64          `json:"id,omitempty"`
}

// serverMessage is the union of everything the server can send. Incoming
// frames are not self-describing, so all fields are decoded and the
// message is classified afterwards by which keys were present.
type serverMessage struct {
	QMP       *json.RawMessage `json:"QMP,omitempty"`
	Event     string           `json:"event,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Timestamp *Timestamp       `json:"timestamp,omitempty"`
	Error     *ServerError     `json:"error,omitempty"`
	Return    *json.RawMessage `json:"return,omitempty"`
	ID        *uint64          `json:"id,omitempty"`
}

type messageKind int

const (
	kindUnknown messageKind = iota
	kindGreeting
	kindResponse
	kindError
	kindEvent
)

// classify discriminates the three wire shapes (plus the greeting) by key
// presence. This is structural: QAPI messages carry no declared tag.
func classify(m *serverMessage) messageKind {
	switch {
	case m.QMP != nil:
		return kindGreeting
	case m.Event != "":
		return kindEvent
	case m.Error != nil:
		return kindError
	case m.Return != nil:
		return kindResponse
	default:
		return kindUnknown
	}
}

func (m *serverMessage) event() Event {
	ev := Event{Name: m.Event, Data: m.Data}
	if m.Timestamp != nil {
		ev.Timestamp = *m.Timestamp
	}
	return ev
}
