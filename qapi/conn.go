package qapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// State is the connection lifecycle. It is owned by the handshake
// sequence of the protocol facade; commands are only accepted while
// negotiation is under way or the connection is Ready.
type State int32

const (
	// StateAwaitingGreeting is the QMP initial state: nothing may be sent
	// until the server's greeting has been consumed.
	StateAwaitingGreeting State = iota
	// StateNegotiating covers the qmp_capabilities exchange.
	StateNegotiating
	// StateAwaitingSync is the QGA initial state: the guest-sync resync
	// loop has not completed yet.
	StateAwaitingSync
	// StateReady accepts arbitrary commands.
	StateReady
	// StateClosed is reached by an explicit Close.
	StateClosed
	// StateFailed is reached when the transport or protocol breaks.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingGreeting:
		return "awaiting-greeting"
	case StateNegotiating:
		return "negotiating"
	case StateAwaitingSync:
		return "awaiting-sync"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type options struct {
	logger   zerolog.Logger
	mode     CorrelationMode
	maxFrame int
}

// Option configures a Conn.
type Option func(*options)

// WithLogger attaches a log sink. Wire traffic is traced at trace level.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCorrelationMode overrides the default FIFO response correlation.
func WithCorrelationMode(m CorrelationMode) Option {
	return func(o *options) { o.mode = m }
}

// WithMaxFrameSize bounds the size of a single incoming frame.
func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrame = n }
}

// Conn is one protocol connection over an abstract duplex byte stream. It
// owns the single read path, the serialized write path, the correlation
// table, and the connection state. The qmp and qga packages wrap it with
// their respective handshakes; Conn itself never dials.
type Conn struct {
	log     zerolog.Logger
	rwc     io.ReadWriteCloser
	framer  *Framer
	pending *pendingTable

	// wmu serializes "allocate id, encode, write" so frames never
	// interleave on the wire and id order matches wire order.
	wmu    sync.Mutex
	nextID uint64

	stateMu sync.Mutex
	state   State
	cause   error

	onEvent func(Event)

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an established transport. initial is the protocol's
// handshake entry state. The read loop is not running yet; the facade
// performs its handshake reads via ReadFrame and then calls Start.
func NewConn(rwc io.ReadWriteCloser, initial State, opts ...Option) *Conn {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Conn{
		log:     o.logger,
		rwc:     rwc,
		framer:  NewFramer(rwc, o.maxFrame),
		pending: newPendingTable(o.mode),
		state:   initial,
		done:    make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// SetState advances the connection state. Only the protocol facade's
// handshake sequence calls this; Closed and Failed are reached through
// Close and Abort instead.
func (c *Conn) SetState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateClosed || c.state == StateFailed {
		return
	}
	c.state = s
}

// InFlight reports the number of commands awaiting a response.
func (c *Conn) InFlight() int { return c.pending.depth() }

// Done is closed when the connection terminates, cleanly or not.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ReadFrame reads one frame directly from the stream. It is only legal
// before Start, while the facade drives its handshake; afterwards the
// read loop owns the stream.
func (c *Conn) ReadFrame() ([]byte, error) {
	frame, err := c.framer.Next()
	if err != nil {
		return nil, err
	}
	c.log.Trace().Str("frame", string(frame)).Msg("recv")
	return frame, nil
}

// Send encodes and writes cmd without registering a waiter and without an
// id. It serves the handshake paths that read replies via ReadFrame, and
// agent commands whose schema defines no response.
func (c *Conn) Send(cmd Command) error {
	frame, err := encodeEnvelope(cmd, 0)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.write(frame)
}

// write puts one frame on the wire. Caller holds wmu.
func (c *Conn) write(frame []byte) error {
	c.log.Trace().Str("frame", string(frame[:len(frame)-1])).Msg("send")
	if _, err := c.rwc.Write(frame); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

// Execute sends cmd and blocks until its response or error reply is
// resolved, the context is cancelled, or the connection dies. The raw
// return payload is handed back for per-command typed decoding (see Run).
//
// A cancelled Execute leaves its slot registered: the eventual response is
// consumed by the read loop and discarded, which keeps correlation
// bookkeeping intact. Concurrent callers only contend on the write path.
func (c *Conn) Execute(ctx context.Context, cmd Command) (json.RawMessage, error) {
	switch c.State() {
	case StateNegotiating, StateReady:
	case StateClosed:
		return nil, ErrClosed
	case StateFailed:
		c.stateMu.Lock()
		cause := c.cause
		c.stateMu.Unlock()
		return nil, &ConnectionError{Cause: cause}
	default:
		return nil, ErrNotConnected
	}

	c.wmu.Lock()
	id := c.nextID + 1
	w, err := c.pending.register(id)
	if err != nil {
		c.wmu.Unlock()
		return nil, err
	}
	c.nextID = id
	frame, err := encodeEnvelope(cmd, id)
	if err != nil {
		// Never written, so the slot can be withdrawn safely.
		c.pending.remove(w)
		c.wmu.Unlock()
		return nil, err
	}
	if err := c.write(frame); err != nil {
		c.wmu.Unlock()
		c.Abort(err)
		return nil, &ConnectionError{Cause: err}
	}
	c.wmu.Unlock()

	select {
	case r := <-w.ch:
		switch {
		case r.err != nil:
			return nil, r.err
		case r.srvErr != nil:
			return nil, &RemoteError{Class: r.srvErr.Class, Desc: r.srvErr.Desc}
		default:
			return r.ret, nil
		}
	case <-ctx.Done():
		// The slot stays registered; the eventual response resolves into
		// the waiter's buffer and is discarded with it.
		return nil, ctx.Err()
	}
}

// SetEventHandler installs the event sink dispatch. Must be set before
// Start. Connections without a handler treat events as protocol
// violations; the guest agent never sends any.
func (c *Conn) SetEventHandler(fn func(Event)) {
	c.onEvent = fn
}

// Start hands the stream to the read loop. After this, ReadFrame is off
// limits.
func (c *Conn) Start() {
	go c.readLoop()
}

// readLoop is the single read path: it observes messages in arrival order
// and demultiplexes them into the correlation table or the event sink.
// Exactly one goroutine runs it per connection.
func (c *Conn) readLoop() {
	for {
		frame, err := c.framer.Next()
		if err != nil {
			if err == io.EOF {
				c.teardown(nil, io.EOF)
			} else {
				c.teardown(err, err)
			}
			return
		}
		c.log.Trace().Str("frame", string(frame)).Msg("recv")

		var msg serverMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			perr := &ProtocolError{Kind: Malformed, Desc: err.Error()}
			c.teardown(perr, perr)
			return
		}

		switch classify(&msg) {
		case kindEvent:
			if c.onEvent == nil {
				perr := &ProtocolError{Kind: UnexpectedMessage, Desc: "event on event-less connection"}
				c.teardown(perr, perr)
				return
			}
			c.onEvent(msg.event())
		case kindResponse, kindError:
			delivered, rerr := c.pending.resolve(&msg)
			if rerr != nil {
				c.teardown(rerr, rerr)
				return
			}
			if !delivered {
				// Defensive: servers are assumed correct, so an unmatched
				// response is logged and dropped, not surfaced.
				c.log.Warn().Str("frame", string(frame)).Msg("response with no matching waiter dropped")
			}
		default:
			perr := &ProtocolError{Kind: UnexpectedMessage, Desc: "message is not a response, error, or event"}
			c.teardown(perr, perr)
			return
		}
	}
}

// Abort tears the connection down because of err. Pending and future
// calls fail with a ConnectionError wrapping it.
func (c *Conn) Abort(err error) {
	c.teardown(err, err)
}

// Close tears the connection down cleanly. Pending calls still fail:
// partial teardown with live waiters would corrupt correlation state.
func (c *Conn) Close() error {
	c.teardown(nil, nil)
	return nil
}

// teardown moves to Closed (cause nil) or Failed, closes the transport,
// and poisons the correlation table so every pending and subsequent call
// fails. Idempotent; the first caller wins.
func (c *Conn) teardown(cause, pendingErr error) {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		if cause == nil {
			c.state = StateClosed
		} else {
			c.state = StateFailed
			c.cause = cause
		}
		c.stateMu.Unlock()

		c.rwc.Close()
		if pendingErr == nil {
			pendingErr = ErrClosed
		}
		c.pending.failAll(&ConnectionError{Cause: pendingErr})
		close(c.done)

		if cause != nil {
			c.log.Debug().Err(cause).Msg("connection failed")
		} else {
			c.log.Debug().Msg("connection closed")
		}
	})
}
