package qmp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmkit/qapi/qapi"
)

// Client is a QMP connection in the Ready state. All methods are safe for
// concurrent use; responses resolve in the order commands were sent.
type Client struct {
	conn     *qapi.Conn
	greeting Greeting
	sink     *eventSink
}

// qmpCapabilities is the negotiation command. Enable requests optional
// capabilities such as oob.
type qmpCapabilities struct {
	Enable []Capability `json:"enable,omitempty"`
}

func (qmpCapabilities) CommandName() string { return "qmp_capabilities" }

// Connect performs the QMP handshake on an established transport: it
// consumes the greeting, negotiates capabilities, and returns a Ready
// client. On any handshake failure the transport is closed.
func Connect(ctx context.Context, rwc io.ReadWriteCloser, opts ...qapi.Option) (*Client, error) {
	conn := qapi.NewConn(rwc, qapi.StateAwaitingGreeting, opts...)
	c := &Client{conn: conn, sink: newEventSink()}

	// Exactly one message precedes everything else, and it must be the
	// greeting.
	frame, err := conn.ReadFrame()
	if err != nil {
		conn.Abort(err)
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	var gf greetingFrame
	if err := json.Unmarshal(frame, &gf); err != nil {
		perr := &qapi.ProtocolError{Kind: qapi.Malformed, Desc: err.Error()}
		conn.Abort(perr)
		return nil, perr
	}
	if gf.QMP == nil {
		perr := &qapi.ProtocolError{Kind: qapi.UnexpectedMessage, Desc: "first message is not a greeting"}
		conn.Abort(perr)
		return nil, perr
	}
	c.greeting = *gf.QMP
	conn.SetState(qapi.StateNegotiating)

	conn.SetEventHandler(c.sink.dispatch)
	conn.Start()
	go func() {
		<-conn.Done()
		c.sink.closeAll()
	}()

	if _, err := conn.Execute(ctx, qmpCapabilities{}); err != nil {
		conn.Abort(err)
		return nil, fmt.Errorf("negotiating capabilities: %w", err)
	}
	conn.SetState(qapi.StateReady)
	return c, nil
}

// Greeting returns the banner received during the handshake.
func (c *Client) Greeting() Greeting { return c.greeting }

// State returns the connection state.
func (c *Client) State() qapi.State { return c.conn.State() }

// Execute runs an arbitrary command and returns its raw return payload.
// Typed wrappers and qapi.Run cover the common cases.
func (c *Client) Execute(ctx context.Context, cmd qapi.Command) (json.RawMessage, error) {
	return c.conn.Execute(ctx, cmd)
}

// Close terminates the connection. Pending commands fail; event channels
// close.
func (c *Client) Close() error { return c.conn.Close() }

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }
