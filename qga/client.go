package qga

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vmkit/qapi/qapi"
)

// ErrSyncFailed is returned when the guest-sync retry budget is exhausted
// without observing the expected nonce echo.
var ErrSyncFailed = errors.New("qga: guest-sync failed: retry budget exhausted")

const (
	// syncAttempts is the resync retry budget.
	syncAttempts = 3
	// syncDiscardLimit caps how many stale or malformed frames one attempt
	// will discard before resending guest-sync.
	syncDiscardLimit = 32
)

// syncTimeout bounds how long one resync attempt waits for the nonce
// echo before resending guest-sync.
var syncTimeout = 3 * time.Second

// deadlineReader is satisfied by net.Conn. Transports that support read
// deadlines get a bounded resync; others block until the agent answers.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// Client is a synced guest agent connection. Safe for concurrent use.
type Client struct {
	conn *qapi.Conn
}

type guestSync struct {
	ID int64 `json:"id"`
}

func (guestSync) CommandName() string { return "guest-sync" }

// Connect performs the guest-sync handshake on an established transport
// and returns a Ready client. On failure the transport is closed.
func Connect(rwc io.ReadWriteCloser, opts ...qapi.Option) (*Client, error) {
	conn := qapi.NewConn(rwc, qapi.StateAwaitingSync, opts...)
	if err := resync(conn, rwc); err != nil {
		conn.Abort(err)
		return nil, err
	}
	conn.SetState(qapi.StateReady)
	conn.Start()
	return &Client{conn: conn}, nil
}

// resync flushes stale agent output. The agent may hold buffered frames
// from a previous session, so a fresh random nonce is sent with
// guest-sync and every frame that does not echo it back is discarded.
// An attempt that times out or exhausts the discard limit resends with a
// new nonce. This is the one place malformed input is tolerated rather
// than fatal.
func resync(conn *qapi.Conn, rwc io.ReadWriteCloser) error {
	dr, hasDeadline := rwc.(deadlineReader)
	for attempt := 0; attempt < syncAttempts; attempt++ {
		nonce, err := newNonce()
		if err != nil {
			return err
		}
		if err := conn.Send(guestSync{ID: nonce}); err != nil {
			return &qapi.ConnectionError{Cause: err}
		}
		if hasDeadline {
			dr.SetReadDeadline(time.Now().Add(syncTimeout))
		}
		matched, err := awaitEcho(conn, nonce)
		if err != nil {
			return err
		}
		if matched {
			if hasDeadline {
				dr.SetReadDeadline(time.Time{})
			}
			return nil
		}
	}
	return ErrSyncFailed
}

// awaitEcho reads frames until the nonce echo arrives, the attempt's
// deadline expires, or the discard limit is hit. A partial frame cut off
// by the deadline stays buffered in the framer and is resumed by the
// next attempt.
func awaitEcho(conn *qapi.Conn, nonce int64) (bool, error) {
	for discarded := 0; discarded <= syncDiscardLimit; discarded++ {
		frame, err := conn.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				return false, nil
			case err == io.EOF:
				return false, &qapi.ConnectionError{Cause: io.EOF}
			default:
				return false, err
			}
		}
		var reply struct {
			Return json.RawMessage `json:"return"`
		}
		if json.Unmarshal(frame, &reply) != nil || reply.Return == nil {
			continue
		}
		var echoed int64
		if json.Unmarshal(reply.Return, &echoed) != nil {
			continue
		}
		if echoed == nonce {
			return true, nil
		}
	}
	return false, nil
}

// newNonce draws a fresh positive 63-bit value. Uniqueness across
// sessions is what matters: a stale echo must never match.
func newNonce() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generating sync nonce: %w", err)
	}
	n := int64(binary.BigEndian.Uint64(buf[:]) >> 1)
	if n == 0 {
		n = 1
	}
	return n, nil
}

// State returns the connection state.
func (c *Client) State() qapi.State { return c.conn.State() }

// Execute runs an arbitrary agent command and returns its raw return
// payload.
func (c *Client) Execute(ctx context.Context, cmd qapi.Command) (json.RawMessage, error) {
	return c.conn.Execute(ctx, cmd)
}

// Close terminates the connection. Pending commands fail.
func (c *Client) Close() error { return c.conn.Close() }

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }
