package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

// WSStream presents a WebSocket connection carrying binary frames as the
// byte stream the engine consumes. Management planes commonly bridge a
// VM's monitor socket over a WebSocket; this is the client end of that
// bridge. Frame boundaries are not preserved, which is fine: the protocol
// is newline-delimited JSON and the framer reassembles documents anyway.
//
// Reads and writes each assume a single caller, matching both the
// engine's concurrency model and the websocket library's.
type WSStream struct {
	conn *websocket.Conn
	r    io.Reader
}

// NewWSStream wraps an established WebSocket connection.
func NewWSStream(conn *websocket.Conn) *WSStream {
	return &WSStream{conn: conn}
}

// DialWS connects to a WebSocket endpoint bridging a monitor socket.
func DialWS(ctx context.Context, url string) (*WSStream, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to websocket %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWSStream(conn), nil
}

func (s *WSStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			// Frame exhausted; carry on with the next one.
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *WSStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and tears the connection down.
func (s *WSStream) Close() error {
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
