// file: internal/frame/wstransport.go
package frame

import (
	"context"
	"io"

	"nhooyr.io/websocket"
)

// wsConn adapts a WebSocket connection into a ByteConn, so a FrameStream
// can run the Fast wire protocol over a WebSocket the same way it runs
// over a raw net.Conn. Each WriteMessage call writes exactly one complete
// frame, so each outbound write becomes exactly one WebSocket binary
// message; inbound, reads are served out of whatever the most recent
// WebSocket message contained, spanning Read calls when a caller's buffer
// is smaller than one message.
type wsConn struct {
	ctx  context.Context
	conn *websocket.Conn
	buf  []byte
}

// NewWSConn wraps an accepted or dialed *websocket.Conn as a ByteConn.
// ctx bounds every Read/Write issued through it.
func NewWSConn(ctx context.Context, conn *websocket.Conn) ByteConn {
	return &wsConn{ctx: ctx, conn: conn}
}

func (w *wsConn) Read(p []byte) (int, error) {
	if len(w.buf) == 0 {
		_, data, err := w.conn.Read(w.ctx)
		if err != nil {
			return 0, classifyWSError(err)
		}
		w.buf = data
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.Write(w.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// classifyWSError maps a WebSocket close (of any status) onto io.EOF, the
// sentinel FrameStream's classifyReadError already knows how to turn into
// a clean connection-closed lifecycle error.
func classifyWSError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	return err
}
