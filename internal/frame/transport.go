// Package frame implements the Fast protocol's frame stream (component B):
// a duplex adapter that turns a raw byte connection into a stream of
// decoded wire.Message values and back, honoring back-pressure on writes
// and treating a partial frame at end-of-stream as fatal.
// file: internal/frame/transport.go
package frame

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dkoosis/fast/internal/ferrors"
	"github.com/dkoosis/fast/internal/logging"
	"github.com/dkoosis/fast/internal/wire"
)

// ByteConn is the abstract full-duplex byte channel the engine is built
// over (§6): arbitrary-length reads and writes plus a close. net.Conn
// satisfies this interface directly.
type ByteConn interface {
	io.Reader
	io.Writer
	io.Closer
}

// FrameStream reads and writes whole wire.Message values over a ByteConn.
// Callers above this layer never see bytes. ReadMessage must not be called
// from more than one goroutine at a time; WriteMessage may be called from
// any number of goroutines, which serialize on writeMu.
type FrameStream struct {
	conn   ByteConn
	br     *bufio.Reader
	codec  wire.Codec
	logger logging.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	// drainCh is signaled (non-blocking) after every successful write,
	// giving streaming handlers a "drain" pacing signal. The write itself
	// already blocks on a full OS send buffer, which is where the actual
	// back-pressure comes from.
	drainCh chan struct{}
}

// NewFrameStream wraps conn, ready to read and write frames encoded with
// codec. A nil logger falls back to a no-op logger.
func NewFrameStream(conn ByteConn, codec wire.Codec, logger logging.Logger) *FrameStream {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	return &FrameStream{
		conn:    conn,
		br:      bufio.NewReaderSize(conn, 64*1024),
		codec:   codec,
		logger:  logger.WithField("component", "frame_stream"),
		closed:  make(chan struct{}),
		drainCh: make(chan struct{}, 1),
	}
}

// ReadMessage blocks until one complete frame has arrived, decoding it. A
// clean end of stream (no bytes read at all) yields ferrors.ErrConnectionClosed;
// an end of stream in the middle of a frame is protocol-fatal
// (ferrors.CodeTruncatedFrame), per §4.2.
func (fs *FrameStream) ReadMessage(ctx context.Context) (wire.Message, error) {
	select {
	case <-fs.closed:
		return wire.Message{}, ferrors.NewLifecycleError(ferrors.ErrConnectionClosed, ferrors.CodeConnectionClosed, nil)
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	default:
	}

	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(fs.br, header); err != nil {
		return wire.Message{}, fs.classifyReadError(err, "header")
	}

	h, err := fs.codec.DecodeHeader(header)
	if err != nil {
		return wire.Message{}, err
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(fs.br, payload); err != nil {
			return wire.Message{}, fs.classifyReadError(err, "payload")
		}
	}

	return fs.codec.DecodePayload(h, payload)
}

// classifyReadError distinguishes a clean peer close from a truncated
// frame. Only an EOF before any header byte is a clean close; an EOF at the
// payload stage means the header already arrived, so the frame is partial.
func (fs *FrameStream) classifyReadError(err error, stage string) error {
	if errors.Is(err, io.EOF) && stage == "header" {
		return ferrors.NewLifecycleError(ferrors.ErrConnectionClosed, ferrors.CodeConnectionClosed, nil)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ferrors.NewProtocolError(ferrors.CodeTruncatedFrame, "partial frame at end of stream", err, map[string]interface{}{
			"stage": stage,
		})
	}
	return ferrors.NewProtocolError(ferrors.CodeTruncatedFrame, "read failed", err, map[string]interface{}{
		"stage": stage,
	})
}

// WriteMessage encodes msg and writes it atomically. Concurrent callers
// serialize on writeMu so two goroutines never interleave partial frames
// on the wire.
func (fs *FrameStream) WriteMessage(ctx context.Context, msg wire.Message) error {
	buf, err := fs.codec.Encode(msg)
	if err != nil {
		return err
	}

	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	select {
	case <-fs.closed:
		return ferrors.NewLifecycleError(ferrors.ErrConnectionClosed, ferrors.CodeConnectionClosed, nil)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	n, err := fs.conn.Write(buf)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return ferrors.NewProtocolError(ferrors.CodeTruncatedFrame, "write failed", err, nil)
	}

	select {
	case fs.drainCh <- struct{}{}:
	default:
	}
	return nil
}

// Drain returns a channel signaled once after every successful write,
// letting a streaming handler pace itself against the outbound side.
func (fs *FrameStream) Drain() <-chan struct{} {
	return fs.drainCh
}

// Close shuts down the underlying connection, unblocking any pending
// ReadMessage/WriteMessage call. Safe to call more than once.
func (fs *FrameStream) Close() error {
	var err error
	fs.closeOnce.Do(func() {
		close(fs.closed)
		err = fs.conn.Close()
	})
	return err
}
