// file: internal/frame/in_memory.go
package frame

import "io"

// Pair links two ByteConn implementations so bytes written to one are read
// from the other, at the raw byte level (io.Pipe) so it sits underneath
// FrameStream exactly like a real net.Conn would.
type Pair struct {
	ClientConn ByteConn
	ServerConn ByteConn
}

// pipeConn bundles the two halves of an io.Pipe into one ByteConn so Close
// shuts down both directions together.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) Close() error {
	rerr := p.r.Close()
	werr := p.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// NewInMemoryPair builds a connected pair of ByteConn values for tests:
// writes to ClientConn are read from ServerConn and vice versa.
func NewInMemoryPair() *Pair {
	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	return &Pair{
		ClientConn: &pipeConn{r: serverToClientR, w: clientToServerW},
		ServerConn: &pipeConn{r: clientToServerR, w: serverToClientW},
	}
}
