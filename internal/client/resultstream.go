// file: internal/client/resultstream.go
package client

import (
	"context"
	"encoding/json"
)

// ResultStream is the handle an Rpc call returns: a caller drains it with
// Next until ok is false, then reads Err for the terminal outcome.
type ResultStream struct {
	req *request
}

func newResultStream(req *request) *ResultStream {
	return &ResultStream{req: req}
}

// Next blocks until an item is available, the stream terminates, or ctx is
// done. ok is false exactly once, when the stream has no more items; the
// terminal error (nil on a normal END) is available from Err afterward.
func (s *ResultStream) Next(ctx context.Context) (item json.RawMessage, ok bool, err error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case raw, more := <-s.req.items:
		if !more {
			return nil, false, s.Err()
		}
		return raw, true, nil
	}
}

// Err returns the request's terminal error once the stream has closed
// (Next returned ok=false); nil means the request completed normally.
func (s *ResultStream) Err() error {
	s.req.errMu.Lock()
	defer s.req.errMu.Unlock()
	return s.req.err
}

// Method reports the RPC method name this stream belongs to.
func (s *ResultStream) Method() string { return s.req.method }

// ID reports the request id this stream belongs to, for diagnostics.
func (s *ResultStream) ID() uint32 { return s.req.id }
