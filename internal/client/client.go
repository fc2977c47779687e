// Package client implements the Fast protocol's client multiplexer
// (component D): it owns one connection, allocates request ids, and
// routes every inbound DATA/END/ERROR frame back to the ResultStream the
// matching Rpc call returned.
// file: internal/client/client.go
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkoosis/fast/internal/ferrors"
	"github.com/dkoosis/fast/internal/frame"
	"github.com/dkoosis/fast/internal/fsm"
	"github.com/dkoosis/fast/internal/idalloc"
	"github.com/dkoosis/fast/internal/logging"
	"github.com/dkoosis/fast/internal/wire"
)

// Options configures a Client.
type Options struct {
	Logger logging.Logger
	// NRecentRequests bounds the ring buffer of recently completed request
	// summaries kept for diagnostics (0 disables it).
	NRecentRequests int
	// LenientStatus relaxes the codec's status==type check, for interop
	// testing against peers that diverge from strict framing.
	LenientStatus bool
	// Now overrides the clock used to stamp "m.uts"; nil uses time.Now.
	Now func() time.Time
}

// RPCOptions configures a single call to Rpc.
type RPCOptions struct {
	// Timeout, if non-zero, fails the request with ferrors.ErrTimeout if no
	// terminator arrives in time.
	Timeout time.Duration
	// IgnoreNulls drops JSON null items from the delivered sequence,
	// matching a convention some Fast handlers use to pad columns.
	IgnoreNulls bool
}

// Client multiplexes many concurrent RPCs over one Fast connection.
type Client struct {
	fs     *frame.FrameStream
	alloc  *idalloc.Allocator
	logger logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	requests map[uint32]*request
	// zombies holds ids whose request timed out locally before a real
	// terminator arrived. The allocator is never told to release them, so
	// Alloc never reissues one out from under a terminator still in
	// flight; the id is freed only once that terminator (or Close) is
	// finally observed.
	zombies  map[uint32]struct{}
	recent   *recentRing
	detached bool
	closed   bool

	readStopped chan struct{}
}

// NewClient wraps conn and starts its read loop. The caller owns shutting
// the connection down via Close.
func NewClient(conn frame.ByteConn, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		fs:          frame.NewFrameStream(conn, wire.Codec{LenientStatus: opts.LenientStatus}, logger),
		alloc:       idalloc.New(),
		logger:      logger.WithField("component", "client"),
		now:         now,
		requests:    make(map[uint32]*request),
		zombies:     make(map[uint32]struct{}),
		recent:      newRecentRing(opts.NRecentRequests),
		readStopped: make(chan struct{}),
	}

	go c.readLoop()
	return c
}

// Rpc submits method with args and returns a stream of its results. The
// stream terminates with a nil error on a normal END, or with the request's
// failure otherwise.
func (c *Client) Rpc(ctx context.Context, method string, args []interface{}, opts RPCOptions) (*ResultStream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, connClosedErr(nil)
	}
	if c.detached {
		c.mu.Unlock()
		return nil, detachedErr()
	}
	c.mu.Unlock()

	id, err := c.alloc.Alloc()
	if err != nil {
		return nil, err
	}

	argv, err := marshalArgs(args)
	if err != nil {
		c.alloc.Release(id)
		return nil, ferrors.NewRequestError(ferrors.CodeArgumentValidation, "failed to marshal arguments", err, nil)
	}

	req := newRequest(id, method, opts.IgnoreNulls, c.logger)

	c.mu.Lock()
	c.requests[id] = req
	c.mu.Unlock()

	if opts.Timeout > 0 {
		req.timer = time.AfterFunc(opts.Timeout, func() {
			c.timeoutRequest(id)
		})
	}

	_ = req.markSending(ctx)
	msg := wire.NewDataMessage(id, method, c.now().UnixMilli(), argv)

	if err := c.fs.WriteMessage(ctx, msg); err != nil {
		c.finishRequest(ctx, id, eventFail, err)
		return newResultStream(req), nil
	}
	_ = req.markAwait(ctx)

	return newResultStream(req), nil
}

// Detach stops future Rpc calls from being accepted and fails every
// in-flight request with ferrors.ErrDetached, without closing the
// connection. Their ids are held like timed-out ones, so later responses
// for them are dropped rather than delivered.
func (c *Client) Detach() {
	c.mu.Lock()
	c.detached = true
	live := make([]*request, 0, len(c.requests))
	for id, req := range c.requests {
		live = append(live, req)
		delete(c.requests, id)
		c.zombies[id] = struct{}{}
	}
	c.mu.Unlock()

	err := detachedErr()
	for _, req := range live {
		req.terminate(context.Background(), eventFail, err)
		c.recent.add(RequestSummary{ID: req.id, Method: req.method, Err: err})
	}
}

// Close tears down the connection, failing every in-flight request with
// ferrors.ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.fs.Close()
	<-c.readStopped
	return err
}

// LiveRequestCount reports the number of RPCs currently awaiting a terminator.
func (c *Client) LiveRequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// RecentRequests returns a snapshot of the most recently completed
// requests, oldest first, bounded by Options.NRecentRequests.
func (c *Client) RecentRequests() []RequestSummary {
	return c.recent.snapshot()
}

func (c *Client) readLoop() {
	defer close(c.readStopped)
	ctx := context.Background()

	for {
		msg, err := c.fs.ReadMessage(ctx)
		if err != nil {
			c.failAllLive(err)
			return
		}

		var dispatchErr error
		switch msg.Type {
		case wire.TypeData:
			dispatchErr = c.dispatchData(ctx, msg)
		case wire.TypeEnd:
			dispatchErr = c.dispatchEnd(ctx, msg)
		case wire.TypeError:
			dispatchErr = c.dispatchError(ctx, msg)
		}
		if dispatchErr != nil {
			c.logger.Error("protocol violation, closing connection", "error", dispatchErr)
			c.failAllLive(dispatchErr)
			_ = c.fs.Close()
			return
		}
	}
}

func (c *Client) lookup(id uint32) *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[id]
}

// isZombie reports whether id belongs to a request that already timed out
// locally, making a late DATA for it expected rather than a protocol
// violation.
func (c *Client) isZombie(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.zombies[id]
	return ok
}

// releaseZombie clears id's zombie hold and returns the id to the
// allocator, called once its real terminator finally arrives. Reports
// whether id was in fact held.
func (c *Client) releaseZombie(id uint32) bool {
	c.mu.Lock()
	_, ok := c.zombies[id]
	if ok {
		delete(c.zombies, id)
	}
	c.mu.Unlock()
	if ok {
		c.alloc.Release(id)
	}
	return ok
}

// unsolicitedIDErr builds the protocol-fatal error for a DATA/END/ERROR
// whose id names neither a live nor a zombie-held request (§4.4): the peer
// is talking about a request this connection never made.
func unsolicitedIDErr(id uint32) error {
	return ferrors.NewProtocolError(ferrors.CodeUnsolicitedID,
		ferrors.UserFacingMessage(ferrors.CodeUnsolicitedID), nil, map[string]interface{}{"id": id})
}

func (c *Client) dispatchData(ctx context.Context, msg wire.Message) error {
	req := c.lookup(msg.ID)
	if req == nil {
		if c.isZombie(msg.ID) {
			c.logger.Debug("dropping late data for timed-out request", "id", msg.ID)
			return nil
		}
		return unsolicitedIDErr(msg.ID)
	}
	req.deliverData(ctx, msg.Data.D)
	return nil
}

func (c *Client) dispatchEnd(ctx context.Context, msg wire.Message) error {
	req := c.lookup(msg.ID)
	if req == nil {
		if c.releaseZombie(msg.ID) {
			c.logger.Debug("late end for timed-out request, releasing id", "id", msg.ID)
			return nil
		}
		return unsolicitedIDErr(msg.ID)
	}
	req.deliverData(ctx, msg.Data.D)
	c.finishRequest(ctx, msg.ID, eventEnd, nil)
	return nil
}

func (c *Client) dispatchError(ctx context.Context, msg wire.Message) error {
	req := c.lookup(msg.ID)
	if req == nil {
		if c.releaseZombie(msg.ID) {
			c.logger.Debug("late error for timed-out request, releasing id", "id", msg.ID)
			return nil
		}
		return unsolicitedIDErr(msg.ID)
	}
	detail := msg.Error.D
	details := map[string]interface{}{"name": detail.Name}
	for k, v := range detail.Info {
		details[k] = v
	}
	remoteErr := ferrors.NewRequestError(ferrors.CodeRemoteError, detail.Message, nil, details)
	c.finishRequest(ctx, msg.ID, eventFail, remoteErr)
	return nil
}

// timeoutRequest terminates id's request locally without releasing its id
// back to the allocator: the id is held in zombies until a real terminator
// or connection close arrives for it, so it can never be handed to a new
// Rpc call and then have a stale terminator misrouted onto it.
func (c *Client) timeoutRequest(id uint32) {
	c.mu.Lock()
	req, ok := c.requests[id]
	if ok {
		delete(c.requests, id)
		c.zombies[id] = struct{}{}
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	err := timeoutErr()
	req.terminate(context.Background(), eventFail, err)
	c.recent.add(RequestSummary{ID: id, Method: req.method, Err: err})
}

func (c *Client) finishRequest(ctx context.Context, id uint32, event fsm.Event, err error) {
	c.mu.Lock()
	req, ok := c.requests[id]
	if ok {
		delete(c.requests, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.alloc.Release(id)
	req.terminate(ctx, event, err)
	c.recent.add(RequestSummary{ID: id, Method: req.method, Err: err})
}

func (c *Client) failAllLive(cause error) {
	c.mu.Lock()
	live := make([]*request, 0, len(c.requests))
	for id, req := range c.requests {
		live = append(live, req)
		delete(c.requests, id)
	}
	c.zombies = make(map[uint32]struct{})
	c.closed = true
	c.mu.Unlock()

	wrapped := connClosedErr(cause)
	for _, req := range live {
		c.alloc.Release(req.id)
		req.terminate(context.Background(), eventFail, wrapped)
		c.recent.add(RequestSummary{ID: req.id, Method: req.method, Err: wrapped})
	}
}

func marshalArgs(args []interface{}) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
