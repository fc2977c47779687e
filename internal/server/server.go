// Package server implements the Fast protocol's server dispatcher
// (component E): it routes inbound DATA requests to registered handlers,
// tracks one request state machine per live id, and coordinates graceful
// shutdown across however many connections are attached to it.
// file: internal/server/server.go
package server

import (
	"context"
	"sync"
	"time"

	"github.com/dkoosis/fast/internal/ferrors"
	"github.com/dkoosis/fast/internal/frame"
	"github.com/dkoosis/fast/internal/logging"
	"github.com/dkoosis/fast/internal/wire"
	"github.com/google/uuid"
)

// Options configures a Server.
type Options struct {
	Logger logging.Logger
	// LenientStatus relaxes the codec's status==type check, for interop
	// testing against peers that diverge from strict framing.
	LenientStatus bool
	// Now overrides the clock used to stamp "m.uts"; nil uses time.Now.
	Now func() time.Time
}

// Server dispatches requests arriving on any number of connections to a
// shared set of registered RPC methods.
type Server struct {
	logger logging.Logger
	now    func() int64
	codec  wire.Codec

	mu           sync.Mutex
	methods      map[string]Handler
	closing      bool
	activeConns  int
	onDrained    func()
	drainedFired bool
}

// NewServer creates an empty dispatcher; register methods with
// RegisterRPCMethod before calling Serve.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		logger:  logger.WithField("component", "server"),
		now:     func() int64 { return now().UnixMilli() },
		codec:   wire.Codec{LenientStatus: opts.LenientStatus},
		methods: make(map[string]Handler),
	}
}

// RegisterRPCMethod associates name with handler. Re-registering an
// already-registered name is an error.
func (s *Server) RegisterRPCMethod(name string, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		return ferrors.Newf("method %q is already registered", name)
	}
	s.methods[name] = handler
	return nil
}

// OnConnsDestroyed registers cb to run once, after Close has been called
// and the last attached connection has finished.
func (s *Server) OnConnsDestroyed(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrained = cb
	if s.closing && s.activeConns == 0 {
		s.fireDrainedLocked()
	}
}

// Close initiates graceful shutdown: new requests on any connection fail
// immediately with a server-closing error, but in-flight requests are left
// to complete naturally.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.activeConns == 0 {
		s.fireDrainedLocked()
	}
}

// fireDrainedLocked invokes the onDrained callback at most once. Caller
// must hold s.mu.
func (s *Server) fireDrainedLocked() {
	if s.drainedFired || s.onDrained == nil {
		return
	}
	s.drainedFired = true
	cb := s.onDrained
	go cb()
}

// Serve attaches the dispatcher to conn and blocks, processing requests,
// until the connection ends (peer close or protocol-fatal error). The
// returned error is nil for a clean peer-initiated close.
func (s *Server) Serve(ctx context.Context, conn frame.ByteConn) error {
	connID := uuid.NewString()
	connLogger := s.logger.WithField("conn_id", connID)
	fs := frame.NewFrameStream(conn, s.codec, connLogger)
	defer fs.Close()

	cs := &connState{
		server:   s,
		fs:       fs,
		logger:   connLogger,
		requests: make(map[uint32]*serverRequest),
	}

	connLogger.Info("connection attached")
	defer connLogger.Info("connection detached")

	s.mu.Lock()
	s.activeConns++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.activeConns--
		if s.closing && s.activeConns == 0 {
			s.fireDrainedLocked()
		}
		s.mu.Unlock()
	}()

	for {
		msg, err := fs.ReadMessage(ctx)
		if err != nil {
			if ferrors.IsLifecycle(err) {
				return nil
			}
			return err
		}

		if fatal := cs.handle(ctx, msg); fatal != nil {
			return fatal
		}
	}
}

// connState holds the per-connection request map. The message decode loop
// adds entries; each handler goroutine removes its own entry when it
// returns, so the map is guarded by mu.
type connState struct {
	server *Server
	fs     *frame.FrameStream
	logger logging.Logger

	mu       sync.Mutex
	requests map[uint32]*serverRequest
}

// handle routes one inbound message, returning a non-nil error only when
// the connection must be torn down (a protocol violation).
func (cs *connState) handle(ctx context.Context, msg wire.Message) error {
	switch msg.Type {
	case wire.TypeData:
		return cs.handleData(ctx, msg)
	case wire.TypeEnd, wire.TypeError:
		return ferrors.NewProtocolError(ferrors.CodeStructuralMismatch,
			"clients may not send END or ERROR messages", nil, map[string]interface{}{"id": msg.ID})
	default:
		return ferrors.NewProtocolError(ferrors.CodeBadType, "unknown message type", nil, nil)
	}
}

func (cs *connState) handleData(ctx context.Context, msg wire.Message) error {
	cs.mu.Lock()
	_, live := cs.requests[msg.ID]
	cs.mu.Unlock()

	if live {
		return ferrors.NewProtocolError(ferrors.CodeDuplicateID,
			"duplicate DATA for a live request id", nil, map[string]interface{}{"id": msg.ID})
	}

	name := msg.Data.M.Name

	cs.server.mu.Lock()
	closing := cs.server.closing
	handler, registered := cs.server.methods[name]
	cs.server.mu.Unlock()

	if closing {
		cs.replyImmediateError(ctx, msg.ID, name, ferrors.NewLifecycleError(ferrors.ErrServerClosing, ferrors.CodeServerClosing, nil))
		return nil
	}
	if !registered {
		cs.replyImmediateError(ctx, msg.ID, name, ferrors.NewRequestError(ferrors.CodeUnknownMethod, "unknown method: "+name, nil, map[string]interface{}{"method": name}))
		return nil
	}

	req := newServerRequest(msg.ID, name, msg.Data.D, cs.logger)
	cs.mu.Lock()
	cs.requests[msg.ID] = req
	cs.mu.Unlock()

	req.dispatch(ctx)

	rc := &RequestContext{ctx: ctx, req: req, fs: cs.fs, now: cs.server.now, logger: cs.logger}
	go func() {
		defer cs.complete(msg.ID)
		handler(rc)
	}()

	return nil
}

func (cs *connState) complete(id uint32) {
	cs.mu.Lock()
	delete(cs.requests, id)
	cs.mu.Unlock()
}

// replyImmediateError sends a terminal ERROR for a request that was never
// dispatched to a handler (unknown method, server closing).
func (cs *connState) replyImmediateError(ctx context.Context, id uint32, name string, err error) {
	payload := ferrors.ErrorToWirePayload(err)
	msg := wire.NewErrorMessage(id, name, cs.server.now(), wire.ErrorDetail{
		Name:    payload.Name,
		Message: payload.Message,
		Info:    payload.Info,
	})
	if writeErr := cs.fs.WriteMessage(ctx, msg); writeErr != nil {
		cs.logger.Warn("failed to send immediate error reply", "id", id, "error", writeErr)
	}
}
