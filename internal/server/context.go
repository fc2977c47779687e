// file: internal/server/context.go
package server

import (
	"context"
	"encoding/json"

	"github.com/dkoosis/fast/internal/ferrors"
	"github.com/dkoosis/fast/internal/frame"
	"github.com/dkoosis/fast/internal/logging"
	"github.com/dkoosis/fast/internal/wire"
)

// Handler is invoked once per request with a context scoped to it. A
// handler may run synchronously or take as long as it needs; the
// dispatcher imposes no timeout and invokes each handler on its own
// goroutine so one slow request never blocks another on the connection.
type Handler func(rc *RequestContext)

// RequestContext is the handler-facing API for one request: its
// arguments, and the write/end/fail calls that produce its response
// stream. After End or Fail, further calls are no-ops logged as warnings,
// matching the one-terminator-per-request invariant.
type RequestContext struct {
	ctx    context.Context
	req    *serverRequest
	fs     *frame.FrameStream
	now    func() int64
	logger logging.Logger
}

// Argv returns the request's argument array, exactly as received: always
// present, possibly empty.
func (rc *RequestContext) Argv() []json.RawMessage {
	return rc.req.argv
}

// Arg unmarshals argument i into out. Returns a request-scoped argument
// validation error if the index is out of range or the JSON doesn't fit.
func (rc *RequestContext) Arg(i int, out interface{}) error {
	if i < 0 || i >= len(rc.req.argv) {
		return ferrors.NewRequestError(ferrors.CodeArgumentValidation, "missing argument", nil, map[string]interface{}{"index": i})
	}
	if err := json.Unmarshal(rc.req.argv[i], out); err != nil {
		return ferrors.NewRequestError(ferrors.CodeArgumentValidation, "malformed argument", err, map[string]interface{}{"index": i})
	}
	return nil
}

// Write enqueues one data item onto the response stream. It reports
// whether the caller may keep writing without pausing; this
// implementation's writes are synchronous, so it is true whenever the
// write itself has succeeded, and false when the request has already
// terminated, the item cannot be marshaled, or the write fails.
func (rc *RequestContext) Write(item interface{}) bool {
	return rc.writeBatch([]interface{}{item})
}

// WriteBatch enqueues several data items as a single DATA message,
// delivered to the peer as one atomic, ordered batch.
func (rc *RequestContext) WriteBatch(items []interface{}) bool {
	return rc.writeBatch(items)
}

func (rc *RequestContext) writeBatch(items []interface{}) bool {
	if rc.isDone() {
		rc.logger.Warn("write after terminator ignored", "id", rc.req.id, "method", rc.req.method)
		return false
	}
	raw, err := marshalItems(items)
	if err != nil {
		rc.logger.Warn("dropping unmarshalable write", "id", rc.req.id, "error", err)
		return false
	}
	msg := wire.NewDataMessage(rc.req.id, rc.req.method, rc.now(), raw)
	if err := rc.fs.WriteMessage(rc.ctx, msg); err != nil {
		rc.logger.Warn("write failed", "id", rc.req.id, "error", err)
		return false
	}
	return true
}

// End terminates the request successfully, optionally delivering one
// final item first.
func (rc *RequestContext) End(item ...interface{}) {
	if !rc.req.markTerminating(rc.ctx) {
		rc.logger.Warn("end after terminator ignored", "id", rc.req.id)
		return
	}
	raw, err := marshalItems(item)
	if err != nil {
		rc.sendError(ferrors.NewRequestError(ferrors.CodeHandlerFailed, "failed to marshal final item", err, nil))
		return
	}
	msg := wire.NewEndMessage(rc.req.id, rc.req.method, rc.now(), raw)
	if err := rc.fs.WriteMessage(rc.ctx, msg); err != nil {
		rc.logger.Warn("end write failed", "id", rc.req.id, "error", err)
	}
	rc.req.markFlushed(rc.ctx)
}

// Fail terminates the request with an error, translated to the wire's
// ERROR payload via ferrors.ErrorToWirePayload.
func (rc *RequestContext) Fail(err error) {
	if !rc.req.markTerminating(rc.ctx) {
		rc.logger.Warn("fail after terminator ignored", "id", rc.req.id)
		return
	}
	rc.sendError(err)
}

// sendError assumes markTerminating has already been claimed by the caller.
func (rc *RequestContext) sendError(err error) {
	payload := ferrors.ErrorToWirePayload(err)
	msg := wire.NewErrorMessage(rc.req.id, rc.req.method, rc.now(), wire.ErrorDetail{
		Name:    payload.Name,
		Message: payload.Message,
		Info:    payload.Info,
	})
	if writeErr := rc.fs.WriteMessage(rc.ctx, msg); writeErr != nil {
		rc.logger.Warn("error write failed", "id", rc.req.id, "error", writeErr)
	}
	rc.req.markFlushed(rc.ctx)
}

func (rc *RequestContext) isDone() bool {
	rc.req.mu.Lock()
	defer rc.req.mu.Unlock()
	return rc.req.done
}

func marshalItems(items []interface{}) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
