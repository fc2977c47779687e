// file: internal/client/request.go
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkoosis/fast/internal/ferrors"
	"github.com/dkoosis/fast/internal/fsm"
	"github.com/dkoosis/fast/internal/logging"
)

// Request states and events, named exactly as §4.4's state table.
const (
	StateInit    fsm.State = "INIT"
	StateSending fsm.State = "SENDING"
	StateAwait   fsm.State = "AWAIT"
	StateDone    fsm.State = "DONE"
	StateFailed  fsm.State = "FAILED"

	eventEncoded   fsm.Event = "encoded"
	eventSendOK    fsm.Event = "send-ok"
	eventSendFail  fsm.Event = "send-fail"
	eventData      fsm.Event = "data"
	eventEnd       fsm.Event = "end"
	eventFail      fsm.Event = "fail"
)

// request tracks one in-flight client RPC: its id, its state machine, and
// the channel pipeline the caller drains via ResultStream.
type request struct {
	id     uint32
	method string

	ignoreNulls bool

	machine fsm.FSM

	items chan json.RawMessage
	errMu sync.Mutex
	err   error // set exactly once, before items is closed

	closeOnce sync.Once

	timer *time.Timer
}

func newRequest(id uint32, method string, ignoreNulls bool, logger logging.Logger) *request {
	r := &request{
		id:          id,
		method:      method,
		ignoreNulls: ignoreNulls,
		items:       make(chan json.RawMessage),
	}

	m := fsm.NewFSM(StateInit, logger)
	m.AddTransition(fsm.Transition{From: []fsm.State{StateInit}, To: StateSending, Event: eventEncoded})
	m.AddTransition(fsm.Transition{From: []fsm.State{StateSending}, To: StateAwait, Event: eventSendOK})
	m.AddTransition(fsm.Transition{From: []fsm.State{StateSending}, To: StateFailed, Event: eventSendFail})
	m.AddTransition(fsm.Transition{From: []fsm.State{StateAwait}, To: StateAwait, Event: eventData})
	m.AddTransition(fsm.Transition{From: []fsm.State{StateAwait}, To: StateDone, Event: eventEnd})
	m.AddTransition(fsm.Transition{From: []fsm.State{StateAwait, StateSending}, To: StateFailed, Event: eventFail})
	_ = m.Build() // transitions above are static and always well-formed.
	r.machine = m

	return r
}

// markSending advances INIT -> SENDING once the request has been encoded.
func (r *request) markSending(ctx context.Context) error {
	return r.machine.Transition(ctx, eventEncoded, nil)
}

// markAwait advances SENDING -> AWAIT once the write completes.
func (r *request) markAwait(ctx context.Context) error {
	return r.machine.Transition(ctx, eventSendOK, nil)
}

// deliverData appends a batch of data items (in order), dropping nulls
// first if ignoreNulls was requested, then stays in AWAIT.
func (r *request) deliverData(ctx context.Context, items []json.RawMessage) {
	if r.machine.CurrentState() != StateAwait {
		return // terminal or timed-out: discard silently per the timeout grace window.
	}
	_ = r.machine.Transition(ctx, eventData, nil)
	for _, item := range items {
		if r.ignoreNulls && isJSONNull(item) {
			continue
		}
		select {
		case r.items <- item:
		case <-ctx.Done():
			return
		}
	}
}

// terminate transitions to the given terminal state and closes the items
// channel exactly once, making the error (nil on success) visible to the
// caller once it observes the channel close.
func (r *request) terminate(ctx context.Context, event fsm.Event, err error) {
	r.closeOnce.Do(func() {
		_ = r.machine.Transition(ctx, event, nil)
		if r.timer != nil {
			r.timer.Stop()
		}
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		close(r.items)
	})
}

func (r *request) isTerminal() bool {
	switch r.machine.CurrentState() {
	case StateDone, StateFailed:
		return true
	default:
		return false
	}
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := make([]byte, 0, len(raw))
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		trimmed = append(trimmed, b)
	}
	return string(trimmed) == "null"
}

// connClosedErr, detachedErr, timeoutErr build the
// lifecycle errors a request can terminate with locally.
func connClosedErr(cause error) error {
	return ferrors.NewLifecycleError(ferrors.ErrConnectionClosed, ferrors.CodeConnectionClosed, detailsFor(cause))
}

func detachedErr() error {
	return ferrors.NewLifecycleError(ferrors.ErrDetached, ferrors.CodeDetached, nil)
}

func timeoutErr() error {
	return ferrors.NewLifecycleError(ferrors.ErrTimeout, ferrors.CodeTimeout, nil)
}

func detailsFor(cause error) map[string]interface{} {
	if cause == nil {
		return nil
	}
	return map[string]interface{}{"cause": cause.Error()}
}
