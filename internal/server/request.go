// file: internal/server/request.go
package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkoosis/fast/internal/fsm"
	"github.com/dkoosis/fast/internal/logging"
)

// Server request states and events, named exactly as §4.5's state table.
const (
	StateNew        fsm.State = "NEW"
	StateRunning    fsm.State = "RUNNING"
	StateCompleting fsm.State = "COMPLETING"
	StateDone       fsm.State = "DONE"

	eventDispatch  fsm.Event = "dispatch"
	eventTerminate fsm.Event = "terminate"
	eventFlush     fsm.Event = "flush"
)

// serverRequest is one in-flight request on a connection: its id, the
// method it targets, and the state machine guarding its lifecycle.
type serverRequest struct {
	id     uint32
	method string
	argv   []json.RawMessage

	machine fsm.FSM

	mu   sync.Mutex
	done bool // true once end/fail has been accepted; guards against double-termination.
}

func newServerRequest(id uint32, method string, argv []json.RawMessage, logger logging.Logger) *serverRequest {
	r := &serverRequest{id: id, method: method, argv: argv}

	m := fsm.NewFSM(StateNew, logger)
	m.AddTransition(fsm.Transition{From: []fsm.State{StateNew}, To: StateRunning, Event: eventDispatch})
	m.AddTransition(fsm.Transition{From: []fsm.State{StateRunning}, To: StateCompleting, Event: eventTerminate})
	m.AddTransition(fsm.Transition{From: []fsm.State{StateCompleting}, To: StateDone, Event: eventFlush})
	_ = m.Build()
	r.machine = m

	return r
}

func (r *serverRequest) dispatch(ctx context.Context) {
	_ = r.machine.Transition(ctx, eventDispatch, nil)
}

// markTerminating claims the right to send this request's one terminator.
// It returns false if a terminator has already been sent (or claimed),
// matching the handler contract: calls after end/fail are ignored.
func (r *serverRequest) markTerminating(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	_ = r.machine.Transition(ctx, eventTerminate, nil)
	return true
}

func (r *serverRequest) markFlushed(ctx context.Context) {
	_ = r.machine.Transition(ctx, eventFlush, nil)
}
