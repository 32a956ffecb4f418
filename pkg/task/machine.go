package task

import (
	"encoding/json"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventComplete EventKind = "complete"
	EventFail     EventKind = "fail"
	EventCancel   EventKind = "cancel"
)

func (k EventKind) String() string { return string(k) }

// Event is a lifecycle event plus its attachments. Output rides on
// complete; Err on fail; Reason on cancel.
type Event struct {
	Kind   EventKind
	Output json.RawMessage
	Err    *protocol.ErrorPayload
	Reason string
}

// Transition is the pure lifecycle function: given a task and an event it
// returns the next state and the payloads to emit, or an
// *InvalidTransitionError when the current state does not admit the event.
// Terminal states reject every event; the task is never modified here.
//
//	PENDING  --start--> RUNNING
//	RUNNING  --complete--> COMPLETED   emits TaskResponse
//	RUNNING  --fail--> FAILED          emits TaskResponse with error
//	PENDING|RUNNING --cancel--> CANCELLED  emits TaskResponse
func Transition(t Task, ev Event) (State, []protocol.Payload, error) {
	reject := func() (State, []protocol.Payload, error) {
		return t.State, nil, &InvalidTransitionError{TaskID: t.ID, From: t.State, Event: ev.Kind}
	}
	switch ev.Kind {
	case EventStart:
		if t.State != StatePending {
			return reject()
		}
		return StateRunning, nil, nil
	case EventComplete:
		if t.State != StateRunning {
			return reject()
		}
		return StateCompleted, []protocol.Payload{&protocol.TaskResponse{
			TaskID:     t.ID,
			FinalState: string(StateCompleted),
			Output:     ev.Output,
		}}, nil
	case EventFail:
		if t.State != StateRunning {
			return reject()
		}
		errp := ev.Err
		if errp == nil {
			errp = &protocol.ErrorPayload{Code: protocol.CodeInternal, Message: "task failed"}
		}
		return StateFailed, []protocol.Payload{&protocol.TaskResponse{
			TaskID:     t.ID,
			FinalState: string(StateFailed),
			Error:      errp,
		}}, nil
	case EventCancel:
		if t.State != StatePending && t.State != StateRunning {
			return reject()
		}
		return StateCancelled, []protocol.Payload{&protocol.TaskResponse{
			TaskID:     t.ID,
			FinalState: string(StateCancelled),
		}}, nil
	default:
		return reject()
	}
}
