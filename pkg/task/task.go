// Package task defines the task lifecycle model and its state machine.
package task

import (
	"fmt"
	"time"

	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
)

// State is a task lifecycle state. COMPLETED, FAILED and CANCELLED are
// terminal: no event moves a task out of them.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// DefaultMaxDepth bounds the subtask tree when no limit is configured.
const DefaultMaxDepth = 8

// Task is a unit of delegated work. It is exclusively owned by the agent
// that created it; other agents reference it by ID only.
type Task struct {
	ID        string    `json:"id"`
	Skill     string    `json:"skill,omitempty"`
	State     State     `json:"state"`
	ParentID  string    `json:"parent_id,omitempty"`
	Depth     int       `json:"depth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InvalidTransitionError rejects an event against a terminal task or an
// event the current state does not admit. It is never retried.
type InvalidTransitionError struct {
	TaskID string
	From   State
	Event  EventKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: no transition %s from %s", e.TaskID, e.Event, e.From)
}

func (e *InvalidTransitionError) WireCode() protocol.ErrorCode {
	return protocol.CodeInvalidTransition
}

// DepthError rejects subtask creation past the configured depth cap.
type DepthError struct {
	TaskID string
	Depth  int
	Max    int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("task %s: depth %d exceeds limit %d", e.TaskID, e.Depth, e.Max)
}

func (e *DepthError) WireCode() protocol.ErrorCode { return protocol.CodeValidationFailed }
