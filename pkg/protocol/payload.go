package protocol

import (
	"encoding/json"
	"fmt"
)

// PayloadType discriminates the closed set of payload variants an
// envelope may carry.
type PayloadType string

const (
	TypeTaskRequest  PayloadType = "task.request"
	TypeTaskResponse PayloadType = "task.response"
	TypeTaskUpdate   PayloadType = "task.update"
	TypeTaskCancel   PayloadType = "task.cancel"
	TypeMessageAck   PayloadType = "msg.ack"
	TypeError        PayloadType = "error"
	TypeToolCall     PayloadType = "tool.call"
	TypeToolResult   PayloadType = "tool.result"
)

// MutatesState reports whether a payload kind changes task state on the
// receiver. Such kinds must travel with requires_ack=true on the async
// transport; informational kinds are never acked or tracked.
func MutatesState(t PayloadType) bool {
	switch t {
	case TypeTaskRequest, TypeTaskCancel:
		return true
	default:
		return false
	}
}

// Payload is the closed tagged union carried by an Envelope. Implementations
// live in this package only; consumers switch exhaustively on the concrete
// type or on Kind().
type Payload interface {
	Kind() PayloadType
	isPayload()
}

// TaskRequest asks the recipient to create and run a task.
type TaskRequest struct {
	TaskID   string            `json:"task_id"`
	Skill    string            `json:"skill"`
	ParentID string            `json:"parent_id,omitempty"`
	Depth    int               `json:"depth,omitempty"`
	Input    json.RawMessage   `json:"input,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// TaskResponse carries the terminal outcome of a task back to the requester.
type TaskResponse struct {
	TaskID     string          `json:"task_id"`
	FinalState string          `json:"final_state"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *ErrorPayload   `json:"error,omitempty"`
}

// TaskUpdate is an informational progress report. It never requires an ack.
type TaskUpdate struct {
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress,omitempty"`
	Note     string  `json:"note,omitempty"`
}

// TaskCancel requests cooperative cancellation of a task.
type TaskCancel struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// AckStatus is the receipt disposition reported in a MessageAck.
type AckStatus string

const (
	AckOK       AckStatus = "ok"
	AckRejected AckStatus = "rejected"
)

// MessageAck confirms receipt of a state-mutating envelope on the async
// transport. OriginalEnvelopeID echoes the correlation id being acked.
type MessageAck struct {
	OriginalEnvelopeID string    `json:"original_envelope_id"`
	Status             AckStatus `json:"status"`
	Detail             string    `json:"detail,omitempty"`
}

// ErrorPayload is the wire form of any rejection. Code is stable across
// versions; Message is human-oriented.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// ToolCall asks the recipient to invoke a named tool.
type ToolCall struct {
	CallID string          `json:"call_id"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolResult returns the outcome of a ToolCall.
type ToolResult struct {
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    string          `json:"error,omitempty"`
}

func (*TaskRequest) Kind() PayloadType  { return TypeTaskRequest }
func (*TaskResponse) Kind() PayloadType { return TypeTaskResponse }
func (*TaskUpdate) Kind() PayloadType   { return TypeTaskUpdate }
func (*TaskCancel) Kind() PayloadType   { return TypeTaskCancel }
func (*MessageAck) Kind() PayloadType   { return TypeMessageAck }
func (*ErrorPayload) Kind() PayloadType { return TypeError }
func (*ToolCall) Kind() PayloadType     { return TypeToolCall }
func (*ToolResult) Kind() PayloadType   { return TypeToolResult }

func (*TaskRequest) isPayload()  {}
func (*TaskResponse) isPayload() {}
func (*TaskUpdate) isPayload()   {}
func (*TaskCancel) isPayload()   {}
func (*MessageAck) isPayload()   {}
func (*ErrorPayload) isPayload() {}
func (*ToolCall) isPayload()     {}
func (*ToolResult) isPayload()   {}

// DecodePayload parses raw into the variant named by t. Unknown types are a
// validation error; the union is closed.
func DecodePayload(t PayloadType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeTaskRequest:
		p = &TaskRequest{}
	case TypeTaskResponse:
		p = &TaskResponse{}
	case TypeTaskUpdate:
		p = &TaskUpdate{}
	case TypeTaskCancel:
		p = &TaskCancel{}
	case TypeMessageAck:
		p = &MessageAck{}
	case TypeError:
		p = &ErrorPayload{}
	case TypeToolCall:
		p = &ToolCall{}
	case TypeToolResult:
		p = &ToolResult{}
	default:
		return nil, &ValidationError{Field: "payload_type", Reason: fmt.Sprintf("unknown payload type %q", t)}
	}
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "missing payload"}
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("decode %s: %v", t, err)}
	}
	return p, nil
}
