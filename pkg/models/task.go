package models

import (
	"time"
)

// WorkflowType labels the three processing workflows.
type WorkflowType string

const (
	// WorkflowA records a non-responding message into the context.
	WorkflowA WorkflowType = "A"

	// WorkflowB prepares a model turn: context update plus session creation.
	WorkflowB WorkflowType = "B"

	// WorkflowC executes the model turn, including the tool loop.
	WorkflowC WorkflowType = "C"
)

// QueueKind names the two per-chat queues.
type QueueKind string

const (
	QueueMessage QueueKind = "message"
	QueueModel   QueueKind = "model"
)

// Task is a unit of work dequeued by a queue consumer. Message holds the
// payload for workflows A and B; SessionID identifies the turn for workflow C.
type Task struct {
	ID        string
	ChatID    string
	Workflow  WorkflowType
	Queue     QueueKind
	Message   *InboundMessage
	SessionID string
	CreatedAt time.Time
}

// WorkflowResult is the structured outcome of executing one task. Workflows
// never return raw errors to the queue consumer; failures are reported here.
type WorkflowResult struct {
	Workflow  WorkflowType
	TaskID    string
	ChatID    string
	Success   bool
	Error     string
	IsCommand bool

	// Response is set when the workflow produced a user-visible reply
	// (command output for A, model reply for C).
	Response *Response

	// SessionID and ContextSnapshot are set by workflow B for the rules
	// manager to dispatch workflow C.
	SessionID       string
	ContextSnapshot *Context

	// AppendAssistant directs the agent core to write the response content
	// back into the context as an assistant message. Workflow C only.
	AppendAssistant bool
}

// ToolCallStatus tracks the lifecycle of one model-requested tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallTimeout   ToolCallStatus = "timeout"
)

// ToolCallRecord is the tracking entry the workflow engine keeps for every
// tool call attempt. Records are keyed by session and dropped when the
// owning session is cleaned up.
type ToolCallRecord struct {
	ID        string
	SessionID string
	ToolName  string
	Status    ToolCallStatus
	StartedAt time.Time
	Result    string
}
