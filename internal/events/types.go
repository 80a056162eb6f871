// Package events defines the lifecycle events cc-executor publishes on its
// event bus. The bus is an observability mirror; client-facing delivery always
// happens directly on the owning websocket.
package events

// Bus subjects.
const (
	SubjectSessionOpened      = "executor.session.opened"
	SubjectSessionClosed      = "executor.session.closed"
	SubjectExecutionStarted   = "executor.execution.started"
	SubjectExecutionCompleted = "executor.execution.completed"
)

// Event types carried on the subjects above.
const (
	TypeSessionOpened      = "session.opened"
	TypeSessionClosed      = "session.closed"
	TypeExecutionStarted   = "execution.started"
	TypeExecutionCompleted = "execution.completed"
)

// Source identifies this service as the event producer.
const Source = "cc-executor"
