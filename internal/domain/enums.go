// Package domain defines the core domain models for the task agent.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusDone    RunStatus = "DONE"
	RunStatusFailed  RunStatus = "FAILED"
)

// RunKind distinguishes agent turns from undo redemptions.
type RunKind string

const (
	RunKindStep RunKind = "step"
	RunKindUndo RunKind = "undo"
)

// TurnPhase is a state of the bounded turn state machine.
type TurnPhase string

const (
	PhaseStarted      TurnPhase = "started"
	PhasePlanning     TurnPhase = "planning"
	PhaseValidating   TurnPhase = "validating"
	PhaseExecuting    TurnPhase = "executing"
	PhaseSynthesizing TurnPhase = "synthesizing"
	PhaseCompleted    TurnPhase = "completed"
)

// EventType represents the type of an agent event.
type EventType string

const (
	EventTypeRunStarted   EventType = "run_started"
	EventTypeLLMMessage   EventType = "llm_message"
	EventTypeActionCall   EventType = "action_call"
	EventTypeActionResult EventType = "action_result"
	EventTypeFinalMessage EventType = "final_message"
	EventTypeRunCompleted EventType = "run_completed"
)

// Completion statuses carried by run_completed.
const (
	CompletionOK    = "ok"
	CompletionError = "error"
)

// LLM node names.
const (
	NodePlanner     = "planner"
	NodeSynthesizer = "synthesizer"
)

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
)

// TaskStatuses lists the valid task statuses.
var TaskStatuses = []string{string(TaskStatusOpen), string(TaskStatusInProgress), string(TaskStatusDone)}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusInProgress, TaskStatusDone:
		return true
	}
	return false
}

// TraceKind is the kind of a trace node.
type TraceKind string

const (
	TraceKindSpan       TraceKind = "span"
	TraceKindGeneration TraceKind = "generation"
	TraceKindEvent      TraceKind = "event"
)

// MessageRole is the author of a session message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)
