package domain

import (
	"encoding/json"
	"time"
)

// Turn is one user request lifecycle.
type Turn struct {
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	InputText string    `json:"input_text"`
	Domain    string    `json:"domain,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Run is the persisted record of a turn or undo redemption.
type Run struct {
	RunID        string     `json:"run_id"`
	SessionID    string     `json:"session_id"`
	Kind         RunKind    `json:"kind"`
	InputText    string     `json:"input_text"`
	Domain       string     `json:"domain,omitempty"`
	Status       RunStatus  `json:"status"`
	FinalMessage string     `json:"final_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Event represents an agent event recorded for replay.
type Event struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Seq     int             `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session represents a conversation session.
type Session struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message represents a single message in a session.
type Message struct {
	MessageID string      `json:"message_id"`
	SessionID string      `json:"session_id"`
	RunID     string      `json:"run_id,omitempty"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// TraceNode is one span, generation or event of a turn trace.
type TraceNode struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Kind      TraceKind       `json:"kind"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}
