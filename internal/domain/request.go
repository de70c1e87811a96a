package domain

import "encoding/json"

// StepRequest is the inbound request for one agent turn.
type StepRequest struct {
	InputText           string   `json:"input_text"`
	SessionID           string   `json:"session_id,omitempty"`
	Domain              string   `json:"domain,omitempty"`
	ConversationContext []string `json:"conversation_context,omitempty"`
}

// StatePatch is returned to the client so it can carry ids forward.
type StatePatch struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Domain    string `json:"domain,omitempty"`
}

// StepResponse is the result of one agent turn.
type StepResponse struct {
	Events       []AgentEvent `json:"events"`
	FinalMessage string       `json:"final_message"`
	RunID        string       `json:"run_id"`
	SessionID    string       `json:"session_id"`
	StatePatch   StatePatch   `json:"state_patch"`
}

// UndoRequest asks for the redemption of an undo token.
type UndoRequest struct {
	UndoToken string `json:"undo_token"`
}

// ErrorBody is the wire form of a classified error.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// UndoResponse is the result of an undo redemption.
type UndoResponse struct {
	OK     bool            `json:"ok"`
	RunID  string          `json:"run_id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}
