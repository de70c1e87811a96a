package domain

import "encoding/json"

// AgentEvent is one entry of the ordered event stream of a turn.
type AgentEvent struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	Ts    int64     `json:"ts"`
	Data  any       `json:"data"`
}

// RunStartedPayload is the payload for run_started.
type RunStartedPayload struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	InputText string `json:"input_text"`
	Kind      string `json:"kind,omitempty"`
}

// LLMMessagePayload is the payload for llm_message.
type LLMMessagePayload struct {
	Node    string `json:"node"`
	Content string `json:"content"`
}

// ActionCallPayload is the payload for action_call.
type ActionCallPayload struct {
	Name string `json:"name"`
	Args Args   `json:"args"`
}

// ActionResultPayload is the payload for action_result.
type ActionResultPayload struct {
	Name      string          `json:"name"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Cached    bool            `json:"cached,omitempty"`
	UndoToken string          `json:"undo_token,omitempty"`
}

// FinalMessagePayload is the payload for final_message.
type FinalMessagePayload struct {
	Content string `json:"content"`
}

// RunCompletedPayload is the payload for run_completed.
type RunCompletedPayload struct {
	Status string `json:"status"`
}

// NewActionResultPayload projects an ActionResult onto its event payload.
func NewActionResultPayload(r ActionResult) ActionResultPayload {
	return ActionResultPayload{
		Name:      r.Name,
		OK:        r.OK,
		Result:    r.Result,
		Error:     r.Error,
		Cached:    r.Cached,
		UndoToken: r.UndoToken,
	}
}
