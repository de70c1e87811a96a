package domain

import (
	"encoding/json"
	"time"

	"github.com/xiaot623/taskagent/internal/apperr"
)

// Args holds validated, normalized tool arguments.
// Values are string, int64, bool, []string or []int64.
type Args map[string]any

// String returns the string argument key.
func (a Args) String(key string) (string, bool) {
	v, ok := a[key].(string)
	return v, ok
}

// Int returns the integer argument key.
func (a Args) Int(key string) (int64, bool) {
	v, ok := a[key].(int64)
	return v, ok
}

// Bool returns the boolean argument key.
func (a Args) Bool(key string) (bool, bool) {
	v, ok := a[key].(bool)
	return v, ok
}

// Strings returns the string list argument key.
func (a Args) Strings(key string) ([]string, bool) {
	v, ok := a[key].([]string)
	return v, ok
}

// Ints returns the integer list argument key.
func (a Args) Ints(key string) ([]int64, bool) {
	v, ok := a[key].([]int64)
	return v, ok
}

// Has reports whether key is present.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Action is one validated tool invocation.
type Action struct {
	Name        string `json:"name"`
	Args        Args   `json:"args"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// RejectedAction is an action dropped by the decision validator.
type RejectedAction struct {
	Name   string      `json:"name"`
	Kind   apperr.Kind `json:"kind"`
	Reason string      `json:"reason"`
}

// Decision is the validated planner output.
type Decision struct {
	AssistantText string           `json:"assistant_text"`
	Actions       []Action         `json:"actions"`
	Rejected      []RejectedAction `json:"rejected,omitempty"`
	Malformed     bool             `json:"malformed,omitempty"`
}

// ActionResult is the outcome of executing one action.
type ActionResult struct {
	Name       string          `json:"name"`
	OK         bool            `json:"ok"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  apperr.Kind     `json:"error_kind,omitempty"`
	Duration   time.Duration   `json:"-"`
	DurationMs int64           `json:"duration_ms"`
	Cached     bool            `json:"cached,omitempty"`
	UndoToken  string          `json:"undo_token,omitempty"`
}

// Failed builds a failed result for name.
func Failed(name string, err error) ActionResult {
	return ActionResult{
		Name:      name,
		OK:        false,
		Error:     apperr.MessageOf(err),
		ErrorKind: apperr.KindOf(err),
	}
}

// UndoToken is a single-use handle reversing one prior action.
type UndoToken struct {
	TokenID           string    `json:"token_id"`
	SessionID         string    `json:"session_id"`
	Reversal          Action    `json:"reversal_action"`
	OriginFingerprint string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	Consumed          bool      `json:"consumed"`
}
