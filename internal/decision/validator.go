// Package decision turns raw planner output into a validated Decision.
package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
	"github.com/xiaot623/taskagent/internal/tools"
)

// FallbackText is used when nothing usable survives validation.
const FallbackText = "I'm sorry, I had trouble understanding your request."

// DefaultMaxActions caps the actions of one decision.
const DefaultMaxActions = 8

// SchemaSource resolves tool schemas.
type SchemaSource interface {
	Schema(name string) (tools.Spec, error)
}

// Validator applies the degrade-don't-fail policy to planner output.
type Validator struct {
	schemas    SchemaSource
	maxActions int
}

// NewValidator creates a validator. maxActions <= 0 uses DefaultMaxActions.
func NewValidator(schemas SchemaSource, maxActions int) *Validator {
	if maxActions <= 0 {
		maxActions = DefaultMaxActions
	}
	return &Validator{schemas: schemas, maxActions: maxActions}
}

type rawDecision struct {
	AssistantText *string           `json:"assistant_text"`
	Text          *string           `json:"text"`
	Actions       []json.RawMessage `json:"actions"`
}

type rawAction struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Validate parses raw and keeps every well-formed action. It never fails.
func (v *Validator) Validate(raw string) domain.Decision {
	parsed, err := parse(raw)
	if err != nil {
		return domain.Decision{
			AssistantText: FallbackText,
			Actions:       []domain.Action{},
			Rejected: []domain.RejectedAction{{
				Kind:   apperr.KindMalformedDecision,
				Reason: err.Error(),
			}},
			Malformed: true,
		}
	}

	d := domain.Decision{Actions: []domain.Action{}}
	switch {
	case parsed.AssistantText != nil:
		d.AssistantText = strings.TrimSpace(*parsed.AssistantText)
	case parsed.Text != nil:
		d.AssistantText = strings.TrimSpace(*parsed.Text)
	}

	for _, item := range parsed.Actions {
		var ra rawAction
		if err := json.Unmarshal(item, &ra); err != nil {
			d.Rejected = append(d.Rejected, domain.RejectedAction{
				Kind:   apperr.KindMalformedDecision,
				Reason: "action is not an object",
			})
			continue
		}
		name := strings.TrimSpace(ra.Name)
		if name == tools.NoOp {
			continue
		}
		if name == "" {
			d.Rejected = append(d.Rejected, domain.RejectedAction{
				Kind:   apperr.KindMalformedDecision,
				Reason: "action without a name",
			})
			continue
		}
		spec, err := v.schemas.Schema(name)
		if err != nil {
			d.Rejected = append(d.Rejected, reject(name, err))
			continue
		}
		rawArgs, err := decodeArgs(ra.Args)
		if err != nil {
			d.Rejected = append(d.Rejected, domain.RejectedAction{Name: name, Kind: apperr.KindSchemaViolation, Reason: err.Error()})
			continue
		}
		args, err := spec.Validate(rawArgs)
		if err != nil {
			d.Rejected = append(d.Rejected, reject(name, err))
			continue
		}
		if len(d.Actions) == v.maxActions {
			d.Rejected = append(d.Rejected, domain.RejectedAction{
				Name:   name,
				Kind:   apperr.KindSchemaViolation,
				Reason: fmt.Sprintf("too many actions (limit %d)", v.maxActions),
			})
			continue
		}
		d.Actions = append(d.Actions, domain.Action{Name: name, Args: args})
	}

	if len(d.Actions) == 0 && len(d.Rejected) > 0 && d.AssistantText == "" {
		d.AssistantText = FallbackText
	}
	return d
}

func reject(name string, err error) domain.RejectedAction {
	return domain.RejectedAction{Name: name, Kind: apperr.KindOf(err), Reason: apperr.MessageOf(err)}
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("args must be an object")
	}
	return out, nil
}

func parse(raw string) (*rawDecision, error) {
	body := extractObject(raw)
	if body == "" {
		return nil, apperr.New(apperr.KindMalformedDecision, "no JSON object in planner output")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var d rawDecision
	if err := dec.Decode(&d); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedDecision, err, "planner output is not a valid decision: "+err.Error())
	}
	return &d, nil
}

// extractObject strips markdown fences and returns the outermost {...} span.
func extractObject(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
