// Package policy evaluates the admission policy for actions before they touch the task store.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is the document the policy evaluates.
type Input struct {
	SessionID   string         `json:"session_id"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	ReadOnly    bool           `json:"read_only"`
	Internal    bool           `json:"internal"`
	Reversal    bool           `json:"reversal"`
	DeniedTools []string       `json:"denied_tools"`
}

// Result is the outcome of an evaluation.
type Result struct {
	Decision string
	Reason   string
}

// Allowed reports whether the action may run.
func (r Result) Allowed() bool {
	return r.Decision != DecisionBlock
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given Rego module. It must define data.action_policy.decision
// and may define data.action_policy.reason.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.action_policy.result"),
		rego.Module("action_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile compiles the policy at path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks one action against the policy.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Result, error) {
	if input.DeniedTools == nil {
		input.DeniedTools = []string{}
	}
	if input.Args == nil {
		input.Args = map[string]any{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Result{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Result{Decision: DecisionAllow, Reason: "default"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Result{}, fmt.Errorf("policy returned %T, want object", results[0].Expressions[0].Value)
	}
	res := Result{Decision: DecisionAllow}
	if d, ok := obj["decision"].(string); ok {
		res.Decision = d
	}
	if r, ok := obj["reason"].(string); ok {
		res.Reason = r
	}
	return res, nil
}

// DefaultPolicy is the built-in admission policy.
const DefaultPolicy = `
package action_policy

import rego.v1

default decision := "allow"

default reason := ""

decision := "block" if {
	count(block_reasons) > 0
}

reason := concat("; ", sort(block_reasons)) if {
	count(block_reasons) > 0
}

block_reasons contains "internal tools only run as undo reversals" if {
	input.internal
	not input.reversal
}

block_reasons contains msg if {
	input.tool_name in input.denied_tools
	msg := sprintf("tool %s is disabled", [input.tool_name])
}

block_reasons contains "reorder is limited to 200 tasks per action" if {
	input.tool_name == "reorder_tasks"
	count(input.args.task_ids) > 200
}

result := {"decision": decision, "reason": reason}
`
