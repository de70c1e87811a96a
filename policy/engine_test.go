package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)
	return e
}

func TestDefaultPolicyAllows(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Evaluate(context.Background(), Input{ToolName: "create_task", Args: map[string]any{"title": "x"}})
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, DecisionAllow, res.Decision)
	assert.Empty(t, res.Reason)
}

func TestInternalToolNeedsReversal(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Evaluate(ctx, Input{ToolName: "delete_task", Internal: true})
	require.NoError(t, err)
	assert.False(t, res.Allowed())
	assert.Contains(t, res.Reason, "undo reversals")

	res, err = e.Evaluate(ctx, Input{ToolName: "delete_task", Internal: true, Reversal: true})
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestDeniedTools(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Evaluate(context.Background(), Input{ToolName: "reorder_tasks", DeniedTools: []string{"reorder_tasks"}})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, res.Decision)
	assert.Equal(t, "tool reorder_tasks is disabled", res.Reason)
}

func TestReorderCap(t *testing.T) {
	e := newTestEngine(t)
	ids := make([]int64, 201)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	res, err := e.Evaluate(context.Background(), Input{ToolName: "reorder_tasks", Args: map[string]any{"task_ids": ids}})
	require.NoError(t, err)
	assert.False(t, res.Allowed())

	res, err = e.Evaluate(context.Background(), Input{ToolName: "reorder_tasks", Args: map[string]any{"task_ids": ids[:3]}})
	require.NoError(t, err)
	assert.True(t, res.Allowed())
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package broken\n decision := ")
	assert.Error(t, err)
}

func TestNewEngineFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.rego")
	content := `package action_policy

import rego.v1

result := {"decision": "block", "reason": "maintenance"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	e, err := NewEngineFromFile(context.Background(), path)
	require.NoError(t, err)
	res, err := e.Evaluate(context.Background(), Input{ToolName: "create_task"})
	require.NoError(t, err)
	assert.Equal(t, Result{Decision: DecisionBlock, Reason: "maintenance"}, res)

	_, err = NewEngineFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)
}
