package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
	"github.com/xiaot623/taskagent/internal/tools"
)

type schemaMap map[string]tools.Spec

func (m schemaMap) Schema(name string) (tools.Spec, error) {
	s, ok := m[name]
	if !ok {
		return tools.Spec{}, apperr.Newf(apperr.KindUnknownTool, "unknown tool %q", name)
	}
	return s, nil
}

var schemas = schemaMap{
	"create_task": {
		Name:   "create_task",
		Fields: []tools.Field{{Name: "title", Type: tools.TypeString, Required: true, MaxLength: 50}},
	},
	"update_task_status": {
		Name: "update_task_status",
		Fields: []tools.Field{
			{Name: "task_id", Type: tools.TypeInteger, Required: true},
			{Name: "status", Type: tools.TypeString, Required: true, Enum: domain.TaskStatuses},
		},
	},
}

func TestValidateWellFormed(t *testing.T) {
	v := NewValidator(schemas, 0)
	d := v.Validate(`{"assistant_text":"Creating it now.","actions":[{"name":"create_task","args":{"title":"Review the quarterly report"}}]}`)

	assert.False(t, d.Malformed)
	assert.Equal(t, "Creating it now.", d.AssistantText)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, "create_task", d.Actions[0].Name)
	assert.Equal(t, "Review the quarterly report", d.Actions[0].Args["title"])
	assert.Empty(t, d.Rejected)
}

func TestValidateStripsFences(t *testing.T) {
	v := NewValidator(schemas, 0)
	d := v.Validate("Sure!\n```json\n{\"text\": \"Done\", \"actions\": []}\n```")

	assert.False(t, d.Malformed)
	assert.Equal(t, "Done", d.AssistantText)
	assert.Empty(t, d.Actions)
}

func TestValidateMalformed(t *testing.T) {
	v := NewValidator(schemas, 0)
	for _, raw := range []string{"", "I think you want a task", `{"actions": [`, `{"actions": "create_task"}`} {
		d := v.Validate(raw)
		assert.True(t, d.Malformed, raw)
		assert.Equal(t, FallbackText, d.AssistantText)
		assert.NotNil(t, d.Actions)
		assert.Empty(t, d.Actions)
		require.Len(t, d.Rejected, 1)
		assert.Equal(t, apperr.KindMalformedDecision, d.Rejected[0].Kind)
	}
}

func TestValidateKeepsValidActionsBesideUnknownOnes(t *testing.T) {
	v := NewValidator(schemas, 0)
	d := v.Validate(`{"assistant_text":"On it.","actions":[
		{"name":"send_email","args":{"to":"boss"}},
		{"name":"create_task","args":{"title":"Call the bank"}}
	]}`)

	require.Len(t, d.Actions, 1)
	assert.Equal(t, "create_task", d.Actions[0].Name)
	require.Len(t, d.Rejected, 1)
	assert.Equal(t, "send_email", d.Rejected[0].Name)
	assert.Equal(t, apperr.KindUnknownTool, d.Rejected[0].Kind)
	assert.Equal(t, "On it.", d.AssistantText)
}

func TestValidateDropsSchemaViolations(t *testing.T) {
	v := NewValidator(schemas, 0)
	d := v.Validate(`{"actions":[
		{"name":"update_task_status","args":{"task_id":3,"status":"archived"}},
		{"name":"update_task_status","args":"3"},
		{"name":"update_task_status","args":{"task_id":"3","status":"done"}},
		"create_task",
		{"args":{}}
	]}`)

	require.Len(t, d.Actions, 1)
	assert.Equal(t, int64(3), d.Actions[0].Args["task_id"])
	require.Len(t, d.Rejected, 4)
	assert.Equal(t, apperr.KindSchemaViolation, d.Rejected[0].Kind)
	assert.Equal(t, apperr.KindSchemaViolation, d.Rejected[1].Kind)
	assert.Equal(t, apperr.KindMalformedDecision, d.Rejected[2].Kind)
	assert.Equal(t, apperr.KindMalformedDecision, d.Rejected[3].Kind)
	assert.Empty(t, d.AssistantText, "a surviving action needs no apology")
}

func TestValidateAllDroppedUsesFallback(t *testing.T) {
	v := NewValidator(schemas, 0)
	d := v.Validate(`{"actions":[{"name":"launch_rocket","args":{}}]}`)

	assert.Empty(t, d.Actions)
	assert.Equal(t, FallbackText, d.AssistantText)
	assert.False(t, d.Malformed)
}

func TestValidateSkipsNoOp(t *testing.T) {
	v := NewValidator(schemas, 0)
	d := v.Validate(`{"assistant_text":"I can't check the weather, but I can manage your tasks.","actions":[{"name":"no_op","args":{}}]}`)

	assert.Empty(t, d.Actions)
	assert.Empty(t, d.Rejected)
	assert.Equal(t, "I can't check the weather, but I can manage your tasks.", d.AssistantText)
}

func TestValidateCapsActions(t *testing.T) {
	v := NewValidator(schemas, 2)
	d := v.Validate(`{"actions":[
		{"name":"create_task","args":{"title":"a"}},
		{"name":"create_task","args":{"title":"b"}},
		{"name":"create_task","args":{"title":"c"}}
	]}`)

	assert.Len(t, d.Actions, 2)
	require.Len(t, d.Rejected, 1)
	assert.Contains(t, d.Rejected[0].Reason, "too many actions")
}
