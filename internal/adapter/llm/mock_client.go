package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Prompt markers the mock keys on. They match the layout of the agent prompts.
const (
	mockUserMarker    = "User request: "
	mockResultsMarker = "Action results:"
)

var (
	reCreate = regexp.MustCompile(`(?i)^(?:please\s+)?(?:add|create)\s+(?:a\s+)?(?:new\s+)?task\s*(?:(?:to|called|named)\s+|:\s*)?(.+)$`)
	reStatus = regexp.MustCompile(`(?i)\b(?:mark|set|move)\s+task\s+#?(\d+)\s+(?:as\s+|to\s+)?(done|complete|completed|open|in progress|in_progress|started)\b`)
	reList   = regexp.MustCompile(`(?i)\b(?:list|show|what are|fetch)\b.*\btasks?\b`)
)

// MockClient is a deterministic Completer for local runs and tests.
// It plans from simple phrase patterns and summarizes by echoing action results.
type MockClient struct{}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

type mockAction struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type mockDecision struct {
	AssistantText string       `json:"assistant_text"`
	Actions       []mockAction `json:"actions"`
}

// Complete returns a planner decision or a synthesized reply depending on the prompt.
func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.Contains(prompt, mockResultsMarker) {
		return m.summarize(prompt), nil
	}
	return m.plan(userText(prompt)), nil
}

func (m *MockClient) plan(text string) string {
	d := mockDecision{Actions: []mockAction{}}

	switch {
	case reCreate.MatchString(text):
		title := cleanTitle(reCreate.FindStringSubmatch(text)[1])
		d.AssistantText = "Adding that task."
		d.Actions = append(d.Actions, mockAction{Name: "create_task", Args: map[string]any{"title": title}})
	case reStatus.MatchString(text):
		match := reStatus.FindStringSubmatch(text)
		id, _ := strconv.ParseInt(match[1], 10, 64)
		d.AssistantText = "Updating that task."
		d.Actions = append(d.Actions, mockAction{
			Name: "update_task_status",
			Args: map[string]any{"task_id": id, "status": normalizeStatus(match[2])},
		})
	case reList.MatchString(text):
		d.AssistantText = "Here are your tasks."
		d.Actions = append(d.Actions, mockAction{Name: "fetch_tasks", Args: map[string]any{}})
	default:
		d.AssistantText = "I can only help with your tasks right now. Try asking me to add or list tasks."
	}

	out, _ := json.Marshal(d)
	return string(out)
}

func (m *MockClient) summarize(prompt string) string {
	_, after, _ := strings.Cut(prompt, mockResultsMarker)
	var lines []string
	for _, line := range strings.Split(after, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			lines = append(lines, strings.TrimPrefix(line, "- "))
		}
	}
	if len(lines) == 0 {
		return "There was nothing to do."
	}
	return "Here's what happened: " + strings.Join(lines, "; ") + "."
}

func userText(prompt string) string {
	idx := strings.LastIndex(prompt, mockUserMarker)
	if idx < 0 {
		return strings.TrimSpace(prompt)
	}
	line := prompt[idx+len(mockUserMarker):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	return strings.Trim(strings.TrimSpace(line), `"`)
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'`))
	s = strings.TrimRight(s, ".!?")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "done", "complete", "completed":
		return "done"
	case "in progress", "in_progress", "started":
		return "in_progress"
	default:
		return "open"
	}
}
