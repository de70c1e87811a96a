package agent

import (
	"strings"
	"text/template"
)

var promptFuncs = template.FuncMap{
	"join":    strings.Join,
	"oneline": func(s string) string { return strings.Join(strings.Fields(s), " ") },
}

const plannerPrompt = `You are a task management assistant. Decide which tools to call for the user's request.
Today is {{.Today}}.{{if .Domain}} Domain: {{.Domain}}.{{end}}

Available tools:
{{range .Tools}}- {{.Name}}: {{.Description}}
{{range .Fields}}    {{.Name}} ({{.Type}}{{if .Required}}, required{{end}}{{if .Enum}}, one of {{join .Enum "|"}}{{end}}{{if .Format}}, format {{.Format}}{{end}}){{if .Description}}: {{.Description}}{{end}}
{{end}}{{end}}
{{- if .Context}}
Recent conversation:
{{range .Context}}- {{oneline .}}
{{end}}{{end}}
Respond with ONLY a JSON object of the form:
{"assistant_text": "<short reply to the user>", "actions": [{"name": "<tool>", "args": {}}]}
Use an empty actions list when no tool applies. Only use the tools listed above.

User request: "{{oneline .UserText}}"
Response:`

const synthesizerPrompt = `You are a task management assistant. Write a short, friendly reply telling the user what happened.
Only report success for actions listed as succeeded. Explain failures in plain language.

User request: "{{oneline .UserText}}"
{{- if .AssistantText}}
Planner note: {{oneline .AssistantText}}
{{- end}}
Action results:
{{range .Lines}}- {{.}}
{{end}}
Reply:`

var (
	plannerTemplate     = template.Must(template.New("planner").Funcs(promptFuncs).Parse(plannerPrompt))
	synthesizerTemplate = template.Must(template.New("synthesizer").Funcs(promptFuncs).Parse(synthesizerPrompt))
)

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
