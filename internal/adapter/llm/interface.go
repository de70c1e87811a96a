// Package llm provides text completion clients for the planner and synthesizer.
package llm

import "context"

// Completer turns a prompt into a completion.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

var (
	_ Completer = (*Client)(nil)
	_ Completer = (*OllamaClient)(nil)
	_ Completer = (*MockClient)(nil)
)
