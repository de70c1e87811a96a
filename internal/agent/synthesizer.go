package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/adapter/llm"
	"github.com/xiaot623/taskagent/internal/domain"
)

// SynthesizerFallbackText is returned when the reply cannot be generated.
const SynthesizerFallbackText = "I'm sorry, I encountered an error processing your request. Please try again."

const maxResultLen = 800

// SynthesisInput is what the synthesizer explains.
type SynthesisInput struct {
	UserText      string
	AssistantText string
	Results       []domain.ActionResult
	Rejected      []domain.RejectedAction
}

// Synthesis is the final reply. Err is set when the fallback was used.
type Synthesis struct {
	Text       string
	UsedLLM    bool
	Generation Generation
	Err        error
}

// Synthesizer turns action outcomes into the user-facing reply.
type Synthesizer struct {
	llm     llm.Completer
	timeout time.Duration
	log     *zap.Logger
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(c llm.Completer, timeout time.Duration, log *zap.Logger) *Synthesizer {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Synthesizer{llm: c, timeout: timeout, log: log}
}

// Synthesize never fails. Pure chat passes the planner text through unchanged.
func (s *Synthesizer) Synthesize(ctx context.Context, in SynthesisInput) Synthesis {
	if len(in.Results) == 0 && len(in.Rejected) == 0 && in.AssistantText != "" {
		return Synthesis{Text: in.AssistantText}
	}

	prompt, err := render(synthesizerTemplate, struct {
		UserText      string
		AssistantText string
		Lines         []string
	}{
		UserText:      in.UserText,
		AssistantText: in.AssistantText,
		Lines:         resultLines(in.Results, in.Rejected),
	})
	if err != nil {
		return Synthesis{Text: SynthesizerFallbackText, Err: err}
	}

	gen, err := complete(ctx, s.llm, prompt, s.timeout, "synthesizer", s.log)
	if err != nil {
		return Synthesis{Text: SynthesizerFallbackText, UsedLLM: true, Generation: gen, Err: err}
	}
	if gen.Output == "" {
		return Synthesis{Text: SynthesizerFallbackText, UsedLLM: true, Generation: gen, Err: fmt.Errorf("empty reply")}
	}
	return Synthesis{Text: gen.Output, UsedLLM: true, Generation: gen}
}

func resultLines(results []domain.ActionResult, rejected []domain.RejectedAction) []string {
	lines := make([]string, 0, len(results)+len(rejected))
	for _, r := range results {
		if r.OK {
			lines = append(lines, fmt.Sprintf("%s succeeded: %s", r.Name, clip(string(r.Result))))
		} else {
			lines = append(lines, fmt.Sprintf("%s failed: %s", r.Name, r.Error))
		}
	}
	for _, r := range rejected {
		name := r.Name
		if name == "" {
			name = "an action"
		}
		lines = append(lines, fmt.Sprintf("%s was not run: %s", name, r.Reason))
	}
	return lines
}

func clip(s string) string {
	if len(s) <= maxResultLen {
		return s
	}
	return s[:maxResultLen] + "..."
}
