// Package agent holds the LLM-facing nodes of a turn: the planner and the synthesizer.
package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/adapter/llm"
	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/tools"
)

// PlannerFallbackText is the assistant text used when the planner model is unreachable.
const PlannerFallbackText = "I'm sorry, I encountered an error processing your request. Please try again."

// ToolDescriber lists the tools offered to the planner.
type ToolDescriber interface {
	Describe() []tools.Description
}

// PlanInput is what the planner sees.
type PlanInput struct {
	UserText string
	Context  []string
	Domain   string
}

// Planner asks the model for a decision.
type Planner struct {
	llm     llm.Completer
	tools   ToolDescriber
	timeout time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// NewPlanner creates a planner.
func NewPlanner(c llm.Completer, t ToolDescriber, timeout time.Duration, log *zap.Logger) *Planner {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{llm: c, tools: t, timeout: timeout, now: time.Now, log: log}
}

// Prompt renders the planner prompt.
func (p *Planner) Prompt(in PlanInput) (string, error) {
	return render(plannerTemplate, struct {
		Today    string
		Domain   string
		Tools    []tools.Description
		Context  []string
		UserText string
	}{
		Today:    p.now().Format("2006-01-02 (Monday)"),
		Domain:   in.Domain,
		Tools:    p.tools.Describe(),
		Context:  in.Context,
		UserText: in.UserText,
	})
}

// Plan returns the raw model output. Failures are UpstreamUnavailable.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (Generation, error) {
	prompt, err := p.Prompt(in)
	if err != nil {
		return Generation{}, apperr.Wrap(apperr.KindInternal, err, fmt.Sprintf("render planner prompt: %v", err))
	}
	return complete(ctx, p.llm, prompt, p.timeout, "planner", p.log)
}
