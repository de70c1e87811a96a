// Package service runs agent turns and undo redemptions on top of the planner,
// executor and persistence layers.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/agent"
	"github.com/xiaot623/taskagent/internal/domain"
	"github.com/xiaot623/taskagent/internal/repository"
	"github.com/xiaot623/taskagent/internal/telemetry"
	"github.com/xiaot623/taskagent/internal/tools"
	"github.com/xiaot623/taskagent/internal/trace"
)

// DefaultContextTurns is how many prior messages are fed to the planner.
const DefaultContextTurns = 6

// Planner produces the raw planner output for a turn.
type Planner interface {
	Plan(ctx context.Context, in agent.PlanInput) (agent.Generation, error)
}

// Synthesizer writes the final reply.
type Synthesizer interface {
	Synthesize(ctx context.Context, in agent.SynthesisInput) agent.Synthesis
}

// DecisionValidator turns raw planner output into a decision.
type DecisionValidator interface {
	Validate(raw string) domain.Decision
}

// ActionExecutor runs validated actions.
type ActionExecutor interface {
	Execute(ctx context.Context, sessionID string, action domain.Action) domain.ActionResult
}

// UndoRedeemer resolves and redeems undo tokens.
type UndoRedeemer interface {
	Lookup(tokenID string) (domain.UndoToken, bool)
	Redeem(ctx context.Context, tokenID string) (domain.ActionResult, error)
}

// Sweeper drops expired entries and reports how many were removed.
type Sweeper interface {
	Sweep() int
}

// ToolLister describes the public tools.
type ToolLister interface {
	Describe() []tools.Description
}

// TaskReader reads the task list.
type TaskReader interface {
	Fetch(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
}

// Publisher pushes events to live subscribers of a session.
type Publisher interface {
	Publish(sessionID string, v any) error
}

// Config holds service settings.
type Config struct {
	ContextTurns int
}

// Deps are the collaborators of a Service. Hub, Metrics and Sweepers are optional.
type Deps struct {
	Store       repository.Store
	Tools       ToolLister
	Tasks       TaskReader
	Planner     Planner
	Validator   DecisionValidator
	Executor    ActionExecutor
	Synthesizer Synthesizer
	Undo        UndoRedeemer
	Tracer      *trace.Tracer
	Hub         Publisher
	Metrics     *telemetry.Metrics
	Sweepers    map[string]Sweeper
	Config      Config
	Logger      *zap.Logger
}

// Service orchestrates agent turns.
type Service struct {
	store       repository.Store
	tools       ToolLister
	tasks       TaskReader
	planner     Planner
	validator   DecisionValidator
	executor    ActionExecutor
	synthesizer Synthesizer
	undo        UndoRedeemer
	tracer      *trace.Tracer
	hub         Publisher
	metrics     *telemetry.Metrics
	sweepers    map[string]Sweeper
	config      Config
	log         *zap.Logger
	now         func() time.Time
}

// New creates a service.
func New(d Deps) *Service {
	if d.Config.ContextTurns <= 0 {
		d.Config.ContextTurns = DefaultContextTurns
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Tracer == nil {
		d.Tracer = trace.NewTracer(nil, trace.WithLogger(d.Logger))
	}
	return &Service{
		store:       d.Store,
		tools:       d.Tools,
		tasks:       d.Tasks,
		planner:     d.Planner,
		validator:   d.Validator,
		executor:    d.Executor,
		synthesizer: d.Synthesizer,
		undo:        d.Undo,
		tracer:      d.Tracer,
		hub:         d.Hub,
		metrics:     d.Metrics,
		sweepers:    d.Sweepers,
		config:      d.Config,
		log:         d.Logger,
		now:         time.Now,
	}
}
