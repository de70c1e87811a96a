package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/agent"
	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
	"github.com/xiaot623/taskagent/internal/idempotency"
	"github.com/xiaot623/taskagent/internal/trace"
)

// turn is the state of one Step call. Phases only move forward.
type turn struct {
	*emitter
	input string
	req   domain.StepRequest
	trace *trace.Turn
	phase domain.TurnPhase
	log   *zap.Logger
}

func (t *turn) enter(p domain.TurnPhase) {
	t.phase = p
	t.log.Debug("turn phase", zap.String("phase", string(p)))
}

// Step runs one agent turn: plan, validate, execute, synthesize.
// Once the input is accepted the turn always completes with a final message;
// failures degrade the reply and mark run_completed with status "error".
func (s *Service) Step(ctx context.Context, req domain.StepRequest) (*domain.StepResponse, error) {
	input := strings.TrimSpace(req.InputText)
	if input == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "input_text is required")
	}
	// A client disconnect must not abandon a turn half way through its actions.
	ctx = context.WithoutCancel(ctx)
	started := s.now()

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()
	}
	runID := "run_" + uuid.New().String()
	log := s.log.With(zap.String("run_id", runID), zap.String("session_id", sessionID))

	if _, err := s.store.EnsureSession(ctx, sessionID); err != nil {
		log.Warn("failed to ensure session", zap.Error(err))
	}
	history := req.ConversationContext
	if len(history) == 0 {
		history = s.history(ctx, sessionID)
	}

	run := &domain.Run{
		RunID:     runID,
		SessionID: sessionID,
		Kind:      domain.RunKindStep,
		InputText: input,
		Domain:    req.Domain,
		Status:    domain.RunStatusRunning,
		StartedAt: started,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		log.Warn("failed to create run", zap.Error(err))
	}
	s.saveMessage(ctx, sessionID, runID, domain.RoleUser, input)

	t := &turn{
		emitter: s.newEmitter(ctx, runID, sessionID),
		input:   input,
		req:     req,
		trace: s.tracer.StartTurn(runID, "step", map[string]any{
			"input_text": input,
			"session_id": sessionID,
			"domain":     req.Domain,
		}),
		log: log,
	}
	defer func() { _ = t.trace.Flush(ctx) }()

	t.enter(domain.PhaseStarted)
	t.emit(domain.EventTypeRunStarted, domain.RunStartedPayload{
		RunID:     runID,
		SessionID: sessionID,
		InputText: input,
	})

	final, status := s.safeRun(ctx, t, history)

	t.enter(domain.PhaseCompleted)
	t.emit(domain.EventTypeRunCompleted, domain.RunCompletedPayload{Status: status})
	t.trace.Root().Update(final, map[string]any{"status": status})
	t.trace.Root().End()

	runStatus := domain.RunStatusDone
	if status != domain.CompletionOK {
		runStatus = domain.RunStatusFailed
	}
	if err := s.store.CompleteRun(ctx, runID, runStatus, final); err != nil {
		log.Warn("failed to complete run", zap.Error(err))
	}
	s.saveMessage(ctx, sessionID, runID, domain.RoleAssistant, final)
	s.metrics.RecordTurn(ctx, status, s.now().Sub(started))

	log.Info("turn completed",
		zap.String("status", status),
		zap.Int("events", len(t.events)),
		zap.Duration("duration", s.now().Sub(started)),
	)

	return &domain.StepResponse{
		Events:       t.events,
		FinalMessage: final,
		RunID:        runID,
		SessionID:    sessionID,
		StatePatch: domain.StatePatch{
			RunID:     runID,
			SessionID: sessionID,
			Domain:    req.Domain,
		},
	}, nil
}

// safeRun turns a panic inside the turn into an error completion that still
// closes any open action pair and emits a final message.
func (s *Service) safeRun(ctx context.Context, t *turn, history []string) (final, status string) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		t.log.Error("turn panicked", zap.Any("panic", r), zap.Stack("stack"))
		t.trace.Root().Update(nil, map[string]any{"error": fmt.Sprintf("panic: %v", r)})
		if t.pending != "" {
			t.emit(domain.EventTypeActionResult, domain.ActionResultPayload{
				Name:  t.pending,
				OK:    false,
				Error: apperr.AttributesOf(apperr.KindInternal).Message,
			})
		}
		final, status = agent.PlannerFallbackText, domain.CompletionError
		if !t.has(domain.EventTypeFinalMessage) {
			t.emit(domain.EventTypeLLMMessage, domain.LLMMessagePayload{Node: domain.NodeSynthesizer, Content: final})
			t.emit(domain.EventTypeFinalMessage, domain.FinalMessagePayload{Content: final})
		}
	}()
	return s.runTurn(ctx, t, history)
}

func (s *Service) runTurn(ctx context.Context, t *turn, history []string) (string, string) {
	status := domain.CompletionOK
	root := t.trace.Root()

	t.enter(domain.PhasePlanning)
	planNode := root.StartChild(domain.TraceKindGeneration, "planner", map[string]any{
		"user_text": t.input,
		"context":   history,
	})
	gen, err := s.planner.Plan(ctx, agent.PlanInput{
		UserText: t.input,
		Context:  history,
		Domain:   t.req.Domain,
	})
	planMeta := map[string]any{"attempts": gen.Attempts, "prompt": gen.Prompt}

	var d domain.Decision
	if err != nil {
		planMeta["error"] = apperr.MessageOf(err)
		planMeta["error_kind"] = string(apperr.KindOf(err))
		planNode.Update(nil, planMeta)
		planNode.End()
		status = domain.CompletionError
		d = domain.Decision{AssistantText: agent.PlannerFallbackText}
	} else {
		planNode.Update(gen.Output, planMeta)
		planNode.End()

		t.enter(domain.PhaseValidating)
		valNode := root.StartChild(domain.TraceKindSpan, "validator", nil)
		d = s.validator.Validate(gen.Output)
		valNode.Update(d, map[string]any{
			"actions":   len(d.Actions),
			"rejected":  len(d.Rejected),
			"malformed": d.Malformed,
		})
		valNode.End()
		if d.Malformed {
			t.log.Warn("planner output was malformed", zap.Int("len", len(gen.Output)))
		}
	}
	t.emit(domain.EventTypeLLMMessage, domain.LLMMessagePayload{Node: domain.NodePlanner, Content: d.AssistantText})

	t.enter(domain.PhaseExecuting)
	results := make([]domain.ActionResult, 0, len(d.Actions))
	for _, a := range d.Actions {
		results = append(results, s.execute(ctx, t, a))
	}

	t.enter(domain.PhaseSynthesizing)
	synNode := root.StartChild(domain.TraceKindGeneration, "synthesizer", map[string]any{
		"results":  len(results),
		"rejected": len(d.Rejected),
	})
	syn := s.synthesizer.Synthesize(ctx, agent.SynthesisInput{
		UserText:      t.input,
		AssistantText: d.AssistantText,
		Results:       results,
		Rejected:      d.Rejected,
	})
	synMeta := map[string]any{"used_llm": syn.UsedLLM}
	if syn.UsedLLM {
		synMeta["attempts"] = syn.Generation.Attempts
		synMeta["prompt"] = syn.Generation.Prompt
	}
	if syn.Err != nil {
		synMeta["error"] = apperr.MessageOf(syn.Err)
		status = domain.CompletionError
	}
	synNode.Update(syn.Text, synMeta)
	synNode.End()

	t.emit(domain.EventTypeLLMMessage, domain.LLMMessagePayload{Node: domain.NodeSynthesizer, Content: syn.Text})
	t.emit(domain.EventTypeFinalMessage, domain.FinalMessagePayload{Content: syn.Text})
	return syn.Text, status
}

func (s *Service) execute(ctx context.Context, t *turn, a domain.Action) domain.ActionResult {
	a.Fingerprint = idempotency.Fingerprint(t.sessionID, a.Name, a.Args, "")
	node := t.trace.Root().StartChild(domain.TraceKindSpan, "action:"+a.Name, map[string]any{
		"name": a.Name,
		"args": a.Args,
	})
	t.emit(domain.EventTypeActionCall, domain.ActionCallPayload{Name: a.Name, Args: a.Args})

	res := s.executor.Execute(ctx, t.sessionID, a)

	t.emit(domain.EventTypeActionResult, domain.NewActionResultPayload(res))
	if res.Cached {
		node.StartChild(domain.TraceKindEvent, "idempotency_hit", map[string]any{"fingerprint": a.Fingerprint})
	}
	meta := map[string]any{
		"ok":          res.OK,
		"cached":      res.Cached,
		"duration_ms": res.DurationMs,
	}
	if !res.OK {
		meta["error"] = res.Error
		meta["error_kind"] = string(res.ErrorKind)
	}
	node.Update(res, meta)
	node.End()
	s.metrics.RecordAction(ctx, a.Name, res.OK, res.Cached)
	return res
}

// history renders the recent session messages as planner context lines.
func (s *Service) history(ctx context.Context, sessionID string) []string {
	msgs, err := s.store.GetRecentMessages(ctx, sessionID, s.config.ContextTurns)
	if err != nil {
		s.log.Warn("failed to load history", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return lines
}

func (s *Service) saveMessage(ctx context.Context, sessionID, runID string, role domain.MessageRole, content string) {
	msg := &domain.Message{
		MessageID: "msg_" + uuid.New().String(),
		SessionID: sessionID,
		RunID:     runID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		s.log.Warn("failed to save message",
			zap.String("session_id", sessionID),
			zap.String("role", string(role)),
			zap.Error(err),
		)
	}
}
