package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/adapter/llm"
	"github.com/xiaot623/taskagent/internal/agent"
	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/decision"
	"github.com/xiaot623/taskagent/internal/domain"
	"github.com/xiaot623/taskagent/internal/executor"
	"github.com/xiaot623/taskagent/internal/idempotency"
	"github.com/xiaot623/taskagent/internal/repository"
	"github.com/xiaot623/taskagent/internal/taskstore"
	"github.com/xiaot623/taskagent/internal/tools"
	"github.com/xiaot623/taskagent/internal/trace"
	"github.com/xiaot623/taskagent/internal/undo"
	"github.com/xiaot623/taskagent/policy"
	"github.com/xiaot623/taskagent/tests/helpers"
)

// llmFunc adapts a function to llm.Completer.
type llmFunc func(ctx context.Context, prompt string) (string, error)

func (f llmFunc) Complete(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []domain.AgentEvent
}

func (p *capturePublisher) Publish(_ string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, v.(domain.AgentEvent))
	return nil
}

// panicExecutor fails in the middle of an action.
type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, string, domain.Action) domain.ActionResult {
	panic("boom")
}

type fixture struct {
	svc   *Service
	repo  *repository.SQLiteStore
	tasks *taskstore.SQLStore
	pub   *capturePublisher
}

func newFixture(t *testing.T, c llm.Completer) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := helpers.NewTestSQLiteStore(t)
	tasks := helpers.NewTestTaskStore(t)

	reg := tools.NewRegistry()
	tools.RegisterTaskTools(reg, tasks)

	pol, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	tracker := idempotency.NewTracker(time.Minute, 64)
	mgr := undo.NewManager(time.Minute, undo.WithForgetter(tracker))
	exec := executor.New(reg, tracker, pol, mgr, executor.Config{}, zap.NewNop())
	mgr.SetRunner(exec)

	pub := &capturePublisher{}
	svc := New(Deps{
		Store:       repo,
		Tools:       reg,
		Tasks:       tasks,
		Planner:     agent.NewPlanner(c, reg, time.Second, nil),
		Validator:   decision.NewValidator(reg, 0),
		Executor:    exec,
		Synthesizer: agent.NewSynthesizer(c, time.Second, nil),
		Undo:        mgr,
		Tracer:      trace.NewTracer(trace.SinkFunc(repo.CreateTraceNodes)),
		Hub:         pub,
		Sweepers:    map[string]Sweeper{"idempotency": tracker, "undo": mgr},
	})
	return &fixture{svc: svc, repo: repo, tasks: tasks, pub: pub}
}

func eventTypes(events []domain.AgentEvent) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func assertTypes(t *testing.T, got []domain.EventType, want ...domain.EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (all %v)", i, want[i], got[i], got)
		}
	}
}

func actionResults(t *testing.T, resp *domain.StepResponse) []domain.ActionResultPayload {
	t.Helper()
	var out []domain.ActionResultPayload
	for _, ev := range resp.Events {
		if ev.Type == domain.EventTypeActionResult {
			out = append(out, ev.Data.(domain.ActionResultPayload))
		}
	}
	return out
}

func taskIDOf(t *testing.T, p domain.ActionResultPayload) int64 {
	t.Helper()
	var out struct {
		TaskID int64 `json:"task_id"`
	}
	if err := json.Unmarshal(p.Result, &out); err != nil {
		t.Fatalf("decode result %s: %v", p.Result, err)
	}
	return out.TaskID
}

func TestStepCreatesTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llm.NewMockClient())

	resp, err := f.svc.Step(ctx, domain.StepRequest{InputText: "Create a task to review the quarterly report"})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	assertTypes(t, eventTypes(resp.Events),
		domain.EventTypeRunStarted,
		domain.EventTypeLLMMessage,
		domain.EventTypeActionCall,
		domain.EventTypeActionResult,
		domain.EventTypeLLMMessage,
		domain.EventTypeFinalMessage,
		domain.EventTypeRunCompleted,
	)
	if got := resp.Events[1].Data.(domain.LLMMessagePayload).Node; got != domain.NodePlanner {
		t.Fatalf("expected planner llm_message, got %s", got)
	}
	if got := resp.Events[4].Data.(domain.LLMMessagePayload).Node; got != domain.NodeSynthesizer {
		t.Fatalf("expected synthesizer llm_message, got %s", got)
	}
	if got := resp.Events[6].Data.(domain.RunCompletedPayload).Status; got != domain.CompletionOK {
		t.Fatalf("expected ok completion, got %s", got)
	}

	results := actionResults(t, resp)
	if !results[0].OK || results[0].UndoToken == "" {
		t.Fatalf("expected successful create with undo token, got %+v", results[0])
	}
	if !strings.Contains(resp.FinalMessage, "Review the quarterly report") {
		t.Fatalf("final message should name the task, got %q", resp.FinalMessage)
	}
	if resp.StatePatch.RunID != resp.RunID || resp.StatePatch.SessionID != resp.SessionID {
		t.Fatalf("state patch mismatch: %+v", resp.StatePatch)
	}
	if !strings.HasPrefix(resp.SessionID, "sess_") || !strings.HasPrefix(resp.RunID, "run_") {
		t.Fatalf("unexpected ids %s %s", resp.SessionID, resp.RunID)
	}

	list, err := f.tasks.Fetch(ctx, domain.TaskFilter{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(list) != 1 || list[0].Title != "Review the quarterly report" {
		t.Fatalf("unexpected tasks: %+v", list)
	}

	run, err := f.svc.GetRun(ctx, resp.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunStatusDone || run.FinalMessage != resp.FinalMessage {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestStepPersistsAndPublishesEventsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llm.NewMockClient())

	resp, err := f.svc.Step(ctx, domain.StepRequest{InputText: "add a task: buy milk"})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	stored, err := f.svc.GetRunEvents(ctx, resp.RunID, nil, 0)
	if err != nil {
		t.Fatalf("GetRunEvents failed: %v", err)
	}
	if len(stored) != len(resp.Events) {
		t.Fatalf("expected %d stored events, got %d", len(resp.Events), len(stored))
	}
	for i, ev := range stored {
		if ev.Type != resp.Events[i].Type {
			t.Fatalf("stored event %d: expected %s, got %s", i, resp.Events[i].Type, ev.Type)
		}
		if ev.Seq != i {
			t.Fatalf("stored event %d has seq %d", i, ev.Seq)
		}
	}

	if got := eventTypes(f.pub.events); len(got) != len(resp.Events) {
		t.Fatalf("expected %d published events, got %v", len(resp.Events), got)
	}

	nodes, err := f.svc.GetRunTrace(ctx, resp.RunID)
	if err != nil {
		t.Fatalf("GetRunTrace failed: %v", err)
	}
	names := map[string]bool{}
	for _, n := range nodes {
		names[n.Name] = true
		if n.EndedAt == nil {
			t.Fatalf("trace node %s was not closed", n.Name)
		}
	}
	for _, want := range []string{"step", "planner", "validator", "action:create_task", "synthesizer"} {
		if !names[want] {
			t.Fatalf("missing trace node %s in %v", want, names)
		}
	}

	msgs, err := f.svc.GetSessionMessages(ctx, resp.SessionID, 0)
	if err != nil {
		t.Fatalf("GetSessionMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestStepResubmissionReturnsSameTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llm.NewMockClient())
	req := domain.StepRequest{InputText: "Create a task to review the quarterly report", SessionID: "sess_repeat"}

	first, err := f.svc.Step(ctx, req)
	if err != nil {
		t.Fatalf("first Step failed: %v", err)
	}
	second, err := f.svc.Step(ctx, req)
	if err != nil {
		t.Fatalf("second Step failed: %v", err)
	}

	a, b := actionResults(t, first)[0], actionResults(t, second)[0]
	if a.Cached || !b.Cached {
		t.Fatalf("expected only the resubmission to be cached: %+v %+v", a, b)
	}
	if taskIDOf(t, a) != taskIDOf(t, b) || a.UndoToken != b.UndoToken {
		t.Fatalf("expected the same task and token, got %s and %s", a.Result, b.Result)
	}

	list, err := f.svc.ListTasks(ctx, domain.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one task, got %d", len(list))
	}
}

func TestStepChatOnly(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())

	resp, err := f.svc.Step(context.Background(), domain.StepRequest{InputText: "What's the weather like?"})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	assertTypes(t, eventTypes(resp.Events),
		domain.EventTypeRunStarted,
		domain.EventTypeLLMMessage,
		domain.EventTypeLLMMessage,
		domain.EventTypeFinalMessage,
		domain.EventTypeRunCompleted,
	)
	planner := resp.Events[1].Data.(domain.LLMMessagePayload).Content
	if resp.FinalMessage != planner {
		t.Fatalf("expected planner text to pass through, got %q vs %q", resp.FinalMessage, planner)
	}
}

func TestStepPlannerUnavailable(t *testing.T) {
	ctx := context.Background()
	calls := 0
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	f := newFixture(t, llmFunc(func(context.Context, string) (string, error) {
		calls++
		return "", refused
	}))

	resp, err := f.svc.Step(ctx, domain.StepRequest{InputText: "add a task: call mom"})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
	if resp.FinalMessage != agent.PlannerFallbackText {
		t.Fatalf("expected fallback text, got %q", resp.FinalMessage)
	}
	last := resp.Events[len(resp.Events)-1]
	if last.Data.(domain.RunCompletedPayload).Status != domain.CompletionError {
		t.Fatalf("expected error completion, got %+v", last.Data)
	}
	if len(actionResults(t, resp)) != 0 {
		t.Fatalf("expected no actions")
	}

	run, err := f.svc.GetRun(ctx, resp.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
}

func TestStepKeepsValidActionsNextToUnknownTool(t *testing.T) {
	var synthPrompt string
	f := newFixture(t, llmFunc(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Action results:") {
			synthPrompt = prompt
			return "Added the task. I can't send email.", nil
		}
		return `{"assistant_text":"On it.","actions":[` +
			`{"name":"create_task","args":{"title":"Pay rent"}},` +
			`{"name":"send_email","args":{"to":"bob"}}]}`, nil
	}))

	resp, err := f.svc.Step(context.Background(), domain.StepRequest{InputText: "add pay rent and email bob"})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	results := actionResults(t, resp)
	if len(results) != 1 || results[0].Name != tools.CreateTask || !results[0].OK {
		t.Fatalf("expected only create_task to run, got %+v", results)
	}
	if !strings.Contains(synthPrompt, "send_email was not run") {
		t.Fatalf("synthesizer should hear about the rejected action:\n%s", synthPrompt)
	}
	if resp.FinalMessage != "Added the task. I can't send email." {
		t.Fatalf("unexpected final message %q", resp.FinalMessage)
	}
}

func TestStepSynthesizerFallback(t *testing.T) {
	f := newFixture(t, llmFunc(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "Action results:") {
			return "", &llm.StatusError{StatusCode: 400, Body: "bad request"}
		}
		return `{"assistant_text":"Adding.","actions":[{"name":"create_task","args":{"title":"Water plants"}}]}`, nil
	}))

	resp, err := f.svc.Step(context.Background(), domain.StepRequest{InputText: "add water plants"})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if resp.FinalMessage != agent.SynthesizerFallbackText {
		t.Fatalf("expected synthesizer fallback, got %q", resp.FinalMessage)
	}
	if !actionResults(t, resp)[0].OK {
		t.Fatalf("the action itself should still succeed")
	}
	last := resp.Events[len(resp.Events)-1].Data.(domain.RunCompletedPayload)
	if last.Status != domain.CompletionError {
		t.Fatalf("expected error completion, got %s", last.Status)
	}
}

func TestStepRecoversFromPanic(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())
	f.svc.executor = panicExecutor{}

	resp, err := f.svc.Step(context.Background(), domain.StepRequest{InputText: "add a task: fix the sink"})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	assertTypes(t, eventTypes(resp.Events),
		domain.EventTypeRunStarted,
		domain.EventTypeLLMMessage,
		domain.EventTypeActionCall,
		domain.EventTypeActionResult,
		domain.EventTypeLLMMessage,
		domain.EventTypeFinalMessage,
		domain.EventTypeRunCompleted,
	)
	if actionResults(t, resp)[0].OK {
		t.Fatalf("interrupted action must be reported as failed")
	}
	if resp.Events[6].Data.(domain.RunCompletedPayload).Status != domain.CompletionError {
		t.Fatalf("expected error completion")
	}
}

func TestStepRejectsEmptyInput(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())
	_, err := f.svc.Step(context.Background(), domain.StepRequest{InputText: "   "})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestStepUsesSessionHistory(t *testing.T) {
	var prompts []string
	f := newFixture(t, llmFunc(func(_ context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return `{"assistant_text":"Hello!","actions":[]}`, nil
	}))
	ctx := context.Background()

	if _, err := f.svc.Step(ctx, domain.StepRequest{InputText: "hi there", SessionID: "sess_h"}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if _, err := f.svc.Step(ctx, domain.StepRequest{InputText: "again", SessionID: "sess_h"}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	last := prompts[len(prompts)-1]
	if !strings.Contains(last, "- user: hi there") || !strings.Contains(last, "- assistant: Hello!") {
		t.Fatalf("expected prior turn in planner context:\n%s", last)
	}
}

func TestUndoCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, llm.NewMockClient())

	resp, err := f.svc.Step(ctx, domain.StepRequest{InputText: "add a task: renew passport"})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	token := actionResults(t, resp)[0].UndoToken

	undone, err := f.svc.Undo(ctx, domain.UndoRequest{UndoToken: token})
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if !undone.OK || undone.RunID == "" || undone.Error != nil {
		t.Fatalf("expected successful undo, got %+v", undone)
	}

	list, err := f.svc.ListTasks(ctx, domain.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected the task to be gone, got %+v", list)
	}

	events, err := f.svc.GetRunEvents(ctx, undone.RunID, nil, 0)
	if err != nil {
		t.Fatalf("GetRunEvents failed: %v", err)
	}
	if len(events) != 4 || events[0].Type != domain.EventTypeRunStarted || events[3].Type != domain.EventTypeRunCompleted {
		t.Fatalf("unexpected undo events: %+v", events)
	}
	run, err := f.svc.GetRun(ctx, undone.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Kind != domain.RunKindUndo || run.SessionID != resp.SessionID {
		t.Fatalf("unexpected undo run: %+v", run)
	}

	again, err := f.svc.Undo(ctx, domain.UndoRequest{UndoToken: token})
	if err != nil {
		t.Fatalf("second Undo failed: %v", err)
	}
	if again.OK || again.Error == nil || again.Error.Kind != string(apperr.KindAlreadyConsumed) {
		t.Fatalf("expected already_consumed, got %+v", again)
	}
}

func TestUndoUnknownToken(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())

	resp, err := f.svc.Undo(context.Background(), domain.UndoRequest{UndoToken: "undo_missing"})
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if resp.OK || resp.RunID != "" || resp.Error.Kind != string(apperr.KindNotFound) {
		t.Fatalf("expected not_found without a run, got %+v", resp)
	}

	if _, err := f.svc.Undo(context.Background(), domain.UndoRequest{}); !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestQueriesReportMissingRecords(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())
	ctx := context.Background()

	if _, err := f.svc.GetRunEvents(ctx, "run_missing", nil, 0); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.GetRunTrace(ctx, "run_missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.GetSessionMessages(ctx, "sess_missing", 10); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(f.svc.ListTools()) == 0 {
		t.Fatalf("expected public tools")
	}
}
