package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
	"github.com/xiaot623/taskagent/internal/idempotency"
	"github.com/xiaot623/taskagent/internal/taskstore"
	"github.com/xiaot623/taskagent/internal/tools"
	"github.com/xiaot623/taskagent/internal/undo"
	"github.com/xiaot623/taskagent/policy"
)

// countingStore counts creates and can fail them.
type countingStore struct {
	*taskstore.SQLStore
	creates  atomic.Int32
	failNext atomic.Int32
	delay    time.Duration
}

func (s *countingStore) Create(ctx context.Context, t domain.NewTask) (int64, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		return 0, errors.New("database is locked")
	}
	s.creates.Add(1)
	return s.SQLStore.Create(ctx, t)
}

type fixture struct {
	exec    *Executor
	store   *countingStore
	tracker *idempotency.Tracker
	undo    *undo.Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	sql, err := taskstore.Open(taskstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sql.Close() })
	store := &countingStore{SQLStore: sql}

	reg := tools.NewRegistry()
	tools.RegisterTaskTools(reg, store)

	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	tracker := idempotency.NewTracker(time.Minute, 64)
	mgr := undo.NewManager(time.Minute, undo.WithForgetter(tracker))
	exec := New(reg, tracker, pol, mgr, cfg, zap.NewNop())
	mgr.SetRunner(exec)
	return &fixture{exec: exec, store: store, tracker: tracker, undo: mgr}
}

func createAction(title string) domain.Action {
	return domain.Action{Name: tools.CreateTask, Args: domain.Args{"title": title}}
}

func taskID(t *testing.T, res domain.ActionResult) int64 {
	t.Helper()
	var out struct {
		TaskID int64 `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &out))
	return out.TaskID
}

func TestExecuteCreatesAndIssuesUndo(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.exec.Execute(context.Background(), "s1", createAction("Review the quarterly report"))

	require.True(t, res.OK, res.Error)
	assert.Equal(t, tools.CreateTask, res.Name)
	assert.NotEmpty(t, res.UndoToken)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(1), f.store.creates.Load())
}

func TestDuplicateIsServedFromCache(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first := f.exec.Execute(ctx, "s1", createAction("Review the quarterly report"))
	second := f.exec.Execute(ctx, "s1", createAction("  Review the quarterly report "))

	require.True(t, second.OK)
	assert.True(t, second.Cached)
	assert.Equal(t, taskID(t, first), taskID(t, second))
	assert.Equal(t, first.UndoToken, second.UndoToken)
	assert.Equal(t, int32(1), f.store.creates.Load())

	other := f.exec.Execute(ctx, "s2", createAction("Review the quarterly report"))
	require.True(t, other.OK)
	assert.False(t, other.Cached)
	assert.Equal(t, int32(2), f.store.creates.Load())
}

func TestConcurrentDuplicatesMutateOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]domain.ActionResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.exec.Execute(context.Background(), "s1", createAction("Pay rent"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.store.creates.Load())
	id := taskID(t, results[0])
	for _, r := range results {
		if r.OK {
			assert.Equal(t, id, taskID(t, r))
		} else {
			assert.Equal(t, apperr.KindInProgress, r.ErrorKind)
		}
	}
}

func TestFailureReleasesFingerprint(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.failNext.Store(1)
	ctx := context.Background()

	res := f.exec.Execute(ctx, "s1", createAction("Retry me"))
	assert.False(t, res.OK)
	assert.Equal(t, apperr.KindActionExecutionFailed, res.ErrorKind)
	assert.Equal(t, "database is locked", res.Error)
	assert.Empty(t, res.UndoToken)

	res = f.exec.Execute(ctx, "s1", createAction("Retry me"))
	assert.True(t, res.OK)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(1), f.store.creates.Load())
}

func TestUnknownAndInternalTools(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res := f.exec.Execute(ctx, "s1", domain.Action{Name: "send_email"})
	assert.Equal(t, apperr.KindUnknownTool, res.ErrorKind)

	res = f.exec.Execute(ctx, "s1", domain.Action{Name: tools.DeleteTask, Args: domain.Args{"task_id": int64(1)}})
	assert.Equal(t, apperr.KindUnknownTool, res.ErrorKind)
}

func TestSchemaViolationAtExecution(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.exec.Execute(context.Background(), "s1", domain.Action{Name: tools.CreateTask, Args: domain.Args{}})
	assert.False(t, res.OK)
	assert.Equal(t, apperr.KindSchemaViolation, res.ErrorKind)
}

func TestPolicyDeniedTool(t *testing.T) {
	f := newFixture(t, Config{DeniedTools: []string{tools.CreateTask}})
	ctx := context.Background()

	res := f.exec.Execute(ctx, "s1", createAction("Nope"))
	assert.False(t, res.OK)
	assert.Equal(t, apperr.KindPolicyDenied, res.ErrorKind)
	assert.Contains(t, res.Error, "disabled")
	assert.Equal(t, int32(0), f.store.creates.Load())
	assert.Equal(t, 0, f.tracker.Len("s1"))
}

func TestReadOnlyBypassesCache(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	fetch := domain.Action{Name: tools.FetchTasks, Args: domain.Args{}}

	first := f.exec.Execute(ctx, "s1", fetch)
	require.True(t, first.OK)
	assert.Empty(t, first.UndoToken)

	f.exec.Execute(ctx, "s1", createAction("New"))
	second := f.exec.Execute(ctx, "s1", fetch)
	require.True(t, second.OK)
	assert.False(t, second.Cached)
	assert.JSONEq(t, `1`, string(mustField(t, second.Result, "count")))
}

func TestUndoThroughExecutor(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	created := f.exec.Execute(ctx, "s1", createAction("Undo me"))
	require.True(t, created.OK)

	res, err := f.undo.Redeem(ctx, created.UndoToken)
	require.NoError(t, err)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, tools.DeleteTask, res.Name)

	_, err = f.store.Get(ctx, taskID(t, created))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.undo.Redeem(ctx, created.UndoToken)
	assert.True(t, apperr.Is(err, apperr.KindAlreadyConsumed))

	again := f.exec.Execute(ctx, "s1", createAction("Undo me"))
	require.True(t, again.OK)
	assert.False(t, again.Cached, "an undone action is no longer deduplicated")
	assert.Equal(t, int32(2), f.store.creates.Load())
}

func TestStatusChangeInvalidatesEarlierRecord(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	created := f.exec.Execute(ctx, "s1", createAction("Toggle"))
	id := taskID(t, created)

	done := domain.Action{Name: tools.UpdateTaskStatus, Args: domain.Args{"task_id": id, "status": "done"}}
	open := domain.Action{Name: tools.UpdateTaskStatus, Args: domain.Args{"task_id": id, "status": "open"}}

	require.True(t, f.exec.Execute(ctx, "s1", done).OK)
	require.True(t, f.exec.Execute(ctx, "s1", open).OK)
	res := f.exec.Execute(ctx, "s1", done)
	require.True(t, res.OK)
	assert.False(t, res.Cached)

	task, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDone, task.Status)
}

func mustField(t *testing.T, raw json.RawMessage, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return m[key]
}
