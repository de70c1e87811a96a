package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, domain.NewTask{Title: "Review the quarterly report", Project: "finance", Categories: []string{"work"}})
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Review the quarterly report", got.Title)
	assert.Equal(t, domain.TaskStatusOpen, got.Status)
	assert.Equal(t, "finance", got.Project)
	assert.Equal(t, []string{"work"}, got.Categories)
	assert.Equal(t, int64(1000), got.SortKey)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	second, err := s.Create(ctx, domain.NewTask{Title: "Second"})
	require.NoError(t, err)
	got, err = s.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.SortKey)
	assert.Equal(t, []string{}, got.Categories)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), 42)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestUpdateStatusTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, domain.NewTask{Title: "Write tests"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, id, domain.TaskStatusInProgress))
	got, _ := s.Get(ctx, id)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateStatus(ctx, id, domain.TaskStatusDone))
	got, _ = s.Get(ctx, id)
	assert.Nil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	require.NoError(t, s.UpdateStatus(ctx, id, domain.TaskStatusOpen))
	got, _ = s.Get(ctx, id)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	err = s.UpdateStatus(ctx, 999, domain.TaskStatusDone)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	err = s.UpdateStatus(ctx, id, "archived")
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))
}

func TestUpdateAndRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, domain.NewTask{Title: "Draft", Description: "v1"})
	require.NoError(t, err)
	before, err := s.Get(ctx, id)
	require.NoError(t, err)

	title := "Final"
	require.NoError(t, s.Update(ctx, id, domain.TaskPatch{Title: &title, Categories: []string{"docs"}}))
	got, _ := s.Get(ctx, id)
	assert.Equal(t, "Final", got.Title)
	assert.Equal(t, "v1", got.Description)
	assert.Equal(t, []string{"docs"}, got.Categories)

	require.NoError(t, s.Restore(ctx, *before))
	got, _ = s.Get(ctx, id)
	assert.Equal(t, "Draft", got.Title)
	assert.Equal(t, []string{}, got.Categories)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.Create(ctx, domain.NewTask{Title: "Temp"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.True(t, apperr.Is(s.Delete(ctx, id), apperr.KindNotFound))
}

func TestReorder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Create(ctx, domain.NewTask{Title: "A"})
	b, _ := s.Create(ctx, domain.NewTask{Title: "B"})
	c, _ := s.Create(ctx, domain.NewTask{Title: "C"})

	require.NoError(t, s.Reorder(ctx, []int64{c, a, b}))
	tasks, err := s.Fetch(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"C", "A", "B"}, []string{tasks[0].Title, tasks[1].Title, tasks[2].Title})
	assert.Equal(t, int64(1000), tasks[0].SortKey)

	err = s.Reorder(ctx, []int64{b, 404})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	tasks, _ = s.Fetch(ctx, domain.TaskFilter{})
	assert.Equal(t, "C", tasks[0].Title, "failed reorder must roll back")
}

func TestFetchFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	open, _ := s.Create(ctx, domain.NewTask{Title: "open", Project: "home"})
	done, _ := s.Create(ctx, domain.NewTask{Title: "done", Project: "work"})
	s.now = func() time.Time { return day }
	require.NoError(t, s.UpdateStatus(ctx, done, domain.TaskStatusDone))

	tasks, err := s.Fetch(ctx, domain.TaskFilter{Statuses: []domain.TaskStatus{domain.TaskStatusOpen}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, open, tasks[0].ID)

	tasks, err = s.Fetch(ctx, domain.TaskFilter{Project: "work"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, done, tasks[0].ID)

	gte := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	lt := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	tasks, err = s.Fetch(ctx, domain.TaskFilter{CompletedAtGTE: &gte, CompletedAtLT: &lt})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, done, tasks[0].ID)

	tasks, err = s.Fetch(ctx, domain.TaskFilter{CompletedAtGTE: &lt})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = s.Fetch(ctx, domain.TaskFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("postgres", "whatever")
	assert.Error(t, err)
}
