package undo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fail  int
}

func (r *fakeRunner) ExecuteReversal(_ context.Context, sessionID string, action domain.Action, tokenID string) domain.ActionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID+"/"+action.Name+"/"+tokenID)
	if r.fail > 0 {
		r.fail--
		return domain.Failed(action.Name, apperr.New(apperr.KindActionExecutionFailed, "database is locked"))
	}
	return domain.ActionResult{Name: action.Name, OK: true, Result: []byte(`{"deleted":true}`)}
}

type fakeForgetter struct{ forgotten []string }

func (f *fakeForgetter) Forget(sessionID, fp string) {
	f.forgotten = append(f.forgotten, sessionID+"/"+fp)
}

func deleteAction() domain.Action {
	return domain.Action{Name: "delete_task", Args: domain.Args{"task_id": int64(1)}}
}

func TestIssueAndRedeemOnce(t *testing.T) {
	runner := &fakeRunner{}
	forget := &fakeForgetter{}
	m := NewManager(time.Minute, WithForgetter(forget))
	m.SetRunner(runner)

	tok, err := m.Issue("s1", deleteAction(), "fp1")
	require.NoError(t, err)
	assert.Contains(t, tok.TokenID, "undo_")

	res, err := m.Redeem(context.Background(), tok.TokenID)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, []string{"s1/delete_task/" + tok.TokenID}, runner.calls)
	assert.Equal(t, []string{"s1/fp1"}, forget.forgotten)

	got, ok := m.Lookup(tok.TokenID)
	require.True(t, ok)
	assert.True(t, got.Consumed)

	_, err = m.Redeem(context.Background(), tok.TokenID)
	assert.True(t, apperr.Is(err, apperr.KindAlreadyConsumed))
	assert.Len(t, runner.calls, 1)
}

func TestRedeemUnknownToken(t *testing.T) {
	m := NewManager(time.Minute)
	m.SetRunner(&fakeRunner{})
	_, err := m.Redeem(context.Background(), "undo_missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestFailedReversalLeavesTokenRedeemable(t *testing.T) {
	runner := &fakeRunner{fail: 1}
	forget := &fakeForgetter{}
	m := NewManager(time.Minute, WithForgetter(forget))
	m.SetRunner(runner)
	tok, _ := m.Issue("s1", deleteAction(), "fp1")

	res, err := m.Redeem(context.Background(), tok.TokenID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Empty(t, forget.forgotten)

	res, err = m.Redeem(context.Background(), tok.TokenID)
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = m.Redeem(context.Background(), tok.TokenID)
	assert.True(t, apperr.Is(err, apperr.KindAlreadyConsumed))
}

func TestExpiredToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(time.Minute, WithClock(func() time.Time { return now }))
	m.SetRunner(&fakeRunner{})
	tok, _ := m.Issue("s1", deleteAction(), "")

	now = now.Add(time.Minute)
	_, err := m.Redeem(context.Background(), tok.TokenID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, ok := m.Lookup(tok.TokenID)
	assert.False(t, ok)
}

func TestConcurrentRedeemRunsOnce(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(time.Minute)
	m.SetRunner(runner)
	tok, _ := m.Issue("s1", deleteAction(), "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Redeem(context.Background(), tok.TokenID)
			if err == nil && res.OK {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			kind := apperr.KindOf(err)
			assert.True(t, kind == apperr.KindAlreadyConsumed || kind == apperr.KindInProgress, "unexpected %v", err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Len(t, runner.calls, 1)
}

func TestSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(time.Minute, WithClock(func() time.Time { return now }))
	m.Issue("s1", deleteAction(), "")
	now = now.Add(30 * time.Second)
	m.Issue("s1", deleteAction(), "")

	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, m.Sweep())
	now = now.Add(time.Minute)
	assert.Equal(t, 1, m.Sweep())
}

func TestRedeemWithoutRunner(t *testing.T) {
	m := NewManager(time.Minute)
	tok, _ := m.Issue("s1", deleteAction(), "")
	_, err := m.Redeem(context.Background(), tok.TokenID)
	assert.True(t, apperr.Is(err, apperr.KindInternal))

	_, ok := m.Lookup(tok.TokenID)
	assert.True(t, ok)
}
