package service

import (
	"context"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
	"github.com/xiaot623/taskagent/internal/tools"
)

const defaultMessageLimit = 100

// GetRunEvents returns the recorded events of a run in emission order.
func (s *Service) GetRunEvents(ctx context.Context, runID string, types []string, limit int) ([]domain.Event, error) {
	if err := s.requireRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, runID, types, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to get events")
	}
	return events, nil
}

// GetRun returns a run record.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to get run")
	}
	if run == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "run %s not found", runID)
	}
	return run, nil
}

// GetRunTrace returns the trace nodes of a run, parents before children.
func (s *Service) GetRunTrace(ctx context.Context, runID string) ([]domain.TraceNode, error) {
	if err := s.requireRun(ctx, runID); err != nil {
		return nil, err
	}
	nodes, err := s.store.GetTraceNodes(ctx, runID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to get trace")
	}
	return nodes, nil
}

// GetSessionMessages returns the message history of a session.
func (s *Service) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to get session")
	}
	if sess == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	msgs, err := s.store.GetMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to get messages")
	}
	return msgs, nil
}

// ListTools describes the tools the planner may call.
func (s *Service) ListTools() []tools.Description {
	return s.tools.Describe()
}

// ListTasks reads the task list directly, outside of any turn.
func (s *Service) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	tasks, err := s.tasks.Fetch(ctx, filter)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to list tasks")
	}
	return tasks, nil
}

func (s *Service) requireRun(ctx context.Context, runID string) error {
	_, err := s.GetRun(ctx, runID)
	return err
}
