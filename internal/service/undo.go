package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
)

// Undo redeems an undo token. A known token is redeemed inside its own traced run
// in the token's session. Unknown, expired and consumed tokens are reported in the
// response error; only a missing token is returned as an error.
func (s *Service) Undo(ctx context.Context, req domain.UndoRequest) (*domain.UndoResponse, error) {
	tokenID := strings.TrimSpace(req.UndoToken)
	if tokenID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "undo_token is required")
	}
	ctx = context.WithoutCancel(ctx)

	tok, found := s.undo.Lookup(tokenID)
	if !found {
		s.metrics.RecordUndo(ctx, string(apperr.KindNotFound))
		return failedUndo("", apperr.New(apperr.KindNotFound, "undo token not found")), nil
	}

	started := s.now()
	runID := "run_" + uuid.New().String()
	log := s.log.With(
		zap.String("run_id", runID),
		zap.String("session_id", tok.SessionID),
		zap.String("token_id", tokenID),
	)

	run := &domain.Run{
		RunID:     runID,
		SessionID: tok.SessionID,
		Kind:      domain.RunKindUndo,
		InputText: "undo " + tok.Reversal.Name,
		Status:    domain.RunStatusRunning,
		StartedAt: started,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		log.Warn("failed to create undo run", zap.Error(err))
	}

	em := s.newEmitter(ctx, runID, tok.SessionID)
	tr := s.tracer.StartTurn(runID, "undo", map[string]any{"undo_token": tokenID})
	defer func() { _ = tr.Flush(ctx) }()

	em.emit(domain.EventTypeRunStarted, domain.RunStartedPayload{
		RunID:     runID,
		SessionID: tok.SessionID,
		InputText: run.InputText,
		Kind:      string(domain.RunKindUndo),
	})

	node := tr.Root().StartChild(domain.TraceKindSpan, "undo:"+tok.Reversal.Name, map[string]any{
		"name": tok.Reversal.Name,
		"args": tok.Reversal.Args,
	})
	em.emit(domain.EventTypeActionCall, domain.ActionCallPayload{Name: tok.Reversal.Name, Args: tok.Reversal.Args})

	res, err := s.undo.Redeem(ctx, tokenID)
	if err != nil {
		res = domain.Failed(tok.Reversal.Name, err)
	}
	em.emit(domain.EventTypeActionResult, domain.NewActionResultPayload(res))

	meta := map[string]any{"ok": res.OK}
	if !res.OK {
		meta["error"] = res.Error
		meta["error_kind"] = string(res.ErrorKind)
	}
	node.Update(res, meta)
	node.End()

	status, runStatus := domain.CompletionOK, domain.RunStatusDone
	if !res.OK {
		status, runStatus = domain.CompletionError, domain.RunStatusFailed
	}
	em.emit(domain.EventTypeRunCompleted, domain.RunCompletedPayload{Status: status})
	tr.Root().Update(res, map[string]any{"status": status})
	tr.Root().End()

	if err := s.store.CompleteRun(ctx, runID, runStatus, ""); err != nil {
		log.Warn("failed to complete undo run", zap.Error(err))
	}

	outcome := "ok"
	if !res.OK {
		outcome = string(res.ErrorKind)
	}
	s.metrics.RecordUndo(ctx, outcome)
	log.Info("undo completed", zap.String("status", status), zap.String("reversal", tok.Reversal.Name))

	if !res.OK {
		resp := failedUndo(runID, apperr.New(res.ErrorKind, res.Error))
		resp.Result = res.Result
		return resp, nil
	}
	return &domain.UndoResponse{OK: true, RunID: runID, Result: res.Result}, nil
}

func failedUndo(runID string, err *apperr.Error) *domain.UndoResponse {
	return &domain.UndoResponse{
		OK:    false,
		RunID: runID,
		Error: &domain.ErrorBody{Kind: string(err.Kind), Message: err.Message},
	}
}
