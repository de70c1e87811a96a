// Package executor runs validated actions against the task store.
// It is the only component with side effects on the store.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
	"github.com/xiaot623/taskagent/internal/idempotency"
	"github.com/xiaot623/taskagent/internal/tools"
	"github.com/xiaot623/taskagent/policy"
)

// DefaultStoreTimeout bounds one handler call.
const DefaultStoreTimeout = 10 * time.Second

// HandlerSource resolves tool handlers.
type HandlerSource interface {
	Handler(name string) (tools.Handler, error)
}

// Deduper is the idempotency bookkeeping the executor relies on.
type Deduper interface {
	CheckAndReserve(sessionID, fp string) (idempotency.Status, *domain.ActionResult)
	Commit(sessionID, fp string, result domain.ActionResult, tags ...string)
	Release(sessionID, fp string)
	Invalidate(sessionID, tag, except string) int
}

// PolicyEvaluator admits or blocks actions.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Result, error)
}

// TokenIssuer records the reversal of a successful action.
type TokenIssuer interface {
	Issue(sessionID string, reversal domain.Action, originFingerprint string) (domain.UndoToken, error)
}

// Config holds executor settings.
type Config struct {
	StoreTimeout time.Duration
	DeniedTools  []string
}

// Executor executes actions with at-most-once semantics per session.
type Executor struct {
	handlers HandlerSource
	tracker  Deduper
	policy   PolicyEvaluator
	issuer   TokenIssuer
	cfg      Config
	group    singleflight.Group
	log      *zap.Logger
	now      func() time.Time
}

// New creates an executor. policy and issuer may be nil.
func New(handlers HandlerSource, tracker Deduper, pol PolicyEvaluator, issuer TokenIssuer, cfg Config, log *zap.Logger) *Executor {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		handlers: handlers,
		tracker:  tracker,
		policy:   pol,
		issuer:   issuer,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Execute runs one planned action for a session.
func (e *Executor) Execute(ctx context.Context, sessionID string, action domain.Action) domain.ActionResult {
	return e.run(ctx, sessionID, action, "", false)
}

// ExecuteReversal runs the reversal recorded in an undo token.
// The token id salts the fingerprint so the reversal is tracked on its own.
func (e *Executor) ExecuteReversal(ctx context.Context, sessionID string, action domain.Action, tokenID string) domain.ActionResult {
	return e.run(ctx, sessionID, action, tokenID, true)
}

func (e *Executor) run(ctx context.Context, sessionID string, action domain.Action, salt string, reversal bool) domain.ActionResult {
	h, err := e.handlers.Handler(action.Name)
	if err != nil {
		return domain.Failed(action.Name, err)
	}
	spec := h.Spec()
	if spec.Internal && !reversal {
		return domain.Failed(action.Name, apperr.Newf(apperr.KindUnknownTool, "unknown tool %q", action.Name))
	}
	args, err := spec.Validate(action.Args)
	if err != nil {
		return domain.Failed(action.Name, err)
	}

	if spec.ReadOnly {
		res, _ := e.invoke(ctx, sessionID, h, spec, args, reversal)
		return res
	}

	fp := action.Fingerprint
	if fp == "" || salt != "" {
		fp = idempotency.Fingerprint(sessionID, action.Name, args, salt)
	}
	v, _, shared := e.group.Do(sessionID+"\x00"+fp, func() (interface{}, error) {
		return e.tracked(ctx, sessionID, fp, h, spec, args, reversal), nil
	})
	if shared {
		e.log.Debug("shared concurrent execution", zap.String("session_id", sessionID), zap.String("tool", action.Name))
	}
	return v.(domain.ActionResult)
}

func (e *Executor) tracked(ctx context.Context, sessionID, fp string, h tools.Handler, spec tools.Spec, args domain.Args, reversal bool) domain.ActionResult {
	status, cached := e.tracker.CheckAndReserve(sessionID, fp)
	switch status {
	case idempotency.Cached:
		res := *cached
		res.Cached = true
		e.log.Info("action served from idempotency cache",
			zap.String("session_id", sessionID),
			zap.String("tool", spec.Name),
		)
		return res
	case idempotency.InProgress:
		return domain.Failed(spec.Name, apperr.New(apperr.KindInProgress, "an identical action is already running; try again shortly"))
	}

	res, outcome := e.invoke(ctx, sessionID, h, spec, args, reversal)
	if !res.OK {
		e.tracker.Release(sessionID, fp)
		return res
	}

	if outcome.Reversal != nil && !reversal && e.issuer != nil {
		tok, err := e.issuer.Issue(sessionID, *outcome.Reversal, fp)
		if err != nil {
			e.log.Warn("failed to issue undo token", zap.String("tool", spec.Name), zap.Error(err))
		} else {
			res.UndoToken = tok.TokenID
		}
	}
	e.tracker.Commit(sessionID, fp, res, outcome.Touched...)
	for _, tag := range outcome.Touched {
		e.tracker.Invalidate(sessionID, tag, fp)
	}
	return res
}

func (e *Executor) invoke(ctx context.Context, sessionID string, h tools.Handler, spec tools.Spec, args domain.Args, reversal bool) (domain.ActionResult, tools.Outcome) {
	if e.policy != nil {
		decision, err := e.policy.Evaluate(ctx, policy.Input{
			SessionID:   sessionID,
			ToolName:    spec.Name,
			Args:        args,
			ReadOnly:    spec.ReadOnly,
			Internal:    spec.Internal,
			Reversal:    reversal,
			DeniedTools: e.cfg.DeniedTools,
		})
		if err != nil {
			e.log.Error("policy evaluation failed", zap.String("tool", spec.Name), zap.Error(err))
			return domain.Failed(spec.Name, apperr.New(apperr.KindPolicyDenied, "policy evaluation failed")), tools.Outcome{}
		}
		if !decision.Allowed() {
			e.log.Info("action blocked by policy", zap.String("tool", spec.Name), zap.String("reason", decision.Reason))
			return domain.Failed(spec.Name, apperr.New(apperr.KindPolicyDenied, "blocked by policy: "+decision.Reason)), tools.Outcome{}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	start := e.now()
	outcome, err := h.Execute(callCtx, args)
	elapsed := e.now().Sub(start)

	var res domain.ActionResult
	if err != nil {
		res = domain.Failed(spec.Name, apperr.Wrap(apperr.KindActionExecutionFailed, err, apperr.MessageOf(err)))
	} else {
		payload, mErr := json.Marshal(outcome.Result)
		if mErr != nil {
			res = domain.Failed(spec.Name, apperr.Wrap(apperr.KindActionExecutionFailed, mErr, "failed to encode result"))
		} else {
			res = domain.ActionResult{Name: spec.Name, OK: true, Result: payload}
		}
	}
	res.Duration = elapsed
	res.DurationMs = elapsed.Milliseconds()

	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("tool", spec.Name),
		zap.Bool("ok", res.OK),
		zap.Bool("reversal", reversal),
		zap.Duration("duration", elapsed),
	}
	if err != nil {
		e.log.Warn("action failed", append(fields, zap.Error(err))...)
	} else {
		e.log.Info("action executed", fields...)
	}
	return res, outcome
}
