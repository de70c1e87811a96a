package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/domain"
)

// recordEvent records an event to the store.
func (s *Service) recordEvent(ctx context.Context, ev domain.AgentEvent, seq int) error {
	payloadBytes, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.Event{
		EventID: "evt_" + uuid.New().String(),
		RunID:   ev.RunID,
		Ts:      ev.Ts,
		Seq:     seq,
		Type:    ev.Type,
		Payload: payloadBytes,
	}

	return s.store.CreateEvent(ctx, event)
}

// emitter appends events of one run in order, persisting and publishing each.
type emitter struct {
	svc       *Service
	ctx       context.Context
	runID     string
	sessionID string
	events    []domain.AgentEvent
	// pending names an action_call still waiting for its action_result.
	pending string
}

func (s *Service) newEmitter(ctx context.Context, runID, sessionID string) *emitter {
	return &emitter{svc: s, ctx: ctx, runID: runID, sessionID: sessionID}
}

func (e *emitter) emit(typ domain.EventType, data any) {
	ev := domain.AgentEvent{
		Type:  typ,
		RunID: e.runID,
		Ts:    e.svc.now().UnixMilli(),
		Data:  data,
	}
	seq := len(e.events)
	e.events = append(e.events, ev)

	switch typ {
	case domain.EventTypeActionCall:
		e.pending = data.(domain.ActionCallPayload).Name
	case domain.EventTypeActionResult:
		e.pending = ""
	}

	if err := e.svc.recordEvent(e.ctx, ev, seq); err != nil {
		e.svc.log.Warn("failed to record event",
			zap.String("run_id", e.runID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
	if e.svc.hub != nil {
		if err := e.svc.hub.Publish(e.sessionID, ev); err != nil {
			e.svc.log.Debug("event not published", zap.String("session_id", e.sessionID), zap.Error(err))
		}
	}
}

func (e *emitter) has(typ domain.EventType) bool {
	for _, ev := range e.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}
