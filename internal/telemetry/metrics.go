package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records turn and action counters.
type Metrics struct {
	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	actions      metric.Int64Counter
	undos        metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	turns, err := meter.Int64Counter("taskagent.turns",
		metric.WithDescription("Completed agent turns"))
	if err != nil {
		return nil, err
	}
	turnDuration, err := meter.Float64Histogram("taskagent.turn.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Agent turn latency"))
	if err != nil {
		return nil, err
	}
	actions, err := meter.Int64Counter("taskagent.actions",
		metric.WithDescription("Executed actions"))
	if err != nil {
		return nil, err
	}
	undos, err := meter.Int64Counter("taskagent.undos",
		metric.WithDescription("Undo redemptions"))
	if err != nil {
		return nil, err
	}
	return &Metrics{turns: turns, turnDuration: turnDuration, actions: actions, undos: undos}, nil
}

// RecordTurn counts a completed turn. Safe on a nil receiver.
func (m *Metrics) RecordTurn(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.turns.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// RecordAction counts an executed action.
func (m *Metrics) RecordAction(ctx context.Context, tool string, ok, cached bool) {
	if m == nil {
		return
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("ok", ok),
		attribute.Bool("cached", cached),
	))
}

// RecordUndo counts an undo attempt by outcome.
func (m *Metrics) RecordUndo(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.undos.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
