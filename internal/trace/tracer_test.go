package trace

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xiaot623/taskagent/internal/domain"
)

type captureSink struct {
	calls int
	nodes []domain.TraceNode
	err   error
}

func (c *captureSink) Export(_ context.Context, nodes []domain.TraceNode) error {
	c.calls++
	c.nodes = nodes
	return c.err
}

func newTestTracer(sink Sink) *Tracer {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seq := 0
	return NewTracer(sink,
		WithClock(func() time.Time {
			clock = clock.Add(time.Millisecond)
			return clock
		}),
		WithIDs(func() string {
			seq++
			return fmt.Sprintf("n%d", seq)
		}),
	)
}

func TestTurnNesting(t *testing.T) {
	sink := &captureSink{}
	turn := newTestTracer(sink).StartTurn("run_1", "step", map[string]string{"input_text": "add a task"})

	planner := turn.Root().StartChild(domain.TraceKindGeneration, "planner", "prompt")
	planner.Update("raw decision", map[string]any{"attempts": 1})
	assert.True(t, planner.End())
	assert.False(t, planner.End())

	action := turn.Root().StartChild(domain.TraceKindSpan, "create_task", nil)
	action.StartChild(domain.TraceKindEvent, "cache_hit", nil)
	action.End()

	require.NoError(t, turn.Flush(context.Background()))
	require.Len(t, sink.nodes, 4)

	root := sink.nodes[0]
	assert.Equal(t, "n1", root.ID)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, "run_1", root.RunID)
	assert.JSONEq(t, `{"input_text":"add a task"}`, string(root.Input))

	assert.Equal(t, "n1", sink.nodes[1].ParentID)
	assert.Equal(t, domain.TraceKindGeneration, sink.nodes[1].Kind)
	assert.JSONEq(t, `"raw decision"`, string(sink.nodes[1].Output))
	assert.Equal(t, 1, sink.nodes[1].Metadata["attempts"])

	event := sink.nodes[3]
	assert.Equal(t, "n3", event.ParentID)
	require.NotNil(t, event.EndedAt)
	assert.Equal(t, event.StartedAt, *event.EndedAt)
}

func TestFlushClosesUnclosedOnce(t *testing.T) {
	sink := &captureSink{}
	turn := newTestTracer(sink).StartTurn("run_1", "step", nil)
	turn.Root().StartChild(domain.TraceKindSpan, "create_task", nil)

	require.NoError(t, turn.Flush(context.Background()))
	require.NoError(t, turn.Flush(context.Background()))
	assert.Equal(t, 1, sink.calls)

	for _, n := range sink.nodes {
		require.NotNil(t, n.EndedAt, n.Name)
		assert.Equal(t, true, n.Metadata["unclosed"])
	}
}

func TestFlushReportsSinkError(t *testing.T) {
	sink := &captureSink{err: errors.New("disk full")}
	turn := newTestTracer(sink).StartTurn("run_1", "step", nil)
	turn.Root().End()

	err := turn.Flush(context.Background())
	assert.EqualError(t, err, "disk full")
	assert.EqualError(t, turn.Flush(context.Background()), "disk full")
	assert.Equal(t, 1, sink.calls)
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	ok := &captureSink{}
	bad := SinkFunc(func(context.Context, []domain.TraceNode) error { return errors.New("unreachable") })
	turn := newTestTracer(MultiSink{bad, nil, ok}).StartTurn("run_1", "step", nil)

	err := turn.Flush(context.Background())
	assert.ErrorContains(t, err, "unreachable")
	assert.Len(t, ok.nodes, 1)
}

func TestOTelSinkReemitsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	turn := newTestTracer(NewOTelSink(tp)).StartTurn("run_1", "step", nil)
	gen := turn.Root().StartChild(domain.TraceKindGeneration, "planner", "prompt")
	gen.Update(nil, map[string]any{"error": "upstream unavailable"})
	gen.End()
	gen.StartChild(domain.TraceKindEvent, "retry", nil)
	turn.Root().End()
	require.NoError(t, turn.Flush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	root, planner := byName["step"], byName["planner"]
	assert.Equal(t, root.SpanContext.SpanID(), planner.Parent.SpanID())
	assert.Equal(t, root.SpanContext.TraceID(), planner.SpanContext.TraceID())
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, int(2*time.Millisecond), time.UTC), planner.StartTime.UTC())
	require.Len(t, planner.Events, 1)
	assert.Equal(t, "retry", planner.Events[0].Name)
	assert.Equal(t, "upstream unavailable", planner.Status.Description)
}
