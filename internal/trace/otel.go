package trace

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/taskagent/internal/domain"
)

const maxAttrLen = 4096

type flusher interface {
	ForceFlush(ctx context.Context) error
}

// OTelSink re-emits turn nodes as OpenTelemetry spans with their recorded timestamps.
// Event nodes become span events on their parent.
type OTelSink struct {
	provider oteltrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewOTelSink creates a sink on the given provider.
func NewOTelSink(provider oteltrace.TracerProvider) *OTelSink {
	return &OTelSink{
		provider: provider,
		tracer:   provider.Tracer("taskagent/turn"),
	}
}

// Export emits the nodes and flushes the provider when it supports it.
func (s *OTelSink) Export(ctx context.Context, nodes []domain.TraceNode) error {
	type open struct {
		ctx  context.Context
		span oteltrace.Span
		node domain.TraceNode
	}
	spans := make(map[string]*open, len(nodes))
	order := make([]*open, 0, len(nodes))

	for _, n := range nodes {
		parentCtx := ctx
		parent, hasParent := spans[n.ParentID]
		if hasParent {
			parentCtx = parent.ctx
		}

		if n.Kind == domain.TraceKindEvent && hasParent {
			parent.span.AddEvent(n.Name,
				oteltrace.WithTimestamp(n.StartedAt),
				oteltrace.WithAttributes(nodeAttributes(n)...),
			)
			continue
		}

		spanCtx, span := s.tracer.Start(parentCtx, n.Name,
			oteltrace.WithTimestamp(n.StartedAt),
			oteltrace.WithAttributes(nodeAttributes(n)...),
		)
		if msg, ok := n.Metadata["error"]; ok {
			span.SetStatus(codes.Error, fmt.Sprint(msg))
		}
		o := &open{ctx: spanCtx, span: span, node: n}
		spans[n.ID] = o
		order = append(order, o)
	}

	// Children end before their parents.
	for i := len(order) - 1; i >= 0; i-- {
		o := order[i]
		end := o.node.StartedAt
		if o.node.EndedAt != nil {
			end = *o.node.EndedAt
		}
		o.span.End(oteltrace.WithTimestamp(end))
	}

	if f, ok := s.provider.(flusher); ok {
		if err := f.ForceFlush(ctx); err != nil {
			return fmt.Errorf("flush otel spans: %w", err)
		}
	}
	return nil
}

func nodeAttributes(n domain.TraceNode) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("taskagent.run_id", n.RunID),
		attribute.String("taskagent.node_id", n.ID),
		attribute.String("taskagent.kind", string(n.Kind)),
	}
	if len(n.Input) > 0 {
		attrs = append(attrs, attribute.String("taskagent.input", truncate(string(n.Input))))
	}
	if len(n.Output) > 0 {
		attrs = append(attrs, attribute.String("taskagent.output", truncate(string(n.Output))))
	}

	keys := make([]string, 0, len(n.Metadata))
	for k := range n.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := "taskagent.meta." + k
		switch v := n.Metadata[k].(type) {
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case string:
			attrs = append(attrs, attribute.String(key, truncate(v)))
		default:
			attrs = append(attrs, attribute.String(key, truncate(fmt.Sprint(v))))
		}
	}
	return attrs
}

func truncate(s string) string {
	if len(s) <= maxAttrLen {
		return s
	}
	return s[:maxAttrLen]
}
