package trace

import (
	"context"
	"errors"

	"github.com/xiaot623/taskagent/internal/domain"
)

// Sink receives the nodes of a finished turn.
type Sink interface {
	Export(ctx context.Context, nodes []domain.TraceNode) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, nodes []domain.TraceNode) error

// Export calls f.
func (f SinkFunc) Export(ctx context.Context, nodes []domain.TraceNode) error {
	return f(ctx, nodes)
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

// Export exports to all sinks even if one fails.
func (m MultiSink) Export(ctx context.Context, nodes []domain.TraceNode) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Export(ctx, nodes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
