// Package trace records a hierarchical trace of each turn and exports it once.
package trace

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/domain"
)

// Tracer creates turn traces bound to a sink.
type Tracer struct {
	sink  Sink
	now   func() time.Time
	newID func() string
	log   *zap.Logger
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// WithIDs overrides node id generation.
func WithIDs(newID func() string) Option {
	return func(t *Tracer) { t.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracer) { t.log = l }
}

// NewTracer creates a tracer. A nil sink discards traces.
func NewTracer(sink Sink, opts ...Option) *Tracer {
	t := &Tracer{
		sink:  sink,
		now:   time.Now,
		newID: func() string { return "node_" + uuid.NewString() },
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Turn is the trace of one run.
type Turn struct {
	tracer *Tracer
	runID  string

	mu    sync.Mutex
	nodes []*Node
	root  *Node

	once     sync.Once
	flushErr error
}

// Node is a span, generation or event inside a turn.
type Node struct {
	turn *Turn

	id       string
	parentID string
	kind     domain.TraceKind
	name     string
	input    json.RawMessage
	output   json.RawMessage
	metadata map[string]any
	started  time.Time
	ended    *time.Time
}

// StartTurn opens a turn whose root span is named after the run kind.
func (t *Tracer) StartTurn(runID, name string, input any) *Turn {
	turn := &Turn{tracer: t, runID: runID}
	turn.root = turn.add("", domain.TraceKindSpan, name, input)
	return turn
}

// RunID returns the run the turn belongs to.
func (tr *Turn) RunID() string { return tr.runID }

// Root returns the root span.
func (tr *Turn) Root() *Node { return tr.root }

func (tr *Turn) add(parentID string, kind domain.TraceKind, name string, input any) *Node {
	n := &Node{
		turn:     tr,
		id:       tr.tracer.newID(),
		parentID: parentID,
		kind:     kind,
		name:     name,
		input:    encode(input),
		started:  tr.tracer.now(),
	}
	if kind == domain.TraceKindEvent {
		ended := n.started
		n.ended = &ended
	}
	tr.mu.Lock()
	tr.nodes = append(tr.nodes, n)
	tr.mu.Unlock()
	return n
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// StartChild opens a node under n. Events are closed on creation.
func (n *Node) StartChild(kind domain.TraceKind, name string, input any) *Node {
	return n.turn.add(n.id, kind, name, input)
}

// Update replaces the output and merges metadata. A nil output keeps the previous one.
func (n *Node) Update(output any, metadata map[string]any) {
	n.turn.mu.Lock()
	defer n.turn.mu.Unlock()
	if output != nil {
		n.output = encode(output)
	}
	if len(metadata) > 0 && n.metadata == nil {
		n.metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		n.metadata[k] = v
	}
}

// End closes the node. It reports false if the node was already closed.
func (n *Node) End() bool {
	now := n.turn.tracer.now()
	n.turn.mu.Lock()
	defer n.turn.mu.Unlock()
	if n.ended != nil {
		return false
	}
	n.ended = &now
	return true
}

// Nodes returns a snapshot of the turn in creation order.
func (tr *Turn) Nodes() []domain.TraceNode {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.snapshot()
}

func (tr *Turn) snapshot() []domain.TraceNode {
	out := make([]domain.TraceNode, 0, len(tr.nodes))
	for _, n := range tr.nodes {
		node := domain.TraceNode{
			ID:        n.id,
			RunID:     tr.runID,
			ParentID:  n.parentID,
			Kind:      n.kind,
			Name:      n.name,
			Input:     n.input,
			Output:    n.output,
			StartedAt: n.started,
		}
		if len(n.metadata) > 0 {
			node.Metadata = make(map[string]any, len(n.metadata))
			for k, v := range n.metadata {
				node.Metadata[k] = v
			}
		}
		if n.ended != nil {
			ended := *n.ended
			node.EndedAt = &ended
		}
		out = append(out, node)
	}
	return out
}

// Flush closes unclosed nodes and exports the turn. Only the first call exports;
// later calls return the first result.
func (tr *Turn) Flush(ctx context.Context) error {
	tr.once.Do(func() {
		now := tr.tracer.now()
		tr.mu.Lock()
		unclosed := 0
		for _, n := range tr.nodes {
			if n.ended != nil {
				continue
			}
			ended := now
			n.ended = &ended
			if n.metadata == nil {
				n.metadata = make(map[string]any, 1)
			}
			n.metadata["unclosed"] = true
			unclosed++
		}
		nodes := tr.snapshot()
		tr.mu.Unlock()

		if unclosed > 0 {
			tr.tracer.log.Debug("closed unfinished trace nodes", zap.String("run_id", tr.runID), zap.Int("count", unclosed))
		}
		if tr.tracer.sink == nil {
			return
		}
		if err := tr.tracer.sink.Export(ctx, nodes); err != nil {
			tr.flushErr = err
			tr.tracer.log.Warn("failed to export trace", zap.String("run_id", tr.runID), zap.Error(err))
		}
	})
	return tr.flushErr
}

func encode(v any) json.RawMessage {
	switch val := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return val
	case []byte:
		return json.RawMessage(val)
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	}
	return data
}
