// Package tools declares the actions the planner may request and binds each to a typed handler.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
)

// NoOp is the tool the planner names when nothing needs to happen.
const NoOp = "no_op"

// Outcome is what a handler produces on success.
type Outcome struct {
	Result any
	// Reversal undoes the effect. Nil for irreversible or read-only actions.
	Reversal *domain.Action
	// Touched names the pre-existing resources the action mutated, e.g. "task:3".
	Touched []string
}

// Handler executes one tool.
type Handler interface {
	Spec() Spec
	Execute(ctx context.Context, args domain.Args) (Outcome, error)
}

// Description is the prompt-facing view of a tool.
type Description struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Fields      []Field `json:"arg_schema"`
}

// Registry maps tool names to handlers. It is filled at startup and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under its spec name.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler is required")
	}
	name := h.Spec().Name
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler already registered for %s", name)
	}
	r.handlers[name] = h
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds handlers or panics.
func (r *Registry) MustRegister(hs ...Handler) {
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Describe lists the public tools in registration order.
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Description, 0, len(r.order))
	for _, name := range r.order {
		spec := r.handlers[name].Spec()
		if spec.Internal {
			continue
		}
		out = append(out, Description{Name: spec.Name, Description: spec.Description, Fields: spec.Fields})
	}
	return out
}

// Schema returns the spec of a public tool.
func (r *Registry) Schema(name string) (Spec, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok || h.Spec().Internal {
		return Spec{}, apperr.Newf(apperr.KindUnknownTool, "unknown tool %q", name)
	}
	return h.Spec(), nil
}

// Handler resolves any registered tool, internal ones included.
func (r *Registry) Handler(name string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.KindUnknownTool, "unknown tool %q", name)
	}
	return h, nil
}
