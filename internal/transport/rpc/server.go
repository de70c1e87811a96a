// Package rpc exposes the agent over JSON-RPC for internal callers.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/domain"
	"github.com/xiaot623/taskagent/internal/service"
)

// ServiceName is the JSON-RPC service the handler is registered under.
const ServiceName = "TaskAgent"

// Agent is the part of the service the RPC surface needs.
type Agent interface {
	Step(ctx context.Context, req domain.StepRequest) (*domain.StepResponse, error)
	Undo(ctx context.Context, req domain.UndoRequest) (*domain.UndoResponse, error)
	GetRunEvents(ctx context.Context, runID string, types []string, limit int) ([]domain.Event, error)
}

var _ Agent = (*service.Service)(nil)

// Server accepts JSON-RPC connections.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
	log       *zap.Logger
}

// NewServer creates a new RPC server bound to the agent.
func NewServer(agent Agent, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, &Handler{agent: agent}); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
		log:       log,
	}, nil
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.log.Warn("rpc accept error", zap.Error(err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the RPC methods.
type Handler struct {
	agent Agent
}

// RunEventsArgs selects the events of a run.
type RunEventsArgs struct {
	RunID string   `json:"run_id"`
	Types []string `json:"types,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// RunEventsReply carries the events of a run.
type RunEventsReply struct {
	Events []domain.Event `json:"events"`
}

// Step runs one agent turn.
func (h *Handler) Step(req *domain.StepRequest, resp *domain.StepResponse) error {
	if req == nil {
		return errors.New("step request is required")
	}

	result, err := h.agent.Step(context.Background(), *req)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// Undo redeems an undo token.
func (h *Handler) Undo(req *domain.UndoRequest, resp *domain.UndoResponse) error {
	if req == nil {
		return errors.New("undo request is required")
	}

	result, err := h.agent.Undo(context.Background(), *req)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// RunEvents returns the recorded events of a run.
func (h *Handler) RunEvents(req *RunEventsArgs, resp *RunEventsReply) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}

	events, err := h.agent.GetRunEvents(context.Background(), req.RunID, req.Types, req.Limit)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Events = events
	}
	return nil
}
