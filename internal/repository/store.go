// Package repository persists sessions, runs, events and traces for replay.
package repository

import (
	"context"

	"github.com/xiaot623/taskagent/internal/domain"
)

// Store defines the interface for run persistence.
type Store interface {
	// Session operations
	EnsureSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	CompleteRun(ctx context.Context, runID string, status domain.RunStatus, finalMessage string) error

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, runID string, types []string, limit int) ([]domain.Event, error)

	// Trace operations
	CreateTraceNodes(ctx context.Context, nodes []domain.TraceNode) error
	GetTraceNodes(ctx context.Context, runID string) ([]domain.TraceNode, error)

	// Lifecycle
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
