package helpers

import (
	"testing"

	"github.com/xiaot623/taskagent/internal/repository"
	"github.com/xiaot623/taskagent/internal/taskstore"
)

func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

func NewTestTaskStore(t *testing.T) *taskstore.SQLStore {
	t.Helper()

	s, err := taskstore.Open(taskstore.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to create task store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
