// Package taskstore persists tasks in SQLite or MySQL.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

const sortKeyStep = 1000

// SQLStore implements the task collaborator over database/sql.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the task database and runs migrations.
func Open(driver, dsn string) (*SQLStore, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported task store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}
	if driver == DriverSQLite && (dsn == ":memory:" || strings.Contains(dsn, "mode=memory")) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate task database: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	ddl := `CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		sort_key INTEGER NOT NULL DEFAULT 0,
		project TEXT NOT NULL DEFAULT '',
		categories TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	)`
	index := `CREATE INDEX IF NOT EXISTS idx_tasks_status_sort ON tasks(status, sort_key)`
	if s.driver == DriverMySQL {
		ddl = `CREATE TABLE IF NOT EXISTS tasks (
			id BIGINT PRIMARY KEY AUTO_INCREMENT,
			title VARCHAR(512) NOT NULL,
			description TEXT NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'open',
			sort_key BIGINT NOT NULL DEFAULT 0,
			project VARCHAR(255) NOT NULL DEFAULT '',
			categories TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			started_at BIGINT NULL,
			completed_at BIGINT NULL,
			INDEX idx_tasks_status_sort (status, sort_key)
		)`
		index = ""
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if index != "" {
		if _, err := s.db.Exec(index); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Create inserts a task at the end of the ordering.
func (s *SQLStore) Create(ctx context.Context, t domain.NewTask) (int64, error) {
	categories, err := encodeCategories(t.Categories)
	if err != nil {
		return 0, err
	}
	var maxKey sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sort_key) FROM tasks`).Scan(&maxKey); err != nil {
		return 0, fmt.Errorf("failed to read sort key: %w", err)
	}
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (title, description, status, sort_key, project, categories, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Title, t.Description, domain.TaskStatusOpen, maxKey.Int64+sortKeyStep, t.Project, categories, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	return res.LastInsertId()
}

// Get returns a task or a NotFound error.
func (s *SQLStore) Get(ctx context.Context, id int64) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "task %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// UpdateStatus changes a task status and keeps started_at/completed_at consistent with it.
func (s *SQLStore) UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus) error {
	if !status.Valid() {
		return apperr.Newf(apperr.KindInvalidArgument, "invalid status %q", status)
	}
	now := s.now().UnixMilli()
	var query string
	var args []any
	switch status {
	case domain.TaskStatusDone:
		query = `UPDATE tasks SET status = ?, completed_at = ?, started_at = NULL, updated_at = ? WHERE id = ?`
		args = []any{status, now, now, id}
	case domain.TaskStatusInProgress:
		query = `UPDATE tasks SET status = ?, started_at = ?, completed_at = NULL, updated_at = ? WHERE id = ?`
		args = []any{status, now, now, id}
	default:
		query = `UPDATE tasks SET status = ?, started_at = NULL, completed_at = NULL, updated_at = ? WHERE id = ?`
		args = []any{status, now, id}
	}
	return s.execOne(ctx, id, query, args...)
}

// Update applies a partial edit.
func (s *SQLStore) Update(ctx context.Context, id int64, patch domain.TaskPatch) error {
	sets := []string{}
	args := []any{}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.Project != nil {
		sets = append(sets, "project = ?")
		args = append(args, *patch.Project)
	}
	if patch.Categories != nil {
		categories, err := encodeCategories(patch.Categories)
		if err != nil {
			return err
		}
		sets = append(sets, "categories = ?")
		args = append(args, categories)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UnixMilli(), id)
	return s.execOne(ctx, id, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

// Restore overwrites the editable fields of a task with a snapshot.
func (s *SQLStore) Restore(ctx context.Context, t domain.Task) error {
	categories, err := encodeCategories(t.Categories)
	if err != nil {
		return err
	}
	return s.execOne(ctx, t.ID, `
		UPDATE tasks SET title = ?, description = ?, status = ?, project = ?, categories = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, t.Title, t.Description, t.Status, t.Project, categories,
		nullMillis(t.StartedAt), nullMillis(t.CompletedAt), s.now().UnixMilli(), t.ID)
}

// Delete removes a task.
func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	return s.execOne(ctx, id, `DELETE FROM tasks WHERE id = ?`, id)
}

// Reorder assigns sort keys (i+1)*1000 following ids.
func (s *SQLStore) Reorder(ctx context.Context, ids []int64) error {
	keys := make([]int64, len(ids))
	for i := range ids {
		keys[i] = int64(i+1) * sortKeyStep
	}
	return s.SetSortKeys(ctx, ids, keys)
}

// SetSortKeys writes explicit sort keys in one transaction.
func (s *SQLStore) SetSortKeys(ctx context.Context, ids, keys []int64) error {
	if len(ids) != len(keys) {
		return apperr.New(apperr.KindInvalidArgument, "ids and keys differ in length")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	for i, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET sort_key = ?, updated_at = ? WHERE id = ?`, keys[i], now, id)
		if err != nil {
			return fmt.Errorf("failed to reorder task %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.Newf(apperr.KindNotFound, "task %d not found", id)
		}
	}
	return tx.Commit()
}

// Fetch lists tasks in sort order.
func (s *SQLStore) Fetch(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	where := []string{}
	args := []any{}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.CompletedAtGTE != nil {
		where = append(where, "completed_at >= ?")
		args = append(args, filter.CompletedAtGTE.UnixMilli())
	}
	if filter.CompletedAtLT != nil {
		where = append(where, "completed_at < ?")
		args = append(args, filter.CompletedAtLT.UnixMilli())
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sort_key ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *SQLStore) execOne(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "task %d not found", id)
	}
	return nil
}

const taskColumns = `id, title, description, status, sort_key, project, categories, created_at, updated_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var status, categories string
	var createdAt, updatedAt int64
	var startedAt, completedAt sql.NullInt64
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &t.SortKey, &t.Project, &categories,
		&createdAt, &updatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	t.StartedAt = fromNullMillis(startedAt)
	t.CompletedAt = fromNullMillis(completedAt)
	if err := json.Unmarshal([]byte(categories), &t.Categories); err != nil || t.Categories == nil {
		t.Categories = []string{}
	}
	return &t, nil
}

func encodeCategories(categories []string) (string, error) {
	if categories == nil {
		categories = []string{}
	}
	b, err := json.Marshal(categories)
	if err != nil {
		return "", fmt.Errorf("failed to encode categories: %w", err)
	}
	return string(b), nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
