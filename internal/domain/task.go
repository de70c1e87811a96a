package domain

import "time"

// Task is a record in the task store.
type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	SortKey     int64      `json:"sort_key"`
	Project     string     `json:"project,omitempty"`
	Categories  []string   `json:"categories"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask carries the fields of a task to create.
type NewTask struct {
	Title       string
	Description string
	Project     string
	Categories  []string
}

// TaskPatch carries optional field updates. Nil fields are left unchanged.
type TaskPatch struct {
	Title       *string
	Description *string
	Project     *string
	Categories  []string
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Project == nil && p.Categories == nil
}

// TaskFilter selects tasks for fetch.
type TaskFilter struct {
	Statuses       []TaskStatus
	Project        string
	CompletedAtGTE *time.Time
	CompletedAtLT  *time.Time
	Limit          int
}
