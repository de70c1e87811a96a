package tools

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
)

// Tool names.
const (
	CreateTask       = "create_task"
	UpdateTaskStatus = "update_task_status"
	UpdateTask       = "update_task"
	ReorderTasks     = "reorder_tasks"
	FetchTasks       = "fetch_tasks"
	DeleteTask       = "delete_task"
	RestoreTask      = "restore_task"
	RestoreOrder     = "restore_order"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 4000
	maxProjectLength     = 100
	maxCategoryLength    = 50
	maxCategories        = 10
	maxReorderIDs        = 500
	maxFetchLimit        = 200
)

// TaskStore is the task collaborator the handlers act on.
type TaskStore interface {
	Create(ctx context.Context, t domain.NewTask) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Task, error)
	UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus) error
	Update(ctx context.Context, id int64, patch domain.TaskPatch) error
	Restore(ctx context.Context, t domain.Task) error
	Delete(ctx context.Context, id int64) error
	Reorder(ctx context.Context, ids []int64) error
	SetSortKeys(ctx context.Context, ids, keys []int64) error
	Fetch(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
}

// TaskTag is the resource tag of a task.
func TaskTag(id int64) string {
	return "task:" + strconv.FormatInt(id, 10)
}

// RegisterTaskTools registers the task tools backed by store.
func RegisterTaskTools(r *Registry, store TaskStore) {
	r.MustRegister(
		&createTaskHandler{store: store},
		&updateTaskStatusHandler{store: store},
		&updateTaskHandler{store: store},
		&reorderTasksHandler{store: store},
		&fetchTasksHandler{store: store},
		noOpHandler{},
		&deleteTaskHandler{store: store},
		&restoreTaskHandler{store: store},
		&restoreOrderHandler{store: store},
	)
}

var (
	taskIDField      = Field{Name: "task_id", Type: TypeInteger, Required: true, Description: "ID of the task"}
	titleField       = Field{Name: "title", Type: TypeString, MaxLength: maxTitleLength, Description: "Short task title"}
	descriptionField = Field{Name: "description", Type: TypeString, MaxLength: maxDescriptionLength, Description: "Longer task notes"}
	projectField     = Field{Name: "project", Type: TypeString, MaxLength: maxProjectLength, Description: "Project the task belongs to"}
	categoriesField  = Field{Name: "categories", Type: TypeStringList, MaxLength: maxCategoryLength, MaxItems: maxCategories, Description: "Category labels"}
)

type createTaskHandler struct{ store TaskStore }

func (h *createTaskHandler) Spec() Spec {
	title := titleField
	title.Required = true
	return Spec{
		Name:        CreateTask,
		Description: "Create a new task.",
		Fields:      []Field{title, descriptionField, projectField, categoriesField},
	}
}

func (h *createTaskHandler) Execute(ctx context.Context, args domain.Args) (Outcome, error) {
	title, _ := args.String("title")
	description, _ := args.String("description")
	project, _ := args.String("project")
	categories, _ := args.Strings("categories")

	id, err := h.store.Create(ctx, domain.NewTask{
		Title:       title,
		Description: description,
		Project:     project,
		Categories:  categories,
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Result:   map[string]any{"task_id": id, "title": title},
		Reversal: &domain.Action{Name: DeleteTask, Args: domain.Args{"task_id": id}},
	}, nil
}

type updateTaskStatusHandler struct{ store TaskStore }

func (h *updateTaskStatusHandler) Spec() Spec {
	return Spec{
		Name:        UpdateTaskStatus,
		Description: "Change the status of a task.",
		Fields: []Field{
			taskIDField,
			{Name: "status", Type: TypeString, Required: true, Enum: domain.TaskStatuses, Description: "New status"},
		},
	}
}

func (h *updateTaskStatusHandler) Execute(ctx context.Context, args domain.Args) (Outcome, error) {
	id, _ := args.Int("task_id")
	status, _ := args.String("status")

	prev, err := h.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if err := h.store.UpdateStatus(ctx, id, domain.TaskStatus(status)); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Result: map[string]any{
			"task_id":         id,
			"title":           prev.Title,
			"status":          status,
			"previous_status": prev.Status,
		},
		Reversal: &domain.Action{Name: RestoreTask, Args: snapshotArgs(prev)},
		Touched:  []string{TaskTag(id)},
	}, nil
}

type updateTaskHandler struct{ store TaskStore }

func (h *updateTaskHandler) Spec() Spec {
	return Spec{
		Name:        UpdateTask,
		Description: "Edit the title, description, project or categories of a task.",
		Fields:      []Field{taskIDField, titleField, descriptionField, projectField, categoriesField},
	}
}

func (h *updateTaskHandler) Execute(ctx context.Context, args domain.Args) (Outcome, error) {
	id, _ := args.Int("task_id")

	var patch domain.TaskPatch
	var updated []string
	if v, ok := args.String("title"); ok {
		patch.Title = &v
		updated = append(updated, "title")
	}
	if v, ok := args.String("description"); ok {
		patch.Description = &v
		updated = append(updated, "description")
	}
	if v, ok := args.String("project"); ok {
		patch.Project = &v
		updated = append(updated, "project")
	}
	if v, ok := args.Strings("categories"); ok {
		patch.Categories = v
		updated = append(updated, "categories")
	}
	if patch.Empty() {
		return Outcome{}, apperr.New(apperr.KindSchemaViolation, "update_task: nothing to update")
	}

	prev, err := h.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if err := h.store.Update(ctx, id, patch); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Result:   map[string]any{"task_id": id, "updated": updated},
		Reversal: &domain.Action{Name: RestoreTask, Args: snapshotArgs(prev)},
		Touched:  []string{TaskTag(id)},
	}, nil
}

type reorderTasksHandler struct{ store TaskStore }

func (h *reorderTasksHandler) Spec() Spec {
	return Spec{
		Name:        ReorderTasks,
		Description: "Reorder tasks. task_ids lists tasks from first to last.",
		Fields: []Field{
			{Name: "task_ids", Type: TypeIntegerList, Required: true, MaxItems: maxReorderIDs, Description: "Task IDs in the desired order"},
		},
	}
}

func (h *reorderTasksHandler) Execute(ctx context.Context, args domain.Args) (Outcome, error) {
	ids, _ := args.Ints("task_ids")

	current, err := h.store.Fetch(ctx, domain.TaskFilter{})
	if err != nil {
		return Outcome{}, err
	}
	keys := make(map[int64]int64, len(current))
	for _, t := range current {
		keys[t.ID] = t.SortKey
	}
	prevKeys := make([]int64, len(ids))
	touched := make([]string, len(ids))
	for i, id := range ids {
		k, ok := keys[id]
		if !ok {
			return Outcome{}, apperr.Newf(apperr.KindNotFound, "task %d not found", id)
		}
		prevKeys[i] = k
		touched[i] = TaskTag(id)
	}

	if err := h.store.Reorder(ctx, ids); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Result: map[string]any{"task_ids": ids},
		Reversal: &domain.Action{Name: RestoreOrder, Args: domain.Args{
			"task_ids":  ids,
			"sort_keys": prevKeys,
		}},
		Touched: touched,
	}, nil
}

type fetchTasksHandler struct{ store TaskStore }

func (h *fetchTasksHandler) Spec() Spec {
	return Spec{
		Name:        FetchTasks,
		Description: "List tasks, optionally filtered by status, project or completion date.",
		ReadOnly:    true,
		Fields: []Field{
			{Name: "status", Type: TypeStringList, Enum: domain.TaskStatuses, MaxItems: len(domain.TaskStatuses), Description: "One status or a list of statuses"},
			projectField,
			{Name: "completed_at_gte", Type: TypeString, Format: FormatDate, Description: "Completed on or after this date"},
			{Name: "completed_at_lt", Type: TypeString, Format: FormatDate, Description: "Completed before this date"},
			{Name: "limit", Type: TypeInteger, Description: "Maximum number of tasks"},
		},
	}
}

func (h *fetchTasksHandler) Execute(ctx context.Context, args domain.Args) (Outcome, error) {
	var filter domain.TaskFilter
	if statuses, ok := args.Strings("status"); ok {
		for _, s := range statuses {
			filter.Statuses = append(filter.Statuses, domain.TaskStatus(s))
		}
	}
	filter.Project, _ = args.String("project")
	if v, ok := args.String("completed_at_gte"); ok {
		d, _ := time.Parse(time.DateOnly, v)
		filter.CompletedAtGTE = &d
	}
	if v, ok := args.String("completed_at_lt"); ok {
		d, _ := time.Parse(time.DateOnly, v)
		filter.CompletedAtLT = &d
	}
	filter.Limit = maxFetchLimit
	if n, ok := args.Int("limit"); ok && n > 0 && n < maxFetchLimit {
		filter.Limit = int(n)
	}

	tasks, err := h.store.Fetch(ctx, filter)
	if err != nil {
		return Outcome{}, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return Outcome{Result: map[string]any{"tasks": tasks, "count": len(tasks)}}, nil
}

type noOpHandler struct{}

func (noOpHandler) Spec() Spec {
	return Spec{
		Name:        NoOp,
		Description: "Do nothing. Use when the request needs no task operation.",
		ReadOnly:    true,
	}
}

func (noOpHandler) Execute(context.Context, domain.Args) (Outcome, error) {
	return Outcome{Result: map[string]any{}}, nil
}

type deleteTaskHandler struct{ store TaskStore }

func (h *deleteTaskHandler) Spec() Spec {
	return Spec{
		Name:     DeleteTask,
		Internal: true,
		Fields:   []Field{taskIDField},
	}
}

func (h *deleteTaskHandler) Execute(ctx context.Context, args domain.Args) (Outcome, error) {
	id, _ := args.Int("task_id")
	err := h.store.Delete(ctx, id)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return Outcome{}, err
	}
	return Outcome{
		Result:  map[string]any{"task_id": id, "deleted": true},
		Touched: []string{TaskTag(id)},
	}, nil
}

type restoreTaskHandler struct{ store TaskStore }

func (h *restoreTaskHandler) Spec() Spec {
	return Spec{
		Name:     RestoreTask,
		Internal: true,
		Fields: []Field{
			taskIDField,
			{Name: "title", Type: TypeString},
			{Name: "description", Type: TypeString},
			{Name: "status", Type: TypeString, Required: true, Enum: domain.TaskStatuses},
			{Name: "project", Type: TypeString},
			{Name: "categories", Type: TypeStringList},
			{Name: "started_at", Type: TypeString},
			{Name: "completed_at", Type: TypeString},
		},
	}
}

func (h *restoreTaskHandler) Execute(ctx context.Context, args domain.Args) (Outcome, error) {
	t := domain.Task{}
	t.ID, _ = args.Int("task_id")
	t.Title, _ = args.String("title")
	t.Description, _ = args.String("description")
	status, _ := args.String("status")
	t.Status = domain.TaskStatus(status)
	t.Project, _ = args.String("project")
	t.Categories, _ = args.Strings("categories")
	var err error
	if t.StartedAt, err = parseOptionalTime(args, "started_at"); err != nil {
		return Outcome{}, err
	}
	if t.CompletedAt, err = parseOptionalTime(args, "completed_at"); err != nil {
		return Outcome{}, err
	}

	if err := h.store.Restore(ctx, t); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Result:  map[string]any{"task_id": t.ID, "title": t.Title, "status": t.Status, "restored": true},
		Touched: []string{TaskTag(t.ID)},
	}, nil
}

type restoreOrderHandler struct{ store TaskStore }

func (h *restoreOrderHandler) Spec() Spec {
	return Spec{
		Name:     RestoreOrder,
		Internal: true,
		Fields: []Field{
			{Name: "task_ids", Type: TypeIntegerList, Required: true},
			{Name: "sort_keys", Type: TypeIntegerList, Required: true},
		},
	}
}

func (h *restoreOrderHandler) Execute(ctx context.Context, args domain.Args) (Outcome, error) {
	ids, _ := args.Ints("task_ids")
	keys, _ := args.Ints("sort_keys")
	if len(ids) != len(keys) {
		return Outcome{}, apperr.New(apperr.KindSchemaViolation, "restore_order: task_ids and sort_keys differ in length")
	}
	if err := h.store.SetSortKeys(ctx, ids, keys); err != nil {
		return Outcome{}, err
	}
	touched := make([]string, len(ids))
	for i, id := range ids {
		touched[i] = TaskTag(id)
	}
	return Outcome{
		Result:  map[string]any{"task_ids": ids, "restored": true},
		Touched: touched,
	}, nil
}

// snapshotArgs captures a task as restore_task arguments.
func snapshotArgs(t *domain.Task) domain.Args {
	args := domain.Args{
		"task_id": t.ID,
		"status":  string(t.Status),
	}
	if t.Title != "" {
		args["title"] = t.Title
	}
	if t.Description != "" {
		args["description"] = t.Description
	}
	if t.Project != "" {
		args["project"] = t.Project
	}
	if len(t.Categories) > 0 {
		args["categories"] = t.Categories
	}
	if t.StartedAt != nil {
		args["started_at"] = t.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		args["completed_at"] = t.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return args
}

func parseOptionalTime(args domain.Args, key string) (*time.Time, error) {
	v, ok := args.String(key)
	if !ok {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, apperr.New(apperr.KindSchemaViolation, fmt.Sprintf("%s: invalid timestamp %q", key, v))
	}
	return &ts, nil
}
