package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
)

// ListTools lists the tools the planner may call.
// GET /v1/tools
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tools": h.service.ListTools(),
	})
}

// ListTasks lists tasks, optionally filtered.
// GET /v1/tasks?status=open,in_progress&project=home&limit=20
func (h *Handler) ListTasks(c echo.Context) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return writeError(c, err)
	}
	filter := domain.TaskFilter{
		Project: strings.TrimSpace(c.QueryParam("project")),
		Limit:   limit,
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := domain.TaskStatus(strings.TrimSpace(s))
			if !status.Valid() {
				return writeError(c, apperr.Newf(apperr.KindInvalidArgument,
					"status must be one of %s", strings.Join(domain.TaskStatuses, ", ")))
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	tasks, err := h.service.ListTasks(c.Request().Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tasks": tasks,
	})
}
