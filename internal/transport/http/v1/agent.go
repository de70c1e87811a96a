package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
)

// Step runs one agent turn.
// POST /v1/agent/step
func (h *Handler) Step(c echo.Context) error {
	var req domain.StepRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	resp, err := h.service.Step(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Undo redeems an undo token. Failed redemptions keep the response body and
// use the status of the error kind.
// POST /v1/agent/undo
func (h *Handler) Undo(c echo.Context) error {
	var req domain.UndoRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	resp, err := h.service.Undo(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	status := http.StatusOK
	if !resp.OK && resp.Error != nil {
		status = apperr.AttributesOf(apperr.Kind(resp.Error.Kind)).HTTPStatus
	}
	return c.JSON(status, resp)
}
