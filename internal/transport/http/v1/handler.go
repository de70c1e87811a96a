// Package v1 provides the public HTTP handlers of the task agent.
package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
	"github.com/xiaot623/taskagent/internal/hub"
	"github.com/xiaot623/taskagent/internal/service"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// FeedConfig tunes the WebSocket session feed.
type FeedConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultFeedConfig returns the feed timeouts used when none are given.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	hub      *hub.Hub
	feed     FeedConfig
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates a new handler. h may be nil, which disables the feed.
func NewHandler(svc *service.Service, h *hub.Hub, feed FeedConfig, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultFeedConfig()
	if feed.WriteTimeout <= 0 {
		feed.WriteTimeout = def.WriteTimeout
	}
	if feed.ReadTimeout <= 0 {
		feed.ReadTimeout = def.ReadTimeout
	}
	if feed.PingInterval <= 0 {
		feed.PingInterval = def.PingInterval
	}
	if feed.MaxMessageSize <= 0 {
		feed.MaxMessageSize = def.MaxMessageSize
	}
	return &Handler{
		service: svc,
		hub:     h,
		feed:    feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Agent API
	e.POST("/v1/agent/step", h.Step)
	e.POST("/v1/agent/undo", h.Undo)

	// Replay API
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/trace", h.GetRunTrace)
	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)
	e.GET("/v1/sessions/:session_id/feed", h.Feed)

	// Tools and tasks
	e.GET("/v1/tools", h.ListTools)
	e.GET("/v1/tasks", h.ListTasks)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "healthy",
		"version": Version,
	}
	if h.hub != nil {
		resp["connections"] = h.hub.ConnectionCount()
	}
	return c.JSON(http.StatusOK, resp)
}

// writeError renders a classified error with its HTTP status.
func writeError(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	return c.JSON(apperr.HTTPStatus(err), map[string]interface{}{
		"error": domain.ErrorBody{Kind: string(kind), Message: apperr.MessageOf(err)},
	})
}

func badRequest(c echo.Context, message string) error {
	return writeError(c, apperr.New(apperr.KindInvalidArgument, message))
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Newf(apperr.KindInvalidArgument, "%s must be a non-negative integer", name)
	}
	return v, nil
}
