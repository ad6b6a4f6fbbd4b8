// Package api contains the HTTP handlers for triggering and inspecting runs.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/blingmoon/flowrun/workflow"
)

const (
	// OwnerHeader 由上游的认证网关写入
	OwnerHeader = "X-User-ID"
	ownerKey    = "owner_id"
)

// Handler holds the dependencies for the API server.
type Handler struct {
	service   workflow.RunService
	queuePing func(ctx context.Context) error // 为空表示没有配置队列
	logger    *slog.Logger
}

// NewHandler creates a new Handler. queuePing may be nil when the queue is disabled.
func NewHandler(service workflow.RunService, queuePing func(ctx context.Context) error, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, queuePing: queuePing, logger: logger}
}

// Register mounts the routes on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api", requireOwner)
	g.POST("/workflows/:id/run", h.DispatchRun)
	g.GET("/workflows/:workflowId/runs", h.ListWorkflowRuns)
	g.POST("/runs/:workflowId/run", h.ExecuteRun)
	g.GET("/runs/:runId", h.GetRun)
}

func requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := c.Request().Header.Get(OwnerHeader)
		if owner == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
		}
		c.Set(ownerKey, owner)
		return next(c)
	}
}

func ownerOf(c echo.Context) string {
	owner, _ := c.Get(ownerKey).(string)
	return owner
}

// DispatchRun starts a run and returns before it finishes
// (POST /api/workflows/:id/run)
func (h *Handler) DispatchRun(c echo.Context) error {
	ctx := c.Request().Context()
	result, err := h.service.Dispatch(ctx, &workflow.DispatchReq{
		WorkflowID: c.Param("id"),
		OwnerID:    ownerOf(c),
	})
	if err != nil {
		return h.toHTTPError(ctx, err)
	}
	return c.JSON(http.StatusAccepted, result)
}

// ExecuteRun runs a workflow synchronously and returns the finished run
// (POST /api/runs/:workflowId/run)
func (h *Handler) ExecuteRun(c echo.Context) error {
	ctx := c.Request().Context()
	run, err := h.service.ExecuteRun(ctx, &workflow.ExecuteRunReq{
		WorkflowID: c.Param("workflowId"),
		OwnerID:    ownerOf(c),
	})
	if err != nil {
		return h.toHTTPError(ctx, err)
	}
	return c.JSON(http.StatusOK, newRunDetailResp(&workflow.RunDetailEntity{Run: run}))
}

// GetRun returns a run with its steps
// (GET /api/runs/:runId)
func (h *Handler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	detail, err := h.service.GetRunDetail(ctx, c.Param("runId"), ownerOf(c))
	if err != nil {
		return h.toHTTPError(ctx, err)
	}
	return c.JSON(http.StatusOK, newRunDetailResp(detail))
}

// ListWorkflowRuns returns run summaries, newest first
// (GET /api/workflows/:workflowId/runs?limit=)
func (h *Handler) ListWorkflowRuns(c echo.Context) error {
	ctx := c.Request().Context()
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := h.service.ListWorkflowRuns(ctx, c.Param("workflowId"), ownerOf(c), limit)
	if err != nil {
		return h.toHTTPError(ctx, err)
	}
	resp := make([]*runSummaryResp, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, newRunSummaryResp(run))
	}
	return c.JSON(http.StatusOK, resp)
}

// Health reports process and queue status
// (GET /healthz)
func (h *Handler) Health(c echo.Context) error {
	resp := map[string]string{"status": "ok", "queue": "disabled"}
	if h.queuePing != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.queuePing(ctx); err != nil {
			resp["queue"] = "down"
		} else {
			resp["queue"] = "up"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) toHTTPError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Workflow not found")
	case errors.Is(err, workflow.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Run not found")
	case errors.Is(err, workflow.ErrWorkflowForbidden), errors.Is(err, workflow.ErrRunForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "Forbidden")
	case errors.Is(err, workflow.ErrWorkflowNoNodes):
		return echo.NewHTTPError(http.StatusBadRequest, "Workflow has no nodes to execute")
	case errors.Is(err, workflow.ErrWorkflowParamInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	case errors.Is(err, workflow.LockFailedError):
		return echo.NewHTTPError(http.StatusConflict, "Run is already executing")
	}
	h.logger.ErrorContext(ctx, "request failed", slog.Any("err", err))
	return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
}
