package crontask

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	pkgcron "github.com/mx-space/newsletter/internal/pkg/cron"
	"github.com/mx-space/newsletter/internal/pkg/response"
	"github.com/mx-space/newsletter/internal/pkg/taskqueue"
)

// TaskLookup resolves recorded task results.
type TaskLookup interface {
	GetByID(ctx context.Context, id string) (*taskqueue.Task, error)
}

// Handler wraps the scheduler for HTTP access.
type Handler struct {
	sched *pkgcron.Scheduler
	tasks TaskLookup
}

func NewHandler(sched *pkgcron.Scheduler, tasks TaskLookup) *Handler {
	return &Handler{sched: sched, tasks: tasks}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/cron-task", authMW)
	g.GET("", h.list)
	g.GET("/:name", h.get)
	g.POST("/:name/run", h.run)
	g.GET("/tasks/:taskId", h.getTask)
}

// GET /cron-task
func (h *Handler) list(c *gin.Context) {
	response.OK(c, h.sched.List())
}

// GET /cron-task/:name
func (h *Handler) get(c *gin.Context) {
	result, err := h.sched.GetTask(c.Param("name"))
	if err != nil {
		response.NotFoundMsg(c, "cron job not found")
		return
	}
	response.OK(c, result)
}

// POST /cron-task/:name/run
func (h *Handler) run(c *gin.Context) {
	// The job outlives the request.
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.sched.Run(ctx, c.Param("name")); err != nil {
		if errors.Is(err, pkgcron.ErrJobRunning) {
			response.Conflict(c, "cron job is already running")
			return
		}
		response.NotFoundMsg(c, "cron job not found")
		return
	}
	response.OK(c, gin.H{"message": "job triggered"})
}

// GET /cron-task/tasks/:taskId
func (h *Handler) getTask(c *gin.Context) {
	if h.tasks == nil {
		response.NotFound(c)
		return
	}
	task, err := h.tasks.GetByID(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		if errors.Is(err, taskqueue.ErrNotFound) {
			response.NotFoundMsg(c, "task not found")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.OK(c, task)
}
