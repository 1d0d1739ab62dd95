package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/tasks"
	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/http/response"
	"github.com/make-ware/video-ware-sub003/internal/mirror"
	"github.com/make-ware/video-ware-sub003/internal/pkg/dbctx"
	"github.com/make-ware/video-ware-sub003/internal/pkg/errs"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

type TaskHandler struct {
	log    *logger.Logger
	tasks  tasks.TaskRepo
	mirror *mirror.Mirror
	now    func() time.Time
}

func NewTaskHandler(log *logger.Logger, taskRepo tasks.TaskRepo, m *mirror.Mirror) *TaskHandler {
	return &TaskHandler{
		log:    log.With("handler", "Task"),
		tasks:  taskRepo,
		mirror: m,
		now:    time.Now,
	}
}

type createTaskRequest struct {
	WorkspaceID uuid.UUID       `json:"workspaceId" binding:"required"`
	Kind        domain.TaskKind `json:"kind" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
}

// POST /api/tasks
//
// Creates a queued task. The payload is validated up front so a task that
// could never build a plan is rejected here instead of failing in the
// enqueuer.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if !domain.KnownTaskKind(req.Kind) {
		response.RespondError(c, http.StatusBadRequest, "unknown_task_kind",
			fmt.Errorf("unknown task kind %q", req.Kind))
		return
	}
	if _, err := domain.DecodePayload(req.Kind, req.Payload); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}

	task, err := h.tasks.Create(dbctx.New(c.Request.Context()), &domain.Task{
		WorkspaceID: req.WorkspaceID,
		Kind:        req.Kind,
		Status:      domain.TaskQueued,
		Payload:     datatypes.JSON(req.Payload),
		CreatedAt:   h.now(),
		UpdatedAt:   h.now(),
	})
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "create_task_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"task": task})
}

// GET /api/tasks/:id
//
// Returns the store row plus, for running tasks this instance is mirroring,
// the last live (step, pct) pair the debounce has not flushed yet.
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	task, err := h.tasks.GetByID(dbctx.New(c.Request.Context()), taskID)
	if errors.Is(err, errs.ErrNotFound) {
		response.RespondError(c, http.StatusNotFound, "task_not_found", err)
		return
	}
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_task_failed", err)
		return
	}

	body := gin.H{"task": task}
	if h.mirror != nil && task.Status == domain.TaskRunning {
		if step, pct, ok := h.mirror.LiveProgress(taskID); ok {
			body["live"] = gin.H{"step": step, "pct": pct}
		}
	}
	response.RespondOK(c, body)
}

// POST /api/tasks/:id/cancel
//
// Flips a non-terminal task to cancelled. Workers observe the flip at their
// cancellation boundary; steps already past it finish their attempt.
func (h *TaskHandler) CancelTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	dbc := dbctx.New(c.Request.Context())

	won, err := h.tasks.UpdateFieldsUnlessStatus(dbc, taskID,
		[]domain.TaskStatus{domain.TaskSucceeded, domain.TaskFailed, domain.TaskCancelled},
		map[string]interface{}{
			"status":       domain.TaskCancelled,
			"completed_at": h.now(),
		})
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "cancel_task_failed", err)
		return
	}
	task, err := h.tasks.GetByID(dbc, taskID)
	if errors.Is(err, errs.ErrNotFound) {
		response.RespondError(c, http.StatusNotFound, "task_not_found", err)
		return
	}
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "cancel_task_failed", err)
		return
	}
	if !won && task.Status != domain.TaskCancelled {
		response.RespondError(c, http.StatusConflict, "task_already_terminal",
			fmt.Errorf("task %s already %s", taskID, task.Status))
		return
	}

	h.log.Info("task cancelled via API", "task_id", taskID)
	response.RespondOK(c, gin.H{"task": task})
}
