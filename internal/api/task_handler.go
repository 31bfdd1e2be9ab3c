package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kronk/taskengine/internal/api/shared"
	"github.com/kronk/taskengine/internal/platform/logger"
	"github.com/kronk/taskengine/internal/task"
)

// TaskEngine is the producer side of the engine used by TaskHandler.
type TaskEngine interface {
	EnqueueIn(ctx context.Context, taskType string, payload any, principal string, delay time.Duration) (uuid.UUID, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*task.ResultRecord, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	IsPublic(taskType string) bool
}

// TaskHandler serves task submission, status and cancellation. Callers only
// see their own tasks; another principal's task is reported as not found.
type TaskHandler struct {
	engine TaskEngine
	logger *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(engine TaskEngine, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		engine: engine,
		logger: logger.With("component", "task_handler"),
	}
}

// EnqueueTask handles POST /api/tasks.
func (h *TaskHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	principal := shared.GetPrincipal(r.Context())
	if principal == "" {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Principal not found")
		return
	}

	var req EnqueueTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	// Internal types look unregistered to clients.
	if !h.engine.IsPublic(req.Type) {
		HandleAPIError(w, r, fmt.Errorf("%w: %s", task.ErrUnknownTaskType, req.Type), "Failed to enqueue task")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	id, err := h.engine.EnqueueIn(r.Context(), req.Type, payload, principal, req.Delay())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to enqueue task")
		return
	}

	logger.FromContextOrDefault(r.Context()).Info("task accepted",
		"task_id", id,
		"task_type", req.Type,
		"principal", principal,
		"delay_seconds", req.DelaySeconds)

	shared.RespondWithJSON(w, r, http.StatusAccepted, newEnqueueTaskResponse(id))
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	principal, id, ok := handlePrincipalAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	rec, ok := h.ownedResult(w, r, principal, id)
	if !ok {
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resultToResponse(rec))
}

// CancelTask handles DELETE /api/tasks/{id}. A pending task is cancelled
// before it returns; a running one is asked to stop.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	principal, id, ok := handlePrincipalAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	if _, ok := h.ownedResult(w, r, principal, id); !ok {
		return
	}

	if err := h.engine.Cancel(r.Context(), id); err != nil {
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}

	rec, err := h.engine.GetStatus(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task status")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, resultToResponse(rec))
}

func (h *TaskHandler) ownedResult(
	w http.ResponseWriter,
	r *http.Request,
	principal string,
	id uuid.UUID,
) (*task.ResultRecord, bool) {
	rec, err := h.engine.GetStatus(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task status")
		return nil, false
	}
	if rec.Principal != principal {
		h.logger.Debug("task requested by non-owner",
			"task_id", id,
			"principal", principal)
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return nil, false
	}
	return rec, true
}
