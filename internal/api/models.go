package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kronk/taskengine/internal/redact"
	"github.com/kronk/taskengine/internal/task"
)

// MaxDelaySeconds caps how far into the future a task may be scheduled.
const MaxDelaySeconds = 24 * 60 * 60

// EnqueueTaskRequest is the body of POST /api/tasks.
type EnqueueTaskRequest struct {
	Type         string          `json:"type"          validate:"required,max=128"`
	Payload      json.RawMessage `json:"payload"`
	DelaySeconds int             `json:"delay_seconds" validate:"gte=0,lte=86400"`
}

// Delay returns the requested delay as a duration.
func (r EnqueueTaskRequest) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// EnqueueTaskResponse is returned with 202 Accepted.
type EnqueueTaskResponse struct {
	TaskID string     `json:"task_id"`
	State  task.State `json:"state"`
}

// TaskErrorResponse is the failure of a task, redacted for its owner.
type TaskErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TaskStatusResponse is the body of GET /api/tasks/{id}.
type TaskStatusResponse struct {
	TaskID      string             `json:"task_id"`
	TaskType    string             `json:"task_type"`
	State       task.State         `json:"state"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Error       *TaskErrorResponse `json:"error,omitempty"`
	RetryCount  int                `json:"retry_count"`
	Attempts    int                `json:"attempts"`
	UpdatedAt   time.Time          `json:"updated_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

func newEnqueueTaskResponse(id uuid.UUID) EnqueueTaskResponse {
	return EnqueueTaskResponse{TaskID: id.String(), State: task.StatePending}
}

func resultToResponse(rec *task.ResultRecord) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:      rec.TaskID.String(),
		TaskType:    rec.TaskType,
		State:       rec.State,
		Output:      rec.Output,
		RetryCount:  rec.RetryCount,
		Attempts:    rec.Attempts,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
	}
	if rec.Error != nil {
		resp.Error = &TaskErrorResponse{
			Kind:    rec.Error.Kind,
			Message: redact.String(rec.Error.Message),
		}
	}
	return resp
}
