package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// RunMoveTask is scheduled once per submitted move. Its asynq task ID is
	// the operation ID, so a move is never queued twice.
	RunMoveTask = "move:run"
)

// RunPayload is serialized into the task payload so the worker knows which
// operation to drive.
type RunPayload struct {
	TaskID string `json:"task_id"`
}

// NewRunTask builds the asynq task for an operation.
func NewRunTask(taskID string) (*asynq.Task, error) {
	data, err := json.Marshal(RunPayload{TaskID: taskID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(RunMoveTask, data), nil
}
