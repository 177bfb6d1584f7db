package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"qmove/internal/qmove"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	runner Runner
	logger qmove.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(runner Runner, logger qmove.Logger) *Processor {
	return &Processor{runner: runner, logger: logger}
}

// Handler registers the move job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(RunMoveTask, p.handleRun)
	return mux
}

// handleRun drives one operation. A failed move is a finished task; only a
// store error is returned for asynq to retry, and the retry resumes the
// operation from its persisted state.
func (p *Processor) handleRun(ctx context.Context, task *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.TaskID == "" {
		return fmt.Errorf("payload has no task id: %w", asynq.SkipRetry)
	}

	op, err := p.runner.Run(ctx, payload.TaskID)
	if err != nil {
		if errors.Is(err, qmove.ErrNotFound) {
			p.logger.Warn("queued move does not exist", "task", payload.TaskID)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		p.logger.Error("move run failed", "task", payload.TaskID, "error", err)
		return err
	}

	p.logger.Info("move processed", "task", op.ID, "state", op.State, "kind", op.ErrorKind)
	return nil
}
