package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"qmove/internal/qmove"
)

// Dispatcher hands a submitted operation to whatever will run it.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
	Close() error
}

// Runner drives an operation to a terminal state. *qmove.MoveService
// implements it.
type Runner interface {
	Run(ctx context.Context, id string) (*qmove.MoveOperation, error)
}

// InlineDispatcher runs the operation in the calling process and returns once
// it is terminal.
type InlineDispatcher struct {
	runner Runner
	logger qmove.Logger
}

var _ Dispatcher = (*InlineDispatcher)(nil)

// NewInlineDispatcher creates an InlineDispatcher.
func NewInlineDispatcher(runner Runner, logger qmove.Logger) *InlineDispatcher {
	return &InlineDispatcher{runner: runner, logger: logger}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, taskID string) error {
	op, err := d.runner.Run(ctx, taskID)
	if err != nil {
		return fmt.Errorf("running %s: %w", taskID, err)
	}
	d.logger.Debug("inline run finished", "task", taskID, "state", op.State)
	return nil
}

func (d *InlineDispatcher) Close() error { return nil }

// AsynqDispatcher enqueues operations on a Redis-backed asynq queue.
type AsynqDispatcher struct {
	client *asynq.Client
	opts   []asynq.Option
	logger qmove.Logger
}

var _ Dispatcher = (*AsynqDispatcher)(nil)

// NewAsynqDispatcher creates an AsynqDispatcher that enqueues with opts.
func NewAsynqDispatcher(client *asynq.Client, logger qmove.Logger, opts ...asynq.Option) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, opts: opts, logger: logger}
}

// Dispatch enqueues the operation. Enqueuing an operation that is already
// queued is not an error.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, taskID string) error {
	task, err := NewRunTask(taskID)
	if err != nil {
		return err
	}
	opts := append([]asynq.Option{asynq.TaskID(taskID)}, d.opts...)
	info, err := d.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			d.logger.Info("move already queued", "task", taskID)
			return nil
		}
		return fmt.Errorf("enqueue move task: %w", err)
	}
	d.logger.Info("move queued", "task", taskID, "queue", info.Queue)
	return nil
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}
