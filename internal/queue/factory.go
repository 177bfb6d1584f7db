package queue

import (
	"fmt"

	"github.com/hibiken/asynq"

	"qmove/internal/config"
	"qmove/internal/qmove"
)

// NewDispatcherFromConfig creates a Dispatcher based on the queue type.
func NewDispatcherFromConfig(cfg config.QueueConfig, runner Runner, logger qmove.Logger) (Dispatcher, error) {
	switch cfg.Type {
	case "", "inline":
		return NewInlineDispatcher(runner, logger), nil
	case "asynq":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("asynq queue requires redis_addr")
		}
		opts := []asynq.Option{asynq.Queue(queueName(cfg))}
		if cfg.MaxRetry > 0 {
			opts = append(opts, asynq.MaxRetry(cfg.MaxRetry))
		}
		if cfg.Timeout.Duration > 0 {
			opts = append(opts, asynq.Timeout(cfg.Timeout.Duration))
		}
		return NewAsynqDispatcher(asynq.NewClient(RedisOpt(cfg)), logger, opts...), nil
	default:
		return nil, fmt.Errorf("unknown queue type: %q", cfg.Type)
	}
}
