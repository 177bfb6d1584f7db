package queue

import (
	"fmt"
	"os"

	"github.com/hibiken/asynq"

	"qmove/internal/config"
	"qmove/internal/qmove"
)

// DefaultQueue is used when the config names none.
const DefaultQueue = "qmove"

// RedisOpt builds the Redis connection options from the queue config.
func RedisOpt(cfg config.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

func queueName(cfg config.QueueConfig) string {
	if cfg.Queue == "" {
		return DefaultQueue
	}
	return cfg.Queue
}

// NewServer creates the asynq worker server that consumes move tasks.
func NewServer(cfg config.QueueConfig, logger qmove.Logger) *asynq.Server {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName(cfg): 1},
		Logger:      &asynqLogger{logger: logger},
	})
}

// asynqLogger routes asynq's own logging into the application logger.
type asynqLogger struct {
	logger qmove.Logger
}

func (l *asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }

func (l *asynqLogger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}

var _ asynq.Logger = (*asynqLogger)(nil)
