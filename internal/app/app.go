package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"qmove/internal/api"
	"qmove/internal/boundary"
	"qmove/internal/config"
	"qmove/internal/database"
	"qmove/internal/fs"
	"qmove/internal/metrics"
	"qmove/internal/qmove"
	"qmove/internal/queue"
	"qmove/internal/staging"
)

// DefaultPollInterval is how often Wait and the inline worker look at the store.
const DefaultPollInterval = time.Second

// QMoveApp is the application layer between the CLI and MoveService.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and manages the DB lifecycle on Close.
type QMoveApp struct {
	cfg        *config.Config
	db         *database.SQLiteDatabase
	fsmgr      qmove.FilesystemManager
	control    qmove.BoundaryControl
	service    *qmove.MoveService
	janitor    *qmove.Janitor
	dispatcher queue.Dispatcher
	logger     qmove.Logger
	logFile    *os.File
}

// NewQMoveApp creates a fully wired QMoveApp from the given config.
// command identifies the CLI command being run and is stamped on every log line.
// The caller must call Close when done.
func NewQMoveApp(cfg *config.Config, command string) (*QMoveApp, error) {
	fsmgr := fs.NewOSFilesystemManager()

	control, err := boundary.NewControlFromConfig(cfg.Control, cfg.Boundaries, fsmgr)
	if err != nil {
		return nil, fmt.Errorf("creating boundary control: %w", err)
	}

	clock := qmove.RealClock{}
	db, err := database.NewDatabaseFromConfig(cfg.Database, clock)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	slogger, logFile, err := newLogger(cfg.LogDir, cfg.WorkerID+"/"+command)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	recorder := metrics.NewMetrics()
	stager := staging.NewStagerFromConfig(cfg.Move, fsmgr, control, logger)
	svc := qmove.NewMoveService(db, db, fsmgr, control, stager, qmove.Options{
		MarginPercent:      cfg.Move.CapacityMarginPercent,
		BlockTolerance:     cfg.Move.BlockTolerance,
		CancelPollInterval: cfg.Move.CancelPollInterval.Duration,
		Logger:             logger,
		Clock:              clock,
		IDGen:              qmove.UUIDGenerator{},
		Recorder:           recorder,
	})
	janitor := qmove.NewJanitor(db, db, fsmgr, qmove.JanitorOptions{
		Roots:     cfg.BoundaryRoots(),
		Staleness: cfg.Janitor.Staleness.Duration,
		Clock:     clock,
		Logger:    logger,
		Recorder:  recorder,
	})

	dispatcher, err := queue.NewDispatcherFromConfig(cfg.Queue, svc, logger)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	return &QMoveApp{
		cfg:        cfg,
		db:         db,
		fsmgr:      fsmgr,
		control:    control,
		service:    svc,
		janitor:    janitor,
		dispatcher: dispatcher,
		logger:     logger,
		logFile:    logFile,
	}, nil
}

// Move records a move and hands it to the dispatcher. With the inline queue
// the move has finished when Move returns; otherwise it is queued.
func (a *QMoveApp) Move(ctx context.Context, source, destParent, boundary string) (*qmove.MoveOperation, error) {
	op, err := a.service.Submit(source, destParent, boundary)
	if err != nil {
		return nil, err
	}
	if err := a.dispatcher.Dispatch(ctx, op.ID); err != nil {
		return op, fmt.Errorf("dispatching %s: %w", op.ID, err)
	}
	return a.service.Get(op.ID)
}

// Status returns an operation by ID.
func (a *QMoveApp) Status(id string) (*qmove.MoveOperation, error) {
	return a.service.Get(id)
}

// Wait polls an operation until it is terminal, calling onUpdate after every
// poll.
func (a *QMoveApp) Wait(ctx context.Context, id string, interval time.Duration, onUpdate func(*qmove.MoveOperation)) (*qmove.MoveOperation, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := a.service.Get(id)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(op)
		}
		if op.State.Terminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// List returns recent operations, newest first.
func (a *QMoveApp) List(limit int, activeOnly bool) ([]*qmove.MoveOperation, error) {
	return a.service.List(limit, activeOnly)
}

// Cancel requests cancellation of an operation.
func (a *QMoveApp) Cancel(id string) (*qmove.MoveOperation, error) {
	return a.service.Cancel(id)
}

// Locks returns all active locks.
func (a *QMoveApp) Locks() ([]*qmove.Lock, error) {
	return a.service.Locks()
}

// Recover drives every operation idle for longer than olderThan to a
// terminal state.
func (a *QMoveApp) Recover(ctx context.Context, olderThan time.Duration) ([]*qmove.MoveOperation, error) {
	return a.service.Recover(ctx, olderThan)
}

// Sweep runs one janitor pass.
func (a *QMoveApp) Sweep(ctx context.Context) (*qmove.SweepReport, error) {
	return a.janitor.Sweep(ctx)
}

// RunJanitor sweeps on the configured interval until ctx is done.
func (a *QMoveApp) RunJanitor(ctx context.Context) error {
	return a.janitor.Run(ctx, a.janitorInterval())
}

func (a *QMoveApp) janitorInterval() time.Duration {
	if d := a.cfg.Janitor.Interval.Duration; d > 0 {
		return d
	}
	return 10 * time.Minute
}

// RunWorker runs until ctx is done: it consumes moves (from asynq, or from
// the store when the queue is inline), sweeps with the janitor and, when
// enabled, serves the status API.
func (a *QMoveApp) RunWorker(ctx context.Context) error {
	// Everything that can fail synchronously happens before any goroutine
	// starts, so an early return leaves nothing running.
	var srv *api.Server
	if a.cfg.API.Enabled {
		var err error
		srv, err = api.NewServer(a.service, a.logger, a.cfg.API.Addr)
		if err != nil {
			return fmt.Errorf("creating api server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	spawn("janitor", func() error { return a.RunJanitor(ctx) })

	if srv != nil {
		spawn("api", func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		go func() {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	switch a.cfg.Queue.Type {
	case "asynq":
		server := queue.NewServer(a.cfg.Queue, a.logger)
		processor := queue.NewProcessor(a.service, a.logger)
		if err := server.Start(processor.Handler()); err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("starting queue server: %w", err)
		}
		a.logger.Info("worker started", "queue", "asynq", "redis", a.cfg.Queue.RedisAddr)
		<-ctx.Done()
		server.Shutdown()
	default:
		a.logger.Info("worker started", "queue", "inline")
		spawn("inline", func() error { return a.pollPending(ctx) })
	}

	wg.Wait()
	close(errs)
	return <-errs
}

// pollPending runs pending operations from the store one at a time. It is
// the worker loop when no external queue is configured.
func (a *QMoveApp) pollPending(ctx context.Context) error {
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		ops, err := a.db.ListOperations(0, qmove.StatePending)
		if err != nil {
			return fmt.Errorf("listing pending operations: %w", err)
		}
		// Oldest first.
		for i := len(ops) - 1; i >= 0 && ctx.Err() == nil; i-- {
			if _, err := a.service.Run(ctx, ops[i].ID); err != nil {
				a.logger.Error("running operation failed", "task", ops[i].ID, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close closes the dispatcher, the database and the log file.
func (a *QMoveApp) Close() error {
	var firstErr error

	if err := a.dispatcher.Close(); err != nil {
		firstErr = fmt.Errorf("closing dispatcher: %w", err)
	}

	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// InitDatabase creates the task store described by cfg and applies all
// migrations. It is run by "config init".
func InitDatabase(cfg *config.Config) error {
	db, err := database.NewDatabaseFromConfig(cfg.Database, qmove.RealClock{})
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
