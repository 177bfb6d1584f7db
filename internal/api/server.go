// Package api provides the read-only HTTP status surface of a qmove worker.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qmove/internal/qmove"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// StatusSource is the read side of the move service.
type StatusSource interface {
	Get(id string) (*qmove.MoveOperation, error)
	List(limit int, activeOnly bool) ([]*qmove.MoveOperation, error)
	Locks() ([]*qmove.Lock, error)
}

// Server provides HTTP endpoints for polling move status.
type Server struct {
	echo   *echo.Echo
	source StatusSource
	logger qmove.Logger
	addr   string
}

// NewServer creates a new HTTP server listening on addr once started.
func NewServer(source StatusSource, logger qmove.Logger, addr string) (*Server, error) {
	if source == nil {
		return nil, fmt.Errorf("status source cannot be nil")
	}
	if logger == nil {
		logger = qmove.NewNopLogger()
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
			return err
		}
	})

	s := &Server{
		echo:   e,
		source: source,
		logger: logger,
		addr:   addr,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/operations", s.handleListOperations)
	v1.GET("/operations/:id", s.handleGetOperation)
	v1.GET("/locks", s.handleListLocks)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ProgressResponse reports byte and inode counters.
type ProgressResponse struct {
	BytesTotal  int64   `json:"bytes_total"`
	BytesDone   int64   `json:"bytes_done"`
	InodesTotal int64   `json:"inodes_total"`
	InodesDone  int64   `json:"inodes_done"`
	Percent     float64 `json:"percent"`
}

// OperationResponse is the JSON form of a MoveOperation.
type OperationResponse struct {
	ID              string           `json:"id"`
	SourcePath      string           `json:"source_path"`
	DestPath        string           `json:"dest_path"`
	DestBoundary    string           `json:"dest_boundary"`
	State           string           `json:"state"`
	Progress        ProgressResponse `json:"progress"`
	ErrorKind       string           `json:"error_kind,omitempty"`
	ErrorDetail     string           `json:"error_detail,omitempty"`
	Warning         string           `json:"warning,omitempty"`
	CancelRequested bool             `json:"cancel_requested"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// LockResponse is the JSON form of a Lock.
type LockResponse struct {
	Path       string    `json:"path"`
	TaskID     string    `json:"task_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// NewOperationResponse converts an operation for output.
func NewOperationResponse(op *qmove.MoveOperation) OperationResponse {
	return OperationResponse{
		ID:           op.ID,
		SourcePath:   op.SourcePath,
		DestPath:     op.DestPath(),
		DestBoundary: op.DestBoundary,
		State:        string(op.State),
		Progress: ProgressResponse{
			BytesTotal:  op.Progress.BytesTotal,
			BytesDone:   op.Progress.BytesDone,
			InodesTotal: op.Progress.InodesTotal,
			InodesDone:  op.Progress.InodesDone,
			Percent:     percent(op),
		},
		ErrorKind:       op.ErrorKind,
		ErrorDetail:     op.ErrorDetail,
		Warning:         op.Warning,
		CancelRequested: op.CancelRequested,
		CreatedAt:       op.CreatedAt,
		UpdatedAt:       op.UpdatedAt,
	}
}

// percent is byte progress, falling back to inodes for trees of empty files.
func percent(op *qmove.MoveOperation) float64 {
	if op.State == qmove.StateCompleted {
		return 100
	}
	p := op.Progress
	switch {
	case p.BytesTotal > 0:
		return min(100, 100*float64(p.BytesDone)/float64(p.BytesTotal))
	case p.InodesTotal > 0:
		return min(100, 100*float64(p.InodesDone)/float64(p.InodesTotal))
	default:
		return 0
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListOperations(c echo.Context) error {
	limit := defaultListLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxListLimit)
	}
	active := false
	if v := c.QueryParam("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "active must be a boolean")
		}
		active = b
	}

	ops, err := s.source.List(limit, active)
	if err != nil {
		s.logger.Error("listing operations failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "listing operations failed")
	}
	resp := make([]OperationResponse, 0, len(ops))
	for _, op := range ops {
		resp = append(resp, NewOperationResponse(op))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetOperation(c echo.Context) error {
	op, err := s.source.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, qmove.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "operation not found")
		}
		s.logger.Error("finding operation failed", "id", c.Param("id"), "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "finding operation failed")
	}
	return c.JSON(http.StatusOK, NewOperationResponse(op))
}

func (s *Server) handleListLocks(c echo.Context) error {
	locks, err := s.source.Locks()
	if err != nil {
		s.logger.Error("listing locks failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "listing locks failed")
	}
	resp := make([]LockResponse, 0, len(locks))
	for _, l := range locks {
		resp = append(resp, LockResponse{Path: l.Path, TaskID: l.TaskID, AcquiredAt: l.AcquiredAt})
	}
	return c.JSON(http.StatusOK, resp)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", "addr", s.addr)
	return s.echo.Start(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
