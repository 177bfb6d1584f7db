package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qmove/internal/database/migrations"
	"qmove/internal/qmove"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the TaskStore and LockManager interfaces using SQLite.
// The connection pool is limited to one connection, which serializes every
// check-and-set statement issued through it.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	clock qmove.Clock
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
// A nil clock uses the real time.
func NewSQLiteDatabase(path string, clock qmove.Clock) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteDatabaseFromDB(db, path, clock), nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB, path string, clock qmove.Clock) *SQLiteDatabase {
	if clock == nil {
		clock = qmove.RealClock{}
	}
	return &SQLiteDatabase{db: db, path: path, clock: clock}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: an in-memory database exists per connection, and lock
	// acquisition relies on statements never interleaving.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000", // other processes may hold the file
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

func (s *SQLiteDatabase) now() time.Time {
	return s.clock.Now().UTC()
}

// Operation records

const operationColumns = `id, source_path, dest_parent, dest_boundary, state,
	bytes_total, bytes_done, inodes_total, inodes_done,
	error_kind, error_detail, warning, cancel_requested, source_dev, source_ino,
	created_at, updated_at`

const notTerminal = `state NOT IN ('completed', 'failed')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*qmove.MoveOperation, error) {
	var op qmove.MoveOperation
	var state string
	var dev, ino int64
	err := row.Scan(&op.ID, &op.SourcePath, &op.DestParent, &op.DestBoundary, &state,
		&op.Progress.BytesTotal, &op.Progress.BytesDone, &op.Progress.InodesTotal, &op.Progress.InodesDone,
		&op.ErrorKind, &op.ErrorDetail, &op.Warning, &op.CancelRequested, &dev, &ino,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.State = qmove.State(state)
	op.SourceID = qmove.FileID{Dev: uint64(dev), Ino: uint64(ino)}
	return &op, nil
}

func (s *SQLiteDatabase) queryOperations(query string, args ...any) ([]*qmove.MoveOperation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*qmove.MoveOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *SQLiteDatabase) CreateOperation(op *qmove.MoveOperation) error {
	_, err := s.db.Exec(`INSERT INTO move_operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.SourcePath, op.DestParent, op.DestBoundary, string(op.State),
		op.Progress.BytesTotal, op.Progress.BytesDone, op.Progress.InodesTotal, op.Progress.InodesDone,
		op.ErrorKind, op.ErrorDetail, op.Warning, op.CancelRequested,
		int64(op.SourceID.Dev), int64(op.SourceID.Ino),
		op.CreatedAt.UTC(), op.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindOperation(id string) (*qmove.MoveOperation, error) {
	row := s.db.QueryRow(`SELECT `+operationColumns+` FROM move_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding operation: %w", err)
	}
	return op, nil
}

func (s *SQLiteDatabase) ListOperations(limit int, states ...qmove.State) ([]*qmove.MoveOperation, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT ` + operationColumns + ` FROM move_operations`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(", ?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	ops, err := s.queryOperations(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

func (s *SQLiteDatabase) ListStaleOperations(before time.Time) ([]*qmove.MoveOperation, error) {
	ops, err := s.queryOperations(`SELECT `+operationColumns+` FROM move_operations
		WHERE `+notTerminal+` AND updated_at < ? ORDER BY updated_at`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing stale operations: %w", err)
	}
	return ops, nil
}

func (s *SQLiteDatabase) ListWarnedOperations() ([]*qmove.MoveOperation, error) {
	ops, err := s.queryOperations(`SELECT ` + operationColumns + ` FROM move_operations
		WHERE state = 'completed' AND warning LIKE 'PartialCleanupFailure%' ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("listing warned operations: %w", err)
	}
	return ops, nil
}

// Transition is a compare-and-set on the stored state.
func (s *SQLiteDatabase) Transition(id string, from, to qmove.State) error {
	res, err := s.db.Exec(`UPDATE move_operations SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`, string(to), s.now(), id, string(from))
	if err != nil {
		return fmt.Errorf("transitioning operation: %w", err)
	}
	return s.expectUpdated(res, id, fmt.Sprintf("in state %s", from))
}

func (s *SQLiteDatabase) UpdateProgress(id string, p qmove.Progress) error {
	res, err := s.db.Exec(`UPDATE move_operations
		SET bytes_total = ?, bytes_done = ?, inodes_total = ?, inodes_done = ?, updated_at = ?
		WHERE id = ?`, p.BytesTotal, p.BytesDone, p.InodesTotal, p.InodesDone, s.now(), id)
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return s.expectUpdated(res, id, "present")
}

func (s *SQLiteDatabase) Touch(id string) error {
	_, err := s.db.Exec(`UPDATE move_operations SET updated_at = ? WHERE id = ? AND `+notTerminal, s.now(), id)
	if err != nil {
		return fmt.Errorf("touching operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FailOperation(id string, kind, detail string) error {
	res, err := s.db.Exec(`UPDATE move_operations
		SET state = 'failed', error_kind = ?, error_detail = ?, updated_at = ?
		WHERE id = ? AND `+notTerminal, kind, detail, s.now(), id)
	if err != nil {
		return fmt.Errorf("failing operation: %w", err)
	}
	return s.expectUpdated(res, id, "not terminal")
}

func (s *SQLiteDatabase) CompleteOperation(id string, warning string) error {
	res, err := s.db.Exec(`UPDATE move_operations
		SET state = 'completed', warning = ?, updated_at = ?
		WHERE id = ? AND state = 'committing'`, warning, s.now(), id)
	if err != nil {
		return fmt.Errorf("completing operation: %w", err)
	}
	return s.expectUpdated(res, id, "committing")
}

func (s *SQLiteDatabase) SetWarning(id string, warning string) error {
	res, err := s.db.Exec(`UPDATE move_operations SET warning = ?, updated_at = ?
		WHERE id = ? AND state = 'completed'`, warning, s.now(), id)
	if err != nil {
		return fmt.Errorf("setting warning: %w", err)
	}
	return s.expectUpdated(res, id, "completed")
}

func (s *SQLiteDatabase) SetSourceID(id string, fid qmove.FileID) error {
	res, err := s.db.Exec(`UPDATE move_operations SET source_dev = ?, source_ino = ?, updated_at = ?
		WHERE id = ? AND `+notTerminal, int64(fid.Dev), int64(fid.Ino), s.now(), id)
	if err != nil {
		return fmt.Errorf("recording source identity: %w", err)
	}
	return s.expectUpdated(res, id, "not terminal")
}

func (s *SQLiteDatabase) RequestCancel(id string) error {
	res, err := s.db.Exec(`UPDATE move_operations SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND `+notTerminal, s.now(), id)
	if err != nil {
		return fmt.Errorf("requesting cancel: %w", err)
	}
	return s.expectUpdated(res, id, "not terminal")
}

// expectUpdated turns an update that matched no row into ErrNotFound or
// ErrConflict, depending on whether the operation exists.
func (s *SQLiteDatabase) expectUpdated(res sql.Result, id, want string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	op, err := s.FindOperation(id)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("%w: operation %s", qmove.ErrNotFound, id)
	}
	return fmt.Errorf("%w: operation %s is %s, expected %s", qmove.ErrConflict, id, op.State, want)
}

// Staging artifact records

const artifactColumns = `name, parent, task_id, dev, ino, created_at`

func scanArtifact(row rowScanner) (*qmove.StagingArtifact, error) {
	var a qmove.StagingArtifact
	var dev, ino int64
	if err := row.Scan(&a.Name, &a.Parent, &a.TaskID, &dev, &ino, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.ID = qmove.FileID{Dev: uint64(dev), Ino: uint64(ino)}
	return &a, nil
}

func (s *SQLiteDatabase) CreateArtifact(a *qmove.StagingArtifact) error {
	_, err := s.db.Exec(`INSERT INTO staging_artifacts (name, parent, task_id, dev, ino, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Name, a.Parent, a.TaskID, int64(a.ID.Dev), int64(a.ID.Ino), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindArtifact(name string) (*qmove.StagingArtifact, error) {
	a, err := scanArtifact(s.db.QueryRow(`SELECT `+artifactColumns+` FROM staging_artifacts WHERE name = ?`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding artifact: %w", err)
	}
	return a, nil
}

func (s *SQLiteDatabase) FindArtifactsByTask(taskID string) ([]*qmove.StagingArtifact, error) {
	rows, err := s.db.Query(`SELECT `+artifactColumns+` FROM staging_artifacts
		WHERE task_id = ? ORDER BY created_at, name`, taskID)
	if err != nil {
		return nil, fmt.Errorf("finding artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*qmove.StagingArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finding artifacts: %w", err)
	}
	return artifacts, nil
}

func (s *SQLiteDatabase) SetArtifactID(name string, fid qmove.FileID) error {
	res, err := s.db.Exec(`UPDATE staging_artifacts SET dev = ?, ino = ? WHERE name = ?`,
		int64(fid.Dev), int64(fid.Ino), name)
	if err != nil {
		return fmt.Errorf("recording artifact identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: artifact %s", qmove.ErrNotFound, name)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteArtifact(name string) error {
	if _, err := s.db.Exec(`DELETE FROM staging_artifacts WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting artifact: %w", err)
	}
	return nil
}

// Locks

// Acquire inserts the lock only if the path is free. A lock already held by
// taskID counts as acquired.
func (s *SQLiteDatabase) Acquire(path, taskID string) error {
	res, err := s.db.Exec(`INSERT INTO locks (path, task_id, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO NOTHING`, path, taskID, s.now())
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var holder string
	err = s.db.QueryRow(`SELECT task_id FROM locks WHERE path = ?`, path).Scan(&holder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Released between the two statements; try once more.
			return s.Acquire(path, taskID)
		}
		return fmt.Errorf("finding lock holder: %w", err)
	}
	if holder == taskID {
		return nil
	}
	return fmt.Errorf("%w: %s is held by %s", qmove.ErrConflict, path, holder)
}

func (s *SQLiteDatabase) Release(taskID string) error {
	if _, err := s.db.Exec(`DELETE FROM locks WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) HeldBy(taskID string) (*qmove.Lock, error) {
	var l qmove.Lock
	err := s.db.QueryRow(`SELECT path, task_id, acquired_at FROM locks WHERE task_id = ? LIMIT 1`, taskID).
		Scan(&l.Path, &l.TaskID, &l.AcquiredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding lock: %w", err)
	}
	return &l, nil
}

func (s *SQLiteDatabase) ListLocks() ([]*qmove.Lock, error) {
	rows, err := s.db.Query(`SELECT path, task_id, acquired_at FROM locks ORDER BY acquired_at, path`)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	defer rows.Close()

	var locks []*qmove.Lock
	for rows.Next() {
		var l qmove.Lock
		if err := rows.Scan(&l.Path, &l.TaskID, &l.AcquiredAt); err != nil {
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		locks = append(locks, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	return locks, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// Migrate applies all pending schema migrations.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time checks that SQLiteDatabase implements the store interfaces
var (
	_ qmove.TaskStore   = (*SQLiteDatabase)(nil)
	_ qmove.LockManager = (*SQLiteDatabase)(nil)
)
