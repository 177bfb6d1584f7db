package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"qmove/internal/qmove"
)

// DefaultProgressInterval is the minimum time between two progress reports.
const DefaultProgressInterval = time.Second

// Options configures a Stager.
type Options struct {
	// Fsync flushes every copied file before it is closed.
	Fsync bool
	// ProgressInterval throttles progress reports. Zero selects the default.
	ProgressInterval time.Duration
}

// Stager copies a source tree into a staging artifact inside the destination's
// placement domain. Files keep their physical layout, sparse regions stay
// unallocated, and metadata is applied after content so that read-only
// directories can still be populated.
type Stager struct {
	fsmgr    qmove.FilesystemManager
	control  qmove.BoundaryControl
	logger   qmove.Logger
	fsync    bool
	interval time.Duration
}

var _ qmove.Stager = (*Stager)(nil)

// NewStager creates a Stager.
func NewStager(fsmgr qmove.FilesystemManager, control qmove.BoundaryControl, logger qmove.Logger, opts Options) *Stager {
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &Stager{
		fsmgr:    fsmgr,
		control:  control,
		logger:   logger,
		fsync:    opts.Fsync,
		interval: interval,
	}
}

// Stage captures the source manifest and copies the tree to the artifact path.
// On any error the partial artifact is removed before returning.
func (s *Stager) Stage(ctx context.Context, req qmove.StageRequest, progress qmove.ProgressFunc) (*qmove.StageResult, error) {
	records, err := s.fsmgr.Scan(ctx, req.Source)
	if err != nil {
		return nil, qmove.Abort(ctx, "staging", sourceErr(req.Source, fmt.Errorf("scanning source: %w", err)))
	}
	manifest := qmove.NewManifest(records)

	run := &stageRun{
		Stager:   s,
		req:      req,
		root:     req.Artifact.Path(),
		manifest: manifest,
		progress: qmove.Progress{
			BytesTotal:  manifest.LogicalBytes(),
			InodesTotal: int64(len(records)),
		},
		report:   progress,
		throttle: &rate.Sometimes{Interval: s.interval},
		buf:      make([]byte, copyBufferSize),
	}

	if err := run.copyTree(ctx); err != nil {
		if rmErr := s.fsmgr.RemoveAll(run.root); rmErr != nil {
			s.logger.Warn("removing partial artifact failed", "path", run.root, "error", rmErr)
		}
		return nil, qmove.Abort(ctx, "staging", err)
	}

	if progress != nil {
		progress(run.progress)
	}
	s.logger.Info("artifact staged", "path", run.root,
		"entries", run.progress.InodesDone, "bytes", run.progress.BytesDone)

	return &qmove.StageResult{Manifest: manifest, Progress: run.progress}, nil
}

// Discard removes an artifact from disk.
func (s *Stager) Discard(artifact *qmove.StagingArtifact) error {
	if err := s.fsmgr.RemoveAll(artifact.Path()); err != nil {
		return fmt.Errorf("removing artifact %s: %w", artifact.Path(), err)
	}
	return nil
}

// stageRun holds the state of one Stage call.
type stageRun struct {
	*Stager
	req      qmove.StageRequest
	root     string
	manifest *qmove.Manifest
	progress qmove.Progress
	report   qmove.ProgressFunc
	throttle *rate.Sometimes
	buf      []byte
}

func (r *stageRun) copyTree(ctx context.Context) error {
	var dirs []*qmove.FileRecord

	for _, rec := range r.manifest.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(r.req.Source, rec.RelPath)
		dst := filepath.Join(r.root, rec.RelPath)

		switch rec.Type {
		case qmove.TypeDir:
			if err := os.Mkdir(dst, 0o700); err != nil {
				return fmt.Errorf("creating directory %s: %w", dst, err)
			}
			if rec.RelPath == "." {
				if err := r.control.SetPlacement(ctx, dst, qmove.Placement{Boundary: r.req.Boundary, Inherit: true}); err != nil {
					return fmt.Errorf("setting placement on %s: %w", dst, err)
				}
			}
			dirs = append(dirs, rec)
		case qmove.TypeFile:
			if err := r.copyFile(ctx, src, dst, rec); err != nil {
				return err
			}
		case qmove.TypeSymlink:
			if err := os.Symlink(rec.Target, dst); err != nil {
				return fmt.Errorf("creating symlink %s: %w", dst, err)
			}
			if err := r.applyLinkMetadata(dst, rec); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported file type %s at %s", qmove.ErrIOFailure, rec.Mode.Type(), src)
		}

		r.progress.InodesDone++
		r.tick()
	}

	// Directory metadata last, children before parents, so that restrictive
	// modes and modification times are not disturbed by later writes. Each
	// directory is flushed while it is still readable; the commit rename
	// only publishes entries that are already on disk.
	for i := len(dirs) - 1; i >= 0; i-- {
		dst := filepath.Join(r.root, dirs[i].RelPath)
		if err := r.fsmgr.SyncDir(dst); err != nil {
			return fmt.Errorf("syncing directory %s: %w", dst, err)
		}
		if err := r.applyMetadata(dst, dirs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *stageRun) copyFile(ctx context.Context, src, dst string, rec *qmove.FileRecord) error {
	layout, err := r.control.Layout(ctx, src)
	if err != nil {
		return sourceErr(src, fmt.Errorf("reading layout of %s: %w", src, err))
	}

	in, err := os.Open(src)
	if err != nil {
		return sourceErr(src, fmt.Errorf("opening %s: %w", src, err))
	}
	defer in.Close()

	out, err := r.control.CreateFile(ctx, dst, layout, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s with layout %s: %w", dst, layout, err)
	}
	defer out.Close()

	if rec.RelPath == "." {
		if err := r.control.SetPlacement(ctx, dst, qmove.Placement{Boundary: r.req.Boundary}); err != nil {
			return fmt.Errorf("setting placement on %s: %w", dst, err)
		}
	}

	if err := copySparse(ctx, in, out, rec.Size, r.buf, r.addBytes); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Truncate(rec.Size); err != nil {
		return fmt.Errorf("truncating %s: %w", dst, err)
	}
	if r.fsync {
		if err := out.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", dst, err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}

	return r.applyMetadata(dst, rec)
}

// applyMetadata sets ownership, mode and times. Ownership is best effort:
// an unprivileged worker keeps its own uid. Chown precedes chmod because it
// clears setuid and setgid bits.
func (r *stageRun) applyMetadata(path string, rec *qmove.FileRecord) error {
	if err := os.Lchown(path, rec.UID, rec.GID); err != nil && !errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	mode := rec.Mode & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Chtimes(path, rec.AccessTime, rec.ModTime); err != nil {
		return fmt.Errorf("setting times on %s: %w", path, err)
	}
	return nil
}

func (r *stageRun) applyLinkMetadata(path string, rec *qmove.FileRecord) error {
	if err := os.Lchown(path, rec.UID, rec.GID); err != nil && !errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	times := []unix.Timeval{
		unix.NsecToTimeval(rec.AccessTime.UnixNano()),
		unix.NsecToTimeval(rec.ModTime.UnixNano()),
	}
	if err := unix.Lutimes(path, times); err != nil {
		return fmt.Errorf("setting times on %s: %w", path, err)
	}
	return nil
}

func (r *stageRun) addBytes(n int64) {
	r.progress.BytesDone += n
	r.tick()
}

func (r *stageRun) tick() {
	if r.report == nil {
		return
	}
	r.throttle.Do(func() { r.report(r.progress) })
}

// sourceErr reports a source entry that disappeared during staging as a
// mutation of the source.
func sourceErr(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s disappeared: %w", qmove.ErrSourceMutated, path, err)
	}
	return err
}
