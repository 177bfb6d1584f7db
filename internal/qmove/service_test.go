package qmove_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"qmove/internal/qmove"
	"qmove/internal/testutil"
)

// hookStager runs the real stager and calls after once it succeeded.
type hookStager struct {
	qmove.Stager
	after func(req qmove.StageRequest)
}

func (s *hookStager) Stage(ctx context.Context, req qmove.StageRequest, progress qmove.ProgressFunc) (*qmove.StageResult, error) {
	result, err := s.Stager.Stage(ctx, req, progress)
	if err == nil && s.after != nil {
		s.after(req)
	}
	return result, err
}

// blockingStager creates the artifact and then waits for cancellation.
type blockingStager struct {
	qmove.Stager
	started chan struct{}
}

func (s *blockingStager) Stage(ctx context.Context, req qmove.StageRequest, progress qmove.ProgressFunc) (*qmove.StageResult, error) {
	if err := os.Mkdir(req.Artifact.Path(), 0o700); err != nil {
		return nil, err
	}
	close(s.started)
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
	}
	os.RemoveAll(req.Artifact.Path())
	return nil, qmove.Abort(ctx, "staging", errors.New("interrupted"))
}

func submitAndRun(t *testing.T, h *testutil.Harness, source, destParent string) *qmove.MoveOperation {
	t.Helper()

	op, err := h.Service.Submit(source, destParent, testutil.DestBoundary)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	result, err := h.Service.Run(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return result
}

// assertClean checks that an operation left no lock and no artifact behind.
func assertClean(t *testing.T, h *testutil.Harness, op *qmove.MoveOperation) {
	t.Helper()

	if lock, err := h.DB.HeldBy(op.ID); err != nil || lock != nil {
		t.Errorf("lock still held: %+v, %v", lock, err)
	}
	artifacts, err := h.DB.FindArtifactsByTask(op.ID)
	if err != nil || len(artifacts) != 0 {
		t.Errorf("artifact records left: %d, %v", len(artifacts), err)
	}
	found, err := h.FS.FindByPrefix(context.Background(), h.DestRoot, qmove.ArtifactPrefix)
	if err != nil || len(found) != 0 {
		t.Errorf("artifacts left on disk: %v, %v", found, err)
	}
}

func TestMoveService_Move(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{
		"a.txt":      "alpha",
		"sub/b.txt":  "bravo",
		"sub/link":   "->b.txt",
		"sub/empty/": "",
	})

	op := submitAndRun(t, h, h.Source("proj"), h.DestRoot)

	if op.State != qmove.StateCompleted {
		t.Fatalf("state = %s (%s: %s), want completed", op.State, op.ErrorKind, op.ErrorDetail)
	}
	if op.Warning != "" {
		t.Errorf("warning = %q", op.Warning)
	}
	testutil.AssertNotExist(t, h.Source("proj"))
	if got := testutil.ReadFile(t, h.Dest("proj", "sub", "b.txt")); got != "bravo" {
		t.Errorf("content = %q", got)
	}
	if target, err := os.Readlink(h.Dest("proj", "sub", "link")); err != nil || target != "b.txt" {
		t.Errorf("link = %q, %v", target, err)
	}
	if op.Progress.BytesDone != 10 || op.Progress.InodesDone != op.Progress.InodesTotal {
		t.Errorf("progress = %+v", op.Progress)
	}
	assertClean(t, h, op)
}

func TestMoveService_MoveSingleFile(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.SourceRoot, map[string]string{"report.csv": "1,2,3"})

	op := submitAndRun(t, h, h.Source("report.csv"), h.DestRoot)

	if op.State != qmove.StateCompleted {
		t.Fatalf("state = %s (%s)", op.State, op.ErrorDetail)
	}
	if got := testutil.ReadFile(t, h.Dest("report.csv")); got != "1,2,3" {
		t.Errorf("content = %q", got)
	}
	testutil.AssertNotExist(t, h.Source("report.csv"))
}

func TestMoveService_ValidationFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *testutil.Harness)
		wantKind string
	}{
		{"missing source", func(h *testutil.Harness) {
			os.RemoveAll(h.Source("proj"))
		}, "NotFound"},
		{"collision", func(h *testutil.Harness) {
			os.Mkdir(h.Dest("proj"), 0o755)
		}, "Collision"},
		{"capacity", func(h *testutil.Harness) {
			h.Boundary.SetCapacity(testutil.DestBoundary, qmove.Capacity{BytesUsed: 10, BytesLimit: 11})
		}, "CapacityExceeded"},
		{"blocked content", func(h *testutil.Harness) {
			h.Boundary.ReleaseContent(h.Source("proj", "a"))
		}, "BlockedContent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testutil.NewHarness(t)
			testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
			tt.setup(h)

			op := submitAndRun(t, h, h.Source("proj"), h.DestRoot)

			if op.State != qmove.StateFailed || op.ErrorKind != tt.wantKind {
				t.Errorf("result = %s/%s, want failed/%s", op.State, op.ErrorKind, tt.wantKind)
			}
			assertClean(t, h, op)
		})
	}
}

func TestMoveService_SourceMutatedDuringStaging(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x", "b": "y"})
	later := time.Date(2031, 5, 5, 0, 0, 0, 0, time.UTC)
	h.WithStager(&hookStager{Stager: h.Stager, after: func(req qmove.StageRequest) {
		os.Chtimes(req.Source+"/b", later, later)
	}})

	op := submitAndRun(t, h, h.Source("proj"), h.DestRoot)

	if op.State != qmove.StateFailed || op.ErrorKind != "SourceMutated" {
		t.Fatalf("result = %s/%s, want failed/SourceMutated", op.State, op.ErrorKind)
	}
	testutil.AssertExist(t, h.Source("proj", "b"))
	testutil.AssertNotExist(t, h.Dest("proj"))
	assertClean(t, h, op)
}

func TestMoveService_LockConflict(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
	if err := h.DB.Acquire(h.Source("proj"), "other-task"); err != nil {
		t.Fatal(err)
	}

	op := submitAndRun(t, h, h.Source("proj"), h.DestRoot)

	if op.State != qmove.StateFailed || op.ErrorKind != "Conflict" {
		t.Fatalf("result = %s/%s, want failed/Conflict", op.State, op.ErrorKind)
	}
	lock, err := h.DB.HeldBy("other-task")
	if err != nil || lock == nil {
		t.Errorf("other task lost its lock: %v", err)
	}
	testutil.AssertExist(t, h.Source("proj", "a"))
}

func TestMoveService_CommitFailures(t *testing.T) {
	tests := []struct {
		name       string
		fault      func(h *testutil.Harness) func(oldPath, newPath string) error
		wantKind   string
		wantDetail string
	}{
		{"destination appears", func(h *testutil.Harness) func(string, string) error {
			return func(oldPath, newPath string) error {
				return os.Mkdir(newPath, 0o755)
			}
		}, "Collision", "appeared"},
		{"cross domain", func(h *testutil.Harness) func(string, string) error {
			return func(oldPath, newPath string) error {
				return &os.LinkError{Op: "rename", Old: oldPath, New: newPath, Err: syscall.EXDEV}
			}
		}, "IOFailure", "crosses"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testutil.NewHarness(t)
			testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
			h.FS.FailRename(tt.fault(h))

			op := submitAndRun(t, h, h.Source("proj"), h.DestRoot)

			if op.State != qmove.StateFailed || op.ErrorKind != tt.wantKind {
				t.Fatalf("result = %s/%s, want failed/%s", op.State, op.ErrorKind, tt.wantKind)
			}
			if !strings.Contains(op.ErrorDetail, tt.wantDetail) {
				t.Errorf("detail = %q, want it to mention %q", op.ErrorDetail, tt.wantDetail)
			}
			if got := testutil.ReadFile(t, h.Source("proj", "a")); got != "x" {
				t.Errorf("source damaged: %q", got)
			}
			assertClean(t, h, op)
		})
	}
}

func TestMoveService_SourceRemovalWarning(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
	src := h.Source("proj")
	h.FS.FailRemoveAll(func(path string) error {
		if path == src {
			return syscall.EBUSY
		}
		return nil
	})

	op := submitAndRun(t, h, src, h.DestRoot)

	if op.State != qmove.StateCompleted {
		t.Fatalf("state = %s (%s)", op.State, op.ErrorDetail)
	}
	if !strings.HasPrefix(op.Warning, "PartialCleanupFailure") {
		t.Errorf("warning = %q", op.Warning)
	}
	testutil.AssertExist(t, h.Dest("proj", "a"))
	testutil.AssertExist(t, src)
}

func TestMoveService_Cancel(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
	blocker := &blockingStager{Stager: h.Stager, started: make(chan struct{})}
	h.Stager = blocker
	h.Service = h.NewService(qmove.Options{CancelPollInterval: 10 * time.Millisecond})

	op, err := h.Service.Submit(h.Source("proj"), h.DestRoot, testutil.DestBoundary)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *qmove.MoveOperation, 1)
	go func() {
		result, err := h.Service.Run(context.Background(), op.ID)
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
		done <- result
	}()

	<-blocker.started
	if _, err := h.Service.Cancel(op.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	var result *qmove.MoveOperation
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
	if result == nil {
		t.Fatal("Run() returned no operation")
	}
	if result.State != qmove.StateFailed || result.ErrorKind != "Cancelled" {
		t.Errorf("result = %s/%s, want failed/Cancelled", result.State, result.ErrorKind)
	}
	testutil.AssertExist(t, h.Source("proj", "a"))
	assertClean(t, h, result)

	if _, err := h.Service.Cancel(op.ID); !errors.Is(err, qmove.ErrConflict) {
		t.Errorf("Cancel() of finished op error = %v, want ErrConflict", err)
	}
}

func TestMoveService_CancelBeforeStart(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})

	op, err := h.Service.Submit(h.Source("proj"), h.DestRoot, testutil.DestBoundary)
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := h.Service.Cancel(op.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if !cancelled.CancelRequested || cancelled.State != qmove.StateFailed || cancelled.ErrorKind != "Cancelled" {
		t.Errorf("after Cancel() = %s/%s (requested=%v), want failed/Cancelled",
			cancelled.State, cancelled.ErrorKind, cancelled.CancelRequested)
	}

	result, err := h.Service.Run(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.State != qmove.StateFailed {
		t.Errorf("Run() after cancel state = %s, want failed", result.State)
	}
	testutil.AssertExist(t, h.Source("proj", "a"))
	testutil.AssertNotExist(t, h.Dest("proj"))
}

func TestMoveService_RunTerminalIsNoop(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
	op := submitAndRun(t, h, h.Source("proj"), h.DestRoot)

	again, err := h.Service.Run(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if again.State != qmove.StateCompleted || !again.UpdatedAt.Equal(op.UpdatedAt) {
		t.Errorf("second Run() changed the operation: %+v", again)
	}
}

func TestMoveService_Submit(t *testing.T) {
	h := testutil.NewHarness(t)

	if _, err := h.Service.Submit(h.Source("x"), h.DestRoot, ""); !errors.Is(err, qmove.ErrConfiguration) {
		t.Errorf("Submit() without boundary error = %v", err)
	}
	if _, err := h.Service.Submit("/", h.DestRoot, testutil.DestBoundary); !errors.Is(err, qmove.ErrConfiguration) {
		t.Errorf("Submit() of root error = %v", err)
	}

	op, err := h.Service.Submit(h.Source("proj", "..", "proj"), h.DestRoot+"/", testutil.DestBoundary)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if op.SourcePath != h.Source("proj") || op.DestParent != h.DestRoot || op.State != qmove.StatePending {
		t.Errorf("Submit() = %+v", op)
	}

	if _, err := h.Service.Get("missing"); !errors.Is(err, qmove.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

// interrupt leaves an operation in state as if its worker died there. When
// withArtifact is set a partial artifact exists on disk and in the store,
// with its identity recorded.
func interrupt(t *testing.T, h *testutil.Harness, state qmove.State, withArtifact bool) (*qmove.MoveOperation, *qmove.StagingArtifact) {
	t.Helper()

	op, err := h.Service.Submit(h.Source("proj"), h.DestRoot, testutil.DestBoundary)
	if err != nil {
		t.Fatal(err)
	}
	from := qmove.StatePending
	for _, s := range qmove.ActiveStates[1:] {
		if err := h.DB.Transition(op.ID, from, s); err != nil {
			t.Fatal(err)
		}
		if s == qmove.StateLocked {
			if err := h.DB.Acquire(op.SourcePath, op.ID); err != nil {
				t.Fatal(err)
			}
			recordIdentity(t, h, op.SourcePath, func(id qmove.FileID) error {
				return h.DB.SetSourceID(op.ID, id)
			})
		}
		from = s
		if s == state {
			break
		}
	}

	artifact := &qmove.StagingArtifact{
		Name:      qmove.ArtifactName(op.ID, "partial"),
		Parent:    h.DestRoot,
		TaskID:    op.ID,
		CreatedAt: h.Clock.Now(),
	}
	if err := h.DB.CreateArtifact(artifact); err != nil {
		t.Fatal(err)
	}
	if withArtifact {
		testutil.WriteTree(t, artifact.Path(), map[string]string{"a": "x"})
		recordIdentity(t, h, artifact.Path(), func(id qmove.FileID) error {
			artifact.ID = id
			return h.DB.SetArtifactID(artifact.Name, id)
		})
	}
	return op, artifact
}

func recordIdentity(t *testing.T, h *testutil.Harness, path string, record func(qmove.FileID) error) {
	t.Helper()
	id, err := h.FS.Identify(path)
	if err != nil {
		t.Fatalf("Identify(%s) error = %v", path, err)
	}
	if err := record(id); err != nil {
		t.Fatalf("recording identity of %s: %v", path, err)
	}
}

func TestMoveService_Resume(t *testing.T) {
	for _, state := range []qmove.State{qmove.StateValidating, qmove.StateStaging, qmove.StateVerifying, qmove.StateCommitting} {
		t.Run("abandoned while "+string(state), func(t *testing.T) {
			h := testutil.NewHarness(t)
			testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
			op, _ := interrupt(t, h, state, true)

			result, err := h.Service.Run(context.Background(), op.ID)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if result.State != qmove.StateFailed || result.ErrorKind != "IOFailure" {
				t.Errorf("result = %s/%s, want failed/IOFailure", result.State, result.ErrorKind)
			}
			if !strings.Contains(result.ErrorDetail, string(state)) {
				t.Errorf("detail = %q", result.ErrorDetail)
			}
			testutil.AssertExist(t, h.Source("proj", "a"))
			testutil.AssertNotExist(t, h.Dest("proj"))
			assertClean(t, h, result)
		})
	}

	t.Run("rename already happened", func(t *testing.T) {
		h := testutil.NewHarness(t)
		testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
		op, artifact := interrupt(t, h, qmove.StateCommitting, true)
		if err := os.Rename(artifact.Path(), op.DestPath()); err != nil {
			t.Fatal(err)
		}

		result, err := h.Service.Run(context.Background(), op.ID)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.State != qmove.StateCompleted {
			t.Fatalf("state = %s (%s)", result.State, result.ErrorDetail)
		}
		testutil.AssertNotExist(t, h.Source("proj"))
		testutil.AssertExist(t, h.Dest("proj", "a"))
		assertClean(t, h, result)
	})

	t.Run("rename happened but destination not flushed", func(t *testing.T) {
		h := testutil.NewHarness(t)
		testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
		op, artifact := interrupt(t, h, qmove.StateCommitting, true)
		if err := os.Rename(artifact.Path(), op.DestPath()); err != nil {
			t.Fatal(err)
		}
		h.FS.FailSyncDir(func(path string) error {
			if path == h.DestRoot {
				return syscall.EIO
			}
			return nil
		})

		result, err := h.Service.Run(context.Background(), op.ID)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.State != qmove.StateCompleted || !strings.HasPrefix(result.Warning, "PartialCleanupFailure") {
			t.Fatalf("result = %s warning %q, want completed with PartialCleanupFailure", result.State, result.Warning)
		}
		testutil.AssertExist(t, h.Source("proj", "a"))
		testutil.AssertExist(t, h.Dest("proj", "a"))
		assertClean(t, h, result)
	})

	t.Run("destination exists but is not the artifact", func(t *testing.T) {
		h := testutil.NewHarness(t)
		testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
		op, artifact := interrupt(t, h, qmove.StateCommitting, true)
		// The artifact vanished and someone else created the destination.
		if err := os.RemoveAll(artifact.Path()); err != nil {
			t.Fatal(err)
		}
		testutil.WriteTree(t, op.DestPath(), map[string]string{"theirs": "y"})

		result, err := h.Service.Run(context.Background(), op.ID)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.State != qmove.StateFailed || result.ErrorKind != "IOFailure" {
			t.Errorf("result = %s/%s, want failed/IOFailure", result.State, result.ErrorKind)
		}
		if got := testutil.ReadFile(t, h.Source("proj", "a")); got != "x" {
			t.Errorf("source damaged: %q", got)
		}
		if got := testutil.ReadFile(t, h.Dest("proj", "theirs")); got != "y" {
			t.Errorf("foreign destination damaged: %q", got)
		}
		assertClean(t, h, result)
	})
}

func TestMoveService_Recover(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
	stale, _ := interrupt(t, h, qmove.StateStaging, true)

	h.Clock.Advance(time.Hour)
	testutil.WriteTree(t, h.Source("fresh"), map[string]string{"b": "y"})
	fresh, err := h.Service.Submit(h.Source("fresh"), h.DestRoot, testutil.DestBoundary)
	if err != nil {
		t.Fatal(err)
	}

	recovered, err := h.Service.Recover(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != stale.ID {
		t.Fatalf("Recover() = %v, want only %s", recovered, stale.ID)
	}
	if recovered[0].State != qmove.StateFailed {
		t.Errorf("recovered state = %s", recovered[0].State)
	}

	untouched, err := h.Service.Get(fresh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.State != qmove.StatePending {
		t.Errorf("fresh operation state = %s, want pending", untouched.State)
	}
}

func TestMoveService_List(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("done"), map[string]string{"a": "x"})
	finished := submitAndRun(t, h, h.Source("done"), h.DestRoot)
	h.Clock.Advance(time.Minute)
	waiting, err := h.Service.Submit(h.Source("later"), h.DestRoot, testutil.DestBoundary)
	if err != nil {
		t.Fatal(err)
	}

	all, err := h.Service.List(10, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != waiting.ID || all[1].ID != finished.ID {
		t.Errorf("List() = %v, want newest first", all)
	}

	active, err := h.Service.List(10, true)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != waiting.ID {
		t.Errorf("List(active) = %v", active)
	}
}

// flakyStore fails the next failures calls to FailOperation.
type flakyStore struct {
	qmove.TaskStore
	failures int
}

func (s *flakyStore) FailOperation(id string, kind, detail string) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	return s.TaskStore.FailOperation(id, kind, detail)
}

func TestMoveService_CollisionThenStoreFailure(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
	// Another writer creates the destination right before the rename.
	h.FS.FailRename(func(oldPath, newPath string) error {
		if filepath.Base(newPath) == "proj" {
			testutil.WriteTree(t, newPath, map[string]string{"theirs": "y"})
		}
		return nil
	})
	svc := h.NewServiceWithStore(&flakyStore{TaskStore: h.DB, failures: 1}, qmove.Options{})

	op, err := svc.Submit(h.Source("proj"), h.DestRoot, testutil.DestBoundary)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Run(context.Background(), op.ID); err == nil {
		t.Fatal("Run() error = nil, want the store failure")
	}

	// The failure was not recorded, so the artifact must still be there to
	// show that the rename never happened.
	stuck, err := h.Service.Get(op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stuck.State != qmove.StateCommitting {
		t.Fatalf("state after store failure = %s, want committing", stuck.State)
	}
	artifacts, err := h.DB.FindArtifactsByTask(op.ID)
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("artifact records = %v, %v", artifacts, err)
	}
	testutil.AssertExist(t, artifacts[0].Path())

	h.FS.Heal()
	result, err := h.Service.Run(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if result.State != qmove.StateFailed {
		t.Fatalf("resumed state = %s, want failed", result.State)
	}
	if got := testutil.ReadFile(t, h.Source("proj", "a")); got != "x" {
		t.Errorf("source damaged: %q", got)
	}
	if got := testutil.ReadFile(t, h.Dest("proj", "theirs")); got != "y" {
		t.Errorf("foreign destination damaged: %q", got)
	}
	testutil.AssertNotExist(t, h.Dest("proj", "a"))
	assertClean(t, h, result)
}

func TestMoveService_DestinationNotDurable(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
	h.FS.FailSyncDir(func(path string) error {
		if path == h.DestRoot {
			return syscall.EIO
		}
		return nil
	})

	op := submitAndRun(t, h, h.Source("proj"), h.DestRoot)

	if op.State != qmove.StateCompleted {
		t.Fatalf("state = %s (%s)", op.State, op.ErrorDetail)
	}
	if !strings.HasPrefix(op.Warning, "PartialCleanupFailure") {
		t.Errorf("warning = %q, want PartialCleanupFailure", op.Warning)
	}
	testutil.AssertExist(t, h.Source("proj", "a"))
	testutil.AssertExist(t, h.Dest("proj", "a"))
	assertClean(t, h, op)

	j := h.NewJanitor(qmove.JanitorOptions{})
	report, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Failures != 1 || report.SourcesRemoved != 0 {
		t.Errorf("report while unflushed = %+v, want one failure", report)
	}
	testutil.AssertExist(t, h.Source("proj", "a"))

	h.FS.Heal()
	report, err = j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.SourcesRemoved != 1 {
		t.Errorf("report after heal = %+v, want source removed", report)
	}
	testutil.AssertNotExist(t, h.Source("proj"))
	cleared, err := h.Service.Get(op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cleared.Warning != "" {
		t.Errorf("warning = %q, want cleared", cleared.Warning)
	}
}

func TestMoveService_ZeroMargin(t *testing.T) {
	tests := []struct {
		name      string
		opts      qmove.Options
		wantState qmove.State
	}{
		{"zero margin admits an exact fit", qmove.Options{MarginPercent: 0, BlockTolerance: qmove.DefaultBlockTolerance}, qmove.StateCompleted},
		{"default margin rejects an exact fit", qmove.Options{MarginPercent: qmove.DefaultMarginPercent, BlockTolerance: qmove.DefaultBlockTolerance}, qmove.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testutil.NewHarness(t)
			testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "alpha", "b/c": "charlie"})
			usage := sourceUsage(t, h, h.Source("proj"))
			h.Boundary.SetCapacity(testutil.DestBoundary, qmove.Capacity{
				BytesLimit:  usage.Bytes,
				InodesLimit: usage.Inodes,
			})
			opts := tt.opts
			opts.Clock = h.Clock
			opts.IDGen = h.IDGen
			svc := qmove.NewMoveService(h.DB, h.DB, h.FS, h.Boundary, h.Stager, opts)

			op, err := svc.Submit(h.Source("proj"), h.DestRoot, testutil.DestBoundary)
			if err != nil {
				t.Fatal(err)
			}
			result, err := svc.Run(context.Background(), op.ID)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if result.State != tt.wantState {
				t.Errorf("state = %s (%s: %s), want %s", result.State, result.ErrorKind, result.ErrorDetail, tt.wantState)
			}
			if tt.wantState == qmove.StateFailed && result.ErrorKind != "CapacityExceeded" {
				t.Errorf("kind = %s, want CapacityExceeded", result.ErrorKind)
			}
		})
	}
}
