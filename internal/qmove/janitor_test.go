package qmove_test

import (
	"context"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"qmove/internal/qmove"
	"qmove/internal/testutil"
)

func TestJanitor_RemovesOrphanArtifacts(t *testing.T) {
	h := testutil.NewHarness(t)
	orphan := h.Dest(qmove.ArtifactName("dead-task", "1"))
	testutil.WriteTree(t, orphan, map[string]string{"a": "x"})
	testutil.Backdate(t, orphan, h.Clock.Now(), 2*time.Hour)
	testutil.WriteTree(t, h.DestRoot, map[string]string{"keep/me": "x"})

	j := h.NewJanitor(qmove.JanitorOptions{})
	report, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(report.ArtifactsRemoved) != 1 || report.ArtifactsRemoved[0] != orphan {
		t.Errorf("removed = %v, want [%s]", report.ArtifactsRemoved, orphan)
	}
	testutil.AssertNotExist(t, orphan)
	testutil.AssertExist(t, h.Dest("keep", "me"))

	again, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if len(again.ArtifactsRemoved) != 0 || again.ArtifactsKept != 0 || again.Failures != 0 {
		t.Errorf("second sweep = %+v, want nothing to do", again)
	}
}

func TestJanitor_KeepsYoungArtifacts(t *testing.T) {
	h := testutil.NewHarness(t)
	young := h.Dest(qmove.ArtifactName("dead-task", "1"))
	testutil.WriteTree(t, young, map[string]string{"a": "x"})
	testutil.Backdate(t, young, h.Clock.Now(), 5*time.Minute)

	report, err := h.NewJanitor(qmove.JanitorOptions{}).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.ArtifactsKept != 1 || len(report.ArtifactsRemoved) != 0 {
		t.Errorf("report = %+v", report)
	}
	testutil.AssertExist(t, young)
}

func TestJanitor_KeepsArtifactsOfLiveOperations(t *testing.T) {
	h := testutil.NewHarness(t)
	testutil.WriteTree(t, h.Source("proj"), map[string]string{"a": "x"})
	op, artifact := interrupt(t, h, qmove.StateStaging, true)
	h.Clock.Advance(3 * time.Hour)

	j := h.NewJanitor(qmove.JanitorOptions{})
	report, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.ArtifactsKept != 1 || report.LocksReleased != 0 {
		t.Errorf("report = %+v, want artifact and lock kept", report)
	}
	testutil.AssertExist(t, artifact.Path())

	// Once the owner fails and its lock is gone the artifact is reclaimed.
	if err := h.DB.FailOperation(op.ID, "IOFailure", "worker lost"); err != nil {
		t.Fatal(err)
	}
	report, err = j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.LocksReleased != 1 {
		t.Errorf("locks released = %d, want 1", report.LocksReleased)
	}
	if report.ArtifactsKept != 1 {
		t.Errorf("artifact reclaimed while the lock was still recorded: %+v", report)
	}

	report, err = j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(report.ArtifactsRemoved) != 1 {
		t.Errorf("report = %+v, want artifact removed", report)
	}
	testutil.AssertNotExist(t, artifact.Path())
	if a, err := h.DB.FindArtifact(artifact.Name); err != nil || a != nil {
		t.Errorf("artifact record left: %+v, %v", a, err)
	}
}

func TestJanitor_RetriesSourceRemoval(t *testing.T) {
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
	if op.Warning == "" {
		t.Fatal("expected a warning")
	}

	j := h.NewJanitor(qmove.JanitorOptions{})
	report, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Failures != 1 || report.SourcesRemoved != 0 {
		t.Errorf("report = %+v, want one failure", report)
	}
	testutil.AssertExist(t, src)

	h.FS.Heal()
	report, err = j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.SourcesRemoved != 1 {
		t.Errorf("report = %+v, want source removed", report)
	}
	testutil.AssertNotExist(t, src)

	cleared, err := h.Service.Get(op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cleared.Warning != "" {
		t.Errorf("warning = %q, want cleared", cleared.Warning)
	}
}

func TestJanitor_KeepsReplacedSource(t *testing.T) {
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
	if !strings.HasPrefix(op.Warning, "PartialCleanupFailure") {
		t.Fatalf("warning = %q, want PartialCleanupFailure", op.Warning)
	}

	// A user moves the old tree aside and creates new data at the same path.
	if err := os.Rename(src, src+".old"); err != nil {
		t.Fatal(err)
	}
	testutil.WriteTree(t, src, map[string]string{"new": "data"})
	h.FS.Heal()

	j := h.NewJanitor(qmove.JanitorOptions{})
	report, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.SourcesKept != 1 || report.SourcesRemoved != 0 || report.Failures != 0 {
		t.Errorf("report = %+v, want the replaced source kept", report)
	}
	if got := testutil.ReadFile(t, h.Source("proj", "new")); got != "data" {
		t.Errorf("new data = %q", got)
	}

	kept, err := h.Service.Get(op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(kept.Warning, "SourceReplaced") {
		t.Errorf("warning = %q, want SourceReplaced", kept.Warning)
	}

	again, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if again.SourcesKept != 0 || again.SourcesRemoved != 0 {
		t.Errorf("second sweep = %+v, want the operation left alone", again)
	}
	testutil.AssertExist(t, h.Source("proj", "new"))
}

func TestJanitor_RunStopsWithContext(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- h.NewJanitor(qmove.JanitorOptions{}).Run(ctx, time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
