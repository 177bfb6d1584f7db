package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLineHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		run     string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			run:     "node7/move",
			level:   slog.LevelInfo,
			message: "move submitted",
			want:    "2024-06-15T14:30:45Z\tINFO\tnode7/move\tmove submitted\n",
		},
		{
			name:    "debug level",
			run:     "node7/worker",
			level:   slog.LevelDebug,
			message: "state changed",
			want:    "2024-06-15T14:30:45Z\tDEBUG\tnode7/worker\tstate changed\n",
		},
		{
			name:    "with record attrs",
			run:     "node7/worker",
			level:   slog.LevelWarn,
			message: "move failed",
			attrs:   []slog.Attr{slog.String("kind", "Collision"), slog.Int("inodes", 42)},
			want:    "2024-06-15T14:30:45Z\tWARN\tnode7/worker\tmove failed\tkind=Collision\tinodes=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newLineHandler(&buf, tt.run)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestLineHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newLineHandler(&buf, "run-1")

	// Add pre-set attrs
	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "janitor")}).(*lineHandler)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "artifact reclaimed", 0)
	r.AddAttrs(slog.String("path", "/lustre/b/.qmove-staging.x.y"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=janitor") {
		t.Errorf("expected pre-set attr component=janitor, got: %q", got)
	}
	if !strings.Contains(got, "path=/lustre/b/.qmove-staging.x.y") {
		t.Errorf("expected record attr path, got: %q", got)
	}
}

func TestLineHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	var buf bytes.Buffer
	h := newLineHandler(&buf, "run-1")
	h.attrs = []slog.Attr{slog.String("a", "1")}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*lineHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}
}

func TestLineHandler_ConcurrentLines(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newLineHandler(&buf, "run-1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("heartbeat", "task", "t")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 400 {
		t.Fatalf("got %d lines, want 400", len(lines))
	}
	for _, l := range lines {
		if !strings.HasSuffix(l, "\theartbeat\ttask=t") {
			t.Fatalf("interleaved line: %q", l)
		}
	}
}

func TestLineHandler_Enabled(t *testing.T) {
	h := &lineHandler{}
	// All levels should be enabled
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if !h.Enabled(context.Background(), level) {
			t.Errorf("Enabled(%v) = false, want true", level)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, f, err := newLogger(dir, "test-run")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	if logger == nil {
		t.Fatal("newLogger() returned nil logger")
	}
	if _, err := os.Stat(filepath.Join(dir, "qmove.log")); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}
