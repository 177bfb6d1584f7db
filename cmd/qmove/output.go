package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"qmove/internal/qmove"
)

// formatBytes renders a byte count with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func progressText(p qmove.Progress) string {
	return fmt.Sprintf("%s / %s, %d / %d entries",
		formatBytes(p.BytesDone), formatBytes(p.BytesTotal), p.InodesDone, p.InodesTotal)
}

// operationLine is the one-line summary used by list and recover.
func operationLine(op *qmove.MoveOperation) string {
	state := string(op.State)
	if op.ErrorKind != "" {
		state += "/" + op.ErrorKind
	}
	if op.Warning != "" {
		state += "!"
	}
	return fmt.Sprintf("%s  %s  %-24s  %s -> %s",
		op.ID,
		op.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		state,
		op.SourcePath,
		op.DestPath(),
	)
}

func printOperation(w io.Writer, op *qmove.MoveOperation) {
	fmt.Fprintf(w, "ID:        %s\n", op.ID)
	fmt.Fprintf(w, "Source:    %s\n", op.SourcePath)
	fmt.Fprintf(w, "Dest:      %s (boundary %s)\n", op.DestPath(), op.DestBoundary)
	fmt.Fprintf(w, "State:     %s\n", op.State)
	fmt.Fprintf(w, "Progress:  %s\n", progressText(op.Progress))
	if op.ErrorKind != "" {
		fmt.Fprintf(w, "Error:     %s: %s\n", op.ErrorKind, op.ErrorDetail)
	}
	if op.Warning != "" {
		fmt.Fprintf(w, "Warning:   %s\n", op.Warning)
	}
	if op.CancelRequested && !op.State.Terminal() {
		fmt.Fprintf(w, "Cancel:    requested\n")
	}
	fmt.Fprintf(w, "Updated:   %s\n", op.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
}

// progressPrinter redraws a single status line on a terminal and prints one
// line per change otherwise.
type progressPrinter struct {
	w     io.Writer
	tty   bool
	width int
	last  string
}

func newProgressPrinter(f *os.File) *progressPrinter {
	p := &progressPrinter{w: f}
	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		p.tty = true
		if w, _, err := term.GetSize(fd); err == nil {
			p.width = w
		}
	}
	return p
}

func (p *progressPrinter) Update(op *qmove.MoveOperation) {
	line := fmt.Sprintf("%-10s %s", op.State, progressText(op.Progress))
	if line == p.last {
		return
	}
	p.last = line

	if !p.tty {
		fmt.Fprintln(p.w, line)
		return
	}
	if p.width > 1 && len(line) >= p.width {
		line = line[:p.width-1]
	}
	fmt.Fprintf(p.w, "\r%s%s", line, strings.Repeat(" ", max(0, p.width-1-len(line))))
}

// Done ends the redrawn line.
func (p *progressPrinter) Done() {
	if p.tty && p.last != "" {
		fmt.Fprintln(p.w)
	}
}
