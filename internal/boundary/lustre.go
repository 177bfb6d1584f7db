package boundary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"qmove/internal/qmove"
)

// Runner executes an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// LustreControl drives Lustre project quotas, HSM state and striping through
// the lfs utility. Boundaries are Lustre project IDs.
type LustreControl struct {
	lfs   string
	mount string
	run   Runner
}

var _ qmove.BoundaryControl = (*LustreControl)(nil)

// NewLustreControl creates a LustreControl for the filesystem mounted at
// mount. A nil run executes lfs as a subprocess.
func NewLustreControl(lfs, mount string, run Runner) *LustreControl {
	if lfs == "" {
		lfs = "lfs"
	}
	if run == nil {
		run = execRunner
	}
	return &LustreControl{lfs: lfs, mount: mount, run: run}
}

// Capacity parses `lfs quota -q -p ID MOUNT`, whose columns are
// filesystem, kbytes, quota, limit, grace, files, quota, limit, grace.
// Values over quota carry a trailing '*'. The hard limit wins over the soft one.
func (c *LustreControl) Capacity(ctx context.Context, boundary string) (*qmove.Capacity, error) {
	if _, err := strconv.ParseUint(boundary, 10, 32); err != nil {
		return nil, fmt.Errorf("%w: %q is not a project ID", qmove.ErrConfiguration, boundary)
	}
	out, err := c.run(ctx, c.lfs, "quota", "-q", "-p", boundary, c.mount)
	if err != nil {
		return nil, fmt.Errorf("querying project quota: %w", err)
	}
	return parseQuota(out)
}

func parseQuota(out []byte) (*qmove.Capacity, error) {
	fields := strings.Fields(string(out))
	if len(fields) < 9 {
		return nil, fmt.Errorf("unexpected lfs quota output: %q", strings.TrimSpace(string(out)))
	}

	var v [6]int64
	for i, idx := range []int{1, 2, 3, 5, 6, 7} {
		n, err := strconv.ParseInt(strings.TrimSuffix(fields[idx], "*"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing lfs quota field %q: %w", fields[idx], err)
		}
		v[i] = n
	}
	kbytes, bsoft, bhard := v[0], v[1], v[2]
	files, isoft, ihard := v[3], v[4], v[5]

	return &qmove.Capacity{
		BytesUsed:   kbytes * 1024,
		BytesLimit:  effectiveLimit(bsoft, bhard) * 1024,
		InodesUsed:  files,
		InodesLimit: effectiveLimit(isoft, ihard),
	}, nil
}

func effectiveLimit(soft, hard int64) int64 {
	if hard > 0 {
		return hard
	}
	return soft
}

// Placement parses `lfs project -d PATH`: project ID, then 'P' when the
// inherit flag is set or '-' when it is not.
func (c *LustreControl) Placement(ctx context.Context, path string) (*qmove.Placement, error) {
	out, err := c.run(ctx, c.lfs, "project", "-d", path)
	if err != nil {
		return nil, fmt.Errorf("reading project of %s: %w", path, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return nil, fmt.Errorf("unexpected lfs project output: %q", strings.TrimSpace(string(out)))
	}
	p := &qmove.Placement{Boundary: fields[0], Inherit: fields[1] == "P"}
	if p.Boundary == "0" {
		p.Boundary = ""
	}
	return p, nil
}

// SetPlacement assigns a project ID and, for directories, the inherit flag.
func (c *LustreControl) SetPlacement(ctx context.Context, path string, p qmove.Placement) error {
	args := []string{"project", "-p", p.Boundary}
	if p.Inherit {
		args = append(args, "-s")
	}
	args = append(args, path)
	if _, err := c.run(ctx, c.lfs, args...); err != nil {
		return fmt.Errorf("setting project of %s: %w", path, err)
	}
	return nil
}

// Resident reports false for files whose HSM state includes "released".
func (c *LustreControl) Resident(ctx context.Context, path string) (bool, error) {
	out, err := c.run(ctx, c.lfs, "hsm_state", path)
	if err != nil {
		return false, fmt.Errorf("reading HSM state of %s: %w", path, err)
	}
	// Output is "PATH: (0xFLAGS) flag flag ..."; only the part after the path matters.
	state := string(out)
	if i := strings.LastIndex(state, ": ("); i >= 0 {
		state = state[i:]
	}
	for _, f := range strings.Fields(state) {
		if strings.TrimSuffix(f, ",") == "released" {
			return false, nil
		}
	}
	return true, nil
}

// Layout reads stripe count, stripe size and pool. Composite layouts are
// reduced to these three values.
func (c *LustreControl) Layout(ctx context.Context, path string) (*qmove.Layout, error) {
	count, err := c.getstripe(ctx, "-c", path)
	if err != nil {
		return nil, err
	}
	size, err := c.getstripe(ctx, "-S", path)
	if err != nil {
		return nil, err
	}
	pool, err := c.getstripe(ctx, "-p", path)
	if err != nil {
		return nil, err
	}

	l := &qmove.Layout{Pool: pool}
	if l.StripeCount, err = strconv.Atoi(count); err != nil {
		return nil, fmt.Errorf("parsing stripe count %q: %w", count, err)
	}
	if l.StripeSize, err = strconv.ParseInt(size, 10, 64); err != nil {
		return nil, fmt.Errorf("parsing stripe size %q: %w", size, err)
	}
	return l, nil
}

func (c *LustreControl) getstripe(ctx context.Context, flag, path string) (string, error) {
	out, err := c.run(ctx, c.lfs, "getstripe", flag, path)
	if err != nil {
		return "", fmt.Errorf("reading layout of %s: %w", path, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CreateFile creates path with the given striping via lfs setstripe, then
// opens it for writing.
func (c *LustreControl) CreateFile(ctx context.Context, path string, layout *qmove.Layout, perm fs.FileMode) (*os.File, error) {
	if layout == nil {
		return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	}

	if _, err := os.Lstat(path); err == nil {
		return nil, &fs.PathError{Op: "create", Path: path, Err: fs.ErrExist}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	args := []string{"setstripe",
		"-c", strconv.Itoa(layout.StripeCount),
		"-S", strconv.FormatInt(layout.StripeSize, 10)}
	if layout.Pool != "" {
		args = append(args, "-p", layout.Pool)
	}
	args = append(args, path)
	if _, err := c.run(ctx, c.lfs, args...); err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
