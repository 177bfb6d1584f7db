package boundary

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"qmove/internal/qmove"
)

// DefaultXattrPrefix namespaces the attributes XattrControl reads and writes.
const DefaultXattrPrefix = "user.qmove"

// Limit is the configured size of one boundary for XattrControl.
type Limit struct {
	Root   string
	Bytes  int64
	Inodes int64
}

// XattrControl emulates boundaries with extended attributes on any local
// filesystem. Placement lives in <prefix>.boundary and <prefix>.inherit,
// residency in <prefix>.residency and layout in <prefix>.layout. Capacity is
// the configured limit minus a scan of the boundary root.
type XattrControl struct {
	prefix string
	limits map[string]Limit
	fsmgr  qmove.FilesystemManager
}

var _ qmove.BoundaryControl = (*XattrControl)(nil)

// NewXattrControl creates an XattrControl.
func NewXattrControl(prefix string, limits map[string]Limit, fsmgr qmove.FilesystemManager) *XattrControl {
	if prefix == "" {
		prefix = DefaultXattrPrefix
	}
	return &XattrControl{prefix: prefix, limits: limits, fsmgr: fsmgr}
}

func (c *XattrControl) attr(name string) string {
	return c.prefix + "." + name
}

func (c *XattrControl) Capacity(ctx context.Context, boundary string) (*qmove.Capacity, error) {
	limit, ok := c.limits[boundary]
	if !ok {
		return nil, fmt.Errorf("%w: unknown boundary %q", qmove.ErrConfiguration, boundary)
	}

	capacity := &qmove.Capacity{BytesLimit: limit.Bytes, InodesLimit: limit.Inodes}
	if limit.Root == "" {
		return capacity, nil
	}
	records, err := c.fsmgr.Scan(ctx, limit.Root)
	if err != nil {
		return nil, fmt.Errorf("measuring boundary %s: %w", boundary, err)
	}
	usage := qmove.NewManifest(records).Usage()
	capacity.BytesUsed = usage.Bytes
	capacity.InodesUsed = usage.Inodes
	return capacity, nil
}

// Placement resolves the boundary of path from its own attributes, or from
// the nearest ancestor that carries attributes and the inherit flag.
func (c *XattrControl) Placement(ctx context.Context, path string) (*qmove.Placement, error) {
	path = filepath.Clean(path)
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	boundary, ok, err := getAttr(path, c.attr("boundary"))
	if err != nil {
		return nil, err
	}
	if ok {
		inherit, _, err := getAttr(path, c.attr("inherit"))
		if err != nil {
			return nil, err
		}
		return &qmove.Placement{Boundary: boundary, Inherit: inherit == "1"}, nil
	}

	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		boundary, ok, err := getAttr(dir, c.attr("boundary"))
		if err != nil {
			return nil, err
		}
		if ok {
			inherit, _, err := getAttr(dir, c.attr("inherit"))
			if err != nil {
				return nil, err
			}
			if inherit != "1" {
				break
			}
			return &qmove.Placement{Boundary: boundary, Inherit: info.IsDir()}, nil
		}
		if dir == filepath.Dir(dir) {
			break
		}
	}
	return &qmove.Placement{}, nil
}

func (c *XattrControl) SetPlacement(ctx context.Context, path string, p qmove.Placement) error {
	if err := unix.Lsetxattr(path, c.attr("boundary"), []byte(p.Boundary), 0); err != nil {
		return fmt.Errorf("setting boundary on %s: %w", path, err)
	}
	inherit := "0"
	if p.Inherit {
		inherit = "1"
	}
	if err := unix.Lsetxattr(path, c.attr("inherit"), []byte(inherit), 0); err != nil {
		return fmt.Errorf("setting inherit flag on %s: %w", path, err)
	}
	return nil
}

// Resident reports false when <prefix>.residency is "released".
func (c *XattrControl) Resident(ctx context.Context, path string) (bool, error) {
	state, _, err := getAttr(path, c.attr("residency"))
	if err != nil {
		return false, err
	}
	return state != "released", nil
}

func (c *XattrControl) Layout(ctx context.Context, path string) (*qmove.Layout, error) {
	value, ok, err := getAttr(path, c.attr("layout"))
	if err != nil || !ok {
		return nil, err
	}
	return ParseLayout(value)
}

func (c *XattrControl) CreateFile(ctx context.Context, path string, layout *qmove.Layout, perm fs.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, err
	}
	if layout != nil {
		if err := unix.Fsetxattr(int(f.Fd()), c.attr("layout"), []byte(layout.String()), 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("recording layout on %s: %w", path, err)
		}
	}
	return f, nil
}

// ParseLayout parses the "count=N,size=S[,pool=P]" form of Layout.String.
func ParseLayout(s string) (*qmove.Layout, error) {
	l := &qmove.Layout{}
	for _, part := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed layout %q", s)
		}
		var err error
		switch key {
		case "count":
			l.StripeCount, err = strconv.Atoi(value)
		case "size":
			l.StripeSize, err = strconv.ParseInt(value, 10, 64)
		case "pool":
			l.Pool = value
		default:
			err = fmt.Errorf("unknown key %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing layout %q: %w", s, err)
		}
	}
	return l, nil
}

// getAttr reads an extended attribute without following symlinks.
// A missing attribute is reported as ok=false.
func getAttr(path, name string) (string, bool, error) {
	buf := make([]byte, 256)
	for {
		n, err := unix.Lgetxattr(path, name, buf)
		switch {
		case err == nil:
			return string(buf[:n]), true, nil
		case errors.Is(err, unix.ENODATA):
			return "", false, nil
		case errors.Is(err, unix.ERANGE):
			buf = make([]byte, len(buf)*4)
		default:
			return "", false, fmt.Errorf("reading %s on %s: %w", name, path, err)
		}
	}
}
