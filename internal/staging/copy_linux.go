package staging

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	copyBufferSize = 1 << 20
	copyChunkSize  = 64 << 20
)

// copySparse copies the first size bytes of in to out, writing only the data
// extents reported by SEEK_DATA/SEEK_HOLE so holes stay unallocated. Files on
// filesystems without extent queries are copied densely. The caller truncates
// out to size afterwards so trailing holes are preserved.
func copySparse(ctx context.Context, in, out *os.File, size int64, buf []byte, add func(int64)) error {
	var off int64
	for off < size {
		data, err := in.Seek(off, unix.SEEK_DATA)
		if err != nil {
			if errors.Is(err, unix.ENXIO) {
				return nil // only holes remain
			}
			if errors.Is(err, unix.EINVAL) {
				return copyRange(ctx, in, out, off, size-off, buf, add)
			}
			return err
		}
		if data >= size {
			return nil
		}
		hole, err := in.Seek(data, unix.SEEK_HOLE)
		if err != nil {
			return err
		}
		if hole > size {
			hole = size
		}
		if err := copyRange(ctx, in, out, data, hole-data, buf, add); err != nil {
			return err
		}
		off = hole
	}
	return nil
}

// copyRange copies n bytes at offset off, checking ctx between chunks.
func copyRange(ctx context.Context, in, out *os.File, off, n int64, buf []byte, add func(int64)) error {
	r := io.NewSectionReader(in, off, n)
	w := io.NewOffsetWriter(out, off)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		written, err := io.CopyBuffer(w, io.LimitReader(r, copyChunkSize), buf)
		add(written)
		if err != nil {
			return err
		}
		if written < copyChunkSize {
			return nil
		}
	}
}
