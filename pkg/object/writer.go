// pkg/object/writer.go

package object

import (
	"context"

	"SecCam/pkg/utils"

	"github.com/pkg/errors"
)

// putFunc persists whole pages p at the page aligned offset off.
type putFunc func(ctx context.Context, off int64, p []byte) error

// seqWriter buffers sequential writes and hands whole pages to a backend.
type seqWriter struct {
	ctx      context.Context
	put      putFunc
	release  func() error
	pageSize int64
	off      int64
	buf      []byte
	closed   bool
}

func newSeqWriter(ctx context.Context, pageSize, offset int64, bufferSize int, put putFunc, release func() error) *seqWriter {
	limit := utils.AlignUp(int64(bufferSize), pageSize)
	if limit < pageSize {
		limit = pageSize
	}
	return &seqWriter{
		ctx:      ctx,
		put:      put,
		release:  release,
		pageSize: pageSize,
		off:      offset,
		buf:      make([]byte, 0, limit),
	}
}

func (w *seqWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	var n int
	for len(p) > 0 {
		take := utils.Min(cap(w.buf)-len(w.buf), len(p))
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		n += take
		if len(w.buf) == cap(w.buf) {
			if err := w.drain(false); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// drain persists the buffered whole pages; with all set a partial trailing
// page is an error.
func (w *seqWriter) drain(all bool) error {
	full := utils.AlignDown(int64(len(w.buf)), w.pageSize)
	if all && full != int64(len(w.buf)) {
		return errors.Wrapf(ErrUnaligned, "flush with %d buffered bytes at %d", len(w.buf), w.off)
	}
	if full == 0 {
		return nil
	}
	if err := w.put(w.ctx, w.off, w.buf[:full]); err != nil {
		return err
	}
	w.off += full
	rest := copy(w.buf, w.buf[full:])
	w.buf = w.buf[:rest]
	return nil
}

func (w *seqWriter) Flush() error {
	if w.closed {
		return ErrClosed
	}
	return w.drain(true)
}

func (w *seqWriter) Close() error {
	if w.closed {
		return nil
	}
	err := w.drain(true)
	w.closed = true
	if w.release != nil {
		if rerr := w.release(); err == nil {
			err = rerr
		}
	}
	return err
}
