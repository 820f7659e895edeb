// pkg/object/bwlimit.go

package object

import (
	"context"
	"fmt"
	"io"

	"github.com/juju/ratelimit"
)

type limitedReader struct {
	io.ReadCloser
	r *ratelimit.Bucket
}

func (l *limitedReader) Read(buf []byte) (int, error) {
	n, err := l.ReadCloser.Read(buf)
	if l.r != nil {
		l.r.Wait(int64(n))
	}
	return n, err
}

type limitedWriter struct {
	PageWriter
	w *ratelimit.Bucket
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.w != nil {
		l.w.Wait(int64(len(p)))
	}
	return l.PageWriter.Write(p)
}

type bwlimit struct {
	PageStore
	upLimit   *ratelimit.Bucket
	downLimit *ratelimit.Bucket
}

// NewLimited caps upload and download bandwidth in bytes per second; zero
// means unlimited.
func NewLimited(o PageStore, up, down int64) PageStore {
	bw := &bwlimit{o, nil, nil}
	if up > 0 {
		// there are overheads coming from the transport
		bw.upLimit = ratelimit.NewBucketWithRate(float64(up)*0.85, up)
	}
	if down > 0 {
		bw.downLimit = ratelimit.NewBucketWithRate(float64(down)*0.85, down)
	}
	return bw
}

func (p *bwlimit) String() string {
	return fmt.Sprintf("%s(limited)", p.PageStore)
}

func (p *bwlimit) OpenWriter(ctx context.Context, key string, offset int64, opts WriterOptions) (PageWriter, error) {
	w, err := p.PageStore.OpenWriter(ctx, key, offset, opts)
	if err != nil || p.upLimit == nil {
		return w, err
	}
	return &limitedWriter{w, p.upLimit}, nil
}

func (p *bwlimit) ReadRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error) {
	r, err := p.PageStore.ReadRange(ctx, key, off, length)
	if err != nil || p.downLimit == nil {
		return r, err
	}
	return &limitedReader{r, p.downLimit}, nil
}
