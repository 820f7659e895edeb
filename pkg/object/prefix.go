// pkg/object/prefix.go

package object

import (
	"context"
	"fmt"
	"io"
	"strings"
)

type withPrefix struct {
	PageStore
	prefix string
}

// WithPrefix returns a page store that prepends prefix to every key.
func WithPrefix(os PageStore, prefix string) PageStore {
	return &withPrefix{os, prefix}
}

func (p *withPrefix) String() string {
	return fmt.Sprintf("%s%s", p.PageStore, p.prefix)
}

func (p *withPrefix) OpenWriter(ctx context.Context, key string, offset int64, opts WriterOptions) (PageWriter, error) {
	return p.PageStore.OpenWriter(ctx, p.prefix+key, offset, opts)
}

func (p *withPrefix) Resize(ctx context.Context, key string, capacity int64) error {
	return p.PageStore.Resize(ctx, p.prefix+key, capacity)
}

func (p *withPrefix) ReadRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error) {
	return p.PageStore.ReadRange(ctx, p.prefix+key, off, length)
}

func (p *withPrefix) Head(ctx context.Context, key string) (*Object, error) {
	o, err := p.PageStore.Head(ctx, p.prefix+key)
	if err != nil {
		return nil, err
	}
	o.Key = strings.TrimPrefix(o.Key, p.prefix)
	return o, nil
}

func (p *withPrefix) List(ctx context.Context, prefix string) ([]*Object, error) {
	objs, err := p.PageStore.List(ctx, p.prefix+prefix)
	for _, o := range objs {
		o.Key = strings.TrimPrefix(o.Key, p.prefix)
	}
	return objs, err
}

func (p *withPrefix) Delete(ctx context.Context, key string) error {
	return p.PageStore.Delete(ctx, p.prefix+key)
}
