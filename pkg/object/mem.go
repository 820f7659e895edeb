// pkg/object/mem.go

package object

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type memObject struct {
	data  []byte
	mtime time.Time
}

type memStore struct {
	sync.Mutex
	name     string
	pageSize int64
	objects  map[string]*memObject
}

// NewMemStore returns a process local PageStore.
func NewMemStore(name string, pageSize int64) PageStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &memStore{name: name, pageSize: pageSize, objects: make(map[string]*memObject)}
}

func newMem(endpoint, accessKey, secretKey string) (PageStore, error) {
	return NewMemStore(endpoint, DefaultPageSize), nil
}

func (m *memStore) String() string {
	return "mem://" + m.name + "/"
}

func (m *memStore) PageSize() int64 { return m.pageSize }

func (m *memStore) OpenWriter(ctx context.Context, key string, offset int64, opts WriterOptions) (PageWriter, error) {
	if err := checkAligned(m, offset, opts.Size); err != nil {
		return nil, err
	}
	m.Lock()
	defer m.Unlock()
	if opts.Size > 0 {
		m.objects[key] = &memObject{data: make([]byte, opts.Size), mtime: time.Now()}
	}
	o, ok := m.objects[key]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if offset > int64(len(o.data)) {
		return nil, errors.Wrapf(ErrOutOfRange, "open %s at %d", key, offset)
	}
	return newSeqWriter(ctx, m.pageSize, offset, opts.BufferSize, func(ctx context.Context, off int64, p []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.Lock()
		defer m.Unlock()
		o, ok := m.objects[key]
		if !ok {
			return errors.Wrap(ErrNotFound, key)
		}
		if off+int64(len(p)) > int64(len(o.data)) {
			return errors.Wrapf(ErrOutOfRange, "write %s [%d, %d) capacity %d", key, off, off+int64(len(p)), len(o.data))
		}
		copy(o.data[off:], p)
		o.mtime = time.Now()
		return nil
	}, nil), nil
}

func (m *memStore) Resize(ctx context.Context, key string, capacity int64) error {
	if err := checkAligned(m, capacity); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return errors.Wrap(ErrNotFound, key)
	}
	data := make([]byte, capacity)
	copy(data, o.data)
	o.data = data
	o.mtime = time.Now()
	return nil
}

func (m *memStore) ReadRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.Lock()
	defer m.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if off < 0 || length < 0 || off+length > int64(len(o.data)) {
		return nil, errors.Wrapf(ErrOutOfRange, "read %s [%d, %d) capacity %d", key, off, off+length, len(o.data))
	}
	data := make([]byte, length)
	copy(data, o.data[off:])
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Head(ctx context.Context, key string) (*Object, error) {
	m.Lock()
	defer m.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return &Object{Key: key, Size: int64(len(o.data)), Mtime: o.mtime}, nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]*Object, error) {
	m.Lock()
	defer m.Unlock()
	var objs []*Object
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			objs = append(objs, &Object{Key: k, Size: int64(len(o.data)), Mtime: o.mtime})
		}
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.objects, key)
	return nil
}

func init() {
	Register("mem", newMem)
}
