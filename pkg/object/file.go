// pkg/object/file.go

package object

import (
	"context"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// fsFile is the part of an open file the page store needs.
type fsFile interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// fileSystem abstracts the directory tree a file backed store lives in, so
// the same page semantics serve local disks and remote sftp hosts.
type fileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (fsFile, error)
	Stat(name string) (os.FileInfo, error)
	Truncate(name string, size int64) error
	Remove(name string) error
	MkdirAll(dir string, perm os.FileMode) error
	Walk(root string, fn filepath.WalkFunc) error
	Join(elem ...string) string
	Dir(name string) string
}

type localFS struct{}

func (localFS) OpenFile(name string, flag int, perm os.FileMode) (fsFile, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}
func (localFS) Stat(name string) (os.FileInfo, error)       { return os.Stat(name) }
func (localFS) Truncate(name string, size int64) error      { return os.Truncate(name, size) }
func (localFS) Remove(name string) error                    { return os.Remove(name) }
func (localFS) MkdirAll(dir string, perm os.FileMode) error { return os.MkdirAll(dir, perm) }
func (localFS) Walk(root string, fn filepath.WalkFunc) error {
	return filepath.Walk(root, fn)
}
func (localFS) Join(elem ...string) string { return filepath.Join(elem...) }
func (localFS) Dir(name string) string     { return filepath.Dir(name) }

// fileStore keeps one file per object; the file length is the declared
// capacity and never-written pages read back as zeros.
type fileStore struct {
	scheme   string
	host     string
	root     string
	fs       fileSystem
	pageSize int64
}

func newFileStore(scheme, host, root string, fs fileSystem) *fileStore {
	return &fileStore{scheme: scheme, host: host, root: root, fs: fs, pageSize: DefaultPageSize}
}

func newDisk(endpoint, accessKey, secretKey string) (PageStore, error) {
	root, err := filepath.Abs(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", endpoint)
	}
	if err = os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "create %s", root)
	}
	return newFileStore("file", "", root, localFS{}), nil
}

func (d *fileStore) String() string {
	return d.scheme + "://" + d.host + d.root + "/"
}

func (d *fileStore) PageSize() int64 { return d.pageSize }

func (d *fileStore) path(key string) string {
	return d.fs.Join(d.root, filepath.FromSlash(key))
}

func notFound(err error, key string) error {
	if os.IsNotExist(err) || errors.Is(err, iofs.ErrNotExist) {
		return errors.Wrap(ErrNotFound, key)
	}
	return err
}

func (d *fileStore) OpenWriter(ctx context.Context, key string, offset int64, opts WriterOptions) (PageWriter, error) {
	if err := checkAligned(d, offset, opts.Size); err != nil {
		return nil, err
	}
	p := d.path(key)
	flag := os.O_RDWR
	if opts.Size > 0 {
		if err := d.fs.MkdirAll(d.fs.Dir(p), 0755); err != nil {
			return nil, errors.Wrapf(err, "mkdir for %s", key)
		}
		flag |= os.O_CREATE | os.O_TRUNC
	}
	f, err := d.fs.OpenFile(p, flag, 0644)
	if err != nil {
		return nil, notFound(err, key)
	}
	if opts.Size > 0 {
		if err = f.Truncate(opts.Size); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "allocate %s", key)
		}
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	capacity := fi.Size()
	if offset > capacity {
		_ = f.Close()
		return nil, errors.Wrapf(ErrOutOfRange, "open %s at %d", key, offset)
	}
	// the capacity is bound at open time; a resize requires a new writer
	return newSeqWriter(ctx, d.pageSize, offset, opts.BufferSize, func(ctx context.Context, off int64, buf []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if off+int64(len(buf)) > capacity {
			return errors.Wrapf(ErrOutOfRange, "write %s [%d, %d) capacity %d", key, off, off+int64(len(buf)), capacity)
		}
		_, err := f.WriteAt(buf, off)
		return err
	}, f.Close), nil
}

func (d *fileStore) Resize(ctx context.Context, key string, capacity int64) error {
	if err := checkAligned(d, capacity); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return notFound(d.fs.Truncate(d.path(key), capacity), key)
}

type sectionReadCloser struct {
	*io.SectionReader
	io.Closer
}

func (d *fileStore) ReadRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := d.fs.OpenFile(d.path(key), os.O_RDONLY, 0)
	if err != nil {
		return nil, notFound(err, key)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if off < 0 || length < 0 || off+length > fi.Size() {
		_ = f.Close()
		return nil, errors.Wrapf(ErrOutOfRange, "read %s [%d, %d) capacity %d", key, off, off+length, fi.Size())
	}
	return &sectionReadCloser{io.NewSectionReader(f, off, length), f}, nil
}

func (d *fileStore) Head(ctx context.Context, key string) (*Object, error) {
	fi, err := d.fs.Stat(d.path(key))
	if err != nil {
		return nil, notFound(err, key)
	}
	if fi.IsDir() {
		return nil, errors.Wrapf(ErrNotFound, "%s is a directory", key)
	}
	return &Object{Key: key, Size: fi.Size(), Mtime: fi.ModTime()}, nil
}

func (d *fileStore) List(ctx context.Context, prefix string) ([]*Object, error) {
	var objs []*Object
	err := d.fs.Walk(d.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := strings.TrimPrefix(filepath.ToSlash(p), filepath.ToSlash(d.root))
		key = strings.TrimPrefix(path.Clean("/"+key), "/")
		if strings.HasPrefix(key, prefix) {
			objs = append(objs, &Object{Key: key, Size: info.Size(), Mtime: info.ModTime()})
		}
		return nil
	})
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, err
}

func (d *fileStore) Delete(ctx context.Context, key string) error {
	err := d.fs.Remove(d.path(key))
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

func init() {
	Register("file", newDisk)
}
