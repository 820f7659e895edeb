// pkg/object/interface.go

package object

import (
	"context"
	"fmt"
	"io"
	"time"

	"SecCam/pkg/utils"

	"github.com/pkg/errors"
)

var logger = utils.GetLogger("seccam")

// DefaultPageSize is the write quantum of every bundled backend.
const DefaultPageSize = 512

var (
	ErrNotFound   = errors.New("object not found")
	ErrUnaligned  = errors.New("offset or length is not page aligned")
	ErrOutOfRange = errors.New("range exceeds declared capacity")
	ErrClosed     = errors.New("writer is closed")
)

// Object describes a stored page object. Size is the declared capacity.
type Object struct {
	Key   string
	Size  int64
	Mtime time.Time
}

// WriterOptions controls OpenWriter.
type WriterOptions struct {
	// Size, when positive, creates the object (replacing any previous one)
	// with this declared capacity. Zero requires the object to exist.
	Size int64
	// BufferSize is how many bytes the writer keeps before persisting the
	// whole pages it holds. It is rounded up to a page.
	BufferSize int
}

// PageWriter accepts bytes at strictly increasing offsets starting from the
// page aligned offset it was opened at. Only whole pages are persisted:
// Flush fails with ErrUnaligned while a partial page is buffered.
type PageWriter interface {
	io.Writer
	Flush() error
	Close() error
}

// PageStore is an object storage whose objects have a declared capacity and
// are written in fixed-size pages.
type PageStore interface {
	String() string
	PageSize() int64
	// OpenWriter opens a sequential writer at offset, which must be page aligned.
	OpenWriter(ctx context.Context, key string, offset int64, opts WriterOptions) (PageWriter, error)
	// Resize changes the declared capacity, which must be page aligned.
	Resize(ctx context.Context, key string, capacity int64) error
	// ReadRange returns the persisted bytes in [off, off+length).
	ReadRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (*Object, error)
	List(ctx context.Context, prefix string) ([]*Object, error)
	Delete(ctx context.Context, key string) error
}

// Creator builds a PageStore from an endpoint and credentials.
type Creator func(endpoint, accessKey, secretKey string) (PageStore, error)

var storages = make(map[string]Creator)

// Register makes a storage backend available by name.
func Register(name string, register Creator) {
	storages[name] = register
}

// CreateStorage creates a PageStore of the registered backend `name`.
func CreateStorage(name, endpoint, accessKey, secretKey string) (PageStore, error) {
	if f, ok := storages[name]; ok {
		logger.Debugf("Creating %s storage at endpoint %s", name, endpoint)
		return f(endpoint, accessKey, secretKey)
	}
	return nil, fmt.Errorf("invalid storage: %s", name)
}

// ReadAll reads [off, off+length) of key completely.
func ReadAll(ctx context.Context, store PageStore, key string, off, length int64) ([]byte, error) {
	r, err := store.ReadRange(ctx, key, off, length)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := make([]byte, length)
	if _, err = io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrapf(err, "read %s [%d, %d)", key, off, off+length)
	}
	return buf, nil
}

func checkAligned(store PageStore, values ...int64) error {
	for _, v := range values {
		if v < 0 || v%store.PageSize() != 0 {
			return errors.Wrapf(ErrUnaligned, "%d is not a multiple of %d", v, store.PageSize())
		}
	}
	return nil
}
