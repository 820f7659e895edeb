// pkg/pagestream/stream.go

package pagestream

import (
	"context"
	"io"
	"math"

	"SecCam/pkg/object"
	"SecCam/pkg/utils"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var logger = utils.GetLogger("seccam")

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("stream is closed")
	// ErrNegativeOffset is returned by Seek for positions before the start.
	ErrNegativeOffset = errors.New("negative position")
)

type Config struct {
	InitialSize  int64   // capacity requested when the object is created
	ResizeFactor float64 // capacity multiplier on overflow, > 1
	BufferSize   int     // transfer buffer handed to the store writer per call
	WriterBuffer int     // bytes the store writer keeps before persisting
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() *Config {
	return &Config{
		InitialSize:  32 << 20,
		ResizeFactor: 2,
		BufferSize:   64 << 10,
		WriterBuffer: 1 << 20,
	}
}

// seekTarget is a position waiting to be applied by the next Write or Flush.
type seekTarget struct {
	offset int64
	set    bool
}

// Stream makes a page store object writable at arbitrary offsets.
//
// The store only accepts whole pages through sequential writers opened at
// page aligned offsets. Stream keeps one such writer open and reopens it
// whenever the logical position and the writer cursor diverge, reading back
// the persisted part of a page it has to reproduce. A Stream is not safe for
// concurrent use.
type Stream struct {
	ctx      context.Context
	store    object.PageStore
	name     string
	conf     Config
	pageSize int64

	writer  object.PageWriter
	opened  bool
	closed  bool
	err     error
	pending seekTarget

	position int64 // logical write position
	cursor   int64 // offset the writer will persist the next byte at
	size     int64 // high-water mark of written bytes
	capacity int64 // declared capacity of the object
}

// New returns a Stream writing the object name. Nothing is created in the
// store until the first Write.
func New(ctx context.Context, store object.PageStore, name string, conf *Config) *Stream {
	if conf == nil {
		conf = DefaultConfig()
	}
	c := *conf
	if c.ResizeFactor <= 1 {
		c.ResizeFactor = 2
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64 << 10
	}
	return &Stream{
		ctx:      ctx,
		store:    store,
		name:     name,
		conf:     c,
		pageSize: store.PageSize(),
	}
}

func (s *Stream) Name() string { return s.name }

// Position returns the logical position, including a pending seek.
func (s *Stream) Position() int64 {
	if s.pending.set {
		return s.pending.offset
	}
	return s.position
}

// Size returns the number of bytes written so far, counting from offset 0.
func (s *Stream) Size() int64 { return s.size }

// Capacity returns the declared capacity of the object.
func (s *Stream) Capacity() int64 { return s.capacity }

func (s *Stream) fail(err error) error {
	if s.err == nil {
		logger.Warnf("Stream %s failed at position %d: %s", s.name, s.position, err)
		s.err = err
	}
	return s.err
}

func (s *Stream) open() error {
	capacity := utils.AlignUp(s.conf.InitialSize, s.pageSize)
	if capacity < s.pageSize {
		capacity = s.pageSize
	}
	w, err := s.store.OpenWriter(s.ctx, s.name, 0, object.WriterOptions{Size: capacity, BufferSize: s.conf.WriterBuffer})
	if err != nil {
		return errors.Wrapf(err, "create %s", s.name)
	}
	logger.Debugf("Created %s with capacity %d", s.name, capacity)
	s.writer, s.opened = w, true
	s.capacity, s.cursor = capacity, 0
	return nil
}

// readBack fills buf with the persisted bytes starting at off.
func (s *Stream) readBack(off int64, buf []byte) error {
	r, err := s.store.ReadRange(s.ctx, s.name, off, int64(len(buf)))
	if err != nil {
		return errors.Wrapf(err, "read back %s at %d", s.name, off)
	}
	defer r.Close()
	if _, err = io.ReadFull(r, buf); err != nil {
		return errors.Wrapf(err, "read back %s at %d", s.name, off)
	}
	return nil
}

// pad completes the page holding the writer cursor: bytes already persisted
// there are written back unchanged and the rest is zero filled.
func (s *Stream) pad() error {
	end := utils.AlignUp(s.cursor, s.pageSize)
	if end == s.cursor {
		return nil
	}
	p := AllocPage(int(end - s.cursor))
	defer p.Release()
	keep := end
	if s.size < keep {
		keep = s.size
	}
	keep -= s.cursor
	if keep < 0 {
		keep = 0
	}
	if keep > 0 {
		if err := s.readBack(s.cursor, p.Data[:keep]); err != nil {
			return err
		}
	}
	clear(p.Data[keep:])
	if _, err := s.writer.Write(p.Data); err != nil {
		return err
	}
	s.cursor = end
	return nil
}

// closeWriter pads, persists and releases the current writer.
func (s *Stream) closeWriter() error {
	if s.writer == nil {
		return nil
	}
	err := s.pad()
	if err == nil {
		err = s.writer.Flush()
	}
	err = multierr.Append(err, s.writer.Close())
	s.writer = nil
	return err
}

// openAt replaces the writer by one whose cursor is exactly target. An
// unaligned target has the persisted head of its page rewritten first.
func (s *Stream) openAt(target int64) error {
	if err := s.closeWriter(); err != nil {
		return err
	}
	start := utils.AlignDown(target, s.pageSize)
	w, err := s.store.OpenWriter(s.ctx, s.name, start, object.WriterOptions{BufferSize: s.conf.WriterBuffer})
	if err != nil {
		return errors.Wrapf(err, "reopen %s at %d", s.name, start)
	}
	s.writer, s.cursor = w, start
	if start == target {
		return nil
	}
	p := AllocPage(int(target - start))
	defer p.Release()
	if err = s.readBack(start, p.Data); err != nil {
		return err
	}
	if _, err = w.Write(p.Data); err != nil {
		return err
	}
	s.cursor = target
	return nil
}

// grow resizes the object so that need bytes fit, multiplying the capacity
// by the resize factor as many times as required.
func (s *Stream) grow(need int64) error {
	capacity := s.capacity
	for capacity < need {
		next := utils.AlignUp(int64(math.Ceil(float64(capacity)*s.conf.ResizeFactor)), s.pageSize)
		if next <= capacity {
			next = capacity + s.pageSize
		}
		capacity = next
	}
	if err := s.closeWriter(); err != nil {
		return err
	}
	if err := s.store.Resize(s.ctx, s.name, capacity); err != nil {
		return errors.Wrapf(err, "grow %s to %d", s.name, capacity)
	}
	logger.Debugf("Grew %s from %d to %d", s.name, s.capacity, capacity)
	s.capacity = capacity
	return nil
}

func (s *Stream) resolveSeek() {
	if s.pending.set {
		s.position = s.pending.offset
		s.pending = seekTarget{}
	}
}

// Write writes p at the logical position.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.err != nil {
		return 0, s.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !s.opened {
		if err := s.open(); err != nil {
			return 0, s.fail(err)
		}
	}
	s.resolveSeek()
	need := s.size
	if s.position > need {
		need = s.position
	}
	need += int64(len(p))
	if need > s.capacity {
		if err := s.grow(need); err != nil {
			return 0, s.fail(err)
		}
	}
	if s.writer == nil || s.position != s.cursor {
		if err := s.openAt(s.position); err != nil {
			return 0, s.fail(err)
		}
	}

	var n int
	for n < len(p) {
		chunk := p[n:]
		if len(chunk) > s.conf.BufferSize {
			chunk = chunk[:s.conf.BufferSize]
		}
		m, err := s.writer.Write(chunk)
		n += m
		s.cursor += int64(m)
		if err != nil {
			s.advance(n)
			return n, s.fail(errors.Wrapf(err, "write %s at %d", s.name, s.cursor))
		}
	}
	s.advance(n)
	return n, nil
}

func (s *Stream) advance(n int) {
	s.position += int64(n)
	if s.position > s.size {
		s.size = s.position
	}
}

// Seek records a new logical position; the writer is moved lazily by the
// next Write.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.Position() + offset
	case io.SeekEnd:
		target = s.size + offset
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}
	if target < 0 {
		return 0, ErrNegativeOffset
	}
	if target == s.position {
		s.pending = seekTarget{}
	} else {
		s.pending = seekTarget{offset: target, set: true}
	}
	return target, nil
}

// Flush pads the page under the writer cursor and persists everything
// written so far. At the end of the data the logical position moves to the
// page boundary past the padding, while Size keeps counting data bytes only.
func (s *Stream) Flush() error {
	if s.closed {
		return ErrClosed
	}
	if s.err != nil {
		return s.err
	}
	s.resolveSeek()
	if s.writer == nil {
		return nil
	}
	atEnd := s.position == s.size
	if atEnd && s.cursor != s.position && s.position%s.pageSize != 0 {
		if err := s.openAt(s.position); err != nil {
			return s.fail(err)
		}
	}
	if err := s.pad(); err != nil {
		return s.fail(err)
	}
	if atEnd && s.cursor == utils.AlignUp(s.position, s.pageSize) {
		s.position = s.cursor
	}
	if err := s.writer.Flush(); err != nil {
		return s.fail(errors.Wrapf(err, "flush %s", s.name))
	}
	return nil
}

// Close flushes, releases the writer and shrinks the object to the smallest
// page multiple holding Size bytes. Calling Close again is a no-op.
func (s *Stream) Close() (err error) {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.opened {
		return nil
	}
	if s.err != nil {
		if s.writer != nil {
			_ = s.writer.Close()
			s.writer = nil
		}
		return s.err
	}
	defer func() {
		if err != nil {
			s.fail(err)
		}
	}()
	s.resolveSeek()
	if err = s.closeWriter(); err != nil {
		return err
	}
	if final := utils.AlignUp(s.size, s.pageSize); final != s.capacity {
		if err = s.store.Resize(s.ctx, s.name, final); err != nil {
			return errors.Wrapf(err, "shrink %s to %d", s.name, final)
		}
		logger.Debugf("Shrank %s from %d to %d", s.name, s.capacity, final)
		s.capacity = final
	}
	return nil
}
