// pkg/object/encrypt.go

package object

import (
	"context"
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"SecCam/pkg/utils"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
)

// DeriveKey stretches a passphrase into a 256 bit master key.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, 10000, 32, sha256.New)
}

// encrypted applies AES-256-XTS to every page, using the page number as the
// tweak and a key derived from the master key and the object name. Pages are
// encrypted independently, so a rewritten page never reuses a key stream and
// ciphertext is as long as plaintext. A page whose ciphertext is all zeros
// was never written and reads as zeros.
type encrypted struct {
	PageStore
	key []byte
}

// NewEncrypted returns an encrypted page store
func NewEncrypted(o PageStore, key []byte) (PageStore, error) {
	if _, err := aes.NewCipher(key); err != nil {
		return nil, err
	}
	if o.PageSize()%aes.BlockSize != 0 {
		return nil, errors.Errorf("page size %d is not a multiple of %d", o.PageSize(), aes.BlockSize)
	}
	return &encrypted{o, key}, nil
}

func (e *encrypted) String() string {
	return fmt.Sprintf("%s(encrypted)", e.PageStore)
}

// cipher returns the XTS cipher of the object name.
func (e *encrypted) cipher(name string) (*xts.Cipher, error) {
	mac := hmac.New(sha512.New, e.key)
	mac.Write([]byte(name))
	return xts.NewCipher(aes.NewCipher, mac.Sum(nil))
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

type encWriter struct {
	PageWriter
	c      *xts.Cipher
	sector uint64
	plain  []byte
	out    []byte
}

func (w *encWriter) Write(p []byte) (int, error) {
	var n int
	for len(p) > 0 {
		take := utils.Min(cap(w.plain)-len(w.plain), len(p))
		w.plain = append(w.plain, p[:take]...)
		p = p[take:]
		n += take
		if len(w.plain) < cap(w.plain) {
			break
		}
		w.c.Encrypt(w.out, w.plain, w.sector)
		if _, err := w.PageWriter.Write(w.out); err != nil {
			return n, err
		}
		w.sector++
		w.plain = w.plain[:0]
	}
	return n, nil
}

func (w *encWriter) partial() error {
	if len(w.plain) > 0 {
		return errors.Wrapf(ErrUnaligned, "%d plaintext bytes buffered in page %d", len(w.plain), w.sector)
	}
	return nil
}

func (w *encWriter) Flush() error {
	if err := w.partial(); err != nil {
		return err
	}
	return w.PageWriter.Flush()
}

func (w *encWriter) Close() error {
	err := w.partial()
	if cerr := w.PageWriter.Close(); err == nil {
		err = cerr
	}
	return err
}

// decReader decrypts whole pages and hands out the requested window.
type decReader struct {
	io.ReadCloser
	c       *xts.Cipher
	sector  uint64
	page    []byte
	pending []byte
	skip    int64
	remain  int64
}

func (r *decReader) Read(p []byte) (int, error) {
	if r.remain == 0 {
		return 0, io.EOF
	}
	if len(r.pending) == 0 {
		if _, err := io.ReadFull(r.ReadCloser, r.page); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if !isZero(r.page) {
			r.c.Decrypt(r.page, r.page, r.sector)
		}
		r.sector++
		r.pending = r.page[r.skip:]
		r.skip = 0
		if int64(len(r.pending)) > r.remain {
			r.pending = r.pending[:r.remain]
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	r.remain -= int64(n)
	return n, nil
}

func (e *encrypted) OpenWriter(ctx context.Context, key string, offset int64, opts WriterOptions) (PageWriter, error) {
	c, err := e.cipher(key)
	if err != nil {
		return nil, err
	}
	w, err := e.PageStore.OpenWriter(ctx, key, offset, opts)
	if err != nil {
		return nil, err
	}
	ps := e.PageSize()
	return &encWriter{
		PageWriter: w,
		c:          c,
		sector:     uint64(offset / ps),
		plain:      make([]byte, 0, ps),
		out:        make([]byte, ps),
	}, nil
}

// ReadRange widens the range to whole pages, which is always within the
// page aligned capacity, and returns the requested bytes of it.
func (e *encrypted) ReadRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "read %s [%d, %d)", key, off, off+length)
	}
	c, err := e.cipher(key)
	if err != nil {
		return nil, err
	}
	ps := e.PageSize()
	start := utils.AlignDown(off, ps)
	end := utils.AlignUp(off+length, ps)
	r, err := e.PageStore.ReadRange(ctx, key, start, end-start)
	if err != nil {
		return nil, err
	}
	return &decReader{
		ReadCloser: r,
		c:          c,
		sector:     uint64(start / ps),
		page:       make([]byte, ps),
		skip:       off - start,
		remain:     length,
	}, nil
}

var _ PageStore = &encrypted{}
