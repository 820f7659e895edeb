// pkg/pagestream/stream_test.go

package pagestream

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"

	"SecCam/pkg/object"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = object.DefaultPageSize

// countingStore records resize calls and can be told to fail them.
type countingStore struct {
	object.PageStore
	resizes   []int64
	resizeErr error
}

func (c *countingStore) Resize(ctx context.Context, key string, capacity int64) error {
	c.resizes = append(c.resizes, capacity)
	if c.resizeErr != nil {
		return c.resizeErr
	}
	return c.PageStore.Resize(ctx, key, capacity)
}

func newStore() *countingStore {
	return &countingStore{PageStore: object.NewMemStore("test", page)}
}

func testConfig(initial int64) *Config {
	return &Config{InitialSize: initial, ResizeFactor: 2, BufferSize: 100, WriterBuffer: 2 * page}
}

func fill(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%253)
	}
	return b
}

func readObject(t *testing.T, store object.PageStore, name string, n int64) []byte {
	data, err := object.ReadAll(context.Background(), store, name, 0, n)
	require.NoError(t, err)
	return data
}

func capacityOf(t *testing.T, store object.PageStore, name string) int64 {
	o, err := store.Head(context.Background(), name)
	require.NoError(t, err)
	return o.Size
}

func TestRoundTrip(t *testing.T) {
	store := newStore()
	s := New(context.Background(), store, "rt", testConfig(page))
	rng := rand.New(rand.NewSource(42))
	var model []byte
	for i := 0; i < 200; i++ {
		if len(model) > 0 && rng.Intn(3) == 0 {
			off := rng.Int63n(int64(len(model)) + 1)
			pos, err := s.Seek(off, io.SeekStart)
			require.NoError(t, err)
			require.Equal(t, off, pos)
		}
		if rng.Intn(10) == 0 {
			require.NoError(t, s.Flush())
		}
		data := fill(1+rng.Intn(700), byte(i))
		pos := s.Position()
		n, err := s.Write(data)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
		if end := int(pos) + len(data); end > len(model) {
			model = append(model, make([]byte, end-len(model))...)
		}
		copy(model[pos:], data)
		require.Equal(t, int64(len(model)), s.Size())
	}
	require.NoError(t, s.Close())
	assert.Equal(t, model, readObject(t, store, "rt", int64(len(model))))
}

func TestPageQuantization(t *testing.T) {
	for _, n := range []int{1, 100, page - 1, page, page + 1, 3*page + 17, 10 * page} {
		store := newStore()
		s := New(context.Background(), store, "q", testConfig(2*page))
		_, err := s.Write(fill(n, 3))
		require.NoError(t, err)
		require.NoError(t, s.Close())
		c := capacityOf(t, store, "q")
		assert.Zero(t, c%page, "size %d", n)
		assert.GreaterOrEqual(t, c, int64(n))
		assert.Less(t, c-int64(n), int64(page))
	}
}

func TestMinimalGrowth(t *testing.T) {
	store := newStore()
	s := New(context.Background(), store, "one", testConfig(8*page))
	_, err := s.Write(fill(page, 1))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, int64(page), capacityOf(t, store, "one"))
	assert.Equal(t, []int64{page}, store.resizes)
}

func TestOverwritePreservation(t *testing.T) {
	store := newStore()
	s := New(context.Background(), store, "ow", testConfig(8*page))
	orig := fill(2000, 9)
	_, err := s.Write(orig)
	require.NoError(t, err)
	end := s.Position()

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	head := bytes.Repeat([]byte{0xaa}, 10)
	_, err = s.Write(head)
	require.NoError(t, err)
	_, err = s.Seek(end, io.SeekStart)
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	assert.Equal(t, int64(2048), s.Position())
	require.NoError(t, s.Close())

	want := append(append([]byte{}, head...), orig[10:]...)
	assert.Equal(t, want, readObject(t, store, "ow", 2000))
	assert.Equal(t, int64(2000), s.Size())
}

func TestFlushPadsToPageBoundary(t *testing.T) {
	store := newStore()
	s := New(context.Background(), store, "fl", testConfig(4*page))
	_, err := s.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	assert.Equal(t, int64(page), s.Position())
	assert.Equal(t, int64(3), s.Size())

	// flushing an aligned position adds nothing
	require.NoError(t, s.Flush())
	assert.Equal(t, int64(page), s.Position())

	_, err = s.Write([]byte("def"))
	require.NoError(t, err)
	assert.Equal(t, int64(page+3), s.Size())
	require.NoError(t, s.Flush())
	assert.Equal(t, int64(2*page), s.Position())
	require.NoError(t, s.Close())

	want := make([]byte, page+3)
	copy(want, "abc")
	copy(want[page:], "def")
	assert.Equal(t, want, readObject(t, store, "fl", page+3))
	assert.Equal(t, int64(2*page), capacityOf(t, store, "fl"))
}

func TestFlushInsideDataKeepsPosition(t *testing.T) {
	store := newStore()
	s := New(context.Background(), store, "mid", testConfig(4*page))
	orig := fill(700, 5)
	_, err := s.Write(orig)
	require.NoError(t, err)
	_, err = s.Seek(100, io.SeekStart)
	require.NoError(t, err)
	_, err = s.Write([]byte("xyz"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	assert.Equal(t, int64(103), s.Position())
	assert.Equal(t, int64(700), s.Size())
	require.NoError(t, s.Close())

	want := append([]byte{}, orig...)
	copy(want[100:], "xyz")
	assert.Equal(t, want, readObject(t, store, "mid", 700))
}

func TestGrowthTrigger(t *testing.T) {
	store := newStore()
	s := New(context.Background(), store, "g", testConfig(2*page))
	first := fill(1000, 1)
	_, err := s.Write(first)
	require.NoError(t, err)
	assert.Empty(t, store.resizes)

	second := fill(100, 2)
	_, err = s.Write(second)
	require.NoError(t, err)
	assert.Equal(t, []int64{4 * page}, store.resizes)
	assert.Equal(t, int64(4*page), s.Capacity())

	require.NoError(t, s.Close())
	assert.Equal(t, []int64{4 * page, 3 * page}, store.resizes)
	assert.Equal(t, append(first, second...), readObject(t, store, "g", 1100))
}

func TestGrowthRepeatsFactorUntilFit(t *testing.T) {
	store := newStore()
	s := New(context.Background(), store, "big", testConfig(page))
	_, err := s.Write(fill(5*page, 4))
	require.NoError(t, err)
	assert.Equal(t, []int64{8 * page}, store.resizes)
	require.NoError(t, s.Close())
	assert.Equal(t, int64(5*page), capacityOf(t, store, "big"))
}

func TestGrowthRoundsToPage(t *testing.T) {
	store := newStore()
	conf := testConfig(2 * page)
	conf.ResizeFactor = 1.3
	s := New(context.Background(), store, "r", conf)
	_, err := s.Write(fill(2*page+1, 5))
	require.NoError(t, err)
	// ceil(1024*1.3) = 1332, rounded up to 1536
	assert.Equal(t, []int64{3 * page}, store.resizes)
	require.NoError(t, s.Close())
}

func TestUnalignedSeek(t *testing.T) {
	store := newStore()
	s := New(context.Background(), store, "u", testConfig(4*page))
	orig := fill(1000, 6)
	_, err := s.Write(orig)
	require.NoError(t, err)
	pos, err := s.Seek(-300, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(700), pos)
	assert.Equal(t, int64(700), s.Position())
	_, err = s.Write(bytes.Repeat([]byte{1}, 100))
	require.NoError(t, err)
	_, err = s.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	_, err = s.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	want := append([]byte{}, orig...)
	copy(want[700:], bytes.Repeat([]byte{1}, 100))
	want = append(want, "tail"...)
	assert.Equal(t, want, readObject(t, store, "u", int64(len(want))))
}

func TestSeekValidation(t *testing.T) {
	s := New(context.Background(), newStore(), "v", nil)
	_, err := s.Seek(-1, io.SeekStart)
	assert.Equal(t, ErrNegativeOffset, err)
	_, err = s.Seek(0, 7)
	assert.Error(t, err)
	pos, err := s.Seek(10, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)
	pos, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	assert.Equal(t, int64(0), s.Position())
}

func TestLazyOpen(t *testing.T) {
	store := newStore()
	s := New(context.Background(), store, "lazy", testConfig(page))
	_, err := s.Write(nil)
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())
	_, err = store.Head(context.Background(), "lazy")
	assert.True(t, errors.Is(err, object.ErrNotFound))
}

func TestProtocolErrors(t *testing.T) {
	store := newStore()
	s := New(context.Background(), store, "p", testConfig(4*page))
	_, err := s.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, []int64{page}, store.resizes)

	_, err = s.Write([]byte("y"))
	assert.Equal(t, ErrClosed, err)
	_, err = s.Seek(0, io.SeekStart)
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, s.Flush())
}

func TestStickyStoreError(t *testing.T) {
	store := newStore()
	store.resizeErr = errors.New("quota exceeded")
	s := New(context.Background(), store, "f", testConfig(page))
	_, err := s.Write(fill(page, 1))
	require.NoError(t, err)
	_, err = s.Write([]byte("overflow"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	_, again := s.Write([]byte("more"))
	assert.Equal(t, err, again)
	assert.Equal(t, err, s.Flush())
	assert.Equal(t, err, s.Close())
	assert.Nil(t, s.Close())
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(ctx, newStore(), "c", testConfig(page))
	_, err := s.Write(fill(2*page, 1))
	assert.True(t, errors.Is(err, context.Canceled), "%v", err)
	_ = s.Close()
}

func TestEncryptedStream(t *testing.T) {
	inner := object.NewMemStore("enc", page)
	store, err := object.NewEncrypted(inner, object.DeriveKey("pass", []byte("salt")))
	require.NoError(t, err)
	s := New(context.Background(), store, "e", testConfig(page))
	orig := fill(1500, 8)
	_, err = s.Write(orig)
	require.NoError(t, err)
	_, err = s.Seek(600, io.SeekStart)
	require.NoError(t, err)
	_, err = s.Write([]byte("patch"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	copy(orig[600:], "patch")
	assert.Equal(t, orig, readObject(t, store, "e", 1500))
}
