// pkg/pagestream/page.go

package pagestream

import (
	"sync"
	"sync/atomic"
)

// pools holds one *sync.Pool per buffer size.
var pools sync.Map

func poolFor(size int) *sync.Pool {
	if p, ok := pools.Load(size); ok {
		return p.(*sync.Pool)
	}
	p, _ := pools.LoadOrStore(size, &sync.Pool{New: func() interface{} {
		return make([]byte, size)
	}})
	return p.(*sync.Pool)
}

// Page is a reference counted byte buffer used to move bytes into the store.
type Page struct {
	refs   int32
	pooled bool
	Data   []byte
}

// NewPage wraps data without pooling.
func NewPage(data []byte) *Page {
	return &Page{refs: 1, Data: data}
}

// AllocPage returns a page of size bytes from a shared pool. Its content is
// not zeroed.
func AllocPage(size int) *Page {
	if size <= 0 {
		panic("size of page should > 0")
	}
	return &Page{refs: 1, pooled: true, Data: poolFor(size).Get().([]byte)}
}

// Acquire increase the refcount
func (p *Page) Acquire() {
	atomic.AddInt32(&p.refs, 1)
}

// Release decreases the refcount and recycles the buffer at zero.
func (p *Page) Release() {
	if atomic.AddInt32(&p.refs, -1) == 0 {
		if p.pooled {
			poolFor(len(p.Data)).Put(p.Data) // nolint:staticcheck
		}
		p.Data = nil
	}
}
