// pkg/meta/tkv_mem.go

package meta

import (
	"encoding/binary"
	"sort"
	"sync"
)

func init() {
	Register("mem", newMemMeta)
}

var (
	memLock sync.Mutex
	memDBs  = make(map[string]*memKV)
)

// newMemMeta returns a process local index. Clients opened with the same
// address share the same data.
func newMemMeta(driver, addr string, conf *Config) (Meta, error) {
	memLock.Lock()
	defer memLock.Unlock()
	c, ok := memDBs[addr]
	if !ok {
		c = &memKV{items: make(map[string][]byte)}
		memDBs[addr] = c
	}
	return newKVMeta(c, conf), nil
}

type memKV struct {
	sync.Mutex
	items map[string][]byte
}

func (c *memKV) name() string {
	return "mem"
}

func (c *memKV) get(key string) ([]byte, error) {
	c.Lock()
	defer c.Unlock()
	v, ok := c.items[key]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (c *memKV) set(key string, value []byte) error {
	c.Lock()
	defer c.Unlock()
	c.items[key] = append([]byte{}, value...)
	return nil
}

func (c *memKV) delete(keys ...string) error {
	c.Lock()
	defer c.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func (c *memKV) scan(prefix string, handler func(key string, value []byte) bool) error {
	c.Lock()
	var keys []string
	for k := range c.items {
		if hasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = c.items[k]
	}
	c.Unlock()
	for i, k := range keys {
		if !handler(k, values[i]) {
			break
		}
	}
	return nil
}

func (c *memKV) incr(key string) (uint64, error) {
	c.Lock()
	defer c.Unlock()
	var n uint64
	if v, ok := c.items[key]; ok && len(v) == 8 {
		n = binary.BigEndian.Uint64(v)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	c.items[key] = buf
	return n, nil
}

func (c *memKV) close() error {
	return nil
}
