// pkg/meta/tkv_pebble.go

package meta

import (
	"encoding/binary"
	"sync"

	"SecCam/pkg/utils"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

func init() {
	Register("pebble", newPebbleMeta)
}

// newPebbleMeta opens an embedded index stored in the directory addr.
func newPebbleMeta(driver, addr string, conf *Config) (Meta, error) {
	opts := &pebble.Options{ReadOnly: conf.ReadOnly, Logger: utils.GetLogger("pebble")}
	db, err := pebble.Open(addr, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", addr)
	}
	return newKVMeta(&pebbleKV{db: db}, conf), nil
}

type pebbleKV struct {
	mu sync.Mutex // serializes incr
	db *pebble.DB
}

func (c *pebbleKV) name() string {
	return "pebble"
}

func (c *pebbleKV) get(key string) ([]byte, error) {
	val, closer, err := c.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

func (c *pebbleKV) set(key string, value []byte) error {
	return c.db.Set([]byte(key), value, pebble.Sync)
}

func (c *pebbleKV) delete(keys ...string) error {
	b := c.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		if err := b.Delete([]byte(k), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (c *pebbleKV) scan(prefix string, handler func(key string, value []byte) bool) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if !handler(string(iter.Key()), append([]byte{}, iter.Value()...)) {
			break
		}
	}
	return iter.Close()
}

func (c *pebbleKV) incr(key string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.get(key)
	if err != nil {
		return 0, err
	}
	var n uint64
	if len(v) == 8 {
		n = binary.BigEndian.Uint64(v)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return n, c.set(key, buf)
}

func (c *pebbleKV) close() error {
	return c.db.Close()
}
