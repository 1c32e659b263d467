// Package directcache implements an optional fast path: a small shared
// lookup cache of the most recently resolved (fd, fpage) -> (frame_id,
// epoch) hints, consulted before the full page-table + pin path. A hit
// still re-validates the PTE's identity and epoch before trusting the
// pointer, since pointer-stable PTE references are only safe to reuse
// when epoch-validated on every hit.
package directcache

import (
	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"

	"bufferpool/diskio"
	"bufferpool/pagetable"
)

// hint is the cached value: which frame last served this key, and the
// epoch it was installed at.
type hint struct {
	frame pagetable.FrameID
	epoch uint64
}

// key packs (fd, fpage) into ristretto's required comparable key type.
type key struct {
	fd    uint32
	fpage uint64
}

// Cache is a bounded, concurrent hint cache backed by ristretto. It
// never holds pins itself — it only shortcuts the lookup that precedes
// a pin attempt.
type Cache struct {
	store *ristretto.Cache[key, hint]
}

// New builds a cache with room for roughly capacity entries. A
// capacity of zero disables the fast path entirely; callers should
// check Enabled() and skip probing entirely rather than calling into a
// disabled cache on every request.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return &Cache{}, nil
	}
	store, err := ristretto.NewCache(&ristretto.Config[key, hint]{
		NumCounters: int64(capacity) * 10,
		MaxCost:     int64(capacity),
		BufferItems: 64,
		KeyToHash: func(k key) (uint64, uint64) {
			var buf [12]byte
			buf[0], buf[1], buf[2], buf[3] = byte(k.fd), byte(k.fd>>8), byte(k.fd>>16), byte(k.fd>>24)
			for i := 0; i < 8; i++ {
				buf[4+i] = byte(k.fpage >> (8 * i))
			}
			return xxhash.Sum64(buf[:]), 0
		},
	})
	if err != nil {
		return nil, err
	}
	return &Cache{store: store}, nil
}

// Enabled reports whether this cache actually caches anything.
func (c *Cache) Enabled() bool { return c.store != nil }

// Probe returns the cached (frame, epoch) for fd/fpage, if any. The
// caller must still check the PTE's current epoch against the
// returned one before trusting frame.
func (c *Cache) Probe(fd diskio.FileHandle, fpage uint64) (pagetable.FrameID, uint64, bool) {
	if c.store == nil {
		return 0, 0, false
	}
	h, ok := c.store.Get(key{fd: uint32(fd), fpage: fpage})
	if !ok {
		return 0, 0, false
	}
	return h.frame, h.epoch, true
}

// Record installs or updates the hint for fd/fpage after a successful
// full-path resolution.
func (c *Cache) Record(fd diskio.FileHandle, fpage uint64, frame pagetable.FrameID, epoch uint64) {
	if c.store == nil {
		return
	}
	c.store.Set(key{fd: uint32(fd), fpage: fpage}, hint{frame: frame, epoch: epoch}, 1)
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	if c.store != nil {
		c.store.Close()
	}
}
