package loader

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
)

// DefaultCacheSize is the number of executables kept by NewCache when
// size is not positive.
const DefaultCacheSize = 256

// Cache memoises loaded executables by the blake3 digest of their ELF
// bytes. Cached programs are shared and must not be modified.
type Cache struct {
	loader *Loader
	lru    *lru.Cache

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache wraps loader with an LRU of the given size.
func NewCache(loader *Loader, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{loader: loader, lru: c}, nil
}

// Load returns the cached executable for elf, loading it on a miss.
// Load failures are not cached.
func (c *Cache) Load(elf []byte) (*sbpf.Program, error) {
	key := blake3.Sum256(elf)
	if v, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return v.(*sbpf.Program), nil
	}
	c.misses.Add(1)
	prog, err := c.loader.Load(elf)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, prog)
	return prog, nil
}

// Len returns the number of cached executables.
func (c *Cache) Len() int { return c.lru.Len() }

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
