// Package symbols caches the address to symbol lookups of a traced
// process.
package symbols

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/flxtrace/flxtrace/pkg/logflags"
	"github.com/flxtrace/flxtrace/pkg/proc"
)

// DefaultCacheSize is the number of addresses remembered when the
// configuration does not say otherwise.
const DefaultCacheSize = 4096

type symbol struct {
	lib, name string
	ok        bool
}

// Cache is a proc.SymbolResolver remembering the most recent lookups of
// the resolver it wraps. Unresolvable addresses are remembered too. The
// cache is emptied whenever a library is loaded, since a new image can
// make any address resolvable.
type Cache struct {
	backend proc.SymbolResolver
	cache   *lru.Cache

	hits, misses uint64
}

// New returns a cache of size entries in front of backend.
func New(backend proc.SymbolResolver, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("could not create symbol cache: %w", err)
	}
	return &Cache{backend: backend, cache: cache}, nil
}

func (c *Cache) LoadLibraryImage(name string, base uint64) error {
	if err := c.backend.LoadLibraryImage(name, base); err != nil {
		return err
	}
	c.cache.Purge()
	if logflags.Symbols() {
		logflags.SymbolsLogger().Debugf("loaded %s at %#x", name, base)
	}
	return nil
}

func (c *Cache) ResolveAddress(addr uint64) (lib, name string, ok bool) {
	if v, found := c.cache.Get(addr); found {
		c.hits++
		sym := v.(symbol)
		return sym.lib, sym.name, sym.ok
	}
	c.misses++
	lib, name, ok = c.backend.ResolveAddress(addr)
	c.cache.Add(addr, symbol{lib: lib, name: name, ok: ok})
	return lib, name, ok
}

func (c *Cache) ProcAddress(lib, name string) (uint64, bool) {
	return c.backend.ProcAddress(lib, name)
}

// Stats returns the number of lookups answered from the cache and the
// number forwarded to the wrapped resolver.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits, c.misses
}

// Len returns the number of cached addresses.
func (c *Cache) Len() int {
	return c.cache.Len()
}
