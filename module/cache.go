package module

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/chazu/kernelize/pkg/codegen"
)

// RequestKey identifies a translation request: the same image, target and
// method selection map to the same key.
func RequestKey(imageName string, d codegen.Dialect, arch string, methods []string) string {
	sel := append([]string(nil), methods...)
	sort.Strings(sel)
	h := xxh3.HashString128(imageName + "\x00" + string(d) + "\x00" + arch + "\x00" + strings.Join(sel, "\x00"))
	b := h.Bytes()
	return hex.EncodeToString(b[:])
}

// Cache holds modules by checksum. Lookups are safe for concurrent use;
// callers serialize population when several goroutines may translate the
// same request. A Cache without a store lives only in memory.
type Cache struct {
	mu       sync.RWMutex
	modules  map[string]*KernelModule
	requests map[string]string
	store    Store
	compress bool
}

// NewCache creates a cache backed by store, which may be nil.
func NewCache(store Store) *Cache {
	return &Cache{
		modules:  make(map[string]*KernelModule),
		requests: make(map[string]string),
		store:    store,
		compress: true,
	}
}

// Get returns the module with the given hex checksum.
func (c *Cache) Get(ctx context.Context, checksum string) (*KernelModule, error) {
	c.mu.RLock()
	m, ok := c.modules[checksum]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}
	if c.store == nil {
		return nil, ErrNotCached
	}
	data, err := c.store.Get(ctx, checksum)
	if err != nil {
		return nil, err
	}
	m, err = Deserialize(data)
	if err != nil {
		return nil, err
	}
	if m.ChecksumHex() != checksum {
		return nil, ErrChecksumMismatch
	}
	c.mu.Lock()
	c.modules[checksum] = m
	c.mu.Unlock()
	return m, nil
}

// Lookup returns the module last stored for a request key.
func (c *Cache) Lookup(ctx context.Context, key string) (*KernelModule, error) {
	c.mu.RLock()
	sum, ok := c.requests[key]
	c.mu.RUnlock()
	if !ok {
		if c.store == nil {
			return nil, ErrNotCached
		}
		var err error
		if sum, err = c.store.Resolve(ctx, key); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.requests[key] = sum
		c.mu.Unlock()
	}
	return c.Get(ctx, sum)
}

// Put records m under its checksum and, when key is not empty, as the
// module for that request.
func (c *Cache) Put(ctx context.Context, key string, m *KernelModule) error {
	sum := m.ChecksumHex()
	if c.store != nil {
		data, err := Serialize(m, c.compress)
		if err != nil {
			return err
		}
		if err := c.store.Put(ctx, key, m, data); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.modules[sum] = m
	if key != "" {
		c.requests[key] = sum
	}
	c.mu.Unlock()
	return nil
}

// Invalidate drops the module with the given checksum.
func (c *Cache) Invalidate(ctx context.Context, checksum string) error {
	c.mu.Lock()
	delete(c.modules, checksum)
	for k, s := range c.requests {
		if s == checksum {
			delete(c.requests, k)
		}
	}
	c.mu.Unlock()
	if c.store != nil {
		return c.store.Delete(ctx, checksum)
	}
	return nil
}

// List describes the cached modules.
func (c *Cache) List(ctx context.Context) ([]Record, error) {
	if c.store != nil {
		return c.store.List(ctx)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.modules))
	for sum, m := range c.modules {
		out = append(out, Record{Checksum: sum, Name: m.Name, Dialect: string(m.Dialect), Arch: m.Arch, Size: len(m.Binary) + len(m.Source)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Checksum < out[j].Checksum })
	return out, nil
}

// Clear drops every module.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.modules = make(map[string]*KernelModule)
	c.requests = make(map[string]string)
	c.mu.Unlock()
	if c.store != nil {
		return c.store.Clear(ctx)
	}
	return nil
}

// Close releases the backing store.
func (c *Cache) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

func isMiss(err error) bool {
	return errors.Is(err, ErrNotCached)
}
