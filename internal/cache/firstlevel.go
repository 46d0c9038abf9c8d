// Package cache holds the per-session identity map and the cross-session
// cache of committed resources.
package cache

import (
	"maps"
	"sync"

	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/resource"
)

// First level cache strategies.
const (
	StrategyPlain   = "plain"
	StrategyDefault = "default"
)

// FirstLevel is the identity map of one session. Entries are never shared
// between sessions.
type FirstLevel interface {
	Get(key resource.Key) (any, bool)
	Put(key resource.Key, obj any)
	Evict(key resource.Key)
	// EvictAlias removes every entry of one alias.
	EvictAlias(alias string)
	EvictAll()
	Len() int
}

// NewFirstLevel creates a first level cache of the named strategy. An empty
// name selects the default strategy.
func NewFirstLevel(name string) (FirstLevel, error) {
	switch name {
	case StrategyPlain:
		return NewPlain(), nil
	case "", StrategyDefault:
		return NewDefault(), nil
	}
	return nil, errs.Configuration("cache", "", "unknown first level cache strategy %q", name)
}

// Plain keeps every entry in one map keyed by UID.
type Plain struct {
	mu      sync.Mutex
	entries map[string]plainEntry
}

type plainEntry struct {
	alias string
	obj   any
}

// NewPlain creates an empty Plain cache.
func NewPlain() *Plain {
	return &Plain{entries: make(map[string]plainEntry)}
}

func (c *Plain) Get(key resource.Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.UID()]
	return e.obj, ok
}

func (c *Plain) Put(key resource.Key, obj any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.UID()] = plainEntry{alias: key.Alias, obj: obj}
}

func (c *Plain) Evict(key resource.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.UID())
}

// EvictAlias scans every entry.
func (c *Plain) EvictAlias(alias string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.DeleteFunc(c.entries, func(_ string, e plainEntry) bool { return e.alias == alias })
}

func (c *Plain) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *Plain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Default buckets entries per alias, so evicting or counting one alias does
// not touch the others.
type Default struct {
	mu      sync.Mutex
	buckets map[string]map[string]any
	size    int
}

// NewDefault creates an empty Default cache.
func NewDefault() *Default {
	return &Default{buckets: make(map[string]map[string]any)}
}

func idsKey(key resource.Key) string {
	return resource.UID("", key.IDs...)
}

func (c *Default) Get(key resource.Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.buckets[key.Alias][idsKey(key)]
	return v, ok
}

func (c *Default) Put(key resource.Key, obj any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key.Alias]
	if !ok {
		b = make(map[string]any)
		c.buckets[key.Alias] = b
	}
	k := idsKey(key)
	if _, exists := b[k]; !exists {
		c.size++
	}
	b[k] = obj
}

func (c *Default) Evict(key resource.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key.Alias]
	if !ok {
		return
	}
	k := idsKey(key)
	if _, exists := b[k]; exists {
		delete(b, k)
		c.size--
	}
	if len(b) == 0 {
		delete(c.buckets, key.Alias)
	}
}

func (c *Default) EvictAlias(alias string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size -= len(c.buckets[alias])
	delete(c.buckets, alias)
}

func (c *Default) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.buckets)
	c.size = 0
}

func (c *Default) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
