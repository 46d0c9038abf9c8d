package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sha1n/osem/internal/resource"
)

// Generations reports the current commit generation of a sub-index.
type Generations interface {
	Generation(sub string) uint64
}

// GenerationFunc adapts a function to Generations.
type GenerationFunc func(sub string) uint64

func (f GenerationFunc) Generation(sub string) uint64 { return f(sub) }

type sharedEntry struct {
	res *resource.Resource
	sub string
	gen uint64
}

// Shared caches committed resources across sessions. Every entry is tagged
// with the generation of its sub-index at load time and is served only while
// that generation is current.
type Shared struct {
	entries *xsync.MapOf[string, sharedEntry]
	gens    Generations
}

// NewShared creates an empty shared cache validated against gens.
func NewShared(gens Generations) *Shared {
	return &Shared{
		entries: xsync.NewMapOf[string, sharedEntry](),
		gens:    gens,
	}
}

// Get returns a copy of the resource cached under uid. Stale entries are
// dropped and reported as misses.
func (s *Shared) Get(uid string) (*resource.Resource, bool) {
	e, ok := s.entries.Load(uid)
	if !ok {
		return nil, false
	}
	if e.gen != s.gens.Generation(e.sub) {
		s.entries.Delete(uid)
		return nil, false
	}
	return e.res.Clone(), true
}

// Put caches a copy of res, loaded from sub-index sub at generation gen.
func (s *Shared) Put(uid, sub string, gen uint64, res *resource.Resource) {
	if gen != s.gens.Generation(sub) {
		return
	}
	s.entries.Store(uid, sharedEntry{res: res.Clone(), sub: sub, gen: gen})
}

// Evict removes the entry cached under uid.
func (s *Shared) Evict(uid string) {
	s.entries.Delete(uid)
}

// Invalidate removes every entry of sub-index sub.
func (s *Shared) Invalidate(sub string) int {
	n := 0
	s.entries.Range(func(uid string, e sharedEntry) bool {
		if e.sub == sub {
			s.entries.Delete(uid)
			n++
		}
		return true
	})
	return n
}

// Sweep removes every stale entry and returns how many were removed.
func (s *Shared) Sweep() int {
	n := 0
	s.entries.Range(func(uid string, e sharedEntry) bool {
		if e.gen != s.gens.Generation(e.sub) {
			s.entries.Delete(uid)
			n++
		}
		return true
	})
	return n
}

// Clear empties the cache.
func (s *Shared) Clear() {
	s.entries.Clear()
}

// Len returns the number of cached entries, stale ones included.
func (s *Shared) Len() int {
	return s.entries.Size()
}

// Sweeper periodically removes stale entries from a shared cache.
type Sweeper struct {
	cache    *Shared
	interval time.Duration
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(cache *Shared, interval time.Duration) *Sweeper {
	return &Sweeper{cache: cache, interval: interval}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.cache.Sweep(); n > 0 {
				slog.Debug("Swept stale cache entries", "count", n, "remaining", s.cache.Len())
			}
		}
	}
}
