// Package osem maps Go object graphs onto a bleve backed search engine
// through sessions and transactions.
package osem

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sha1n/osem/internal/cache"
	"github.com/sha1n/osem/internal/config"
	"github.com/sha1n/osem/internal/engine"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/marshall"
	"github.com/sha1n/osem/internal/transaction"
)

// ErrFactoryClosed is returned when opening a session on a closed factory.
var ErrFactoryClosed = errors.New("session factory is closed")

// NewRegistry creates an empty mapping registry honoring the marshall
// settings of s.
func NewRegistry(s *config.Settings, opts ...mapping.Option) *mapping.Registry {
	if s != nil && s.Marshall.MaxDepth > 0 {
		opts = append([]mapping.Option{mapping.WithDefaultMaxDepth(s.Marshall.MaxDepth)}, opts...)
	}
	return mapping.NewRegistry(opts...)
}

// SessionFactory owns the search engine and the shared caches. It is safe
// for concurrent use; the sessions it opens are not.
type SessionFactory struct {
	settings   *config.Settings
	reg        *mapping.Registry
	engine     *engine.Engine
	marshaller *marshall.Engine
	policy     transaction.CreatePolicy
	tx         transaction.Factory
	shared     *cache.Shared

	stopSweeper context.CancelFunc
	sweeperDone sync.WaitGroup
	closed      atomic.Bool
}

// Open builds reg unless already built, opens the search engine it
// describes and returns a factory of sessions. A nil s uses config.Defaults.
func Open(ctx context.Context, s *config.Settings, reg *mapping.Registry) (*SessionFactory, error) {
	if s == nil {
		s = config.Defaults()
	}
	if err := config.ValidateSettings(s); err != nil {
		return nil, errs.Configuration("open", "", "%v", err)
	}
	policy, err := transaction.ParseCreatePolicy(s.Transaction.CreatePolicy)
	if err != nil {
		return nil, err
	}
	if err := reg.Build(); err != nil {
		return nil, err
	}

	f := &SessionFactory{
		settings:   s,
		reg:        reg,
		marshaller: marshall.New(reg, marshall.Options{FilterDuplicates: s.Marshall.FilterDuplicates}),
		policy:     policy,
	}

	opts := engine.Options{
		Dir:                s.Index.Dir,
		ReadOnly:           s.Index.ReadOnly,
		LockTimeout:        s.Index.LockTimeout,
		MaxParallelCommits: s.Index.MaxParallelCommits,
	}
	if s.Cache.Shared {
		f.shared = cache.NewShared(cache.GenerationFunc(func(sub string) uint64 {
			return f.engine.Generation(sub)
		}))
		opts.Cache = f.shared
	}

	f.engine, err = engine.Open(ctx, opts, reg)
	if err != nil {
		return nil, err
	}
	f.tx, err = transaction.NewFactory(s.Transaction.Isolation, f.engine, policy)
	if err != nil {
		_ = f.engine.Close()
		return nil, err
	}

	if f.shared != nil {
		f.engine.OnCommit(func(subs []string) {
			for _, sub := range subs {
				f.shared.Invalidate(sub)
			}
		})
		sweepCtx, cancel := context.WithCancel(context.Background())
		f.stopSweeper = cancel
		f.sweeperDone.Add(1)
		go func() {
			defer f.sweeperDone.Done()
			cache.NewSweeper(f.shared, s.Cache.InvalidationInterval).Run(sweepCtx)
		}()
	}

	slog.Info("Session factory opened",
		"isolation", s.Transaction.Isolation,
		"create_policy", policy,
		"first_level_cache", s.Cache.FirstLevel,
		"shared_cache", s.Cache.Shared,
		"aliases", len(reg.RootAliases()))
	return f, nil
}

// Settings returns the settings the factory was opened with.
func (f *SessionFactory) Settings() *config.Settings { return f.settings }

// Registry returns the mapping registry.
func (f *SessionFactory) Registry() *mapping.Registry { return f.reg }

// Engine returns the search engine facade.
func (f *SessionFactory) Engine() *engine.Engine { return f.engine }

// Marshaller returns the marshalling engine shared by every session.
func (f *SessionFactory) Marshaller() *marshall.Engine { return f.marshaller }

// SharedCache returns the cross-session resource cache, nil when disabled.
func (f *SessionFactory) SharedCache() *cache.Shared { return f.shared }

// Close stops the cache sweeper and closes the search engine. Sessions still
// open fail afterwards.
func (f *SessionFactory) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	if f.stopSweeper != nil {
		f.stopSweeper()
		f.sweeperDone.Wait()
	}
	err := f.engine.Close()
	slog.Info("Session factory closed")
	return err
}

// SessionOption customizes one session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	isolation  string
	firstLevel string
}

// WithIsolation runs the transactions of the session on the named processor
// instead of the configured one.
func WithIsolation(name string) SessionOption {
	return func(c *sessionConfig) { c.isolation = name }
}

// WithFirstLevelCache selects the first level cache strategy of the session.
func WithFirstLevelCache(name string) SessionOption {
	return func(c *sessionConfig) { c.firstLevel = name }
}

// OpenSession opens a session with its own first level cache.
func (f *SessionFactory) OpenSession(opts ...SessionOption) (*Session, error) {
	if f.closed.Load() {
		return nil, errs.SearchEngine("open session", ErrFactoryClosed)
	}
	cfg := sessionConfig{firstLevel: f.settings.Cache.FirstLevel}
	for _, opt := range opts {
		opt(&cfg)
	}

	tx := f.tx
	if cfg.isolation != "" && cfg.isolation != tx.Name() {
		var err error
		if tx, err = transaction.NewFactory(cfg.isolation, f.engine, f.policy); err != nil {
			return nil, err
		}
	}
	fl, err := cache.NewFirstLevel(cfg.firstLevel)
	if err != nil {
		return nil, err
	}
	return newSession(f, tx, fl), nil
}
