package osem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/google/uuid"

	"github.com/sha1n/osem/internal/cache"
	"github.com/sha1n/osem/internal/engine"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/marshall"
	"github.com/sha1n/osem/internal/resource"
	"github.com/sha1n/osem/internal/transaction"
)

var (
	// ErrSessionClosed is returned by every operation on a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNoTransaction is returned by Prepare, Commit and Rollback when no
	// transaction was begun.
	ErrNoTransaction = errors.New("no transaction in progress")

	// ErrTransactionInProgress is returned by Begin while a transaction is
	// open.
	ErrTransactionInProgress = errors.New("transaction already in progress")

	errAmbiguous = errors.New("several resources match the key")
)

// Session is one unit of work: a first level cache and at most one open
// transaction. A session is not safe for concurrent use.
//
// Operations called outside Begin and Commit run in a local transaction
// committed before they return.
type Session struct {
	id     string
	f      *SessionFactory
	tx     transaction.Factory
	cache  cache.FirstLevel
	closed bool

	current transaction.Processor
	// touched holds the keys cached by the running transaction
	touched []resource.Key
	// gens holds the sub-index generations the cache was last checked at
	gens map[string]uint64
}

func newSession(f *SessionFactory, tx transaction.Factory, fl cache.FirstLevel) *Session {
	s := &Session{id: uuid.NewString(), f: f, tx: tx, cache: fl, gens: make(map[string]uint64)}
	for _, sub := range f.engine.SubIndexes() {
		s.gens[sub] = f.engine.Generation(sub)
	}
	slog.Debug("Session opened", "session", s.id, "isolation", tx.Name())
	return s
}

// ID returns the unique id of the session.
func (s *Session) ID() string { return s.id }

// Isolation returns the name of the transaction processor of the session.
func (s *Session) Isolation() string { return s.tx.Name() }

// QueryBuilder returns the builder of session queries.
func (s *Session) QueryBuilder() engine.QueryBuilder { return engine.QueryBuilder{} }

// Cache returns the first level cache of the session.
func (s *Session) Cache() cache.FirstLevel { return s.cache }

func (s *Session) check(op string) error {
	if s.closed || s.f.closed.Load() {
		return errs.SearchEngine(op, ErrSessionClosed)
	}
	return nil
}

// refresh evicts the cached objects of every sub-index committed to since
// the last check, by this session or any other.
func (s *Session) refresh() {
	for _, sub := range s.f.engine.SubIndexes() {
		g := s.f.engine.Generation(sub)
		if s.gens[sub] == g {
			continue
		}
		s.gens[sub] = g
		for _, alias := range s.f.reg.Aliases() {
			if s.f.reg.Mapping(alias).SubIndexName() == sub {
				s.cache.EvictAlias(alias)
			}
		}
	}
}

// Begin starts an explicit transaction.
func (s *Session) Begin(ctx context.Context) error {
	if err := s.check("begin"); err != nil {
		return err
	}
	if s.current != nil {
		return errs.SearchEngine("begin", ErrTransactionInProgress)
	}
	s.refresh()
	p := s.tx.New()
	if err := p.Begin(ctx); err != nil {
		return err
	}
	s.current = p
	s.touched = nil
	slog.Debug("Transaction begun", "session", s.id, "tx", p.ID())
	return nil
}

// InTransaction reports whether an explicit transaction is open.
func (s *Session) InTransaction() bool { return s.current != nil }

// Prepare runs the first phase of a two phase commit.
func (s *Session) Prepare(ctx context.Context) error {
	if err := s.check("prepare"); err != nil {
		return err
	}
	if s.current == nil {
		return errs.SearchEngine("prepare", ErrNoTransaction)
	}
	if err := s.current.Prepare(ctx); err != nil {
		s.discard()
		return err
	}
	return nil
}

// Commit commits the explicit transaction, in one phase unless Prepare ran.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.check("commit"); err != nil {
		return err
	}
	p := s.current
	if p == nil {
		return errs.SearchEngine("commit", ErrNoTransaction)
	}
	err := p.Commit(ctx, p.State() != transaction.StatePrepared)
	if err != nil {
		s.discard()
		return err
	}
	s.current, s.touched = nil, nil
	return nil
}

// Rollback discards the explicit transaction and evicts what it cached.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.check("rollback"); err != nil {
		return err
	}
	p := s.current
	if p == nil {
		return errs.SearchEngine("rollback", ErrNoTransaction)
	}
	err := p.Rollback(ctx)
	s.discard()
	return err
}

// discard forgets the current transaction and every object it cached.
func (s *Session) discard() {
	s.evictTouched()
	s.current = nil
}

func (s *Session) evictTouched() {
	for _, key := range s.touched {
		s.cache.Evict(key)
	}
	s.touched = nil
}

// Flush makes pending writes of the explicit transaction visible to its
// reads. It is a no-op without one.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.check("flush"); err != nil {
		return err
	}
	if s.current == nil {
		return nil
	}
	return s.current.Flush(ctx)
}

// FlushCommit commits the pending writes of the given aliases, every alias
// when none is given, and keeps the transaction open. It is a no-op without
// an explicit transaction.
func (s *Session) FlushCommit(ctx context.Context, aliases ...string) error {
	if err := s.check("flush"); err != nil {
		return err
	}
	if s.current == nil {
		return nil
	}
	return s.current.FlushCommit(ctx, aliases...)
}

// run calls fn with the explicit transaction, or with a local one that is
// committed when fn succeeds and rolled back otherwise. Objects cached by a
// failed local transaction are evicted.
func (s *Session) run(ctx context.Context, op string, fn func(p transaction.Processor) error) error {
	if err := s.check(op); err != nil {
		return err
	}
	s.refresh()
	if s.current != nil {
		return fn(s.current)
	}

	p := s.tx.New()
	if err := p.Begin(ctx); err != nil {
		return err
	}
	defer func() { s.touched = nil }()
	if err := fn(p); err != nil {
		if rbErr := p.Rollback(ctx); rbErr != nil {
			slog.Error("Local rollback failed", "session", s.id, "tx", p.ID(), "error", rbErr)
		}
		s.evictTouched()
		return err
	}
	if err := p.Commit(ctx, true); err != nil {
		s.evictTouched()
		return err
	}
	return nil
}

// remember caches a written object. Batch inserts cache nothing, their
// writes stay unreadable until committed.
func (s *Session) remember(key resource.Key, obj any) {
	if s.tx.Name() == transaction.BatchInsert {
		return
	}
	s.cache.Put(key, obj)
	s.touched = append(s.touched, key)
}

// aliasOf resolves a target: an alias name, a reflect.Type or a sample
// value of a mapped type.
func (s *Session) aliasOf(target any) (string, error) {
	switch t := target.(type) {
	case nil:
		return "", errs.Configuration("target", "", "target is nil")
	case string:
		if s.f.reg.Mapping(t) == nil {
			return "", errs.UnknownAlias("target", t)
		}
		return t, nil
	case reflect.Type:
		return s.f.reg.AliasFor(t)
	}
	return s.f.reg.AliasFor(reflect.TypeOf(target))
}

// Save creates or overwrites obj and the objects its references cascade
// saves to. The alias is resolved from the type of obj.
func (s *Session) Save(ctx context.Context, obj any) error {
	return s.SaveAlias(ctx, "", obj)
}

// SaveAlias is Save with an explicit alias.
func (s *Session) SaveAlias(ctx context.Context, alias string, obj any) error {
	return s.run(ctx, "save", func(p transaction.Processor) error {
		return s.write(ctx, p, alias, obj, mapping.CascadeSave, map[string]struct{}{})
	})
}

// Create stores obj and the objects its references cascade creates to.
// Under the reject create policy it fails when obj already exists.
func (s *Session) Create(ctx context.Context, obj any) error {
	return s.CreateAlias(ctx, "", obj)
}

// CreateAlias is Create with an explicit alias.
func (s *Session) CreateAlias(ctx context.Context, alias string, obj any) error {
	return s.run(ctx, "create", func(p transaction.Processor) error {
		return s.write(ctx, p, alias, obj, mapping.CascadeCreate, map[string]struct{}{})
	})
}

func (s *Session) write(ctx context.Context, p transaction.Processor, alias string, obj any, op mapping.Cascade, seen map[string]struct{}) error {
	res, err := s.f.marshaller.Marshall(alias, obj)
	if err != nil {
		return err
	}
	key, err := res.Key()
	if err != nil {
		return err
	}
	if _, ok := seen[key.UID()]; ok {
		return nil
	}
	seen[key.UID()] = struct{}{}

	if op == mapping.CascadeCreate {
		err = p.Create(ctx, res)
	} else {
		err = p.Update(ctx, res)
	}
	if err != nil {
		return err
	}
	s.remember(key, obj)

	targets, err := s.f.marshaller.Cascades(res.Alias(), obj, op)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := s.write(ctx, p, t.Key.Alias, t.Object, op, seen); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the object of target stored under id, or nil when there is
// none. id is anything marshall.Engine.IDValues accepts.
func (s *Session) Get(ctx context.Context, target, id any) (any, error) {
	key, err := s.key(target, id)
	if err != nil {
		return nil, err
	}
	if err := s.check("get"); err != nil {
		return nil, err
	}
	s.refresh()
	for _, alias := range s.f.reg.PolyAliases(key.Alias) {
		if obj, ok := s.cache.Get(resource.Key{Alias: alias, IDs: key.IDs}); ok {
			return obj, nil
		}
	}

	var obj any
	err = s.run(ctx, "get", func(p transaction.Processor) error {
		res, err := s.lookup(ctx, p, key)
		if err != nil || res == nil {
			return err
		}
		obj, err = s.unmarshall(ctx, p, res)
		return err
	})
	return obj, err
}

// Load is Get failing with errs.ErrNotFound on a miss.
func (s *Session) Load(ctx context.Context, target, id any) (any, error) {
	obj, err := s.Get(ctx, target, id)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, s.notFound("load", target, id)
	}
	return obj, nil
}

// GetResource returns the stored resource of target under id, or nil.
func (s *Session) GetResource(ctx context.Context, target, id any) (*resource.Resource, error) {
	key, err := s.key(target, id)
	if err != nil {
		return nil, err
	}
	var res *resource.Resource
	err = s.run(ctx, "get", func(p transaction.Processor) error {
		res, err = s.lookup(ctx, p, key)
		return err
	})
	return res, err
}

// LoadResource is GetResource failing with errs.ErrNotFound on a miss.
func (s *Session) LoadResource(ctx context.Context, target, id any) (*resource.Resource, error) {
	res, err := s.GetResource(ctx, target, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, s.notFound("load", target, id)
	}
	return res, nil
}

func (s *Session) notFound(op string, target, id any) error {
	alias, _ := s.aliasOf(target)
	return &errs.Error{Kind: errs.ErrNotFound, Op: op, Alias: alias, Value: id}
}

func (s *Session) key(target, id any) (resource.Key, error) {
	alias, err := s.aliasOf(target)
	if err != nil {
		return resource.Key{}, err
	}
	ids, err := s.f.marshaller.IDValues(alias, id)
	if err != nil {
		return resource.Key{}, err
	}
	return resource.Key{Alias: alias, IDs: ids}, nil
}

// lookup returns the single resource stored under key, nil when none.
func (s *Session) lookup(ctx context.Context, p transaction.Processor, key resource.Key) (*resource.Resource, error) {
	found, err := p.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	}
	return nil, errs.SearchEngine("get", fmt.Errorf("%w: %s matches %d resources", errAmbiguous, key, len(found)))
}

// unmarshall rebuilds res through the first level cache, loading referenced
// roots with p.
func (s *Session) unmarshall(ctx context.Context, p transaction.Processor, res *resource.Resource) (any, error) {
	mc := &marshall.Context{Cache: s.cache}
	mc.Loader = func(alias string, ids []string) (any, error) {
		key := resource.Key{Alias: alias, IDs: ids}
		if obj, ok := s.cache.Get(key); ok {
			return obj, nil
		}
		ref, err := s.lookup(ctx, p, key)
		if err != nil || ref == nil {
			return nil, err
		}
		return s.f.marshaller.Unmarshall(ref, mc)
	}
	return s.f.marshaller.Unmarshall(res, mc)
}

// Delete removes obj and the objects its references cascade deletes to.
func (s *Session) Delete(ctx context.Context, obj any) error {
	return s.run(ctx, "delete", func(p transaction.Processor) error {
		return s.remove(ctx, p, obj, map[string]struct{}{})
	})
}

func (s *Session) remove(ctx context.Context, p transaction.Processor, obj any, seen map[string]struct{}) error {
	key, err := s.f.marshaller.Key("", obj)
	if err != nil {
		return err
	}
	if _, ok := seen[key.UID()]; ok {
		return nil
	}
	seen[key.UID()] = struct{}{}

	targets, err := s.f.marshaller.Cascades(key.Alias, obj, mapping.CascadeDelete)
	if err != nil {
		return err
	}
	if err := p.Delete(ctx, key); err != nil {
		return err
	}
	s.cache.Evict(key)
	for _, t := range targets {
		if err := s.remove(ctx, p, t.Object, seen); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByID removes the object of target stored under id, whichever alias
// of the poly family of target holds it.
func (s *Session) DeleteByID(ctx context.Context, target, id any) error {
	key, err := s.key(target, id)
	if err != nil {
		return err
	}
	return s.run(ctx, "delete", func(p transaction.Processor) error {
		for _, alias := range s.f.reg.PolyAliases(key.Alias) {
			k := resource.Key{Alias: alias, IDs: key.IDs}
			if err := p.Delete(ctx, k); err != nil {
				return err
			}
			s.cache.Evict(k)
		}
		return nil
	})
}

// DeleteByQuery removes every resource matching q. The first level cache is
// emptied since the deleted keys are not known up front.
func (s *Session) DeleteByQuery(ctx context.Context, q *engine.Query) error {
	return s.run(ctx, "delete", func(p transaction.Processor) error {
		if err := p.DeleteByQuery(ctx, q); err != nil {
			return err
		}
		s.cache.EvictAll()
		return nil
	})
}

// Find runs a query string.
func (s *Session) Find(ctx context.Context, queryString string) (*Hits, error) {
	return s.FindQuery(ctx, engine.QueryBuilder{}.QueryString(queryString))
}

// FindQuery runs q and unmarshalls every returned hit.
func (s *Session) FindQuery(ctx context.Context, q *engine.Query) (*Hits, error) {
	var hits *Hits
	err := s.run(ctx, "find", func(p transaction.Processor) error {
		found, err := p.Find(ctx, q)
		if err != nil {
			return err
		}
		hits = &Hits{hits: found, data: make([]any, found.Len())}
		for i := range found.Len() {
			if hits.data[i], err = s.unmarshall(ctx, p, found.Resource(i)); err != nil {
				return err
			}
		}
		return nil
	})
	return hits, err
}

// Evict removes obj from the first level cache.
func (s *Session) Evict(obj any) error {
	key, err := s.f.marshaller.Key("", obj)
	if err != nil {
		return err
	}
	s.cache.Evict(key)
	return nil
}

// EvictAll empties the first level cache.
func (s *Session) EvictAll() {
	s.cache.EvictAll()
}

// Close rolls back an open transaction and empties the first level cache.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.current != nil && !s.f.closed.Load() {
		err = s.current.Rollback(context.Background())
	}
	s.current, s.touched = nil, nil
	s.cache.EvictAll()
	s.closed = true
	slog.Debug("Session closed", "session", s.id)
	return err
}
