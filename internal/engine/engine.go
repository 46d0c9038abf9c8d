package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	blevemapping "github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/resource"
)

const (
	// IndexSuffix is the suffix of sub-index directories
	IndexSuffix = ".bleve"

	// DefaultLockTimeout bounds the wait for the directory lock
	DefaultLockTimeout = 10 * time.Second

	// DefaultMaxParallelCommits bounds concurrently committed sub-indexes
	DefaultMaxParallelCommits = 4

	// DefaultSize is the number of hits returned when a query sets none
	DefaultSize = 100
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("search engine is closed")

// Options configures an Engine.
type Options struct {
	// Dir holds the sub-indexes; empty keeps everything in memory.
	Dir string

	// ReadOnly opens existing sub-indexes without taking the directory lock.
	// Writers are rejected.
	ReadOnly bool

	LockTimeout        time.Duration
	MaxParallelCommits int
	DefaultSize        int

	// Cache, when set, serves committed loads by UID.
	Cache ResourceCache
}

// ResourceCache holds committed resources tagged with the generation of
// their sub-index at load time.
type ResourceCache interface {
	Get(uid string) (*resource.Resource, bool)
	Put(uid, sub string, gen uint64, res *resource.Resource)
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.MaxParallelCommits <= 0 {
		o.MaxParallelCommits = DefaultMaxParallelCommits
	}
	if o.DefaultSize <= 0 {
		o.DefaultSize = DefaultSize
	}
	return o
}

// CommitListener is told which sub-indexes a commit changed.
type CommitListener func(subs []string)

type subIndex struct {
	name string
	idx  bleve.Index
	gen  atomic.Uint64
}

// Engine is the search engine facade: one bleve index per sub-index, a
// single writer at a time, and readers that see committed state.
type Engine struct {
	opts     Options
	reg      *mapping.Registry
	im       blevemapping.IndexMapping
	docs     *documentBuilder
	lock     *DirLock
	manifest *Manifest
	subs     map[string]*subIndex
	order    []string

	// commitMu is held by a writer from prepare until commit or rollback.
	commitMu sync.Mutex
	// applyMu is held exclusively while a commit applies its batches, so
	// readers never see part of a commit.
	applyMu   sync.RWMutex
	listeners []CommitListener
	lmu       sync.RWMutex
	closed    atomic.Bool

	// failApply, when set, is consulted before a batch is applied.
	failApply func(sub string) error
}

// Open opens, or creates, one index per sub-index of reg.
func Open(ctx context.Context, opts Options, reg *mapping.Registry) (*Engine, error) {
	opts = opts.withDefaults()
	im := CreateIndexMapping(reg)
	builder, err := newDocumentBuilder(im)
	if err != nil {
		return nil, errs.SearchEngine("open", err)
	}

	e := &Engine{
		opts:     opts,
		reg:      reg,
		im:       im,
		docs:     builder,
		manifest: NewManifest(),
		subs:     make(map[string]*subIndex),
	}

	if opts.Dir != "" {
		if !opts.ReadOnly {
			e.lock = NewDirLock(opts.Dir)
			if err := e.lock.Lock(ctx, opts.LockTimeout); err != nil {
				return nil, err
			}
		}
		e.manifest, err = LoadManifest(e.manifestPath())
		if err != nil {
			if e.lock != nil {
				_ = e.lock.Unlock()
			}
			return nil, errs.SearchEngine("open", err)
		}
	}

	for _, name := range reg.SubIndexes() {
		idx, err := e.openSubIndex(name, im)
		if err != nil {
			_ = e.Close()
			return nil, errs.SearchEngine("open", fmt.Errorf("sub-index %s: %w", name, err))
		}
		idx.SetName(name)
		si := &subIndex{name: name, idx: idx}
		si.gen.Store(e.manifest.State(name).Generation)
		e.subs[name] = si
		e.order = append(e.order, name)
	}

	slog.Info("Search engine opened", "dir", opts.Dir, "sub_indexes", len(e.order), "read_only", opts.ReadOnly)
	return e, nil
}

func (e *Engine) manifestPath() string {
	return filepath.Join(e.opts.Dir, ManifestFilename)
}

func (e *Engine) indexPath(sub string) string {
	return filepath.Join(e.opts.Dir, "indexes", sub+IndexSuffix)
}

func (e *Engine) openSubIndex(name string, im blevemapping.IndexMapping) (bleve.Index, error) {
	if e.opts.Dir == "" {
		return bleve.NewMemOnly(im)
	}
	path := e.indexPath(name)
	if _, err := os.Stat(path); err == nil {
		if e.opts.ReadOnly {
			return bleve.OpenUsing(path, map[string]interface{}{"read_only": true})
		}
		return bleve.Open(path)
	}
	if e.opts.ReadOnly {
		slog.Debug("Sub-index missing, serving it empty", "sub_index", name, "path", path)
		return bleve.NewMemOnly(im)
	}
	return bleve.New(path, im)
}

// Close closes every sub-index and releases the directory lock.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	var errList []error
	for _, name := range e.order {
		if err := e.subs[name].idx.Close(); err != nil {
			errList = append(errList, fmt.Errorf("sub-index %s: %w", name, err))
		}
	}
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil {
			errList = append(errList, err)
		}
	}
	if err := errors.Join(errList...); err != nil {
		return errs.SearchEngine("close", err)
	}
	slog.Debug("Search engine closed", "dir", e.opts.Dir)
	return nil
}

// Registry returns the mapping registry the engine indexes.
func (e *Engine) Registry() *mapping.Registry {
	return e.reg
}

// ReadOnly reports whether writers are rejected.
func (e *Engine) ReadOnly() bool {
	return e.opts.ReadOnly
}

// SubIndexes returns the sub-index names.
func (e *Engine) SubIndexes() []string {
	return append([]string(nil), e.order...)
}

// Generation returns the commit generation of a sub-index. It changes with
// every commit touching the sub-index.
func (e *Engine) Generation(sub string) uint64 {
	if si, ok := e.subs[sub]; ok {
		return si.gen.Load()
	}
	return 0
}

// OnCommit registers a listener called after every successful commit.
func (e *Engine) OnCommit(l CommitListener) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) notify(subs []string) {
	e.lmu.RLock()
	listeners := slices.Clone(e.listeners)
	e.lmu.RUnlock()
	for _, l := range listeners {
		l(subs)
	}
}

// DocCount returns the number of documents in a sub-index.
func (e *Engine) DocCount(sub string) (uint64, error) {
	si, ok := e.subs[sub]
	if !ok {
		return 0, errs.Configuration("count", "", "unknown sub-index %q", sub)
	}
	n, err := si.idx.DocCount()
	if err != nil {
		return 0, errs.SearchEngine("count", err)
	}
	return n, nil
}

// subIndexOf returns the sub-index holding resources of alias.
func (e *Engine) subIndexOf(alias string) (*subIndex, error) {
	m, err := e.reg.MustMapping(alias)
	if err != nil {
		return nil, err
	}
	if !m.IsRoot() {
		return nil, errs.Mapping("index", alias, "", "alias is not stored on its own")
	}
	return e.subs[m.SubIndexName()], nil
}

// polyAliases expands aliases with every alias extending them. Nil means
// every root alias.
func (e *Engine) polyAliases(aliases []string) ([]string, error) {
	if len(aliases) == 0 {
		return nil, nil
	}
	var out []string
	for _, alias := range aliases {
		if _, err := e.reg.MustMapping(alias); err != nil {
			return nil, err
		}
		for _, a := range e.reg.PolyAliases(alias) {
			if m := e.reg.Mapping(a); m.IsRoot() && !slices.Contains(out, a) {
				out = append(out, a)
			}
		}
	}
	if len(out) == 0 {
		return nil, errs.Mapping("find", aliases[0], "", "no stored alias matches")
	}
	return out, nil
}

// searchTarget returns the sub-indexes holding aliases, all when nil.
func (e *Engine) searchTarget(aliases []string) []bleve.Index {
	var out []bleve.Index
	if aliases == nil {
		for _, name := range e.order {
			out = append(out, e.subs[name].idx)
		}
		return out
	}
	var names []string
	for _, alias := range aliases {
		sub := e.reg.Mapping(alias).SubIndexName()
		if !slices.Contains(names, sub) {
			names = append(names, sub)
		}
	}
	for _, name := range names {
		out = append(out, e.subs[name].idx)
	}
	return out
}

func aliasFilter(base query.Query, aliases []string) query.Query {
	if aliases == nil {
		return base
	}
	terms := make([]query.Query, 0, len(aliases))
	for _, alias := range aliases {
		tq := bleve.NewTermQuery(alias)
		tq.SetField(resource.AliasProperty)
		terms = append(terms, tq)
	}
	return bleve.NewConjunctionQuery(base, bleve.NewDisjunctionQuery(terms...))
}

// Find runs q against the committed state, seen through ov when it is not
// nil. Hits come in relevance order; ties are broken by UID.
func (e *Engine) Find(ctx context.Context, q *Query, ov *Overlay) (*Hits, error) {
	if e.closed.Load() {
		return nil, errs.SearchEngine("find", ErrClosed)
	}
	e.applyMu.RLock()
	defer e.applyMu.RUnlock()
	aliases, err := e.polyAliases(q.aliases)
	if err != nil {
		return nil, err
	}

	size := q.size
	if size <= 0 {
		size = e.opts.DefaultSize
	}
	from := max(q.from, 0)

	indexes := e.searchTarget(aliases)
	masked := 0
	if ov != nil {
		indexes = append(indexes, ov.idx)
		masked = ov.MaskedLen()
	}

	req := bleve.NewSearchRequestOptions(aliasFilter(q.q, aliases), from+size+masked, 0, false)
	req.Fields = []string{PayloadField, overlayField}
	req.SortBy([]string{"-_score", "_id"})

	result, err := bleve.NewIndexAlias(indexes...).SearchInContext(ctx, req)
	if err != nil {
		return nil, errs.SearchEngine("find", err)
	}

	hits := &Hits{total: result.Total}
	skipped := 0
	for _, hit := range result.Hits {
		_, fromOverlay := hit.Fields[overlayField]
		if ov != nil && !fromOverlay && ov.Masked(hit.ID) {
			if hits.total > 0 {
				hits.total--
			}
			continue
		}
		if skipped < from {
			skipped++
			continue
		}
		if len(hits.resources) == size {
			continue
		}
		payload, ok := hit.Fields[PayloadField].(string)
		if !ok {
			return nil, errs.SearchEngine("find", fmt.Errorf("hit %s has no stored resource", hit.ID))
		}
		res, err := decodeResource(e.reg, []byte(payload))
		if err != nil {
			return nil, errs.SearchEngine("find", err)
		}
		hits.resources = append(hits.resources, res)
		hits.scores = append(hits.scores, hit.Score)
	}
	return hits, nil
}

// Get loads the resources stored under key: one per alias in the poly family
// of key.Alias that has a document for the ids. ov, when not nil, takes
// precedence over the committed state.
func (e *Engine) Get(ctx context.Context, key resource.Key, ov *Overlay) ([]*resource.Resource, error) {
	if e.closed.Load() {
		return nil, errs.SearchEngine("get", ErrClosed)
	}
	e.applyMu.RLock()
	defer e.applyMu.RUnlock()
	aliases, err := e.polyAliases([]string{key.Alias})
	if err != nil {
		return nil, err
	}

	var out []*resource.Resource
	for _, alias := range aliases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		uid := resource.UID(alias, key.IDs...)
		if ov != nil && ov.Masked(uid) {
			if res, ok := ov.Resource(uid); ok {
				out = append(out, res)
			}
			continue
		}
		res, err := e.cachedLoad(e.subs[e.reg.Mapping(alias).SubIndexName()], uid)
		if err != nil {
			return nil, err
		}
		if res != nil {
			out = append(out, res)
		}
	}
	return out, nil
}

func (e *Engine) cachedLoad(si *subIndex, uid string) (*resource.Resource, error) {
	c := e.opts.Cache
	if c == nil {
		return e.load(si, uid)
	}
	if res, ok := c.Get(uid); ok {
		return res, nil
	}
	// the generation is read first so a load racing a commit is never
	// cached under the new generation
	gen := si.gen.Load()
	res, err := e.load(si, uid)
	if err != nil || res == nil {
		return res, err
	}
	c.Put(uid, si.name, gen, res)
	return res, nil
}

// load reads the committed resource uid from si; nil when absent.
func (e *Engine) load(si *subIndex, uid string) (*resource.Resource, error) {
	doc, err := si.idx.Document(uid)
	if err != nil {
		return nil, errs.SearchEngine("get", err)
	}
	if doc == nil {
		return nil, nil
	}
	payload := payloadOf(doc)
	if payload == nil {
		return nil, errs.SearchEngine("get", fmt.Errorf("document %s has no stored resource", uid))
	}
	res, err := decodeResource(e.reg, payload)
	if err != nil {
		return nil, errs.SearchEngine("get", err)
	}
	return res, nil
}
