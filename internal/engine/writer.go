package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/resource"
)

// deletePageSize is the page size used to resolve delete-by-query matches.
const deletePageSize = 500

type opKind int

const (
	opCreate opKind = iota
	opUpdate
	opDelete
	opDeleteByQuery
)

func (k opKind) String() string {
	switch k {
	case opCreate:
		return "create"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	default:
		return "delete_by_query"
	}
}

type op struct {
	kind  opKind
	uid   string
	alias string
	res   *resource.Resource
	query *Query
}

type subPlan struct {
	si     *subIndex
	batch  *bleve.Batch
	before map[string]*resource.Resource
	ops    int
}

// Writer stages writes and applies them atomically per commit. Nothing is
// visible to readers before Commit. A Writer is not safe for concurrent use.
type Writer struct {
	e    *Engine
	ops  []op
	plan []*subPlan
}

// NewWriter creates a writer. Read-only engines reject writers.
func (e *Engine) NewWriter() (*Writer, error) {
	if e.closed.Load() {
		return nil, errs.SearchEngine("writer", ErrClosed)
	}
	if e.opts.ReadOnly {
		return nil, errs.SearchEngine("writer", errors.New("engine is read only"))
	}
	return &Writer{e: e}, nil
}

// Create stages a new resource. An existing resource with the same UID is
// replaced.
func (w *Writer) Create(res *resource.Resource) error {
	return w.stage(opCreate, res)
}

// Update stages the replacement of the resource with the UID of res.
func (w *Writer) Update(res *resource.Resource) error {
	return w.stage(opUpdate, res)
}

// Delete stages the removal of the resource identified by key.
func (w *Writer) Delete(key resource.Key) error {
	if err := w.writable("delete"); err != nil {
		return err
	}
	if _, err := w.e.subIndexOf(key.Alias); err != nil {
		return err
	}
	w.ops = append(w.ops, op{kind: opDelete, uid: key.UID(), alias: key.Alias})
	return nil
}

// DeleteByQuery stages the removal of every committed resource matching q.
// Matches are resolved when the writer is prepared.
func (w *Writer) DeleteByQuery(q *Query) error {
	if err := w.writable("delete"); err != nil {
		return err
	}
	if _, err := w.e.polyAliases(q.aliases); err != nil {
		return err
	}
	w.ops = append(w.ops, op{kind: opDeleteByQuery, query: q})
	return nil
}

func (w *Writer) stage(kind opKind, res *resource.Resource) error {
	if err := w.writable(kind.String()); err != nil {
		return err
	}
	if res == nil {
		return errs.SearchEngine(kind.String(), errors.New("resource is nil"))
	}
	if _, err := w.e.subIndexOf(res.Alias()); err != nil {
		return err
	}
	uid, err := res.UID()
	if err != nil {
		return err
	}
	w.ops = append(w.ops, op{kind: kind, uid: uid, alias: res.Alias(), res: res.Clone()})
	return nil
}

func (w *Writer) writable(opName string) error {
	if w.plan != nil {
		return errs.SearchEngine(opName, errors.New("writer is prepared"))
	}
	if w.e.closed.Load() {
		return errs.SearchEngine(opName, ErrClosed)
	}
	return nil
}

// Pending returns the number of staged operations.
func (w *Writer) Pending() int {
	return len(w.ops)
}

// Prepared reports whether Prepare succeeded and no Commit or Rollback
// followed.
func (w *Writer) Prepared() bool {
	return w.plan != nil
}

// Prepare takes the single-writer lock, resolves staged operations into one
// batch per sub-index and captures the committed version of every touched
// resource. The lock is held until Commit or Rollback.
func (w *Writer) Prepare(ctx context.Context) error {
	if w.plan != nil {
		return errs.SearchEngine("prepare", errors.New("writer is already prepared"))
	}
	w.e.commitMu.Lock()
	plan, err := w.buildPlan(ctx)
	if err != nil {
		w.e.commitMu.Unlock()
		return err
	}
	w.plan = plan
	return nil
}

func (w *Writer) buildPlan(ctx context.Context) ([]*subPlan, error) {
	type final struct {
		alias string
		res   *resource.Resource
	}
	var order []string
	finals := make(map[string]final)
	set := func(uid, alias string, res *resource.Resource) {
		if _, ok := finals[uid]; !ok {
			order = append(order, uid)
		}
		finals[uid] = final{alias: alias, res: res}
	}

	for _, o := range w.ops {
		switch o.kind {
		case opCreate, opUpdate:
			set(o.uid, o.alias, o.res)
		case opDelete:
			set(o.uid, o.alias, nil)
		case opDeleteByQuery:
			uids, err := w.e.matchingUIDs(ctx, o.query)
			if err != nil {
				return nil, err
			}
			for _, uid := range uids {
				key, err := resource.ParseUID(uid)
				if err != nil {
					return nil, errs.SearchEngine("prepare", err)
				}
				set(uid, key.Alias, nil)
			}
		}
	}

	plans := make(map[string]*subPlan)
	var out []*subPlan
	for _, uid := range order {
		f := finals[uid]
		si, err := w.e.subIndexOf(f.alias)
		if err != nil {
			return nil, err
		}
		sp, ok := plans[si.name]
		if !ok {
			sp = &subPlan{si: si, batch: si.idx.NewBatch(), before: make(map[string]*resource.Resource)}
			plans[si.name] = sp
			out = append(out, sp)
		}

		before, err := w.e.load(si, uid)
		if err != nil {
			return nil, err
		}
		sp.before[uid] = before

		if f.res == nil {
			sp.batch.Delete(uid)
		} else {
			doc, err := w.e.docs.build(f.res, false)
			if err != nil {
				return nil, err
			}
			if err := sp.batch.IndexAdvanced(doc); err != nil {
				return nil, errs.SearchEngine("prepare", err)
			}
		}
		sp.ops++
	}
	return out, nil
}

// Commit applies the staged operations. With onePhase an unprepared writer
// is prepared first; otherwise Prepare must have succeeded. The writer is
// empty and reusable afterwards, whatever the outcome.
func (w *Writer) Commit(ctx context.Context, onePhase bool) error {
	if w.plan == nil {
		if !onePhase {
			return errs.SearchEngine("commit", errors.New("two phase commit requires a prepared writer"))
		}
		if err := w.Prepare(ctx); err != nil {
			w.ops = nil
			return err
		}
	}
	defer w.finish()
	return w.apply(ctx)
}

// CommitSubset commits only the staged operations of aliases, and of the
// aliases extending them, leaving the rest staged. It fails on a prepared
// writer. No aliases commits everything.
func (w *Writer) CommitSubset(ctx context.Context, aliases ...string) error {
	if w.plan != nil {
		return errs.SearchEngine("commit", errors.New("writer is prepared"))
	}
	if len(aliases) == 0 {
		return w.Commit(ctx, true)
	}
	selected, err := w.e.polyAliases(aliases)
	if err != nil {
		return err
	}

	var subset, rest []op
	for _, o := range w.ops {
		if o.kind == opDeleteByQuery {
			qa, _ := w.e.polyAliases(o.query.aliases)
			if qa != nil && allIn(qa, selected) {
				subset = append(subset, o)
			} else {
				rest = append(rest, o)
			}
			continue
		}
		if slices.Contains(selected, o.alias) {
			subset = append(subset, o)
		} else {
			rest = append(rest, o)
		}
	}

	sub := &Writer{e: w.e, ops: subset}
	w.ops = rest
	return sub.Commit(ctx, true)
}

func allIn(xs, set []string) bool {
	for _, x := range xs {
		if !slices.Contains(set, x) {
			return false
		}
	}
	return true
}

// Rollback discards the staged operations and releases the lock taken by
// Prepare.
func (w *Writer) Rollback() error {
	if w.plan != nil {
		w.finish()
		return nil
	}
	w.ops = nil
	return nil
}

func (w *Writer) finish() {
	w.ops = nil
	w.plan = nil
	w.e.commitMu.Unlock()
}

func (w *Writer) apply(ctx context.Context) error {
	plan := w.plan
	if len(plan) == 0 {
		return nil
	}

	w.e.applyMu.Lock()
	defer w.e.applyMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.e.opts.MaxParallelCommits)

	var mu sync.Mutex
	var applied []*subPlan
	for _, sp := range plan {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := w.e.applyBatch(sp.si, sp.batch); err != nil {
				return fmt.Errorf("sub-index %s: %w", sp.si.name, err)
			}
			mu.Lock()
			applied = append(applied, sp)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.e.restore(applied)
		slog.Error("Commit failed", "error", err, "restored_sub_indexes", len(applied))
		return errs.SearchEngine("commit", err)
	}

	now := time.Now()
	names := make([]string, 0, len(plan))
	ops := 0
	for _, sp := range plan {
		gen := sp.si.gen.Add(1)
		count, err := sp.si.idx.DocCount()
		if err != nil {
			slog.Debug("Failed to count documents", "sub_index", sp.si.name, "error", err)
		}
		w.e.manifest.SetState(sp.si.name, SubIndexState{Generation: gen, LastCommit: now, DocCount: count})
		names = append(names, sp.si.name)
		ops += sp.ops
	}
	if w.e.opts.Dir != "" {
		if err := w.e.manifest.Save(w.e.manifestPath()); err != nil {
			slog.Error("Failed to save manifest", "error", err)
		}
	}

	slog.Debug("Committed", "sub_indexes", names, "operations", ops)
	w.e.notify(names)
	return nil
}

func (e *Engine) applyBatch(si *subIndex, b *bleve.Batch) error {
	if e.failApply != nil {
		if err := e.failApply(si.name); err != nil {
			return err
		}
	}
	return si.idx.Batch(b)
}

// restore writes back the before-images of sub-indexes whose batch was
// applied by a failed commit.
func (e *Engine) restore(applied []*subPlan) {
	for _, sp := range applied {
		b := sp.si.idx.NewBatch()
		for uid, before := range sp.before {
			if before == nil {
				b.Delete(uid)
				continue
			}
			doc, err := e.docs.build(before, false)
			if err == nil {
				err = b.IndexAdvanced(doc)
			}
			if err != nil {
				slog.Error("Failed to restore resource", "uid", uid, "error", err)
			}
		}
		if err := sp.si.idx.Batch(b); err != nil {
			slog.Error("Failed to restore sub-index", "sub_index", sp.si.name, "error", err)
		}
	}
}

// matchingUIDs returns the UIDs of every committed resource matching q.
func (e *Engine) matchingUIDs(ctx context.Context, q *Query) ([]string, error) {
	aliases, err := e.polyAliases(q.aliases)
	if err != nil {
		return nil, err
	}
	target := bleve.NewIndexAlias(e.searchTarget(aliases)...)
	bq := aliasFilter(q.q, aliases)

	var uids []string
	for from := 0; ; from += deletePageSize {
		req := bleve.NewSearchRequestOptions(bq, deletePageSize, from, false)
		req.SortBy([]string{"_id"})
		result, err := target.SearchInContext(ctx, req)
		if err != nil {
			return nil, errs.SearchEngine("delete", err)
		}
		for _, hit := range result.Hits {
			uids = append(uids, hit.ID)
		}
		if len(result.Hits) < deletePageSize {
			return uids, nil
		}
	}
}
