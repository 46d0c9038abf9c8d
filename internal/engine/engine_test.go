package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sha1n/osem/internal/cache"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/marshall"
	"github.com/sha1n/osem/internal/resource"
)

type article struct {
	ID    int    `osem:"id"`
	Title string `osem:"property"`
	Code  string `osem:"property,untokenized"`
}

type special struct {
	article
	Extra string `osem:"property"`
}

func newRegistry(t *testing.T) *mapping.Registry {
	t.Helper()
	reg := mapping.NewRegistry()
	add := func(alias string, sample any, opts ...mapping.ResourceOption) {
		m, err := mapping.FromStruct(alias, sample, opts...)
		if err != nil {
			t.Fatalf("FromStruct(%s) failed: %v", alias, err)
		}
		if err := reg.Add(m); err != nil {
			t.Fatalf("Add(%s) failed: %v", alias, err)
		}
	}
	add("article", article{})
	add("special", special{}, mapping.Extends("article"), mapping.InSubIndex("specials"))
	if err := reg.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return reg
}

func openEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := Open(context.Background(), opts, newRegistry(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Logf("Warning: Close failed: %v", err)
		}
	})
	return e
}

func toResource(t *testing.T, e *Engine, alias string, obj any) *resource.Resource {
	t.Helper()
	res, err := marshall.New(e.Registry(), marshall.Options{}).Marshall(alias, obj)
	if err != nil {
		t.Fatalf("Marshall failed: %v", err)
	}
	return res
}

func commit(t *testing.T, e *Engine, stage func(w *Writer) error) {
	t.Helper()
	w, err := e.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := stage(w); err != nil {
		t.Fatalf("staging failed: %v", err)
	}
	if err := w.Commit(context.Background(), true); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func save(t *testing.T, e *Engine, alias string, objs ...any) {
	t.Helper()
	commit(t, e, func(w *Writer) error {
		for _, obj := range objs {
			if err := w.Create(toResource(t, e, alias, obj)); err != nil {
				return err
			}
		}
		return nil
	})
}

func find(t *testing.T, e *Engine, q *Query, ov *Overlay) *Hits {
	t.Helper()
	hits, err := e.Find(context.Background(), q, ov)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	return hits
}

// orderedIDs returns the UIDs of the hits in hit order.
func orderedIDs(h *Hits) []string {
	var out []string
	for _, res := range h.Resources() {
		uid, _ := res.UID()
		out = append(out, uid)
	}
	return out
}

// idsOf returns the sorted UIDs of the hits.
func idsOf(h *Hits) []string {
	out := orderedIDs(h)
	slices.Sort(out)
	return out
}

func hitByUID(t *testing.T, h *Hits, uid string) *resource.Resource {
	t.Helper()
	for _, res := range h.Resources() {
		if got, _ := res.UID(); got == uid {
			return res
		}
	}
	t.Fatalf("no hit %s in %v", uid, idsOf(h))
	return nil
}

func TestEngine_CreateFindGet(t *testing.T) {
	e := openEngine(t, Options{})
	var qb QueryBuilder

	w, err := e.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Create(toResource(t, e, "article", &article{ID: 1, Title: "hello world", Code: "AB-12"})); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if h := find(t, e, qb.MatchAll(), nil); h.Len() != 0 {
		t.Errorf("uncommitted writes must not be visible, got %d hits", h.Len())
	}
	if err := w.Create(toResource(t, e, "article", &article{ID: 2, Title: "goodbye", Code: "CD-34"})); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.Commit(context.Background(), true); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	h := find(t, e, qb.Match("title", "hello"), nil)
	if got := idsOf(h); !slices.Equal(got, []string{"article#1"}) {
		t.Fatalf("Match hits = %v", got)
	}
	if h.Total() != 1 || h.Score(0) <= 0 {
		t.Errorf("Total = %d, Score = %f", h.Total(), h.Score(0))
	}
	if got := h.Resource(0).Value("title"); got != "hello world" {
		t.Errorf("title = %q", got)
	}

	got, err := e.Get(context.Background(), resource.Key{Alias: "article", IDs: []string{"2"}}, nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 1 || got[0].Value("code") != "CD-34" {
		t.Fatalf("Get = %v", got)
	}
	if obj, err := got[0].Object("id"); err != nil || obj != 2 {
		t.Errorf("typed id = %v, %v", obj, err)
	}

	missing, err := e.Get(context.Background(), resource.Key{Alias: "article", IDs: []string{"9"}}, nil)
	if err != nil || len(missing) != 0 {
		t.Errorf("Get missing = %v, %v", missing, err)
	}
}

func TestEngine_QueryKinds(t *testing.T) {
	e := openEngine(t, Options{})
	var qb QueryBuilder
	save(t, e, "article",
		&article{ID: 1, Title: "quick brown fox", Code: "AB-12"},
		&article{ID: 2, Title: "lazy brown dog", Code: "AB-34"},
		&article{ID: 3, Title: "quick red fox", Code: "CD-56"},
	)

	tests := []struct {
		name  string
		query *Query
		want  []string
	}{
		{"term on keyword", qb.Term("code", "AB-12"), []string{"article#1"}},
		{"match on keyword", qb.Match("code", "CD-56"), []string{"article#3"}},
		{"term on tokenized", qb.Term("title", "lazy"), []string{"article#2"}},
		{"phrase", qb.Phrase("title", "brown fox"), []string{"article#1"}},
		{"prefix", qb.Prefix("code", "AB"), []string{"article#1", "article#2"}},
		{"wildcard", qb.Wildcard("code", "*-56"), []string{"article#3"}},
		{"range", qb.Range("code", "AB-20", "CD-99", true), []string{"article#2", "article#3"}},
		{"query string", qb.QueryString("+title:quick -title:red"), []string{"article#1"}},
		{"default field", qb.Match("", "dog"), []string{"article#2"}},
		{"bool", qb.Bool().Must(qb.Term("title", "brown")).MustNot(qb.Term("title", "dog")).Build(), []string{"article#1"}},
		{"bool should", qb.Bool().Should(qb.Term("title", "lazy"), qb.Term("title", "red")).Build(), []string{"article#2", "article#3"}},
		{"bool must not only", qb.Bool().MustNot(qb.Term("title", "quick")).Build(), []string{"article#2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := idsOf(find(t, e, tt.query, nil))
			if !slices.Equal(got, tt.want) {
				t.Errorf("hits = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngine_Paging(t *testing.T) {
	e := openEngine(t, Options{})
	var qb QueryBuilder
	save(t, e, "article",
		&article{ID: 1, Title: "a"}, &article{ID: 2, Title: "b"},
		&article{ID: 3, Title: "c"}, &article{ID: 4, Title: "d"},
	)

	h := find(t, e, qb.MatchAll().From(1).Size(2), nil)
	if got := orderedIDs(h); !slices.Equal(got, []string{"article#2", "article#3"}) {
		t.Errorf("page = %v", got)
	}
	if h.Total() != 4 {
		t.Errorf("Total = %d, want 4", h.Total())
	}
}

func TestEngine_Poly(t *testing.T) {
	e := openEngine(t, Options{})
	var qb QueryBuilder
	save(t, e, "article", &article{ID: 1, Title: "plain"})
	save(t, e, "special", &special{article: article{ID: 2, Title: "fancy"}, Extra: "x"})

	if got := idsOf(find(t, e, qb.MatchAll().Alias("article"), nil)); !slices.Equal(got, []string{"article#1", "special#2"}) {
		t.Errorf("poly hits = %v", got)
	}
	if got := idsOf(find(t, e, qb.MatchAll().Alias("special"), nil)); !slices.Equal(got, []string{"special#2"}) {
		t.Errorf("leaf hits = %v", got)
	}
	if got := idsOf(find(t, e, qb.MatchAll(), nil)); len(got) != 2 {
		t.Errorf("unrestricted hits = %v", got)
	}

	got, err := e.Get(context.Background(), resource.Key{Alias: "article", IDs: []string{"2"}}, nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 1 || got[0].Alias() != "special" {
		t.Errorf("poly Get = %v", got)
	}
	if n, _ := e.DocCount("specials"); n != 1 {
		t.Errorf("specials DocCount = %d", n)
	}

	if _, err := e.Find(context.Background(), qb.MatchAll().Alias("missing"), nil); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error for unknown alias, got %v", err)
	}
}

func TestEngine_UpdateAndDelete(t *testing.T) {
	e := openEngine(t, Options{})
	var qb QueryBuilder
	save(t, e, "article", &article{ID: 1, Title: "old title"}, &article{ID: 2, Title: "other"})

	commit(t, e, func(w *Writer) error {
		return w.Update(toResource(t, e, "article", &article{ID: 1, Title: "new title"}))
	})
	if h := find(t, e, qb.Match("title", "old"), nil); h.Len() != 0 {
		t.Errorf("old version still matches: %v", idsOf(h))
	}
	if h := find(t, e, qb.Match("title", "new"), nil); h.Len() != 1 {
		t.Errorf("new version does not match")
	}

	commit(t, e, func(w *Writer) error {
		return w.Delete(resource.Key{Alias: "article", IDs: []string{"1"}})
	})
	if got := idsOf(find(t, e, qb.MatchAll(), nil)); !slices.Equal(got, []string{"article#2"}) {
		t.Errorf("after delete = %v", got)
	}
}

func TestEngine_DeleteByQuery(t *testing.T) {
	e := openEngine(t, Options{})
	var qb QueryBuilder
	save(t, e, "article", &article{ID: 1, Title: "drop me"}, &article{ID: 2, Title: "keep"})
	save(t, e, "special", &special{article: article{ID: 3, Title: "drop too"}})

	commit(t, e, func(w *Writer) error {
		if err := w.DeleteByQuery(qb.Term("title", "drop").Alias("article")); err != nil {
			return err
		}
		return w.Create(toResource(t, e, "article", &article{ID: 4, Title: "drop but created later"}))
	})
	if got := idsOf(find(t, e, qb.MatchAll(), nil)); !slices.Equal(got, []string{"article#2", "article#4"}) {
		t.Errorf("after delete by query = %v", got)
	}
}

func TestEngine_Overlay(t *testing.T) {
	e := openEngine(t, Options{})
	var qb QueryBuilder
	save(t, e, "article", &article{ID: 1, Title: "committed"}, &article{ID: 2, Title: "untouched"})

	ov, err := e.NewOverlay()
	if err != nil {
		t.Fatalf("NewOverlay failed: %v", err)
	}
	defer func() { _ = ov.Close() }()

	if err := ov.Put(toResource(t, e, "article", &article{ID: 1, Title: "staged"})); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := ov.Put(toResource(t, e, "article", &article{ID: 3, Title: "staged new"})); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	h := find(t, e, qb.MatchAll(), ov)
	if got := idsOf(h); !slices.Equal(got, []string{"article#1", "article#2", "article#3"}) {
		t.Fatalf("overlay hits = %v", got)
	}
	if got := hitByUID(t, h, "article#1").Value("title"); got != "staged" {
		t.Errorf("masked committed version served: %q", got)
	}
	if h := find(t, e, qb.Match("title", "committed"), ov); h.Len() != 0 {
		t.Errorf("committed version of a staged resource must be hidden")
	}
	if got := idsOf(find(t, e, qb.MatchAll(), nil)); !slices.Equal(got, []string{"article#1", "article#2"}) {
		t.Errorf("other readers see staged state: %v", got)
	}

	if err := ov.Delete("article#1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := idsOf(find(t, e, qb.MatchAll(), ov)); !slices.Equal(got, []string{"article#2", "article#3"}) {
		t.Errorf("after overlay delete = %v", got)
	}
	got, err := e.Get(context.Background(), resource.Key{Alias: "article", IDs: []string{"1"}}, ov)
	if err != nil || len(got) != 0 {
		t.Errorf("Get of deleted = %v, %v", got, err)
	}
	got, err = e.Get(context.Background(), resource.Key{Alias: "article", IDs: []string{"3"}}, ov)
	if err != nil || len(got) != 1 {
		t.Errorf("Get of staged = %v, %v", got, err)
	}
}

func TestEngine_PartialCommitFailureRestores(t *testing.T) {
	e := openEngine(t, Options{})
	var qb QueryBuilder
	save(t, e, "article", &article{ID: 1, Title: "old"})
	save(t, e, "special", &special{article: article{ID: 2, Title: "old"}})
	gen := e.Generation("article")

	e.failApply = func(sub string) error {
		if sub == "specials" {
			return errors.New("disk full")
		}
		return nil
	}
	w, err := e.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	_ = w.Update(toResource(t, e, "article", &article{ID: 1, Title: "new"}))
	_ = w.Create(toResource(t, e, "article", &article{ID: 5, Title: "new"}))
	_ = w.Update(toResource(t, e, "special", &special{article: article{ID: 2, Title: "new"}}))

	if err := w.Commit(context.Background(), true); !errors.Is(err, errs.ErrSearchEngine) {
		t.Fatalf("expected search engine error, got %v", err)
	}
	e.failApply = nil

	if h := find(t, e, qb.Match("title", "new"), nil); h.Len() != 0 {
		t.Errorf("failed commit left changes behind: %v", idsOf(h))
	}
	if got := idsOf(find(t, e, qb.Match("title", "old"), nil)); !slices.Equal(got, []string{"article#1", "special#2"}) {
		t.Errorf("before-images not restored: %v", got)
	}
	if e.Generation("article") != gen {
		t.Error("failed commit must not bump generations")
	}
	if w.Pending() != 0 {
		t.Error("writer must be empty after a failed commit")
	}
}

func TestEngine_ReadersWaitForCommit(t *testing.T) {
	e := openEngine(t, Options{})
	var qb QueryBuilder

	applying := make(chan struct{})
	release := make(chan struct{})
	e.failApply = func(sub string) error {
		if sub == "specials" {
			close(applying)
			<-release
		}
		return nil
	}

	w, err := e.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	_ = w.Create(toResource(t, e, "article", &article{ID: 1, Title: "both"}))
	_ = w.Create(toResource(t, e, "special", &special{article: article{ID: 2, Title: "both"}}))

	committed := make(chan error, 1)
	go func() { committed <- w.Commit(context.Background(), true) }()
	<-applying

	found := make(chan *Hits, 1)
	go func() {
		h, err := e.Find(context.Background(), qb.Match("title", "both"), nil)
		if err != nil {
			t.Errorf("Find failed: %v", err)
		}
		found <- h
	}()

	select {
	case h := <-found:
		t.Errorf("reader ran during a commit and saw %v", idsOf(h))
		found <- h
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-committed; err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if h := <-found; h == nil || h.Len() != 2 {
		t.Errorf("reader after commit saw %v", h)
	}
	e.failApply = nil
}

func TestEngine_TwoPhase(t *testing.T) {
	e := openEngine(t, Options{})
	ctx := context.Background()

	w, _ := e.NewWriter()
	_ = w.Create(toResource(t, e, "article", &article{ID: 1, Title: "a"}))
	if err := w.Commit(ctx, false); !errors.Is(err, errs.ErrSearchEngine) {
		t.Fatalf("expected error for unprepared two phase commit, got %v", err)
	}
	if err := w.Prepare(ctx); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !w.Prepared() {
		t.Error("Prepared = false after Prepare")
	}
	if err := w.Create(toResource(t, e, "article", &article{ID: 2})); !errors.Is(err, errs.ErrSearchEngine) {
		t.Errorf("expected error staging on prepared writer, got %v", err)
	}
	if err := w.Commit(ctx, false); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	w2, _ := e.NewWriter()
	_ = w2.Create(toResource(t, e, "article", &article{ID: 3}))
	if err := w2.Prepare(ctx); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := w2.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	// the lock taken by the rolled back writer must be free
	w3, _ := e.NewWriter()
	if err := w3.Prepare(ctx); err != nil {
		t.Fatalf("Prepare after rollback failed: %v", err)
	}
	_ = w3.Rollback()

	if h := find(t, e, QueryBuilder{}.MatchAll(), nil); !slices.Equal(idsOf(h), []string{"article#1"}) {
		t.Errorf("hits = %v", idsOf(h))
	}
}

func TestEngine_CommitSubset(t *testing.T) {
	e := openEngine(t, Options{})
	var qb QueryBuilder

	w, _ := e.NewWriter()
	_ = w.Create(toResource(t, e, "article", &article{ID: 1}))
	_ = w.Create(toResource(t, e, "special", &special{article: article{ID: 2}}))

	if err := w.CommitSubset(context.Background(), "special"); err != nil {
		t.Fatalf("CommitSubset failed: %v", err)
	}
	if got := idsOf(find(t, e, qb.MatchAll(), nil)); !slices.Equal(got, []string{"special#2"}) {
		t.Errorf("after subset commit = %v", got)
	}
	if w.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", w.Pending())
	}
	if err := w.Commit(context.Background(), true); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if got := idsOf(find(t, e, qb.MatchAll(), nil)); len(got) != 2 {
		t.Errorf("after commit = %v", got)
	}
}

func TestEngine_GenerationsAndListeners(t *testing.T) {
	e := openEngine(t, Options{})

	var mu sync.Mutex
	var notified [][]string
	e.OnCommit(func(subs []string) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, subs)
	})

	save(t, e, "article", &article{ID: 1})
	save(t, e, "special", &special{article: article{ID: 2}})
	save(t, e, "article", &article{ID: 3})

	if got := e.Generation("article"); got != 2 {
		t.Errorf("article generation = %d, want 2", got)
	}
	if got := e.Generation("specials"); got != 1 {
		t.Errorf("specials generation = %d, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 3 || !slices.Equal(notified[1], []string{"specials"}) {
		t.Errorf("notifications = %v", notified)
	}
}

func TestEngine_OnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	var qb QueryBuilder

	e, err := Open(ctx, Options{Dir: dir}, newRegistry(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	save(t, e, "article", &article{ID: 1, Title: "persisted"})

	if _, err := Open(ctx, Options{Dir: dir, LockTimeout: 100 * time.Millisecond}, newRegistry(t)); !errors.Is(err, errs.ErrIndexLocked) {
		t.Errorf("expected ErrIndexLocked for second writer, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := openEngine(t, Options{Dir: dir})
	if got := idsOf(find(t, reopened, qb.Match("title", "persisted"), nil)); !slices.Equal(got, []string{"article#1"}) {
		t.Errorf("hits after reopen = %v", got)
	}
	if got := reopened.Generation("article"); got != 1 {
		t.Errorf("generation after reopen = %d, want 1", got)
	}
}

func TestEngine_ReadOnly(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Open(ctx, Options{Dir: dir}, newRegistry(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	save(t, e, "article", &article{ID: 1, Title: "shared"})
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ro := openEngine(t, Options{Dir: dir, ReadOnly: true})
	if _, err := ro.NewWriter(); !errors.Is(err, errs.ErrSearchEngine) {
		t.Errorf("expected writer to be rejected, got %v", err)
	}
	if h := find(t, ro, QueryBuilder{}.Match("title", "shared"), nil); h.Len() != 1 {
		t.Errorf("read only hits = %d", h.Len())
	}
	if h := find(t, ro, QueryBuilder{}.MatchAll().Alias("special"), nil); h.Len() != 0 {
		t.Errorf("expected no special hits, got %d", h.Len())
	}
}

func TestEngine_Closed(t *testing.T) {
	e, err := Open(context.Background(), Options{}, newRegistry(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := e.Find(context.Background(), QueryBuilder{}.MatchAll(), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestEngine_SharedCache(t *testing.T) {
	var e *Engine
	shared := cache.NewShared(cache.GenerationFunc(func(sub string) uint64 { return e.Generation(sub) }))
	e = openEngine(t, Options{Cache: shared})
	save(t, e, "article", &article{ID: 1, Title: "first"})

	key := resource.Key{Alias: "article", IDs: []string{"1"}}
	title := func() string {
		t.Helper()
		got, err := e.Get(context.Background(), key, nil)
		if err != nil || len(got) != 1 {
			t.Fatalf("Get = %v, %v", got, err)
		}
		return got[0].Value("title")
	}

	if got := title(); got != "first" {
		t.Errorf("title = %q", got)
	}
	if shared.Len() != 1 {
		t.Errorf("cached entries = %d, want 1", shared.Len())
	}
	if got := title(); got != "first" {
		t.Errorf("cached title = %q", got)
	}

	commit(t, e, func(w *Writer) error {
		return w.Update(toResource(t, e, "article", &article{ID: 1, Title: "second"}))
	})
	if got := title(); got != "second" {
		t.Errorf("title after commit = %q, stale entry served", got)
	}
}
