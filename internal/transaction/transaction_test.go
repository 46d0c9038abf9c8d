package transaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/sha1n/osem/internal/engine"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/marshall"
	"github.com/sha1n/osem/internal/resource"
)

type article struct {
	ID    int    `osem:"id"`
	Title string `osem:"property"`
}

type special struct {
	article
	Extra string `osem:"property"`
}

var qb engine.QueryBuilder

type fixture struct {
	e *engine.Engine
	m *marshall.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := mapping.NewRegistry()
	for _, add := range []func() (*mapping.ResourceMapping, error){
		func() (*mapping.ResourceMapping, error) { return mapping.FromStruct("article", article{}) },
		func() (*mapping.ResourceMapping, error) {
			return mapping.FromStruct("special", special{}, mapping.Extends("article"), mapping.InSubIndex("specials"))
		},
	} {
		m, err := add()
		if err != nil {
			t.Fatalf("FromStruct failed: %v", err)
		}
		if err := reg.Add(m); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := reg.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	e, err := engine.Open(context.Background(), engine.Options{}, reg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return &fixture{e: e, m: marshall.New(reg, marshall.Options{})}
}

func (f *fixture) processor(t *testing.T, name string, policy CreatePolicy) Processor {
	t.Helper()
	factory, err := NewFactory(name, f.e, policy)
	if err != nil {
		t.Fatalf("NewFactory(%s) failed: %v", name, err)
	}
	return factory.New()
}

func (f *fixture) begin(t *testing.T, name string, policy CreatePolicy) Processor {
	t.Helper()
	p := f.processor(t, name, policy)
	if err := p.Begin(context.Background()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	return p
}

func (f *fixture) res(t *testing.T, alias string, obj any) *resource.Resource {
	t.Helper()
	res, err := f.m.Marshall(alias, obj)
	if err != nil {
		t.Fatalf("Marshall failed: %v", err)
	}
	return res
}

// committed returns the sorted UIDs matching q as seen by a new search
// transaction.
func (f *fixture) committed(t *testing.T, q *engine.Query) []string {
	t.Helper()
	p := f.begin(t, Search, "")
	defer func() { _ = p.Commit(context.Background(), true) }()
	return uids(t, p, q)
}

func uids(t *testing.T, p Processor, q *engine.Query) []string {
	t.Helper()
	hits, err := p.Find(context.Background(), q)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	var out []string
	for _, res := range hits.Resources() {
		uid, _ := res.UID()
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

func mustDo(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s failed: %v", what, err)
	}
}

func TestNewFactory(t *testing.T) {
	f := newFixture(t)
	threadSafe := map[string]bool{Search: true, Lucene: false, BatchInsert: false, ReadCommitted: false, MT: true}
	for _, name := range Names() {
		factory, err := NewFactory(name, f.e, PolicyUpsert)
		if err != nil {
			t.Fatalf("NewFactory(%s) failed: %v", name, err)
		}
		if factory.Name() != name || factory.ThreadSafe() != threadSafe[name] {
			t.Errorf("%s: Name = %s, ThreadSafe = %v", name, factory.Name(), factory.ThreadSafe())
		}
		p := factory.New()
		if p.ID() == "" || p.ID() == factory.New().ID() {
			t.Errorf("%s: processors need distinct ids", name)
		}
	}
	if _, err := NewFactory("serializable", f.e, PolicyUpsert); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestParseCreatePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    CreatePolicy
		wantErr bool
	}{
		{"", PolicyUpsert, false},
		{"upsert", PolicyUpsert, false},
		{"reject", PolicyReject, false},
		{"merge", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCreatePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCreatePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestStateMachine(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p := f.processor(t, name, PolicyUpsert)

			if p.State() != StateIdle {
				t.Fatalf("initial state = %s", p.State())
			}
			if _, err := p.Find(ctx, qb.MatchAll()); !errors.Is(err, ErrInvalidState) {
				t.Errorf("Find before Begin: %v", err)
			}
			if err := p.Commit(ctx, true); !errors.Is(err, ErrInvalidState) {
				t.Errorf("Commit before Begin: %v", err)
			}

			mustDo(t, "Begin", p.Begin(ctx))
			if err := p.Begin(ctx); !errors.Is(err, ErrInvalidState) || !errors.Is(err, errs.ErrSearchEngine) {
				t.Errorf("second Begin: %v", err)
			}
			if err := p.Commit(ctx, false); !errors.Is(err, ErrInvalidState) {
				t.Errorf("two phase Commit without Prepare: %v", err)
			}
			mustDo(t, "Prepare", p.Prepare(ctx))
			if p.State() != StatePrepared {
				t.Errorf("state after Prepare = %s", p.State())
			}
			mustDo(t, "Commit", p.Commit(ctx, false))
			if p.State() != StateCommitted {
				t.Errorf("state after Commit = %s", p.State())
			}
			if err := p.Rollback(ctx); !errors.Is(err, ErrInvalidState) {
				t.Errorf("Rollback after Commit: %v", err)
			}

			q := f.processor(t, name, PolicyUpsert)
			mustDo(t, "Begin", q.Begin(ctx))
			mustDo(t, "Rollback", q.Rollback(ctx))
			if q.State() != StateRolledBack {
				t.Errorf("state after Rollback = %s", q.State())
			}
			if err := q.Flush(ctx); !errors.Is(err, ErrInvalidState) {
				t.Errorf("Flush after Rollback: %v", err)
			}
		})
	}
}

func TestSearch_RejectsWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.begin(t, Search, "")

	res := f.res(t, "article", &article{ID: 1})
	for name, err := range map[string]error{
		"create":          p.Create(ctx, res),
		"update":          p.Update(ctx, res),
		"delete":          p.Delete(ctx, resource.Key{Alias: "article", IDs: []string{"1"}}),
		"delete by query": p.DeleteByQuery(ctx, qb.MatchAll()),
	} {
		if !errors.Is(err, errs.ErrSearchEngine) {
			t.Errorf("%s: expected search engine error, got %v", name, err)
		}
	}
	if _, err := p.Find(ctx, qb.MatchAll()); err != nil {
		t.Errorf("Find failed: %v", err)
	}
}

func TestReadCommitted_Isolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.begin(t, ReadCommitted, PolicyUpsert)

	mustDo(t, "Create", p.Create(ctx, f.res(t, "article", &article{ID: 1, Title: "draft"})))
	if got := uids(t, p, qb.Match("title", "draft")); !slices.Equal(got, []string{"article#1"}) {
		t.Errorf("own write not visible: %v", got)
	}
	got, err := p.Get(ctx, resource.Key{Alias: "article", IDs: []string{"1"}})
	if err != nil || len(got) != 1 {
		t.Errorf("Get own write = %v, %v", got, err)
	}
	if got := f.committed(t, qb.MatchAll()); len(got) != 0 {
		t.Errorf("other transactions see uncommitted data: %v", got)
	}

	mustDo(t, "Update", p.Update(ctx, f.res(t, "article", &article{ID: 1, Title: "final"})))
	if got := uids(t, p, qb.Match("title", "draft")); len(got) != 0 {
		t.Errorf("replaced version still visible: %v", got)
	}
	mustDo(t, "Delete", p.Delete(ctx, resource.Key{Alias: "article", IDs: []string{"1"}}))
	if got := uids(t, p, qb.MatchAll()); len(got) != 0 {
		t.Errorf("deleted resource still visible: %v", got)
	}
	mustDo(t, "Create", p.Create(ctx, f.res(t, "article", &article{ID: 2, Title: "kept"})))
	mustDo(t, "Commit", p.Commit(ctx, true))

	if got := f.committed(t, qb.MatchAll()); !slices.Equal(got, []string{"article#2"}) {
		t.Errorf("committed state = %v", got)
	}
}

func TestLucene_ReadsCommittedOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.begin(t, Lucene, PolicyUpsert)

	mustDo(t, "Create", p.Create(ctx, f.res(t, "article", &article{ID: 1})))
	if got := uids(t, p, qb.MatchAll()); len(got) != 0 {
		t.Errorf("lucene transaction reads staged writes: %v", got)
	}
	mustDo(t, "Flush", p.Flush(ctx))
	mustDo(t, "Commit", p.Commit(ctx, true))
	if got := f.committed(t, qb.MatchAll()); !slices.Equal(got, []string{"article#1"}) {
		t.Errorf("committed state = %v", got)
	}
}

func TestBatchInsert_UncommittedAccessFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.begin(t, BatchInsert, PolicyReject)

	mustDo(t, "Create", p.Create(ctx, f.res(t, "article", &article{ID: 1})))
	key := resource.Key{Alias: "article", IDs: []string{"1"}}
	if _, err := p.Get(ctx, key); !errors.Is(err, errs.ErrSearchEngine) {
		t.Errorf("Get of uncommitted resource: %v", err)
	}
	if err := p.Update(ctx, f.res(t, "article", &article{ID: 1})); !errors.Is(err, errs.ErrSearchEngine) {
		t.Errorf("Update of uncommitted resource: %v", err)
	}
	if err := p.Delete(ctx, key); !errors.Is(err, errs.ErrSearchEngine) {
		t.Errorf("Delete of uncommitted resource: %v", err)
	}
	mustDo(t, "Commit", p.Commit(ctx, true))

	q := f.begin(t, BatchInsert, PolicyReject)
	mustDo(t, "Create over existing", q.Create(ctx, f.res(t, "article", &article{ID: 1, Title: "again"})))
	mustDo(t, "Commit", q.Commit(ctx, true))
	if got := f.committed(t, qb.Match("title", "again")); !slices.Equal(got, []string{"article#1"}) {
		t.Errorf("batch create did not overwrite: %v", got)
	}
}

func TestCreatePolicy(t *testing.T) {
	for _, name := range []string{Lucene, ReadCommitted, MT} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			seed := f.begin(t, name, PolicyReject)
			mustDo(t, "Create", seed.Create(ctx, f.res(t, "article", &article{ID: 1, Title: "first"})))
			if err := seed.Create(ctx, f.res(t, "article", &article{ID: 1})); !errors.Is(err, errs.ErrAlreadyExists) {
				t.Errorf("duplicate create in one transaction: %v", err)
			}
			mustDo(t, "Commit", seed.Commit(ctx, true))

			reject := f.begin(t, name, PolicyReject)
			err := reject.Create(ctx, f.res(t, "article", &article{ID: 1}))
			if !errors.Is(err, errs.ErrAlreadyExists) || !errors.Is(err, errs.ErrSearchEngine) {
				t.Errorf("reject policy: %v", err)
			}
			mustDo(t, "Delete", reject.Delete(ctx, resource.Key{Alias: "article", IDs: []string{"1"}}))
			mustDo(t, "Create after delete", reject.Create(ctx, f.res(t, "article", &article{ID: 1, Title: "recreated"})))
			mustDo(t, "Rollback", reject.Rollback(ctx))

			upsert := f.begin(t, name, PolicyUpsert)
			mustDo(t, "Create", upsert.Create(ctx, f.res(t, "article", &article{ID: 1, Title: "second"})))
			mustDo(t, "Commit", upsert.Commit(ctx, true))
			if got := f.committed(t, qb.Match("title", "second")); !slices.Equal(got, []string{"article#1"}) {
				t.Errorf("upsert did not overwrite: %v", got)
			}
		})
	}
}

func TestPrepareThenRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.begin(t, ReadCommitted, PolicyUpsert)
	mustDo(t, "Create", p.Create(ctx, f.res(t, "article", &article{ID: 1})))
	mustDo(t, "Prepare", p.Prepare(ctx))
	mustDo(t, "Rollback", p.Rollback(ctx))
	if got := f.committed(t, qb.MatchAll()); len(got) != 0 {
		t.Errorf("rolled back writes visible: %v", got)
	}

	q := f.begin(t, ReadCommitted, PolicyUpsert)
	mustDo(t, "Create", q.Create(ctx, f.res(t, "article", &article{ID: 2})))
	mustDo(t, "Prepare", q.Prepare(ctx))
	mustDo(t, "Commit", q.Commit(ctx, false))
	if got := f.committed(t, qb.MatchAll()); !slices.Equal(got, []string{"article#2"}) {
		t.Errorf("committed state = %v", got)
	}
}

func TestFlushCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.begin(t, ReadCommitted, PolicyUpsert)

	mustDo(t, "Create", p.Create(ctx, f.res(t, "article", &article{ID: 1})))
	mustDo(t, "Create", p.Create(ctx, f.res(t, "special", &special{article: article{ID: 2}})))
	mustDo(t, "FlushCommit", p.FlushCommit(ctx, "special"))

	if got := f.committed(t, qb.MatchAll()); !slices.Equal(got, []string{"special#2"}) {
		t.Errorf("after FlushCommit = %v", got)
	}
	if p.State() != StateActive {
		t.Errorf("FlushCommit must keep the transaction active, state = %s", p.State())
	}
	if got := uids(t, p, qb.MatchAll()); !slices.Equal(got, []string{"article#1", "special#2"}) {
		t.Errorf("transaction view = %v", got)
	}
	mustDo(t, "Commit", p.Commit(ctx, true))
	if got := f.committed(t, qb.MatchAll()); len(got) != 2 {
		t.Errorf("after Commit = %v", got)
	}
}

func TestDeleteByQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := f.begin(t, Lucene, PolicyUpsert)
	mustDo(t, "Create", seed.Create(ctx, f.res(t, "article", &article{ID: 1, Title: "stale"})))
	mustDo(t, "Create", seed.Create(ctx, f.res(t, "article", &article{ID: 2, Title: "fresh"})))
	mustDo(t, "Commit", seed.Commit(ctx, true))

	p := f.begin(t, ReadCommitted, PolicyUpsert)
	mustDo(t, "Create", p.Create(ctx, f.res(t, "article", &article{ID: 3, Title: "stale too"})))
	mustDo(t, "DeleteByQuery", p.DeleteByQuery(ctx, qb.Term("title", "stale")))
	if got := uids(t, p, qb.MatchAll()); !slices.Equal(got, []string{"article#2"}) {
		t.Errorf("transaction view = %v", got)
	}
	mustDo(t, "Commit", p.Commit(ctx, true))
	if got := f.committed(t, qb.MatchAll()); !slices.Equal(got, []string{"article#2"}) {
		t.Errorf("committed state = %v", got)
	}
}

func TestMT_SharedAcrossGoroutines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.begin(t, MT, PolicyUpsert)

	var wg sync.WaitGroup
	errCh := make(chan error, 20)
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.m.Marshall("article", &article{ID: i, Title: fmt.Sprintf("doc %d", i)})
			if err == nil {
				err = p.Create(ctx, res)
			}
			if err == nil {
				_, err = p.Find(ctx, qb.MatchAll())
			}
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent call failed: %v", err)
		}
	}

	if got := uids(t, p, qb.MatchAll().Size(50)); len(got) != 20 {
		t.Errorf("transaction sees %d resources, want 20", len(got))
	}
	mustDo(t, "Commit", p.Commit(ctx, true))
	if got := f.committed(t, qb.MatchAll().Size(50)); len(got) != 20 {
		t.Errorf("committed %d resources, want 20", len(got))
	}
	if err := p.Create(ctx, f.res(t, "article", &article{ID: 99})); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Create after Commit: %v", err)
	}
}
