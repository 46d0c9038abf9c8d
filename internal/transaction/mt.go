package transaction

import (
	"context"
	"sync"

	"github.com/sha1n/osem/internal/engine"
	"github.com/sha1n/osem/internal/resource"
)

type task struct {
	fn   func() error
	done chan error
}

// mtProcessor serializes every call of a shared transaction on one worker
// goroutine that owns the inner processor and its writer. The worker runs
// from Begin until Commit or Rollback.
type mtProcessor struct {
	inner *stagedProcessor

	mu    sync.RWMutex
	tasks chan task
	wg    sync.WaitGroup
}

func newMT(inner *stagedProcessor) *mtProcessor {
	return &mtProcessor{inner: inner}
}

func (p *mtProcessor) ID() string   { return p.inner.ID() }
func (p *mtProcessor) Name() string { return p.inner.Name() }
func (p *mtProcessor) State() State { return p.inner.State() }

func (p *mtProcessor) start() {
	p.tasks = make(chan task)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for t := range p.tasks {
			t.done <- t.fn()
		}
	}()
}

// stop ends the worker once it drained pending tasks. Callers hold p.mu.
func (p *mtProcessor) stop() {
	close(p.tasks)
	p.tasks = nil
	p.wg.Wait()
}

// run executes fn on the worker. Without a worker fn runs inline so the
// inner processor reports the state error.
func (p *mtProcessor) run(ctx context.Context, fn func() error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.tasks == nil {
		return fn()
	}

	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-t.done
}

// finish runs a terminal call on the worker and then stops it.
func (p *mtProcessor) finish(ctx context.Context, fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tasks == nil {
		return fn()
	}
	t := task{fn: fn, done: make(chan error, 1)}
	p.tasks <- t
	err := <-t.done
	if s := p.inner.State(); s != StateActive && s != StatePrepared {
		p.stop()
	}
	return err
}

func (p *mtProcessor) Begin(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.inner.Begin(ctx); err != nil {
		return err
	}
	p.start()
	return nil
}

func (p *mtProcessor) Prepare(ctx context.Context) error {
	return p.finish(ctx, func() error { return p.inner.Prepare(ctx) })
}

func (p *mtProcessor) Commit(ctx context.Context, onePhase bool) error {
	return p.finish(ctx, func() error { return p.inner.Commit(ctx, onePhase) })
}

func (p *mtProcessor) Rollback(ctx context.Context) error {
	return p.finish(ctx, func() error { return p.inner.Rollback(ctx) })
}

func (p *mtProcessor) Flush(ctx context.Context) error {
	return p.run(ctx, func() error { return p.inner.Flush(ctx) })
}

func (p *mtProcessor) FlushCommit(ctx context.Context, aliases ...string) error {
	return p.run(ctx, func() error { return p.inner.FlushCommit(ctx, aliases...) })
}

func (p *mtProcessor) Create(ctx context.Context, res *resource.Resource) error {
	return p.run(ctx, func() error { return p.inner.Create(ctx, res) })
}

func (p *mtProcessor) Update(ctx context.Context, res *resource.Resource) error {
	return p.run(ctx, func() error { return p.inner.Update(ctx, res) })
}

func (p *mtProcessor) Delete(ctx context.Context, key resource.Key) error {
	return p.run(ctx, func() error { return p.inner.Delete(ctx, key) })
}

func (p *mtProcessor) DeleteByQuery(ctx context.Context, q *engine.Query) error {
	return p.run(ctx, func() error { return p.inner.DeleteByQuery(ctx, q) })
}

func (p *mtProcessor) Find(ctx context.Context, q *engine.Query) (*engine.Hits, error) {
	var hits *engine.Hits
	err := p.run(ctx, func() error {
		var err error
		hits, err = p.inner.Find(ctx, q)
		return err
	})
	return hits, err
}

func (p *mtProcessor) Get(ctx context.Context, key resource.Key) ([]*resource.Resource, error) {
	var out []*resource.Resource
	err := p.run(ctx, func() error {
		var err error
		out, err = p.inner.Get(ctx, key)
		return err
	})
	return out, err
}
