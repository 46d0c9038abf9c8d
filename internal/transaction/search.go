package transaction

import (
	"context"
	"errors"

	"github.com/sha1n/osem/internal/engine"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/resource"
)

var errSearchOnly = errors.New("operation not allowed on a search-only transaction")

// searchProcessor reads committed state and rejects every write. Lifecycle
// calls only move the state machine.
type searchProcessor struct {
	machine
	e *engine.Engine
}

func newSearch(e *engine.Engine) *searchProcessor {
	return &searchProcessor{machine: newMachine(Search), e: e}
}

func (p *searchProcessor) Begin(context.Context) error {
	return p.transition("begin", StateActive, StateIdle)
}

func (p *searchProcessor) Prepare(context.Context) error {
	return p.transition("prepare", StatePrepared, StateActive)
}

func (p *searchProcessor) Commit(_ context.Context, onePhase bool) error {
	if onePhase {
		return p.transition("commit", StateCommitted, StateActive, StatePrepared)
	}
	return p.transition("commit", StateCommitted, StatePrepared)
}

func (p *searchProcessor) Rollback(context.Context) error {
	return p.transition("rollback", StateRolledBack, StateActive, StatePrepared)
}

func (p *searchProcessor) Flush(context.Context) error {
	return p.expect("flush", StateActive)
}

func (p *searchProcessor) FlushCommit(context.Context, ...string) error {
	return p.expect("flush", StateActive)
}

func (p *searchProcessor) Create(context.Context, *resource.Resource) error {
	return errs.SearchEngine("create", errSearchOnly)
}

func (p *searchProcessor) Update(context.Context, *resource.Resource) error {
	return errs.SearchEngine("update", errSearchOnly)
}

func (p *searchProcessor) Delete(context.Context, resource.Key) error {
	return errs.SearchEngine("delete", errSearchOnly)
}

func (p *searchProcessor) DeleteByQuery(context.Context, *engine.Query) error {
	return errs.SearchEngine("delete", errSearchOnly)
}

func (p *searchProcessor) Find(ctx context.Context, q *engine.Query) (*engine.Hits, error) {
	if err := p.expect("find", StateActive, StatePrepared); err != nil {
		return nil, err
	}
	return p.e.Find(ctx, q, nil)
}

func (p *searchProcessor) Get(ctx context.Context, key resource.Key) ([]*resource.Resource, error) {
	if err := p.expect("get", StateActive, StatePrepared); err != nil {
		return nil, err
	}
	return p.e.Get(ctx, key, nil)
}
