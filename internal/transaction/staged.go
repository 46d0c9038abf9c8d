package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sha1n/osem/internal/engine"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/resource"
)

type mode int

const (
	// modeLucene stages writes in the engine writer; reads see committed
	// state only.
	modeLucene mode = iota

	// modeBatch is modeLucene without create checks. Resources written by
	// the transaction cannot be read, updated or deleted before commit.
	modeBatch

	// modeReadCommitted also stages writes in an overlay so the transaction
	// reads its own writes.
	modeReadCommitted
)

// deleteQueryPage is the page size used to resolve delete-by-query through
// an overlay.
const deleteQueryPage = 500

var errUncommitted = errors.New("resource has uncommitted changes in a batch insert transaction")

type pending struct {
	uid string
	res *resource.Resource
}

// stagedProcessor buffers writes in an engine writer until commit.
type stagedProcessor struct {
	machine
	e      *engine.Engine
	policy CreatePolicy
	mode   mode

	w       *engine.Writer
	ov      *engine.Overlay
	queue   []pending
	written map[string]bool
}

func newStaged(name string, e *engine.Engine, policy CreatePolicy, m mode) *stagedProcessor {
	return &stagedProcessor{machine: newMachine(name), e: e, policy: policy, mode: m}
}

func (p *stagedProcessor) Begin(context.Context) error {
	if err := p.transition("begin", StateActive, StateIdle); err != nil {
		return err
	}
	w, err := p.e.NewWriter()
	if err != nil {
		p.set(StateIdle)
		return err
	}
	if p.mode == modeReadCommitted {
		if p.ov, err = p.e.NewOverlay(); err != nil {
			p.set(StateIdle)
			return err
		}
	}
	p.w = w
	p.written = make(map[string]bool)
	slog.Debug("Transaction begun", "tx", p.id, "isolation", p.name)
	return nil
}

func (p *stagedProcessor) Prepare(ctx context.Context) error {
	if err := p.expect("prepare", StateActive); err != nil {
		return err
	}
	if err := p.w.Prepare(ctx); err != nil {
		p.abort()
		slog.Error("Prepare failed, transaction rolled back", "tx", p.id, "error", err)
		return err
	}
	p.set(StatePrepared)
	slog.Debug("Transaction prepared", "tx", p.id)
	return nil
}

func (p *stagedProcessor) Commit(ctx context.Context, onePhase bool) error {
	state := p.State()
	switch {
	case state == StatePrepared:
	case state == StateActive && onePhase:
	default:
		return p.invalid("commit", state)
	}

	err := p.w.Commit(ctx, onePhase)
	p.release()
	if err != nil {
		p.set(StateRolledBack)
		slog.Error("Commit failed", "tx", p.id, "error", err)
		return err
	}
	p.set(StateCommitted)
	slog.Debug("Transaction committed", "tx", p.id, "one_phase", onePhase)
	return nil
}

func (p *stagedProcessor) Rollback(context.Context) error {
	if err := p.expect("rollback", StateActive, StatePrepared); err != nil {
		return err
	}
	p.abort()
	slog.Debug("Transaction rolled back", "tx", p.id)
	return nil
}

func (p *stagedProcessor) abort() {
	_ = p.w.Rollback()
	p.release()
	p.set(StateRolledBack)
}

func (p *stagedProcessor) release() {
	if p.ov != nil {
		if err := p.ov.Close(); err != nil {
			slog.Debug("Failed to close overlay", "tx", p.id, "error", err)
		}
		p.ov = nil
	}
	p.queue = nil
	p.written = nil
}

func (p *stagedProcessor) Flush(context.Context) error {
	if err := p.expect("flush", StateActive); err != nil {
		return err
	}
	return p.flushOverlay()
}

// flushOverlay moves queued writes into the overlay.
func (p *stagedProcessor) flushOverlay() error {
	if p.ov == nil {
		return nil
	}
	for len(p.queue) > 0 {
		next := p.queue[0]
		var err error
		if next.res != nil {
			err = p.ov.Put(next.res)
		} else {
			err = p.ov.Delete(next.uid)
		}
		if err != nil {
			return err
		}
		p.queue = p.queue[1:]
	}
	return nil
}

func (p *stagedProcessor) FlushCommit(ctx context.Context, aliases ...string) error {
	if err := p.expect("flush", StateActive); err != nil {
		return err
	}
	if err := p.flushOverlay(); err != nil {
		return err
	}
	if err := p.w.CommitSubset(ctx, aliases...); err != nil {
		return err
	}
	if len(aliases) == 0 {
		p.written = make(map[string]bool)
	}
	slog.Debug("Transaction flush committed", "tx", p.id, "aliases", aliases)
	return nil
}

func (p *stagedProcessor) Create(ctx context.Context, res *resource.Resource) error {
	if err := p.expect("create", StateActive); err != nil {
		return err
	}
	uid, err := res.UID()
	if err != nil {
		return err
	}
	if p.mode != modeBatch && p.policy == PolicyReject {
		exists, err := p.exists(ctx, res, uid)
		if err != nil {
			return err
		}
		if exists {
			return errs.SearchEngine("create", fmt.Errorf("%w: %s", errs.ErrAlreadyExists, uid))
		}
	}
	if err := p.w.Create(res); err != nil {
		return err
	}
	p.staged(uid, res)
	return nil
}

func (p *stagedProcessor) exists(ctx context.Context, res *resource.Resource, uid string) (bool, error) {
	if p.mode == modeLucene {
		if live, ok := p.written[uid]; ok {
			return live, nil
		}
	}
	if err := p.flushOverlay(); err != nil {
		return false, err
	}
	key, err := res.Key()
	if err != nil {
		return false, err
	}
	found, err := p.e.Get(ctx, key, p.ov)
	if err != nil {
		return false, err
	}
	for _, r := range found {
		if got, _ := r.UID(); got == uid {
			return true, nil
		}
	}
	return false, nil
}

func (p *stagedProcessor) Update(_ context.Context, res *resource.Resource) error {
	if err := p.expect("update", StateActive); err != nil {
		return err
	}
	uid, err := res.UID()
	if err != nil {
		return err
	}
	if err := p.batchGuard("update", uid); err != nil {
		return err
	}
	if err := p.w.Update(res); err != nil {
		return err
	}
	p.staged(uid, res)
	return nil
}

func (p *stagedProcessor) Delete(_ context.Context, key resource.Key) error {
	if err := p.expect("delete", StateActive); err != nil {
		return err
	}
	uid := key.UID()
	if err := p.batchGuard("delete", uid); err != nil {
		return err
	}
	if err := p.w.Delete(key); err != nil {
		return err
	}
	p.staged(uid, nil)
	return nil
}

// DeleteByQuery removes every match. Through an overlay the matches are
// resolved now, so staged resources are matched too; otherwise the writer
// resolves them against committed state when it is prepared.
func (p *stagedProcessor) DeleteByQuery(ctx context.Context, q *engine.Query) error {
	if err := p.expect("delete", StateActive); err != nil {
		return err
	}
	if p.ov == nil {
		return p.w.DeleteByQuery(q)
	}
	if err := p.flushOverlay(); err != nil {
		return err
	}

	var keys []resource.Key
	for from := 0; ; from += deleteQueryPage {
		hits, err := p.e.Find(ctx, q.From(from).Size(deleteQueryPage), p.ov)
		if err != nil {
			return err
		}
		for _, res := range hits.Resources() {
			key, err := res.Key()
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		if hits.Len() < deleteQueryPage {
			break
		}
	}
	for _, key := range keys {
		if err := p.w.Delete(key); err != nil {
			return err
		}
		p.staged(key.UID(), nil)
	}
	return nil
}

func (p *stagedProcessor) staged(uid string, res *resource.Resource) {
	p.written[uid] = res != nil
	if p.ov != nil {
		p.queue = append(p.queue, pending{uid: uid, res: res})
	}
}

func (p *stagedProcessor) batchGuard(op, uid string) error {
	if p.mode != modeBatch {
		return nil
	}
	if _, ok := p.written[uid]; ok {
		return errs.SearchEngine(op, fmt.Errorf("%w: %s", errUncommitted, uid))
	}
	return nil
}

func (p *stagedProcessor) Find(ctx context.Context, q *engine.Query) (*engine.Hits, error) {
	if err := p.expect("find", StateActive, StatePrepared); err != nil {
		return nil, err
	}
	if err := p.flushOverlay(); err != nil {
		return nil, err
	}
	return p.e.Find(ctx, q, p.ov)
}

func (p *stagedProcessor) Get(ctx context.Context, key resource.Key) ([]*resource.Resource, error) {
	if err := p.expect("get", StateActive, StatePrepared); err != nil {
		return nil, err
	}
	if p.mode == modeBatch {
		for _, uid := range polyUIDs(p.e, key) {
			if err := p.batchGuard("get", uid); err != nil {
				return nil, err
			}
		}
	}
	if err := p.flushOverlay(); err != nil {
		return nil, err
	}
	return p.e.Get(ctx, key, p.ov)
}
