package engine

import (
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/resource"
)

// OverlayName names the overlay index inside a search alias.
const OverlayName = "$overlay"

// Overlay holds the uncommitted writes of one transaction so that its own
// reads see them. Committed documents with a masked UID are hidden; the
// staged version, if any, is served from the overlay index instead.
type Overlay struct {
	e      *Engine
	idx    bleve.Index
	mu     sync.RWMutex
	masked map[string]*resource.Resource
}

// NewOverlay creates an empty in-memory overlay.
func (e *Engine) NewOverlay() (*Overlay, error) {
	idx, err := bleve.NewMemOnly(e.im)
	if err != nil {
		return nil, errs.SearchEngine("overlay", err)
	}
	idx.SetName(OverlayName)
	return &Overlay{e: e, idx: idx, masked: make(map[string]*resource.Resource)}, nil
}

// Put stages res, replacing any earlier staged or committed version.
func (o *Overlay) Put(res *resource.Resource) error {
	doc, err := o.e.docs.build(res, true)
	if err != nil {
		return err
	}
	b := o.idx.NewBatch()
	if err := b.IndexAdvanced(doc); err != nil {
		return errs.SearchEngine("overlay", err)
	}
	if err := o.idx.Batch(b); err != nil {
		return errs.SearchEngine("overlay", err)
	}

	o.mu.Lock()
	o.masked[doc.ID()] = res.Clone()
	o.mu.Unlock()
	return nil
}

// Delete hides uid, staged or committed.
func (o *Overlay) Delete(uid string) error {
	if err := o.idx.Delete(uid); err != nil {
		return errs.SearchEngine("overlay", err)
	}
	o.mu.Lock()
	o.masked[uid] = nil
	o.mu.Unlock()
	return nil
}

// Masked reports whether uid was written by the transaction.
func (o *Overlay) Masked(uid string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.masked[uid]
	return ok
}

// MaskedLen returns the number of masked UIDs.
func (o *Overlay) MaskedLen() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.masked)
}

// Resource returns the staged version of uid. The second result is false
// when uid is not staged or was deleted.
func (o *Overlay) Resource(uid string) (*resource.Resource, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	res := o.masked[uid]
	if res == nil {
		return nil, false
	}
	return res.Clone(), true
}

// Close releases the overlay index.
func (o *Overlay) Close() error {
	return o.idx.Close()
}
