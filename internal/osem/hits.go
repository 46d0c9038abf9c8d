package osem

import (
	"github.com/sha1n/osem/internal/engine"
	"github.com/sha1n/osem/internal/resource"
)

// Hits is one page of query results with their unmarshalled objects.
type Hits struct {
	hits *engine.Hits
	data []any
}

// Len returns the number of hits in the page.
func (h *Hits) Len() int { return h.hits.Len() }

// Total returns the number of matches, beyond the page.
func (h *Hits) Total() uint64 { return h.hits.Total() }

// Score returns the relevance score of hit i.
func (h *Hits) Score(i int) float64 { return h.hits.Score(i) }

// Resource returns the stored resource of hit i.
func (h *Hits) Resource(i int) *resource.Resource { return h.hits.Resource(i) }

// Data returns the object of hit i.
func (h *Hits) Data(i int) any { return h.data[i] }

// All returns the objects of every hit in order.
func (h *Hits) All() []any { return append([]any(nil), h.data...) }
