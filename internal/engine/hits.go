package engine

import "github.com/sha1n/osem/internal/resource"

// Hits are the resources matched by a query, in relevance order.
type Hits struct {
	resources []*resource.Resource
	scores    []float64
	total     uint64
}

// Len returns the number of returned hits.
func (h *Hits) Len() int {
	return len(h.resources)
}

// Total returns the number of matches before paging.
func (h *Hits) Total() uint64 {
	return h.total
}

// Resource returns the i-th hit.
func (h *Hits) Resource(i int) *resource.Resource {
	return h.resources[i]
}

// Resources returns every hit.
func (h *Hits) Resources() []*resource.Resource {
	return append([]*resource.Resource(nil), h.resources...)
}

// Score returns the relevance score of the i-th hit.
func (h *Hits) Score(i int) float64 {
	return h.scores[i]
}
