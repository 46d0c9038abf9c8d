package engine

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Query is a search over the index, optionally restricted to aliases.
// Queries are immutable; Alias, Size and From return copies.
type Query struct {
	q       query.Query
	aliases []string
	size    int
	from    int
}

// Aliases returns the aliases the query is restricted to.
func (q *Query) Aliases() []string {
	return append([]string(nil), q.aliases...)
}

// Alias restricts the query to aliases. Resources of aliases extending them
// match as well.
func (q *Query) Alias(aliases ...string) *Query {
	c := *q
	c.aliases = append(append([]string(nil), q.aliases...), aliases...)
	return &c
}

// Size caps the number of hits. Zero uses the engine default.
func (q *Query) Size(n int) *Query {
	c := *q
	c.size = n
	return &c
}

// From skips the first n hits.
func (q *Query) From(n int) *Query {
	c := *q
	c.from = n
	return &c
}

// SizeLimit returns the configured size, zero when unset.
func (q *Query) SizeLimit() int {
	return q.size
}

// Offset returns the number of skipped hits.
func (q *Query) Offset() int {
	return q.from
}

// QueryBuilder creates queries. An empty field searches the composite
// default field.
type QueryBuilder struct{}

// MatchAll matches every resource.
func (QueryBuilder) MatchAll() *Query {
	return &Query{q: bleve.NewMatchAllQuery()}
}

// QueryString parses the bleve query string syntax, e.g. `value:foo +id:1`.
func (QueryBuilder) QueryString(s string) *Query {
	return &Query{q: bleve.NewQueryStringQuery(s)}
}

// Term matches an exact, unanalyzed term.
func (QueryBuilder) Term(field, term string) *Query {
	tq := bleve.NewTermQuery(term)
	tq.SetField(defaultField(field))
	return &Query{q: tq}
}

// Match analyzes text and matches any of its terms.
func (QueryBuilder) Match(field, text string) *Query {
	mq := bleve.NewMatchQuery(text)
	mq.SetField(defaultField(field))
	return &Query{q: mq}
}

// Phrase matches the analyzed terms of phrase in order.
func (QueryBuilder) Phrase(field, phrase string) *Query {
	pq := bleve.NewMatchPhraseQuery(phrase)
	pq.SetField(defaultField(field))
	return &Query{q: pq}
}

// Prefix matches terms starting with prefix.
func (QueryBuilder) Prefix(field, prefix string) *Query {
	pq := bleve.NewPrefixQuery(prefix)
	pq.SetField(defaultField(field))
	return &Query{q: pq}
}

// Wildcard matches terms against a pattern using * and ?.
func (QueryBuilder) Wildcard(field, pattern string) *Query {
	wq := bleve.NewWildcardQuery(pattern)
	wq.SetField(defaultField(field))
	return &Query{q: wq}
}

// Range matches terms between min and max in lexical order. An empty bound
// is open. Values written by the padded converter sort numerically.
func (QueryBuilder) Range(field, min, max string, inclusive bool) *Query {
	rq := bleve.NewTermRangeInclusiveQuery(min, max, &inclusive, &inclusive)
	rq.SetField(defaultField(field))
	return &Query{q: rq}
}

// Bool starts a boolean query.
func (QueryBuilder) Bool() *BoolBuilder {
	return &BoolBuilder{}
}

// BoolBuilder combines queries with must, should and must-not clauses.
type BoolBuilder struct {
	must, should, mustNot []query.Query
}

// Must adds required clauses.
func (b *BoolBuilder) Must(qs ...*Query) *BoolBuilder {
	b.must = append(b.must, unwrap(qs)...)
	return b
}

// Should adds optional clauses; at least one must match when there are no
// required clauses.
func (b *BoolBuilder) Should(qs ...*Query) *BoolBuilder {
	b.should = append(b.should, unwrap(qs)...)
	return b
}

// MustNot adds excluding clauses.
func (b *BoolBuilder) MustNot(qs ...*Query) *BoolBuilder {
	b.mustNot = append(b.mustNot, unwrap(qs)...)
	return b
}

// Build returns the combined query.
func (b *BoolBuilder) Build() *Query {
	bq := bleve.NewBooleanQuery()
	if len(b.must) > 0 {
		bq.AddMust(b.must...)
	}
	if len(b.should) > 0 {
		bq.AddShould(b.should...)
	}
	if len(b.mustNot) > 0 {
		bq.AddMustNot(b.mustNot...)
		if len(b.must) == 0 && len(b.should) == 0 {
			bq.AddMust(bleve.NewMatchAllQuery())
		}
	}
	return &Query{q: bq}
}

func unwrap(qs []*Query) []query.Query {
	out := make([]query.Query, 0, len(qs))
	for _, q := range qs {
		if q != nil {
			out = append(out, q.q)
		}
	}
	return out
}

func defaultField(field string) string {
	if field == "" {
		return AllField
	}
	return field
}
