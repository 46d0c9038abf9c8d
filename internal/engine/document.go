package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/document"
	blevemapping "github.com/blevesearch/bleve/v2/mapping"
	index "github.com/blevesearch/bleve_index_api"

	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/resource"
)

const (
	// PayloadField stores the serialized resource of every document.
	PayloadField = "$/resource"

	// AllField is the composite default search field.
	AllField = "_all"

	// overlayField marks documents served from a transaction overlay.
	overlayField = "$/overlay"
)

// CreateIndexMapping creates the bleve mapping used for query analysis.
// Documents are built field by field, so the mapping only decides which
// fields are matched as keywords.
func CreateIndexMapping(reg *mapping.Registry) blevemapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()
	for _, alias := range reg.RootAliases() {
		for _, name := range reg.KeywordFields(alias) {
			addKeywordField(docMapping, name)
		}
	}

	payload := bleve.NewTextFieldMapping()
	payload.Index = false
	payload.Store = true
	docMapping.AddFieldMappingsAt(PayloadField, payload)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// addKeywordField registers name, which may contain dots, as a keyword
// field. bleve resolves field paths segment by segment.
func addKeywordField(dm *blevemapping.DocumentMapping, name string) {
	segments := strings.Split(name, ".")
	for _, seg := range segments[:len(segments)-1] {
		if dm.Properties == nil {
			dm.Properties = make(map[string]*blevemapping.DocumentMapping)
		}
		sub, ok := dm.Properties[seg]
		if !ok {
			sub = bleve.NewDocumentMapping()
			dm.AddSubDocumentMapping(seg, sub)
		}
		dm = sub
	}
	last := segments[len(segments)-1]
	if sub, ok := dm.Properties[last]; ok && len(sub.Fields) > 0 {
		return
	}
	field := bleve.NewTextFieldMapping()
	field.Analyzer = keyword.Name
	field.Store = false
	dm.AddFieldMappingsAt(last, field)
}

// documentBuilder turns resources into bleve documents.
type documentBuilder struct {
	analyzer analysis.Analyzer
}

func newDocumentBuilder(im blevemapping.IndexMapping) (*documentBuilder, error) {
	a := im.AnalyzerNamed(standard.Name)
	if a == nil {
		return nil, fmt.Errorf("analyzer %q is not registered", standard.Name)
	}
	return &documentBuilder{analyzer: a}, nil
}

// build creates the document of res. Every indexed property becomes a field
// (keyword properties are indexed as a single term), the alias is a keyword
// field and the whole resource is stored as JSON for reconstruction.
func (b *documentBuilder) build(res *resource.Resource, overlay bool) (*document.Document, error) {
	uid, err := res.UID()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resource %s: %w", uid, err)
	}

	doc := document.NewDocument(uid)
	doc.AddField(document.NewTextFieldCustom(resource.AliasProperty, nil, []byte(res.Alias()),
		index.IndexField|index.StoreField, nil))

	excluded := []string{resource.AliasProperty, PayloadField, overlayField}
	positions := make(map[string]uint64)
	for _, p := range res.All() {
		if !p.Indexed {
			continue
		}
		pos := positions[p.Name]
		positions[p.Name] = pos + 1

		opts := index.IndexField
		var analyzer analysis.Analyzer
		if p.Tokenized {
			opts |= index.IncludeTermVectors
			analyzer = b.analyzer
		}
		doc.AddField(document.NewTextFieldCustom(p.Name, []uint64{pos}, []byte(p.Value), opts, analyzer))
		if pos == 0 && mapping.IsManaged(p.Name) {
			excluded = append(excluded, p.Name)
		}
	}

	doc.AddField(document.NewTextFieldCustom(PayloadField, nil, payload, index.StoreField, nil))
	if overlay {
		doc.AddField(document.NewTextFieldCustom(overlayField, nil, []byte("1"), index.StoreField, nil))
	}
	doc.AddField(document.NewCompositeField(AllField, true, nil, excluded))
	return doc, nil
}

// decodeResource rebuilds a resource from its stored payload and binds the
// typed view of its alias.
func decodeResource(reg *mapping.Registry, payload []byte) (*resource.Resource, error) {
	res := &resource.Resource{}
	if err := json.Unmarshal(payload, res); err != nil {
		return nil, fmt.Errorf("failed to decode stored resource: %w", err)
	}
	res.Bind(reg.Binder(res.Alias()))
	return res, nil
}

// payloadOf extracts the stored payload from a loaded bleve document.
func payloadOf(doc index.Document) []byte {
	var payload []byte
	doc.VisitFields(func(f index.Field) {
		if f.Name() == PayloadField {
			payload = append([]byte(nil), f.Value()...)
		}
	})
	return payload
}
