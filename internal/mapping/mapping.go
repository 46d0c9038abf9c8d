package mapping

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sha1n/osem/internal/converter"
)

// DefaultMaxDepth bounds how many times a component alias may nest inside
// itself before the occurrence is truncated to its ids.
const DefaultMaxDepth = 3

// Kind tags the closed set of mapping variants.
type Kind int

const (
	KindResource Kind = iota + 1
	KindID
	KindProperty
	KindComponent
	KindReference
	KindCollection
)

func (k Kind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindID:
		return "id"
	case KindProperty:
		return "property"
	case KindComponent:
		return "component"
	case KindReference:
		return "reference"
	case KindCollection:
		return "collection"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Mapping is a node of an alias mapping tree.
type Mapping interface {
	Kind() Kind
	// Field is the Go struct field the node reads and writes.
	Field() string
	// Segment is the node's element of a dotted property path.
	Segment() string

	clone() Mapping
}

// DuplicatePolicy selects how repeated component instances are marshalled.
type DuplicatePolicy int

const (
	// DuplicatesDefault defers to the marshaller default.
	DuplicatesDefault DuplicatePolicy = iota
	// DuplicatesFilter writes repeated id-bearing instances once and their ids afterwards.
	DuplicatesFilter
	// DuplicatesMarshall re-marshalls every occurrence.
	DuplicatesMarshall
)

// accessor reads and writes a (possibly promoted) struct field.
type accessor struct {
	index []int
	typ   reflect.Type
}

// FieldType returns the declared Go type of the field.
func (a *accessor) FieldType() reflect.Type {
	return a.typ
}

// Get returns the field of struct value v. The second result is false when an
// embedded pointer on the way is nil.
func (a *accessor) Get(v reflect.Value) (reflect.Value, bool) {
	f, err := v.FieldByIndexErr(a.index)
	if err != nil {
		return reflect.Value{}, false
	}
	return f, true
}

// Set assigns x to the field of the addressable struct value v, allocating
// nil embedded pointers on the way.
func (a *accessor) Set(v reflect.Value, x reflect.Value) {
	for i, idx := range a.index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(idx)
	}
	v.Set(x)
}

// IDMapping maps an id field. A struct-typed id is a composite id described by
// the Component alias.
type IDMapping struct {
	FieldName string
	// Name is the user-facing property name; defaults to the segment.
	Name      string
	Converter string
	// Component is the alias describing a composite id.
	Component string

	accessor
	segment   string
	conv      converter.Converter
	component *ResourceMapping
}

func (m *IDMapping) Kind() Kind      { return KindID }
func (m *IDMapping) Field() string   { return m.FieldName }
func (m *IDMapping) Segment() string { return m.segment }

func (m *IDMapping) clone() Mapping {
	c := *m
	return &c
}

// PropertyName returns the user-facing property name.
func (m *IDMapping) PropertyName() string {
	return m.Name
}

// ConverterFor returns the resolved converter of a simple id.
func (m *IDMapping) ConverterFor() converter.Converter {
	return m.conv
}

// CompositeMapping returns the component mapping of a composite id, or nil.
func (m *IDMapping) CompositeMapping() *ResourceMapping {
	return m.component
}

// PropertyMapping maps a leaf field.
type PropertyMapping struct {
	FieldName   string
	Name        string
	NoStore     bool
	NoIndex     bool
	Untokenized bool
	Boost       float64
	Converter   string

	accessor
	segment string
	conv    converter.Converter
}

func (m *PropertyMapping) Kind() Kind      { return KindProperty }
func (m *PropertyMapping) Field() string   { return m.FieldName }
func (m *PropertyMapping) Segment() string { return m.segment }

func (m *PropertyMapping) clone() Mapping {
	c := *m
	return &c
}

// PropertyName returns the user-facing property name.
func (m *PropertyMapping) PropertyName() string {
	return m.Name
}

// ConverterFor returns the resolved converter.
func (m *PropertyMapping) ConverterFor() converter.Converter {
	return m.conv
}

// ComponentMapping embeds the mapping tree of another alias.
type ComponentMapping struct {
	FieldName string
	RefAlias  string
	// Prefix is prepended to the user-facing names of the embedded properties.
	Prefix   string
	MaxDepth int

	accessor
	segment string
	ref     *ResourceMapping
}

func (m *ComponentMapping) Kind() Kind      { return KindComponent }
func (m *ComponentMapping) Field() string   { return m.FieldName }
func (m *ComponentMapping) Segment() string { return m.segment }

func (m *ComponentMapping) clone() Mapping {
	c := *m
	return &c
}

// Ref returns the embedded alias mapping.
func (m *ComponentMapping) Ref() *ResourceMapping {
	return m.ref
}

// ReferenceMapping links to another root alias by id.
type ReferenceMapping struct {
	FieldName string
	RefAlias  string
	Cascade   Cascade

	accessor
	segment string
	ref     *ResourceMapping
}

func (m *ReferenceMapping) Kind() Kind      { return KindReference }
func (m *ReferenceMapping) Field() string   { return m.FieldName }
func (m *ReferenceMapping) Segment() string { return m.segment }

func (m *ReferenceMapping) clone() Mapping {
	c := *m
	return &c
}

// Ref returns the referenced alias mapping.
func (m *ReferenceMapping) Ref() *ResourceMapping {
	return m.ref
}

// CollectionMapping maps a slice or array field. Element is the mapping of
// one element; it is a property, component or reference mapping.
type CollectionMapping struct {
	FieldName string
	Element   Mapping

	accessor
	segment string
}

func (m *CollectionMapping) Kind() Kind      { return KindCollection }
func (m *CollectionMapping) Field() string   { return m.FieldName }
func (m *CollectionMapping) Segment() string { return m.segment }

func (m *CollectionMapping) clone() Mapping {
	c := *m
	if m.Element != nil {
		c.Element = m.Element.clone()
	}
	return &c
}

// ResourceMapping is the mapping of an alias.
type ResourceMapping struct {
	Alias string
	Type  reflect.Type
	// ComponentOnly aliases can only be embedded; they are never stored on their own.
	ComponentOnly bool
	// Contract aliases have no Go type and only contribute mappings to aliases
	// that extend them.
	Contract bool
	Extends  []string
	Poly     bool
	// SubIndex defaults to the alias.
	SubIndex        string
	NoUnmarshall    bool
	Duplicates      DuplicatePolicy
	DisableOverride bool
	Boost           float64
	Mappings        []Mapping

	ids       []*IDMapping
	children  []Mapping
	extending []string
	resolved  bool
}

func (m *ResourceMapping) Kind() Kind      { return KindResource }
func (m *ResourceMapping) Field() string   { return "" }
func (m *ResourceMapping) Segment() string { return "" }

func (m *ResourceMapping) clone() Mapping {
	c := *m
	return &c
}

// IsRoot reports whether resources of this alias are stored on their own.
func (m *ResourceMapping) IsRoot() bool {
	return !m.ComponentOnly && !m.Contract
}

// IDs returns the resolved id mappings in declaration order.
func (m *ResourceMapping) IDs() []*IDMapping {
	return m.ids
}

// Children returns the resolved mappings, ids included, in declaration order.
func (m *ResourceMapping) Children() []Mapping {
	return m.children
}

// ExtendingAliases returns every alias that extends this one, directly or not.
func (m *ResourceMapping) ExtendingAliases() []string {
	return append([]string(nil), m.extending...)
}

// IsPoly reports whether a discriminator must be written for this alias.
func (m *ResourceMapping) IsPoly() bool {
	return m.Poly || len(m.extending) > 0
}

// SubIndexName returns the sub-index storing this alias.
func (m *ResourceMapping) SubIndexName() string {
	if m.SubIndex != "" {
		return m.SubIndex
	}
	return m.Alias
}

// FilterDuplicates resolves the duplicate policy against the given default.
func (m *ResourceMapping) FilterDuplicates(def bool) bool {
	switch m.Duplicates {
	case DuplicatesFilter:
		return true
	case DuplicatesMarshall:
		return false
	}
	return def
}

// IDPaths returns the dotted paths of the id values below prefix, in mapping
// order. Composite ids contribute one path per component property.
func (m *ResourceMapping) IDPaths(prefix string) []string {
	var paths []string
	for _, id := range m.ids {
		p := JoinPath(prefix, id.segment)
		if id.component == nil {
			paths = append(paths, p)
			continue
		}
		for _, child := range id.component.children {
			paths = append(paths, JoinPath(p, child.Segment()))
		}
	}
	return paths
}

// IDNames returns the managed id property names of a root resource.
func (m *ResourceMapping) IDNames() []string {
	paths := m.IDPaths("")
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = ManagedName(m.Alias, p)
	}
	return names
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[n:]
}

// JoinPath joins dotted path elements, skipping empty ones.
func JoinPath(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}
