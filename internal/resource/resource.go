package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/sha1n/osem/internal/converter"
	"github.com/sha1n/osem/internal/errs"
)

const (
	// AliasProperty holds the alias of every resource in the index.
	AliasProperty = "alias"

	// NullValue is the text of a null property.
	NullValue = "$/null"
)

// Property is a single named value of a resource. Several properties may share
// a name; their order is significant.
type Property struct {
	Name      string  `json:"name"`
	Value     string  `json:"value"`
	Stored    bool    `json:"stored"`
	Indexed   bool    `json:"indexed"`
	Tokenized bool    `json:"tokenized"`
	Boost     float64 `json:"boost,omitempty"`
	// Null marks a placeholder for a nil value, kept so positional reads
	// stay aligned.
	Null bool `json:"null,omitempty"`

	conv converter.Converter
	typ  reflect.Type
}

// NewProperty creates a stored, indexed and tokenized property.
func NewProperty(name, value string) *Property {
	return &Property{Name: name, Value: value, Stored: true, Indexed: true, Tokenized: true}
}

// NewKeyword creates a stored, indexed, untokenized property.
func NewKeyword(name, value string) *Property {
	return &Property{Name: name, Value: value, Stored: true, Indexed: true}
}

// NewStoredOnly creates a property that is kept for reconstruction but not searchable.
func NewStoredOnly(name, value string) *Property {
	return &Property{Name: name, Value: value, Stored: true}
}

// NewNull creates the stored placeholder of a nil value.
func NewNull(name string) *Property {
	return &Property{Name: name, Value: NullValue, Stored: true, Null: true}
}

// WithConverter attaches the typed view used by Object.
func (p *Property) WithConverter(c converter.Converter, t reflect.Type) *Property {
	p.conv = c
	p.typ = t
	return p
}

// IsNull reports whether the property stands for a nil value.
func (p *Property) IsNull() bool {
	return p.Null
}

// Object returns the typed value of the property. Without a converter the raw
// string is returned.
func (p *Property) Object() (any, error) {
	if p.IsNull() {
		return nil, nil
	}
	if p.conv == nil || p.typ == nil {
		return p.Value, nil
	}
	v, err := p.conv.FromString(p.Value, p.typ)
	if err != nil {
		return nil, errs.Conversion("object", "", p.Name, p.Value, err)
	}
	return v.Interface(), nil
}

func (p *Property) clone() *Property {
	c := *p
	return &c
}

// Binder resolves the converter and Go type of a property by name.
type Binder func(name string) (converter.Converter, reflect.Type, bool)

// Resource is the flat, ordered, multi-valued property bag stored in the index.
type Resource struct {
	alias   string
	idNames []string
	props   []*Property
	boost   float64
}

// New creates an empty resource. idNames are the property names holding the
// id values, in mapping order.
func New(alias string, idNames ...string) *Resource {
	return &Resource{
		alias:   alias,
		idNames: append([]string(nil), idNames...),
		boost:   1,
	}
}

// Alias returns the alias of the resource.
func (r *Resource) Alias() string {
	return r.alias
}

// IDNames returns the id property names in mapping order.
func (r *Resource) IDNames() []string {
	return append([]string(nil), r.idNames...)
}

// Boost returns the resource level boost.
func (r *Resource) Boost() float64 {
	return r.boost
}

// SetBoost sets the resource level boost.
func (r *Resource) SetBoost(b float64) {
	r.boost = b
}

// AddProperty appends a property, preserving insertion order.
func (r *Resource) AddProperty(p *Property) *Resource {
	r.props = append(r.props, p)
	return r
}

// AddProperties appends several properties in order.
func (r *Resource) AddProperties(ps ...*Property) *Resource {
	r.props = append(r.props, ps...)
	return r
}

// Property returns the first property named name, or nil.
func (r *Resource) Property(name string) *Property {
	for _, p := range r.props {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Properties returns every property named name in insertion order.
func (r *Resource) Properties(name string) []*Property {
	var out []*Property
	for _, p := range r.props {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// All returns all properties in insertion order.
func (r *Resource) All() []*Property {
	return append([]*Property(nil), r.props...)
}

// Len returns the number of properties.
func (r *Resource) Len() int {
	return len(r.props)
}

// Value returns the string value of the first property named name, or "".
func (r *Resource) Value(name string) string {
	if p := r.Property(name); p != nil && !p.IsNull() {
		return p.Value
	}
	return ""
}

// Values returns the string values of every property named name. Null
// placeholders are skipped.
func (r *Resource) Values(name string) []string {
	var out []string
	for _, p := range r.props {
		if p.Name == name && !p.IsNull() {
			out = append(out, p.Value)
		}
	}
	return out
}

// Object returns the typed value of the first property named name.
func (r *Resource) Object(name string) (any, error) {
	p := r.Property(name)
	if p == nil {
		return nil, nil
	}
	return p.Object()
}

// Objects returns the typed values of every property named name.
func (r *Resource) Objects(name string) ([]any, error) {
	var out []any
	for _, p := range r.props {
		if p.Name != name || p.IsNull() {
			continue
		}
		v, err := p.Object()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// RemoveProperties removes every property named name and returns how many
// were removed.
func (r *Resource) RemoveProperties(name string) int {
	kept := r.props[:0]
	removed := 0
	for _, p := range r.props {
		if p.Name == name {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(r.props); i++ {
		r.props[i] = nil
	}
	r.props = kept
	return removed
}

// Copy replaces the content of r with a duplicate of other.
func (r *Resource) Copy(other *Resource) {
	r.alias = other.alias
	r.idNames = append([]string(nil), other.idNames...)
	r.boost = other.boost
	r.props = make([]*Property, len(other.props))
	for i, p := range other.props {
		r.props[i] = p.clone()
	}
}

// Clone returns an independent copy of r, suitable for handing to another session.
func (r *Resource) Clone() *Resource {
	c := &Resource{}
	c.Copy(r)
	return c
}

// Bind reattaches converters to properties, typically after loading from the index.
func (r *Resource) Bind(b Binder) {
	if b == nil {
		return
	}
	for _, p := range r.props {
		if c, t, ok := b(p.Name); ok {
			p.conv = c
			p.typ = t
		}
	}
}

// IDs returns the id values in mapping order. A missing id property is a
// mapping error.
func (r *Resource) IDs() ([]string, error) {
	if len(r.idNames) == 0 {
		return nil, errs.Mapping("ids", r.alias, "", "resource has no id properties")
	}
	ids := make([]string, len(r.idNames))
	for i, name := range r.idNames {
		p := r.Property(name)
		if p == nil || p.IsNull() {
			return nil, errs.Mapping("ids", r.alias, name, "id property is missing")
		}
		ids[i] = p.Value
	}
	return ids, nil
}

// IDsOrNil is the existence-check variant of IDs.
func (r *Resource) IDsOrNil() []string {
	ids, err := r.IDs()
	if err != nil {
		return nil
	}
	return ids
}

// ID returns the id values joined with the UID separator, or "" when missing.
func (r *Resource) ID() string {
	ids := r.IDsOrNil()
	if ids == nil {
		return ""
	}
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = escape(id)
	}
	return strings.Join(escaped, string(Separator))
}

// Key returns the key of the resource.
func (r *Resource) Key() (Key, error) {
	ids, err := r.IDs()
	if err != nil {
		return Key{}, err
	}
	return Key{Alias: r.alias, IDs: ids}, nil
}

// UID returns the unique id of the resource.
func (r *Resource) UID() (string, error) {
	k, err := r.Key()
	if err != nil {
		return "", err
	}
	return k.UID(), nil
}

func (r *Resource) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	sb.WriteString(r.alias)
	for _, p := range r.props {
		fmt.Fprintf(&sb, " %s=%q", p.Name, p.Value)
	}
	sb.WriteString("}")
	return sb.String()
}

type payload struct {
	Alias      string      `json:"alias"`
	IDNames    []string    `json:"ids,omitempty"`
	Boost      float64     `json:"boost,omitempty"`
	Properties []*Property `json:"properties"`
}

// MarshalJSON encodes the stored properties, in order.
func (r *Resource) MarshalJSON() ([]byte, error) {
	p := payload{Alias: r.alias, IDNames: r.idNames, Properties: make([]*Property, 0, len(r.props))}
	if r.boost != 1 {
		p.Boost = r.boost
	}
	for _, prop := range r.props {
		if prop.Stored {
			p.Properties = append(p.Properties, prop)
		}
	}
	return json.Marshal(p)
}

// UnmarshalJSON decodes a payload produced by MarshalJSON.
func (r *Resource) UnmarshalJSON(data []byte) error {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Alias == "" {
		return errors.New("resource payload has no alias")
	}
	r.alias = p.Alias
	r.idNames = p.IDNames
	r.props = p.Properties
	r.boost = 1
	if p.Boost != 0 {
		r.boost = p.Boost
	}
	return nil
}
