package mapping

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/sha1n/osem/internal/errs"
)

// TagName is the struct tag read by FromStruct.
//
//	ID       int       `osem:"id"`
//	Key      PK        `osem:"id,component=pk"`
//	Title    string    `osem:"property,boost=2"`
//	Code     string    `osem:"property,name=code,untokenized"`
//	Secret   string    `osem:"property,noindex"`
//	Address  *Address  `osem:"component,ref=address,prefix=addr_,maxdepth=2"`
//	Owner    *User     `osem:"reference,ref=user,cascade=save|delete"`
//	Internal string    `osem:"-"`
const TagName = "osem"

// ResourceOption customizes a mapping built by FromStruct.
type ResourceOption func(*ResourceMapping)

// Extends makes the alias inherit the mappings of the given aliases.
func Extends(aliases ...string) ResourceOption {
	return func(m *ResourceMapping) { m.Extends = append(m.Extends, aliases...) }
}

// AsComponent marks the alias as component only.
func AsComponent() ResourceOption {
	return func(m *ResourceMapping) { m.ComponentOnly = true }
}

// AsPoly forces a discriminator to be written for the alias.
func AsPoly() ResourceOption {
	return func(m *ResourceMapping) { m.Poly = true }
}

// InSubIndex stores the alias in the named sub-index.
func InSubIndex(name string) ResourceOption {
	return func(m *ResourceMapping) { m.SubIndex = name }
}

// WithoutUnmarshall makes loads of the alias return id-only instances.
func WithoutUnmarshall() ResourceOption {
	return func(m *ResourceMapping) { m.NoUnmarshall = true }
}

// WithDuplicates overrides the duplicate policy of the alias.
func WithDuplicates(p DuplicatePolicy) ResourceOption {
	return func(m *ResourceMapping) { m.Duplicates = p }
}

// WithoutOverride keeps inherited mappings next to redeclared ones.
func WithoutOverride() ResourceOption {
	return func(m *ResourceMapping) { m.DisableOverride = true }
}

// WithBoost sets the resource level boost.
func WithBoost(b float64) ResourceOption {
	return func(m *ResourceMapping) { m.Boost = b }
}

// FromStruct builds the mapping of alias from the osem tags of sample, which
// may be a struct value, a pointer to one or a reflect.Type. Untagged fields
// are ignored.
func FromStruct(alias string, sample any, opts ...ResourceOption) (*ResourceMapping, error) {
	t, ok := sample.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(sample)
	}
	t = deref(t)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, errs.Configuration("tags", alias, "sample must be a struct, got %v", t)
	}

	m := &ResourceMapping{Alias: alias, Type: t}
	for _, sf := range reflect.VisibleFields(t) {
		tag, ok := sf.Tag.Lookup(TagName)
		if !ok || tag == "-" || sf.Anonymous {
			continue
		}
		if !sf.IsExported() {
			return nil, errs.Configuration("tags", alias, "field %q is tagged but not exported", sf.Name)
		}
		node, err := parseTag(alias, sf.Name, tag)
		if err != nil {
			return nil, err
		}
		m.Mappings = append(m.Mappings, node)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func parseTag(alias, field, tag string) (Mapping, error) {
	parts := strings.Split(tag, ",")
	kind := strings.TrimSpace(parts[0])
	attrs := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		attrs[strings.ToLower(k)] = v
	}
	if _, ok := attrs["ref"]; !ok {
		attrs["ref"] = attrs["alias"]
	}

	bad := func(format string, args ...any) error {
		return errs.Configuration("tags", alias, "field %s: "+format, append([]any{field}, args...)...)
	}

	switch kind {
	case "id":
		return &IDMapping{
			FieldName: field,
			Name:      attrs["name"],
			Converter: attrs["converter"],
			Component: attrs["component"],
		}, nil

	case "", "property":
		pm := &PropertyMapping{FieldName: field, Name: attrs["name"], Converter: attrs["converter"]}
		_, pm.NoStore = attrs["nostore"]
		_, pm.NoIndex = attrs["noindex"]
		_, pm.Untokenized = attrs["untokenized"]
		if b, ok := attrs["boost"]; ok {
			f, err := strconv.ParseFloat(b, 64)
			if err != nil {
				return nil, bad("invalid boost %q", b)
			}
			pm.Boost = f
		}
		return pm, nil

	case "component":
		cm := &ComponentMapping{FieldName: field, RefAlias: attrs["ref"], Prefix: attrs["prefix"]}
		if d, ok := attrs["maxdepth"]; ok {
			n, err := strconv.Atoi(d)
			if err != nil || n < 1 {
				return nil, bad("invalid maxdepth %q", d)
			}
			cm.MaxDepth = n
		}
		return cm, nil

	case "reference":
		rm := &ReferenceMapping{FieldName: field, RefAlias: attrs["ref"]}
		if c, ok := attrs["cascade"]; ok {
			cascade, err := ParseCascade(c)
			if err != nil {
				return nil, bad("%v", err)
			}
			rm.Cascade = cascade
		}
		return rm, nil
	}
	return nil, bad("unknown mapping kind %q", kind)
}
