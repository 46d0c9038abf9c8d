package marshall

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/sha1n/osem/internal/converter"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/resource"
)

type idPart struct {
	path string
	conv converter.Converter
	typ  reflect.Type
}

func idLeaves(m *mapping.ResourceMapping) []idPart {
	var out []idPart
	for _, id := range m.IDs() {
		comp := id.CompositeMapping()
		if comp == nil {
			out = append(out, idPart{path: id.Segment(), conv: id.ConverterFor(), typ: deref(id.FieldType())})
			continue
		}
		for _, child := range comp.Children() {
			pm := child.(*mapping.PropertyMapping)
			out = append(out, idPart{
				path: mapping.JoinPath(id.Segment(), pm.Segment()),
				conv: pm.ConverterFor(),
				typ:  deref(pm.FieldType()),
			})
		}
	}
	return out
}

// objectIDs extracts the stored form of the ids of m from the struct value v.
// The second result is false when m has no ids or one of them is nil.
func (e *Engine) objectIDs(m *mapping.ResourceMapping, v reflect.Value) ([]string, bool) {
	if len(m.IDs()) == 0 || !v.IsValid() {
		return nil, false
	}
	var ids []string
	for _, id := range m.IDs() {
		f := get(id, v)
		comp := id.CompositeMapping()
		if comp == nil {
			s, ok := leafString(id.ConverterFor(), f)
			if !ok {
				return nil, false
			}
			ids = append(ids, s)
			continue
		}
		cv := indirect(f)
		if !cv.IsValid() {
			return nil, false
		}
		for _, child := range comp.Children() {
			pm := child.(*mapping.PropertyMapping)
			s, ok := leafString(pm.ConverterFor(), get(pm, cv))
			if !ok {
				return nil, false
			}
			ids = append(ids, s)
		}
	}
	return ids, true
}

func leafString(conv converter.Converter, f reflect.Value) (string, bool) {
	if isNil(f) {
		return "", false
	}
	s, err := conv.ToString(indirect(f))
	if err != nil {
		return "", false
	}
	return s, true
}

// IDValues turns id into the ordered stored id values of alias. id may be a
// scalar, a composite id struct, a []string of stored values, a []any of
// values, or an object mapped by alias or an alias extending it.
func (e *Engine) IDValues(alias string, id any) ([]string, error) {
	m, err := e.reg.MustMapping(alias)
	if err != nil {
		return nil, err
	}
	leaves := idLeaves(m)
	if len(leaves) == 0 {
		return nil, errs.Mapping("ids", alias, "", "alias has no ids")
	}

	switch x := id.(type) {
	case nil:
		return nil, errs.Conversion("ids", alias, "", nil, errors.New("id is nil"))
	case []string:
		if len(x) != len(leaves) {
			return nil, errs.Conversion("ids", alias, "", x, fmt.Errorf("expected %d id values, got %d", len(leaves), len(x)))
		}
		return append([]string(nil), x...), nil
	case []any:
		if len(x) != len(leaves) {
			return nil, errs.Conversion("ids", alias, "", x, fmt.Errorf("expected %d id values, got %d", len(leaves), len(x)))
		}
		out := make([]string, len(x))
		for i, el := range x {
			s, err := leafValue(alias, leaves[i], reflect.ValueOf(el))
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	}

	v := indirect(reflect.ValueOf(id))
	if !v.IsValid() {
		return nil, errs.Conversion("ids", alias, "", nil, errors.New("id is nil"))
	}
	if v.Kind() == reflect.Struct && !converter.IsLeaf(v.Type()) {
		if len(m.IDs()) == 1 {
			if comp := m.IDs()[0].CompositeMapping(); comp != nil && comp.Type == v.Type() {
				out := make([]string, 0, len(leaves))
				for i, child := range comp.Children() {
					s, err := leafValue(alias, leaves[i], get(child, v))
					if err != nil {
						return nil, err
					}
					out = append(out, s)
				}
				return out, nil
			}
		}
		concrete, err := e.concreteMapping(alias, v.Type())
		if err != nil {
			return nil, err
		}
		ids, ok := e.objectIDs(concrete, v)
		if !ok {
			return nil, errs.Conversion("ids", concrete.Alias, "", nil, errors.New("object has no id"))
		}
		return ids, nil
	}

	if len(leaves) != 1 {
		return nil, errs.Conversion("ids", alias, "", id, fmt.Errorf("expected %d id values", len(leaves)))
	}
	s, err := leafValue(alias, leaves[0], v)
	if err != nil {
		return nil, err
	}
	return []string{s}, nil
}

// leafValue returns the stored form of one id value. Strings handed in for a
// non string id are parsed first so that converters normalizing the stored
// form are honored.
func leafValue(alias string, leaf idPart, v reflect.Value) (string, error) {
	v = indirect(v)
	if !v.IsValid() {
		return "", errs.Conversion("ids", alias, leaf.path, nil, errors.New("id is nil"))
	}
	if v.Kind() == reflect.String && leaf.typ.Kind() != reflect.String {
		parsed, err := leaf.conv.FromString(v.String(), leaf.typ)
		if err != nil {
			return "", errs.Conversion("ids", alias, leaf.path, v.Interface(), err)
		}
		v = parsed
	} else if v.Type() != leaf.typ && v.Type().ConvertibleTo(leaf.typ) {
		v = v.Convert(leaf.typ)
	}
	s, err := leaf.conv.ToString(v)
	if err != nil {
		return "", errs.Conversion("ids", alias, leaf.path, v.Interface(), err)
	}
	return s, nil
}

// Key returns the key of the mapped root object obj. An empty alias is
// resolved from the Go type of obj.
func (e *Engine) Key(alias string, obj any) (resource.Key, error) {
	target := indirect(reflect.ValueOf(obj))
	if !target.IsValid() {
		return resource.Key{}, errs.Conversion("key", alias, "", nil, errNilObject)
	}
	m, err := e.rootMapping(alias, target.Type())
	if err != nil {
		return resource.Key{}, err
	}
	ids, ok := e.objectIDs(m, target)
	if !ok {
		return resource.Key{}, errs.Conversion("key", m.Alias, "", nil, errors.New("object has no id"))
	}
	return resource.Key{Alias: m.Alias, IDs: ids}, nil
}

// Target is an object reached through a cascading reference.
type Target struct {
	Key    resource.Key
	Object any
}

type cascader struct {
	e       *Engine
	op      mapping.Cascade
	seen    map[string]struct{}
	visited map[frame]struct{}
	out     []Target
}

// Cascades lists the objects referenced from obj, through its components and
// collections, whose reference mapping cascades op. Every target appears
// once; obj itself is never listed.
func (e *Engine) Cascades(alias string, obj any, op mapping.Cascade) ([]Target, error) {
	v := reflect.ValueOf(obj)
	target := indirect(v)
	if !target.IsValid() {
		return nil, errs.Conversion("cascade", alias, "", nil, errNilObject)
	}
	m, err := e.rootMapping(alias, target.Type())
	if err != nil {
		return nil, err
	}

	c := &cascader{
		e:       e,
		op:      op,
		seen:    make(map[string]struct{}),
		visited: make(map[frame]struct{}),
	}
	if ids, ok := e.objectIDs(m, target); ok {
		c.seen[resource.UID(m.Alias, ids...)] = struct{}{}
	}
	if ptr := pointerOf(v); ptr != 0 {
		c.visited[frame{alias: m.Alias, ptr: ptr}] = struct{}{}
	}
	if err := c.object(m, target); err != nil {
		return nil, err
	}
	return c.out, nil
}

func (c *cascader) object(m *mapping.ResourceMapping, v reflect.Value) error {
	for _, child := range m.Children() {
		f := get(child, v)
		switch n := child.(type) {
		case *mapping.ComponentMapping:
			if err := c.component(n, f); err != nil {
				return err
			}
		case *mapping.ReferenceMapping:
			if err := c.reference(n, f); err != nil {
				return err
			}
		case *mapping.CollectionMapping:
			if !f.IsValid() {
				continue
			}
			for i := 0; i < f.Len(); i++ {
				var err error
				switch em := n.Element.(type) {
				case *mapping.ComponentMapping:
					err = c.component(em, f.Index(i))
				case *mapping.ReferenceMapping:
					err = c.reference(em, f.Index(i))
				}
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *cascader) component(n *mapping.ComponentMapping, f reflect.Value) error {
	target := indirect(f)
	if !target.IsValid() {
		return nil
	}
	concrete, err := c.e.concreteMapping(n.RefAlias, target.Type())
	if err != nil {
		return err
	}
	if ptr := pointerOf(f); ptr != 0 {
		fr := frame{alias: concrete.Alias, ptr: ptr}
		if _, ok := c.visited[fr]; ok {
			return nil
		}
		c.visited[fr] = struct{}{}
	}
	return c.object(concrete, target)
}

func (c *cascader) reference(n *mapping.ReferenceMapping, f reflect.Value) error {
	if !n.Cascade.Has(c.op) {
		return nil
	}
	target := indirect(f)
	if !target.IsValid() {
		return nil
	}
	concrete, err := c.e.concreteMapping(n.RefAlias, target.Type())
	if err != nil {
		return err
	}
	ids, ok := c.e.objectIDs(concrete, target)
	if !ok {
		return errs.Conversion("cascade", concrete.Alias, n.Segment(), nil, errors.New("referenced object has no id"))
	}
	key := resource.Key{Alias: concrete.Alias, IDs: ids}
	uid := key.UID()
	if _, dup := c.seen[uid]; dup {
		return nil
	}
	c.seen[uid] = struct{}{}

	obj := f.Interface()
	if f.Kind() == reflect.Interface {
		obj = f.Elem().Interface()
	}
	c.out = append(c.out, Target{Key: key, Object: obj})
	return nil
}
