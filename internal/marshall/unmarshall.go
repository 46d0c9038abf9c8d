package marshall

import (
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/sha1n/osem/internal/converter"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/resource"
)

// Cache is the identity map consulted while unmarshalling. The session first
// level cache satisfies it.
type Cache interface {
	Get(key resource.Key) (any, bool)
	Put(key resource.Key, obj any)
}

// Loader loads the root object referenced by alias and ids. It returns nil
// when nothing is stored under the key.
type Loader func(alias string, ids []string) (any, error)

// Context carries the session collaborators of an unmarshall call. Both
// fields are optional.
type Context struct {
	Cache  Cache
	Loader Loader
}

type mapCache map[string]any

func (c mapCache) Get(k resource.Key) (any, bool) {
	v, ok := c[k.UID()]
	return v, ok
}

func (c mapCache) Put(k resource.Key, obj any) {
	c[k.UID()] = obj
}

type unmarshaller struct {
	e       *Engine
	root    string
	byName  map[string][]*resource.Property
	cursor  map[string]int
	cache   Cache
	loader  Loader
	scratch int
}

// Unmarshall rebuilds the object stored in res and returns a pointer to it.
// Instances are registered in the context cache as soon as their ids are
// known, so two occurrences of the same key resolve to one instance.
func (e *Engine) Unmarshall(res *resource.Resource, ctx *Context) (any, error) {
	if res == nil {
		return nil, errs.Conversion("unmarshall", "", "", nil, errors.New("resource is nil"))
	}
	m, err := e.reg.MustMapping(res.Alias())
	if err != nil {
		return nil, err
	}
	if !m.IsRoot() {
		return nil, errs.Mapping("unmarshall", m.Alias, "", "alias is not a root alias")
	}

	u := e.newUnmarshaller(res, ctx)
	ids, err := res.IDs()
	if err != nil {
		return nil, errs.Conversion("unmarshall", m.Alias, "", nil, err)
	}
	key := resource.Key{Alias: m.Alias, IDs: ids}
	if cached, ok := u.cache.Get(key); ok {
		return cached, nil
	}

	ptr := reflect.New(m.Type)
	if m.NoUnmarshall {
		u.scratch++
		err = u.object(m, ptr.Elem(), "", "")
		u.scratch--
		if err != nil {
			return nil, err
		}
		idOnly := idCopy(m, ptr)
		u.cache.Put(key, idOnly.Interface())
		return idOnly.Interface(), nil
	}

	u.cache.Put(key, ptr.Interface())
	if err := u.object(m, ptr.Elem(), "", ""); err != nil {
		return nil, err
	}
	return ptr.Interface(), nil
}

// UnmarshallField unmarshalls res and returns the value at the dotted
// property path. Paths below an alias that does not support unmarshalling
// are conversion errors unless they resolve to an id.
func (e *Engine) UnmarshallField(res *resource.Resource, path string, ctx *Context) (any, error) {
	m, err := e.reg.MustMapping(res.Alias())
	if err != nil {
		return nil, err
	}
	obj, err := e.Unmarshall(res, ctx)
	if err != nil {
		return nil, err
	}

	v := reflect.ValueOf(obj)
	current := m
	for _, seg := range strings.Split(path, ".") {
		var node mapping.Mapping
		for _, c := range current.Children() {
			if c.Segment() == seg {
				node = c
				break
			}
		}
		if node == nil {
			return nil, errs.Mapping("unmarshall", m.Alias, path, "no mapping for segment %q", seg)
		}
		if current.NoUnmarshall && node.Kind() != mapping.KindID {
			return nil, errs.Conversion("unmarshall", current.Alias, path, nil, errors.New("alias does not support unmarshalling"))
		}

		target := indirect(v)
		if !target.IsValid() {
			return nil, nil
		}
		v = get(node, target)

		switch n := node.(type) {
		case *mapping.ComponentMapping:
			if t := indirect(v); t.IsValid() {
				if current, err = e.concreteMapping(n.RefAlias, t.Type()); err != nil {
					return nil, err
				}
			} else {
				current = n.Ref()
			}
		case *mapping.ReferenceMapping:
			current = n.Ref()
		case *mapping.IDMapping:
			if comp := n.CompositeMapping(); comp != nil {
				current = comp
			}
		}
	}
	if isNil(v) {
		return nil, nil
	}
	return v.Interface(), nil
}

func (e *Engine) newUnmarshaller(res *resource.Resource, ctx *Context) *unmarshaller {
	u := &unmarshaller{
		e:      e,
		root:   res.Alias(),
		byName: make(map[string][]*resource.Property),
		cursor: make(map[string]int),
	}
	for _, p := range res.All() {
		u.byName[p.Name] = append(u.byName[p.Name], p)
	}
	if ctx != nil {
		u.cache = ctx.Cache
		u.loader = ctx.Loader
	}
	if u.cache == nil {
		u.cache = make(mapCache)
	}
	return u
}

func (u *unmarshaller) next(name string) *resource.Property {
	props := u.byName[name]
	i := u.cursor[name]
	if i >= len(props) {
		return nil
	}
	u.cursor[name] = i + 1
	return props[i]
}

func (u *unmarshaller) peek(name string) *resource.Property {
	props := u.byName[name]
	if i := u.cursor[name]; i < len(props) {
		return props[i]
	}
	return nil
}

func (u *unmarshaller) object(m *mapping.ResourceMapping, v reflect.Value, path, prefix string) error {
	for _, child := range m.Children() {
		if err := u.node(m, child, v, path, prefix); err != nil {
			return err
		}
	}
	return nil
}

func (u *unmarshaller) node(owner *mapping.ResourceMapping, n mapping.Mapping, v reflect.Value, path, prefix string) error {
	p := mapping.JoinPath(path, n.Segment())

	switch n := n.(type) {
	case *mapping.IDMapping:
		return u.id(owner, n, v, p, prefix, true)

	case *mapping.PropertyMapping:
		if n.NoStore {
			return nil
		}
		val, ok, err := u.property(owner, n, n.FieldType(), p, prefix)
		if err != nil || !ok {
			return err
		}
		n.Set(v, fit(val, n.FieldType()))

	case *mapping.ComponentMapping:
		val, ok, err := u.component(n, n.FieldType(), p, prefix+n.Prefix)
		if err != nil || !ok {
			return err
		}
		n.Set(v, val)

	case *mapping.ReferenceMapping:
		val, ok, err := u.reference(n, n.FieldType(), p)
		if err != nil || !ok {
			return err
		}
		n.Set(v, val)

	case *mapping.CollectionMapping:
		return u.collection(owner, n, v, p, prefix)

	default:
		return errs.Mapping("unmarshall", owner.Alias, p, "unsupported mapping %s", n.Kind())
	}
	return nil
}

func (u *unmarshaller) id(owner *mapping.ResourceMapping, n *mapping.IDMapping, v reflect.Value, p, prefix string, withName bool) error {
	comp := n.CompositeMapping()
	if comp == nil {
		name := ""
		if withName {
			name = prefix + n.PropertyName()
		}
		val, ok, err := u.idLeaf(owner.Alias, p, name, n.ConverterFor(), n.FieldType())
		if err != nil || !ok {
			return err
		}
		n.Set(v, fit(val, n.FieldType()))
		return nil
	}

	holder := reflect.New(comp.Type)
	found := false
	for _, child := range comp.Children() {
		pm := child.(*mapping.PropertyMapping)
		name := ""
		if withName {
			name = prefix + pm.PropertyName()
		}
		val, ok, err := u.idLeaf(owner.Alias, mapping.JoinPath(p, pm.Segment()), name, pm.ConverterFor(), pm.FieldType())
		if err != nil {
			return err
		}
		if ok {
			pm.Set(holder.Elem(), fit(val, pm.FieldType()))
			found = true
		}
	}
	if found {
		n.Set(v, fit(holder, n.FieldType()))
	}
	return nil
}

func (u *unmarshaller) idLeaf(alias, p, name string, conv converter.Converter, t reflect.Type) (reflect.Value, bool, error) {
	src := u.next(mapping.ManagedName(u.root, p))
	if name != "" {
		if user := u.next(name); src == nil {
			src = user
		}
	}
	if src == nil || src.IsNull() {
		return reflect.Value{}, false, nil
	}
	val, err := conv.FromString(src.Value, deref(t))
	if err != nil {
		return reflect.Value{}, false, errs.Conversion("unmarshall", alias, p, src.Value, err)
	}
	return val, true, nil
}

func (u *unmarshaller) property(owner *mapping.ResourceMapping, n *mapping.PropertyMapping, t reflect.Type, p, prefix string) (reflect.Value, bool, error) {
	prop := u.next(prefix + n.PropertyName())
	if prop == nil || prop.IsNull() {
		return reflect.Value{}, false, nil
	}
	val, err := n.ConverterFor().FromString(prop.Value, deref(t))
	if err != nil {
		return reflect.Value{}, false, errs.Conversion("unmarshall", owner.Alias, p, prop.Value, err)
	}
	return val, true, nil
}

// occurrence reads the state and class markers of a component or reference
// occurrence.
func (u *unmarshaller) occurrence(ref *mapping.ResourceMapping, p string) (string, *mapping.ResourceMapping, error) {
	st := u.next(mapping.StateName(u.root, p))
	if st == nil || st.Value == mapping.StateNull {
		return mapping.StateNull, nil, nil
	}
	concrete := ref
	if ref.IsPoly() {
		if cls := u.next(mapping.ClassName(u.root, p)); cls != nil {
			m, err := u.e.reg.MustMapping(cls.Value)
			if err != nil {
				return "", nil, err
			}
			concrete = m
		}
	}
	if concrete.Contract {
		return "", nil, errs.Mapping("unmarshall", concrete.Alias, p, "cannot instantiate contract alias")
	}
	return st.Value, concrete, nil
}

func (u *unmarshaller) component(n *mapping.ComponentMapping, t reflect.Type, p, prefix string) (reflect.Value, bool, error) {
	state, concrete, err := u.occurrence(n.Ref(), p)
	if err != nil || state == mapping.StateNull {
		return reflect.Value{}, false, err
	}

	ptr := reflect.New(concrete.Type)
	switch state {
	case mapping.StateFull:
		key, keyed := u.peekKey(concrete, p)
		if keyed && u.scratch == 0 {
			if cached, ok := u.cache.Get(key); ok {
				u.scratch++
				err := u.object(concrete, ptr.Elem(), p, prefix)
				u.scratch--
				if err != nil {
					return reflect.Value{}, false, err
				}
				return u.cached(cached, ptr, t)
			}
		}

		if concrete.NoUnmarshall {
			u.scratch++
			err := u.object(concrete, ptr.Elem(), p, prefix)
			u.scratch--
			if err != nil {
				return reflect.Value{}, false, err
			}
			ptr = idCopy(concrete, ptr)
			if keyed && u.scratch == 0 {
				u.cache.Put(key, ptr.Interface())
			}
			return fit(ptr, t), true, nil
		}

		if keyed && u.scratch == 0 {
			u.cache.Put(key, ptr.Interface())
		}
		if err := u.object(concrete, ptr.Elem(), p, prefix); err != nil {
			return reflect.Value{}, false, err
		}
		return fit(ptr, t), true, nil

	case mapping.StateTruncated, mapping.StateDuplicate:
		if err := u.ids(concrete, ptr.Elem(), p, prefix, true); err != nil {
			return reflect.Value{}, false, err
		}
		if ids, ok := u.e.objectIDs(concrete, ptr.Elem()); ok && u.scratch == 0 {
			if cached, hit := u.cache.Get(resource.Key{Alias: concrete.Alias, IDs: ids}); hit {
				return u.cached(cached, ptr, t)
			}
		}
		return fit(ptr, t), true, nil
	}
	return reflect.Value{}, false, errs.Mapping("unmarshall", concrete.Alias, p, "unknown occurrence state %q", state)
}

// cached returns the cache hit when it fits t, falling back to the freshly
// read instance.
func (u *unmarshaller) cached(obj any, fresh reflect.Value, t reflect.Type) (reflect.Value, bool, error) {
	cv := reflect.ValueOf(obj)
	if cv.IsValid() && cv.Type() == fresh.Type() {
		return fit(cv, t), true, nil
	}
	return fit(fresh, t), true, nil
}

// peekKey returns the key of the occurrence at p without consuming anything.
func (u *unmarshaller) peekKey(m *mapping.ResourceMapping, p string) (resource.Key, bool) {
	paths := m.IDPaths(p)
	if len(paths) == 0 {
		return resource.Key{}, false
	}
	ids := make([]string, len(paths))
	for i, ip := range paths {
		prop := u.peek(mapping.ManagedName(u.root, ip))
		if prop == nil || prop.IsNull() {
			return resource.Key{}, false
		}
		ids[i] = prop.Value
	}
	return resource.Key{Alias: m.Alias, IDs: ids}, true
}

func (u *unmarshaller) ids(m *mapping.ResourceMapping, v reflect.Value, p, prefix string, withName bool) error {
	for _, id := range m.IDs() {
		if err := u.id(m, id, v, mapping.JoinPath(p, id.Segment()), prefix, withName); err != nil {
			return err
		}
	}
	return nil
}

func (u *unmarshaller) reference(n *mapping.ReferenceMapping, t reflect.Type, p string) (reflect.Value, bool, error) {
	state, concrete, err := u.occurrence(n.Ref(), p)
	if err != nil || state == mapping.StateNull {
		return reflect.Value{}, false, err
	}

	ptr := reflect.New(concrete.Type)
	if err := u.ids(concrete, ptr.Elem(), p, "", false); err != nil {
		return reflect.Value{}, false, err
	}
	ids, ok := u.e.objectIDs(concrete, ptr.Elem())
	if !ok || u.scratch > 0 {
		return fit(ptr, t), true, nil
	}

	key := resource.Key{Alias: concrete.Alias, IDs: ids}
	if cached, hit := u.cache.Get(key); hit {
		return u.cached(cached, ptr, t)
	}
	if u.loader == nil {
		return fit(ptr, t), true, nil
	}
	obj, err := u.loader(concrete.Alias, ids)
	if err != nil {
		return reflect.Value{}, false, err
	}
	if obj == nil {
		return reflect.Value{}, false, nil
	}
	return u.cached(obj, ptr, t)
}

func (u *unmarshaller) collection(owner *mapping.ResourceMapping, n *mapping.CollectionMapping, v reflect.Value, p, prefix string) error {
	sizeProp := u.next(mapping.ColSizeName(u.root, p))
	if sizeProp == nil || sizeProp.IsNull() {
		return nil
	}
	size, err := strconv.Atoi(sizeProp.Value)
	if err != nil || size < 0 {
		return errs.Conversion("unmarshall", owner.Alias, p, sizeProp.Value, errors.New("invalid collection size"))
	}

	ft := n.FieldType()
	et := ft.Elem()
	if pm, ok := n.Element.(*mapping.PropertyMapping); ok && pm.NoStore {
		return nil
	}

	elems := make([]reflect.Value, 0, size)
	for i := 0; i < size; i++ {
		var (
			val reflect.Value
			ok  bool
			err error
		)
		switch em := n.Element.(type) {
		case *mapping.PropertyMapping:
			val, ok, err = u.property(owner, em, et, p, prefix)
			if ok {
				val = fit(val, et)
			}
		case *mapping.ComponentMapping:
			val, ok, err = u.component(em, et, p, prefix+em.Prefix)
		case *mapping.ReferenceMapping:
			val, ok, err = u.reference(em, et, p)
		default:
			err = errs.Mapping("unmarshall", owner.Alias, p, "unsupported collection element %s", n.Element.Kind())
		}
		if err != nil {
			return err
		}
		if ok {
			elems = append(elems, val)
		}
	}

	switch ft.Kind() {
	case reflect.Slice:
		s := reflect.MakeSlice(ft, len(elems), len(elems))
		for i, el := range elems {
			s.Index(i).Set(el)
		}
		n.Set(v, s)
	case reflect.Array:
		a := reflect.New(ft).Elem()
		for i := 0; i < len(elems) && i < a.Len(); i++ {
			a.Index(i).Set(elems[i])
		}
		n.Set(v, a)
	}
	return nil
}

// idCopy returns a new instance of m holding only the ids of ptr.
func idCopy(m *mapping.ResourceMapping, ptr reflect.Value) reflect.Value {
	out := reflect.New(m.Type)
	for _, id := range m.IDs() {
		if f, ok := id.Get(ptr.Elem()); ok {
			id.Set(out.Elem(), f)
		}
	}
	return out
}
