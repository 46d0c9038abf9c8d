// Package marshall converts mapped Go object graphs into flat resources and
// back. The property layout written by Marshall is exactly what Unmarshall
// reads, in the same order, so that repeated property names can be consumed
// positionally.
package marshall

import (
	"errors"
	"reflect"
	"strconv"

	"github.com/sha1n/osem/internal/converter"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/resource"
)

var errNilObject = errors.New("object is nil")

// Options configures an Engine.
type Options struct {
	// FilterDuplicates is the default duplicate policy of root aliases that
	// do not declare one.
	FilterDuplicates bool
}

// Engine marshalls and unmarshalls objects of the aliases of a built
// registry. It holds no per-call state and is safe for concurrent use.
type Engine struct {
	reg              *mapping.Registry
	filterDuplicates bool
}

// New creates a marshalling engine over reg, which must already be built.
func New(reg *mapping.Registry, opts Options) *Engine {
	return &Engine{reg: reg, filterDuplicates: opts.FilterDuplicates}
}

// Registry returns the mapping registry of the engine.
func (e *Engine) Registry() *mapping.Registry {
	return e.reg
}

type frame struct {
	alias string
	ptr   uintptr
}

type marshaller struct {
	e      *Engine
	root   string
	res    *resource.Resource
	filter bool
	stack  []frame
	seen   map[string]struct{}
}

// Marshall converts obj into a resource of alias. An empty alias is resolved
// from the Go type of obj. When the runtime type of obj is mapped by an alias
// extending alias, that alias is used.
func (e *Engine) Marshall(alias string, obj any) (*resource.Resource, error) {
	v := reflect.ValueOf(obj)
	target := indirect(v)
	if !target.IsValid() {
		return nil, errs.Conversion("marshall", alias, "", nil, errNilObject)
	}

	m, err := e.rootMapping(alias, target.Type())
	if err != nil {
		return nil, err
	}

	res := resource.New(m.Alias, m.IDNames()...)
	if m.Boost > 0 {
		res.SetBoost(m.Boost)
	}
	w := &marshaller{
		e:      e,
		root:   m.Alias,
		res:    res,
		filter: m.FilterDuplicates(e.filterDuplicates),
		seen:   make(map[string]struct{}),
	}

	if m.IsPoly() {
		res.AddProperty(resource.NewKeyword(mapping.ClassName(m.Alias, ""), m.Alias))
	}
	for _, id := range m.IDs() {
		if err := requireID(m, id, target); err != nil {
			return nil, err
		}
	}
	if ids, ok := e.objectIDs(m, target); ok {
		w.seen[resource.UID(m.Alias, ids...)] = struct{}{}
	}

	w.stack = append(w.stack, frame{alias: m.Alias, ptr: pointerOf(v)})
	if err := w.object(m, target, "", ""); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) rootMapping(alias string, t reflect.Type) (*mapping.ResourceMapping, error) {
	if alias == "" {
		a, err := e.reg.AliasFor(t)
		if err != nil {
			return nil, err
		}
		alias = a
	}
	m, err := e.reg.MustMapping(alias)
	if err != nil {
		return nil, err
	}
	if !m.IsRoot() && !m.Contract {
		return nil, errs.Mapping("marshall", alias, "", "alias is not a root alias")
	}
	m, err = e.concreteMapping(alias, t)
	if err != nil {
		return nil, err
	}
	if !m.IsRoot() {
		return nil, errs.Mapping("marshall", m.Alias, "", "alias is not a root alias")
	}
	return m, nil
}

// concreteMapping returns the mapping of base when it maps t, otherwise the
// most specific alias extending base that maps t.
func (e *Engine) concreteMapping(base string, t reflect.Type) (*mapping.ResourceMapping, error) {
	bm := e.reg.Mapping(base)
	if bm != nil && !bm.Contract && bm.Type == t {
		return bm, nil
	}
	var candidates []string
	for _, c := range e.reg.AliasesForType(t) {
		if e.reg.Extends(c, base) {
			candidates = append(candidates, c)
		}
	}
	var leaves []string
	for _, c := range candidates {
		extended := false
		for _, other := range candidates {
			if other != c && e.reg.Extends(other, c) {
				extended = true
				break
			}
		}
		if !extended {
			leaves = append(leaves, c)
		}
	}
	switch len(leaves) {
	case 0:
		return nil, errs.Mapping("marshall", base, "", "type %s is not mapped by the alias or an alias extending it", t)
	case 1:
		return e.reg.Mapping(leaves[0]), nil
	}
	return nil, errs.Configuration("marshall", base, "type %s matches several extending aliases %v", t, leaves)
}

func requireID(m *mapping.ResourceMapping, id *mapping.IDMapping, v reflect.Value) error {
	f := get(id, v)
	if id.CompositeMapping() == nil {
		if isNil(f) {
			return errs.Conversion("marshall", m.Alias, id.Segment(), nil, errors.New("id is nil"))
		}
		return nil
	}
	cv := indirect(f)
	if !cv.IsValid() {
		return errs.Conversion("marshall", m.Alias, id.Segment(), nil, errors.New("composite id is nil"))
	}
	for _, child := range id.CompositeMapping().Children() {
		if isNil(get(child, cv)) {
			return errs.Conversion("marshall", m.Alias, mapping.JoinPath(id.Segment(), child.Segment()), nil, errors.New("id is nil"))
		}
	}
	return nil
}

func (w *marshaller) object(m *mapping.ResourceMapping, v reflect.Value, path, prefix string) error {
	for _, child := range m.Children() {
		if err := w.node(m, child, v, path, prefix); err != nil {
			return err
		}
	}
	return nil
}

func (w *marshaller) node(owner *mapping.ResourceMapping, n mapping.Mapping, v reflect.Value, path, prefix string) error {
	f := get(n, v)
	p := mapping.JoinPath(path, n.Segment())

	switch n := n.(type) {
	case *mapping.IDMapping:
		return w.id(owner, n, f, p, prefix, true)
	case *mapping.PropertyMapping:
		return w.property(owner, n, f, p, prefix)
	case *mapping.ComponentMapping:
		return w.component(n, f, p, prefix+n.Prefix)
	case *mapping.ReferenceMapping:
		return w.reference(n, f, p)
	case *mapping.CollectionMapping:
		return w.collection(owner, n, f, p, prefix)
	}
	return errs.Mapping("marshall", owner.Alias, p, "unsupported mapping %s", n.Kind())
}

// id writes the managed id of path and, when withName is set, the
// user-facing id property.
func (w *marshaller) id(owner *mapping.ResourceMapping, n *mapping.IDMapping, f reflect.Value, p, prefix string, withName bool) error {
	comp := n.CompositeMapping()
	if comp == nil {
		name := ""
		if withName {
			name = prefix + n.PropertyName()
		}
		return w.idLeaf(owner.Alias, p, name, n.ConverterFor(), f)
	}
	cv := indirect(f)
	for _, child := range comp.Children() {
		pm := child.(*mapping.PropertyMapping)
		name := ""
		if withName {
			name = prefix + pm.PropertyName()
		}
		var el reflect.Value
		if cv.IsValid() {
			el = get(pm, cv)
		}
		if err := w.idLeaf(owner.Alias, mapping.JoinPath(p, pm.Segment()), name, pm.ConverterFor(), el); err != nil {
			return err
		}
	}
	return nil
}

func (w *marshaller) idLeaf(alias, p, name string, conv converter.Converter, f reflect.Value) error {
	managed := mapping.ManagedName(w.root, p)
	if isNil(f) {
		w.res.AddProperty(resource.NewNull(managed))
		if name != "" {
			w.res.AddProperty(resource.NewNull(name))
		}
		return nil
	}
	v := indirect(f)
	s, err := conv.ToString(v)
	if err != nil {
		return errs.Conversion("marshall", alias, p, v.Interface(), err)
	}
	w.res.AddProperty(resource.NewKeyword(managed, s).WithConverter(conv, v.Type()))
	if name != "" {
		w.res.AddProperty(resource.NewKeyword(name, s).WithConverter(conv, v.Type()))
	}
	return nil
}

func (w *marshaller) property(owner *mapping.ResourceMapping, n *mapping.PropertyMapping, f reflect.Value, p, prefix string) error {
	name := prefix + n.PropertyName()
	if isNil(f) {
		if !n.NoStore {
			w.res.AddProperty(resource.NewNull(name))
		}
		return nil
	}
	v := indirect(f)
	s, err := n.ConverterFor().ToString(v)
	if err != nil {
		return errs.Conversion("marshall", owner.Alias, p, v.Interface(), err)
	}
	prop := &resource.Property{
		Name:      name,
		Value:     s,
		Stored:    !n.NoStore,
		Indexed:   !n.NoIndex,
		Tokenized: !n.NoIndex && !n.Untokenized,
		Boost:     n.Boost,
	}
	w.res.AddProperty(prop.WithConverter(n.ConverterFor(), v.Type()))
	return nil
}

func (w *marshaller) marker(name, value string) {
	w.res.AddProperty(resource.NewStoredOnly(name, value))
}

func (w *marshaller) component(n *mapping.ComponentMapping, f reflect.Value, p, prefix string) error {
	target := indirect(f)
	if !target.IsValid() {
		w.marker(mapping.StateName(w.root, p), mapping.StateNull)
		return nil
	}

	concrete, err := w.e.concreteMapping(n.RefAlias, target.Type())
	if err != nil {
		return err
	}

	ptr := pointerOf(f)
	state := mapping.StateFull
	switch {
	case ptr != 0 && w.onStack(ptr, concrete.Alias), w.depth(concrete.Alias) >= n.MaxDepth:
		state = mapping.StateTruncated
	case w.filter:
		if ids, ok := w.e.objectIDs(concrete, target); ok {
			uid := resource.UID(concrete.Alias, ids...)
			if _, dup := w.seen[uid]; dup {
				state = mapping.StateDuplicate
			} else {
				w.seen[uid] = struct{}{}
			}
		}
	}

	w.marker(mapping.StateName(w.root, p), state)
	if n.Ref().IsPoly() {
		w.res.AddProperty(resource.NewKeyword(mapping.ClassName(w.root, p), concrete.Alias))
	}

	if state != mapping.StateFull {
		return w.ids(concrete, target, p, prefix, true)
	}
	w.stack = append(w.stack, frame{alias: concrete.Alias, ptr: ptr})
	err = w.object(concrete, target, p, prefix)
	w.stack = w.stack[:len(w.stack)-1]
	return err
}

func (w *marshaller) ids(m *mapping.ResourceMapping, v reflect.Value, p, prefix string, withName bool) error {
	for _, id := range m.IDs() {
		if err := w.id(m, id, get(id, v), mapping.JoinPath(p, id.Segment()), prefix, withName); err != nil {
			return err
		}
	}
	return nil
}

func (w *marshaller) reference(n *mapping.ReferenceMapping, f reflect.Value, p string) error {
	target := indirect(f)
	if !target.IsValid() {
		w.marker(mapping.StateName(w.root, p), mapping.StateNull)
		return nil
	}
	concrete, err := w.e.concreteMapping(n.RefAlias, target.Type())
	if err != nil {
		return err
	}
	for _, id := range concrete.IDs() {
		if err := requireID(concrete, id, target); err != nil {
			return err
		}
	}

	w.marker(mapping.StateName(w.root, p), mapping.StateRef)
	if n.Ref().IsPoly() {
		w.res.AddProperty(resource.NewKeyword(mapping.ClassName(w.root, p), concrete.Alias))
	}
	return w.ids(concrete, target, p, "", false)
}

func (w *marshaller) collection(owner *mapping.ResourceMapping, n *mapping.CollectionMapping, f reflect.Value, p, prefix string) error {
	size := mapping.ColSizeName(w.root, p)
	if !f.IsValid() || (f.Kind() == reflect.Slice && f.IsNil()) {
		w.res.AddProperty(resource.NewNull(size))
		return nil
	}

	count := 0
	for i := 0; i < f.Len(); i++ {
		if !isNil(f.Index(i)) {
			count++
		}
	}
	w.marker(size, strconv.Itoa(count))

	for i := 0; i < f.Len(); i++ {
		el := f.Index(i)
		if isNil(el) {
			continue
		}
		var err error
		switch em := n.Element.(type) {
		case *mapping.PropertyMapping:
			err = w.property(owner, em, el, p, prefix)
		case *mapping.ComponentMapping:
			err = w.component(em, el, p, prefix+em.Prefix)
		case *mapping.ReferenceMapping:
			err = w.reference(em, el, p)
		default:
			err = errs.Mapping("marshall", owner.Alias, p, "unsupported collection element %s", n.Element.Kind())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *marshaller) onStack(ptr uintptr, alias string) bool {
	for _, f := range w.stack {
		if f.ptr == ptr && f.alias == alias {
			return true
		}
	}
	return false
}

func (w *marshaller) depth(alias string) int {
	n := 0
	for _, f := range w.stack {
		if f.alias == alias {
			n++
		}
	}
	return n
}
