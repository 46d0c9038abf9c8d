package mapping

import (
	"reflect"
	"slices"
	"strings"

	"github.com/sha1n/osem/internal/converter"
	"github.com/sha1n/osem/internal/errs"
	"github.com/sha1n/osem/internal/resource"
)

// Registry holds every alias mapping. It is mutable until Build and read-only
// afterwards, at which point it may be shared freely between goroutines.
type Registry struct {
	converters *converter.Registry
	maxDepth   int

	order     []string
	mappings  map[string]*ResourceMapping
	effective map[string][]Mapping
	byType    map[reflect.Type][]string
	binders   map[string]map[string]binding
	keywords  map[string][]string
	built     bool
}

type binding struct {
	conv converter.Converter
	typ  reflect.Type
}

// Option configures a Registry.
type Option func(*Registry)

// WithConverters replaces the converter registry used to resolve leaf mappings.
func WithConverters(c *converter.Registry) Option {
	return func(r *Registry) {
		r.converters = c
	}
}

// WithDefaultMaxDepth sets the nesting bound applied to components that do
// not declare one.
func WithDefaultMaxDepth(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		converters: converter.NewRegistry(),
		maxDepth:   DefaultMaxDepth,
		mappings:   make(map[string]*ResourceMapping),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Converters returns the converter registry.
func (r *Registry) Converters() *converter.Registry {
	return r.converters
}

// Add registers an alias mapping.
func (r *Registry) Add(m *ResourceMapping) error {
	if r.built {
		return errs.Configuration("add", m.Alias, "registry is already built")
	}
	if m.Alias == "" {
		return errs.Mapping("add", "", "", "alias cannot be empty")
	}
	if strings.ContainsAny(m.Alias, "/#") {
		return errs.Mapping("add", m.Alias, "", "alias cannot contain '/' or '#'")
	}
	if _, ok := r.mappings[m.Alias]; ok {
		return errs.Mapping("add", m.Alias, "", "duplicate alias definition")
	}
	if m.Type != nil {
		for m.Type.Kind() == reflect.Pointer {
			m.Type = m.Type.Elem()
		}
		if m.Type.Kind() != reflect.Struct {
			return errs.Configuration("add", m.Alias, "type %s is not a struct", m.Type)
		}
	}
	if !m.Contract && m.Type == nil {
		return errs.Configuration("add", m.Alias, "non-contract alias requires a Go type")
	}
	r.order = append(r.order, m.Alias)
	r.mappings[m.Alias] = m
	return nil
}

// Build resolves every mapping tree. It must be called once, after all Add calls.
func (r *Registry) Build() error {
	if r.built {
		return nil
	}
	r.effective = make(map[string][]Mapping)
	for _, alias := range r.order {
		if _, err := r.effectiveMappings(alias, nil); err != nil {
			return err
		}
	}

	for _, alias := range r.order {
		m := r.mappings[alias]
		if m.Contract {
			continue
		}
		if err := r.resolve(m); err != nil {
			return err
		}
	}

	if err := r.validate(); err != nil {
		return err
	}

	r.byType = make(map[reflect.Type][]string)
	for _, alias := range r.order {
		m := r.mappings[alias]
		for _, base := range r.ancestors(alias) {
			bm := r.mappings[base]
			if !slices.Contains(bm.extending, alias) {
				bm.extending = append(bm.extending, alias)
			}
		}
		if !m.Contract {
			r.byType[m.Type] = append(r.byType[m.Type], alias)
		}
	}

	r.binders = make(map[string]map[string]binding)
	r.keywords = make(map[string][]string)
	for _, alias := range r.order {
		m := r.mappings[alias]
		if m.IsRoot() {
			set := &bindingSet{bindings: make(map[string]binding), seen: make(map[string]bool)}
			set.keyword(resource.AliasProperty)
			r.collectBindings(m, alias, "", "", set, map[string]int{})
			r.binders[alias] = set.bindings
			r.keywords[alias] = set.keywords
		}
	}

	r.built = true
	return nil
}

// effectiveMappings returns the declared mappings of alias merged with those
// it inherits.
func (r *Registry) effectiveMappings(alias string, stack []string) ([]Mapping, error) {
	if eff, ok := r.effective[alias]; ok {
		return eff, nil
	}
	if slices.Contains(stack, alias) {
		return nil, errs.Mapping("build", alias, "", "cyclic extends: %s", strings.Join(append(stack, alias), " -> "))
	}
	m := r.mappings[alias]
	stack = append(stack, alias)

	var out []Mapping
	for _, base := range m.Extends {
		if _, ok := r.mappings[base]; !ok {
			return nil, errs.Configuration("build", alias, "extends unknown alias %q", base)
		}
		inherited, err := r.effectiveMappings(base, stack)
		if err != nil {
			return nil, err
		}
		for _, im := range inherited {
			out = append(out, im.clone())
		}
	}

	for _, own := range m.Mappings {
		if own == nil {
			return nil, errs.Mapping("build", alias, "", "nil mapping")
		}
		replaced := false
		if !m.DisableOverride {
			for i, existing := range out {
				if existing.Field() == own.Field() && existing.Kind() == own.Kind() {
					out[i] = own.clone()
					replaced = true
					break
				}
			}
		}
		if !replaced {
			out = append(out, own.clone())
		}
	}

	r.effective[alias] = out
	return out, nil
}

func (r *Registry) ancestors(alias string) []string {
	var out []string
	var walk func(a string)
	walk = func(a string) {
		for _, base := range r.mappings[a].Extends {
			if !slices.Contains(out, base) {
				out = append(out, base)
				walk(base)
			}
		}
	}
	walk(alias)
	return out
}

func (r *Registry) resolve(m *ResourceMapping) error {
	m.children = nil
	m.ids = nil
	for _, decl := range r.effective[m.Alias] {
		node, err := r.resolveNode(m, decl.clone())
		if err != nil {
			return err
		}
		m.children = append(m.children, node)
		if id, ok := node.(*IDMapping); ok {
			m.ids = append(m.ids, id)
		}
	}
	m.resolved = true
	return nil
}

func (r *Registry) resolveNode(owner *ResourceMapping, node Mapping) (Mapping, error) {
	sf, ok := owner.Type.FieldByName(node.Field())
	if !ok {
		return nil, errs.Configuration("build", owner.Alias, "type %s has no field %q", owner.Type, node.Field())
	}
	if !sf.IsExported() {
		return nil, errs.Configuration("build", owner.Alias, "field %q is not exported", node.Field())
	}
	acc := accessor{index: sf.Index, typ: sf.Type}
	segment := lowerFirst(sf.Name)

	if sf.Type.Kind() == reflect.Map {
		return nil, errs.Mapping("build", owner.Alias, segment, "map fields are not supported")
	}

	if col, ok := node.(*CollectionMapping); ok {
		if !isCollection(sf.Type) {
			return nil, errs.Mapping("build", owner.Alias, segment, "collection mapping on non collection field")
		}
		if col.Element == nil {
			return nil, errs.Mapping("build", owner.Alias, segment, "collection mapping without element")
		}
		if err := r.resolveElement(owner, col.Element, accessor{typ: sf.Type.Elem()}, segment); err != nil {
			return nil, err
		}
		col.accessor = acc
		col.segment = segment
		return col, nil
	}

	if isCollection(sf.Type) && !isBytes(sf.Type) {
		if node.Kind() == KindID {
			return nil, errs.Mapping("build", owner.Alias, segment, "id cannot be a collection")
		}
		if err := r.resolveElement(owner, node, accessor{typ: sf.Type.Elem()}, segment); err != nil {
			return nil, err
		}
		return &CollectionMapping{FieldName: sf.Name, Element: node, accessor: acc, segment: segment}, nil
	}

	if err := r.resolveElement(owner, node, acc, segment); err != nil {
		return nil, err
	}
	return node, nil
}

func (r *Registry) resolveElement(owner *ResourceMapping, node Mapping, acc accessor, segment string) error {
	t := deref(acc.typ)
	switch n := node.(type) {
	case *IDMapping:
		n.accessor = acc
		n.segment = segment
		if n.Name == "" {
			n.Name = segment
		}
		if n.Component != "" || (t.Kind() == reflect.Struct && !converter.IsLeaf(t)) {
			alias, err := r.refAlias(owner, segment, n.Component, t)
			if err != nil {
				return err
			}
			n.component = r.mappings[alias]
			return nil
		}
		conv, err := r.converterFor(owner, segment, n.Converter, t)
		if err != nil {
			return err
		}
		n.conv = conv

	case *PropertyMapping:
		n.accessor = acc
		n.segment = segment
		if n.Name == "" {
			n.Name = segment
		}
		if n.NoStore && n.NoIndex {
			return errs.Mapping("build", owner.Alias, segment, "property is neither stored nor indexed")
		}
		conv, err := r.converterFor(owner, segment, n.Converter, t)
		if err != nil {
			return err
		}
		n.conv = conv

	case *ComponentMapping:
		n.accessor = acc
		n.segment = segment
		if n.MaxDepth <= 0 {
			n.MaxDepth = r.maxDepth
		}
		alias, err := r.refAlias(owner, segment, n.RefAlias, t)
		if err != nil {
			return err
		}
		n.RefAlias = alias
		n.ref = r.mappings[alias]

	case *ReferenceMapping:
		n.accessor = acc
		n.segment = segment
		alias, err := r.refAlias(owner, segment, n.RefAlias, t)
		if err != nil {
			return err
		}
		n.RefAlias = alias
		n.ref = r.mappings[alias]

	default:
		return errs.Mapping("build", owner.Alias, segment, "unsupported element mapping %s", node.Kind())
	}
	return nil
}

func (r *Registry) converterFor(owner *ResourceMapping, segment, name string, t reflect.Type) (converter.Converter, error) {
	if name != "" {
		c, ok := r.converters.Named(name)
		if !ok {
			return nil, errs.Configuration("build", owner.Alias, "unknown converter %q for %s", name, segment)
		}
		return c, nil
	}
	c, err := r.converters.ForType(t)
	if err != nil {
		return nil, errs.Configuration("build", owner.Alias, "%s: %v", segment, err)
	}
	return c, nil
}

// refAlias returns the declared alias, or infers it from the field type.
func (r *Registry) refAlias(owner *ResourceMapping, segment, declared string, t reflect.Type) (string, error) {
	if declared != "" {
		if _, ok := r.mappings[declared]; !ok {
			return "", errs.Configuration("build", owner.Alias, "%s refers to unknown alias %q", segment, declared)
		}
		return declared, nil
	}
	var candidates []string
	for _, alias := range r.order {
		if m := r.mappings[alias]; !m.Contract && m.Type == t {
			candidates = append(candidates, alias)
		}
	}
	switch len(candidates) {
	case 0:
		return "", errs.Configuration("build", owner.Alias, "%s: no alias mapped for type %s", segment, t)
	case 1:
		return candidates[0], nil
	}
	return "", errs.Configuration("build", owner.Alias, "%s: type %s is mapped by %v, declare the alias", segment, t, candidates)
}

func (r *Registry) validate() error {
	for _, alias := range r.order {
		m := r.mappings[alias]
		if m.Contract {
			continue
		}
		if m.IsRoot() && len(m.ids) == 0 {
			return errs.Mapping("build", alias, "", "root alias must declare at least one id")
		}
		for _, child := range m.children {
			if err := r.validateNode(m, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) validateNode(owner *ResourceMapping, node Mapping) error {
	switch n := node.(type) {
	case *CollectionMapping:
		return r.validateNode(owner, n.Element)
	case *IDMapping:
		if n.component == nil {
			return nil
		}
		if n.component.Contract {
			return errs.Mapping("build", owner.Alias, n.segment, "composite id cannot use a contract alias")
		}
		if deref(n.typ) != n.component.Type {
			return errs.Mapping("build", owner.Alias, n.segment, "id field type %s does not match alias %q", n.typ, n.component.Alias)
		}
		for _, child := range n.component.children {
			if child.Kind() != KindProperty {
				return errs.Mapping("build", owner.Alias, n.segment, "composite id alias %q may only contain properties", n.component.Alias)
			}
		}
	case *ComponentMapping:
		if n.ref.Contract {
			if deref(n.typ).Kind() != reflect.Interface {
				return errs.Mapping("build", owner.Alias, n.segment, "contract alias %q needs an interface field", n.ref.Alias)
			}
			return nil
		}
		if !assignableTo(n.ref.Type, n.typ) {
			return errs.Mapping("build", owner.Alias, n.segment, "alias %q type %s does not fit field type %s", n.ref.Alias, n.ref.Type, n.typ)
		}
	case *ReferenceMapping:
		if !n.ref.IsRoot() || len(n.ref.ids) == 0 {
			return errs.Mapping("build", owner.Alias, n.segment, "reference target %q must be a root alias with ids", n.ref.Alias)
		}
		if !assignableTo(n.ref.Type, n.typ) {
			return errs.Mapping("build", owner.Alias, n.segment, "alias %q type %s does not fit field type %s", n.ref.Alias, n.ref.Type, n.typ)
		}
	}
	return nil
}

type bindingSet struct {
	bindings map[string]binding
	keywords []string
	seen     map[string]bool
}

func (s *bindingSet) put(name string, c converter.Converter, t reflect.Type) {
	if _, ok := s.bindings[name]; !ok && c != nil {
		s.bindings[name] = binding{conv: c, typ: deref(t)}
	}
}

func (s *bindingSet) keyword(name string) {
	if !s.seen[name] {
		s.seen[name] = true
		s.keywords = append(s.keywords, name)
	}
}

// collectBindings walks the names m writes below prefix. depth counts the
// occurrences of each alias on the current path, like the marshaller stack.
func (r *Registry) collectBindings(m *ResourceMapping, root, prefix, namePrefix string, out *bindingSet, depth map[string]int) {
	depth[m.Alias]++
	defer func() { depth[m.Alias]-- }()

	id := func(managed, name string, c converter.Converter, t reflect.Type) {
		out.put(managed, c, t)
		out.keyword(managed)
		if name != "" {
			out.put(name, c, t)
			out.keyword(name)
		}
	}

	idNode := func(n *IDMapping, path, np string) {
		if n.component == nil {
			id(ManagedName(root, path), np+n.Name, n.conv, n.typ)
			return
		}
		for _, child := range n.component.children {
			if p, ok := child.(*PropertyMapping); ok {
				id(ManagedName(root, JoinPath(path, p.segment)), np+p.Name, p.conv, p.typ)
			}
		}
	}

	var visit func(node Mapping, path string, t reflect.Type)
	visit = func(node Mapping, path string, t reflect.Type) {
		switch n := node.(type) {
		case *IDMapping:
			idNode(n, path, namePrefix)
		case *PropertyMapping:
			out.put(namePrefix+n.Name, n.conv, t)
			if n.Untokenized {
				out.keyword(namePrefix + n.Name)
			}
		case *ComponentMapping:
			if n.ref.IsPoly() {
				out.keyword(ClassName(root, path))
			}
			targets := []*ResourceMapping{n.ref}
			for _, ext := range n.ref.extending {
				targets = append(targets, r.mappings[ext])
			}
			for _, tm := range targets {
				if tm.Contract {
					continue
				}
				if depth[tm.Alias] >= n.MaxDepth {
					for _, tid := range tm.ids {
						idNode(tid, JoinPath(path, tid.segment), namePrefix+n.Prefix)
					}
					continue
				}
				r.collectBindings(tm, root, path, namePrefix+n.Prefix, out, depth)
			}
		case *ReferenceMapping:
			if n.ref.IsPoly() {
				out.keyword(ClassName(root, path))
			}
			for _, rid := range n.ref.ids {
				if rid.component == nil {
					id(ManagedName(root, JoinPath(path, rid.segment)), "", rid.conv, rid.typ)
					continue
				}
				for _, child := range rid.component.children {
					if p, ok := child.(*PropertyMapping); ok {
						id(ManagedName(root, JoinPath(path, rid.segment, p.segment)), "", p.conv, p.typ)
					}
				}
			}
		case *CollectionMapping:
			visit(n.Element, path, n.typ.Elem())
		}
	}

	if prefix == "" && m.IsPoly() {
		out.keyword(ClassName(root, ""))
	}
	for _, child := range m.children {
		t := reflect.Type(nil)
		switch n := child.(type) {
		case *IDMapping:
			t = n.typ
		case *PropertyMapping:
			t = n.typ
		case *CollectionMapping:
			t = n.typ
		}
		visit(child, JoinPath(prefix, child.Segment()), t)
	}
}

// Mapping returns the mapping of alias, or nil when unknown.
func (r *Registry) Mapping(alias string) *ResourceMapping {
	return r.mappings[alias]
}

// MustMapping returns the mapping of alias or a ConfigurationError.
func (r *Registry) MustMapping(alias string) (*ResourceMapping, error) {
	m := r.mappings[alias]
	if m == nil {
		return nil, errs.UnknownAlias("mapping", alias)
	}
	return m, nil
}

// Aliases returns every alias in registration order.
func (r *Registry) Aliases() []string {
	return append([]string(nil), r.order...)
}

// RootAliases returns the aliases that are stored on their own.
func (r *Registry) RootAliases() []string {
	var out []string
	for _, alias := range r.order {
		if r.mappings[alias].IsRoot() {
			out = append(out, alias)
		}
	}
	return out
}

// SubIndexes returns the distinct sub-index names of the root aliases.
func (r *Registry) SubIndexes() []string {
	var out []string
	for _, alias := range r.RootAliases() {
		sub := r.mappings[alias].SubIndexName()
		if !slices.Contains(out, sub) {
			out = append(out, sub)
		}
	}
	return out
}

// ExtendingAliases returns the aliases extending alias, directly or not.
func (r *Registry) ExtendingAliases(alias string) []string {
	m := r.mappings[alias]
	if m == nil {
		return nil
	}
	return m.ExtendingAliases()
}

// PolyAliases returns alias followed by every non-contract alias extending it.
func (r *Registry) PolyAliases(alias string) []string {
	m := r.mappings[alias]
	if m == nil {
		return nil
	}
	var out []string
	if !m.Contract {
		out = append(out, alias)
	}
	for _, ext := range m.extending {
		if !r.mappings[ext].Contract {
			out = append(out, ext)
		}
	}
	return out
}

// Extends reports whether alias is sub (or sub extends base, transitively).
func (r *Registry) Extends(sub, base string) bool {
	if sub == base {
		return true
	}
	if _, ok := r.mappings[sub]; !ok {
		return false
	}
	return slices.Contains(r.ancestors(sub), base)
}

// AliasesForType returns every alias mapped onto t.
func (r *Registry) AliasesForType(t reflect.Type) []string {
	return append([]string(nil), r.byType[deref(t)]...)
}

// AliasFor resolves the most specific alias mapped onto t: the candidate that
// no other candidate extends.
func (r *Registry) AliasFor(t reflect.Type) (string, error) {
	if t == nil {
		return "", errs.Configuration("alias", "", "cannot resolve alias of nil type")
	}
	candidates := r.byType[deref(t)]
	switch len(candidates) {
	case 0:
		return "", errs.Configuration("alias", "", "no alias mapped for type %s", t)
	case 1:
		return candidates[0], nil
	}
	var leaves []string
	for _, c := range candidates {
		extended := false
		for _, other := range candidates {
			if other != c && r.Extends(other, c) {
				extended = true
				break
			}
		}
		if !extended {
			leaves = append(leaves, c)
		}
	}
	if len(leaves) != 1 {
		return "", errs.Configuration("alias", "", "type %s resolves to several aliases %v", t, leaves)
	}
	return leaves[0], nil
}

// Lookup returns the mapping at the dotted path below alias. When several
// mappings share the path the first declared one is returned.
func (r *Registry) Lookup(alias, path string) (Mapping, error) {
	all, err := r.LookupAll(alias, path)
	if err != nil {
		return nil, err
	}
	return all[0], nil
}

// LookupAll returns every mapping at the dotted path below alias.
func (r *Registry) LookupAll(alias, path string) ([]Mapping, error) {
	m := r.mappings[alias]
	if m == nil {
		return nil, errs.UnknownAlias("lookup", alias)
	}
	if path == "" {
		return nil, errs.Mapping("lookup", alias, path, "empty path")
	}
	children := m.children
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		var found []Mapping
		for _, c := range children {
			if c.Segment() == seg {
				found = append(found, c)
			}
		}
		if len(found) == 0 {
			return nil, errs.Mapping("lookup", alias, path, "no mapping for segment %q", seg)
		}
		if i == len(segments)-1 {
			return found, nil
		}
		next, ok := descend(found[0])
		if !ok {
			return nil, errs.Mapping("lookup", alias, path, "segment %q has no children", seg)
		}
		children = next
	}
	return nil, errs.Mapping("lookup", alias, path, "not found")
}

func descend(node Mapping) ([]Mapping, bool) {
	switch n := node.(type) {
	case *CollectionMapping:
		return descend(n.Element)
	case *ComponentMapping:
		return n.ref.children, true
	case *IDMapping:
		if n.component != nil {
			return n.component.children, true
		}
	}
	return nil, false
}

// KeywordFields returns the names written untokenized for the root alias:
// the alias field, ids, untokenized properties and poly markers.
func (r *Registry) KeywordFields(alias string) []string {
	return append([]string(nil), r.keywords[alias]...)
}

// Binder returns the typed-view binder of the root alias, or nil.
func (r *Registry) Binder(alias string) resource.Binder {
	b, ok := r.binders[alias]
	if !ok {
		return nil
	}
	return func(name string) (converter.Converter, reflect.Type, bool) {
		e, ok := b[name]
		if !ok {
			return nil, nil, false
		}
		return e.conv, e.typ, true
	}
}

func deref(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func isCollection(t reflect.Type) bool {
	return t.Kind() == reflect.Slice || t.Kind() == reflect.Array
}

func isBytes(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}

// assignableTo reports whether a value of struct type st (or a pointer to it)
// fits a field of type ft.
func assignableTo(st, ft reflect.Type) bool {
	if ft.Kind() == reflect.Interface {
		return reflect.PointerTo(st).Implements(ft) || st.Implements(ft)
	}
	return deref(ft) == st
}
