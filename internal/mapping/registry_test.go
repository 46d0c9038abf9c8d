package mapping

import (
	"errors"
	"reflect"
	"testing"

	"github.com/sha1n/osem/internal/errs"
)

type simple struct {
	ID    int    `osem:"id"`
	Value string `osem:"property"`
	Tags  []string
}

type node struct {
	ID    int    `osem:"id"`
	Value string `osem:"property"`
	Next  *node  `osem:"component,ref=node"`
}

type pk struct {
	Value1 int `osem:"property"`
	Value2 int `osem:"property"`
}

type composite struct {
	Key   pk     `osem:"id,component=pk"`
	Value string `osem:"property"`
}

type base struct {
	ID    int    `osem:"id"`
	Value string `osem:"property"`
}

type derived struct {
	base
	Extra string `osem:"property"`
}

func buildRegistry(t *testing.T, mappings ...*ResourceMapping) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, m := range mappings {
		if err := r.Add(m); err != nil {
			t.Fatalf("Add(%s) failed: %v", m.Alias, err)
		}
	}
	if err := r.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return r
}

func mustFromStruct(t *testing.T, alias string, sample any, opts ...ResourceOption) *ResourceMapping {
	t.Helper()
	m, err := FromStruct(alias, sample, opts...)
	if err != nil {
		t.Fatalf("FromStruct(%s) failed: %v", alias, err)
	}
	return m
}

func buildErr(mappings ...*ResourceMapping) error {
	r := NewRegistry()
	for _, m := range mappings {
		if err := r.Add(m); err != nil {
			return err
		}
	}
	return r.Build()
}

func TestRegistry_Simple(t *testing.T) {
	r := buildRegistry(t, mustFromStruct(t, "a", simple{}))
	m := r.Mapping("a")

	if len(m.IDs()) != 1 || m.IDs()[0].Segment() != "id" {
		t.Fatalf("unexpected ids: %+v", m.IDs())
	}
	if got := m.IDNames(); !reflect.DeepEqual(got, []string{"$/a/id"}) {
		t.Errorf("IDNames = %v", got)
	}
	if m.SubIndexName() != "a" {
		t.Errorf("SubIndexName = %q", m.SubIndexName())
	}
	if len(m.Children()) != 2 {
		t.Errorf("expected untagged field to be ignored, got %d children", len(m.Children()))
	}

	p, err := r.Lookup("a", "value")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if pm, ok := p.(*PropertyMapping); !ok || pm.PropertyName() != "value" || pm.ConverterFor() == nil {
		t.Errorf("unexpected value mapping: %#v", p)
	}
}

func TestRegistry_CollectionWrapping(t *testing.T) {
	m := &ResourceMapping{Alias: "a", Type: reflect.TypeOf(simple{}), Mappings: []Mapping{
		&IDMapping{FieldName: "ID"},
		&PropertyMapping{FieldName: "Tags", Name: "tag"},
	}}
	r := buildRegistry(t, m)

	tags, err := r.Lookup("a", "tags")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	col, ok := tags.(*CollectionMapping)
	if !ok {
		t.Fatalf("expected collection mapping, got %T", tags)
	}
	if el, ok := col.Element.(*PropertyMapping); !ok || el.PropertyName() != "tag" || el.FieldType().Kind() != reflect.String {
		t.Errorf("unexpected element mapping: %#v", col.Element)
	}
}

func TestRegistry_RecursiveComponent(t *testing.T) {
	r := buildRegistry(t, mustFromStruct(t, "node", node{}))

	next, err := r.Lookup("node", "next")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	cm := next.(*ComponentMapping)
	if cm.Ref() != r.Mapping("node") {
		t.Error("recursive component must point at its own alias")
	}
	if cm.MaxDepth != DefaultMaxDepth {
		t.Errorf("MaxDepth = %d, want default", cm.MaxDepth)
	}
	if _, err := r.Lookup("node", "next.next.value"); err != nil {
		t.Errorf("dotted lookup failed: %v", err)
	}
	if _, err := r.Lookup("node", "next.missing"); !errors.Is(err, errs.ErrMapping) {
		t.Errorf("expected mapping error, got %v", err)
	}
}

func TestRegistry_CompositeID(t *testing.T) {
	r := buildRegistry(t,
		mustFromStruct(t, "pk", pk{}, AsComponent()),
		mustFromStruct(t, "c", composite{}),
	)
	m := r.Mapping("c")

	if got := m.IDPaths(""); !reflect.DeepEqual(got, []string{"key.value1", "key.value2"}) {
		t.Errorf("IDPaths = %v", got)
	}
	if got := m.IDNames(); !reflect.DeepEqual(got, []string{"$/c/key.value1", "$/c/key.value2"}) {
		t.Errorf("IDNames = %v", got)
	}
	if m.IDs()[0].CompositeMapping() != r.Mapping("pk") {
		t.Error("composite id must resolve its component alias")
	}
	if r.Mapping("pk").IsRoot() {
		t.Error("component only alias must not be a root")
	}
	if got := r.RootAliases(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("RootAliases = %v", got)
	}
}

func TestRegistry_ExtendsAndOverride(t *testing.T) {
	contract := &ResourceMapping{Alias: "contract", Contract: true, Mappings: []Mapping{
		&IDMapping{FieldName: "ID"},
		&PropertyMapping{FieldName: "Value", Boost: 1},
	}}
	overriding := &ResourceMapping{Alias: "a", Type: reflect.TypeOf(base{}), Extends: []string{"contract"}, Mappings: []Mapping{
		&PropertyMapping{FieldName: "Value", Boost: 2},
	}}
	keeping := &ResourceMapping{Alias: "b", Type: reflect.TypeOf(base{}), Extends: []string{"contract"}, DisableOverride: true, Mappings: []Mapping{
		&PropertyMapping{FieldName: "Value", Name: "other"},
	}}
	r := buildRegistry(t, contract, overriding, keeping)

	all, err := r.LookupAll("a", "value")
	if err != nil {
		t.Fatalf("LookupAll failed: %v", err)
	}
	if len(all) != 1 || all[0].(*PropertyMapping).Boost != 2 {
		t.Errorf("override not applied: %+v", all)
	}
	if len(r.Mapping("a").IDs()) != 1 {
		t.Error("inherited id missing")
	}

	all, err = r.LookupAll("b", "value")
	if err != nil {
		t.Fatalf("LookupAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected both mappings with override disabled, got %d", len(all))
	}

	if got := r.ExtendingAliases("contract"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("ExtendingAliases = %v", got)
	}
	if got := r.PolyAliases("contract"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("PolyAliases = %v", got)
	}
	if !r.Mapping("contract").IsPoly() || r.Mapping("a").IsPoly() {
		t.Error("unexpected poly flags")
	}
}

func TestRegistry_AliasFor(t *testing.T) {
	r := buildRegistry(t,
		mustFromStruct(t, "base", base{}),
		mustFromStruct(t, "derived", derived{}, Extends("base")),
		mustFromStruct(t, "b1", base{}, InSubIndex("shared")),
		mustFromStruct(t, "b2", base{}, Extends("b1"), InSubIndex("shared")),
	)

	alias, err := r.AliasFor(reflect.TypeOf(&derived{}))
	if err != nil || alias != "derived" {
		t.Errorf("AliasFor(derived) = %q, %v", alias, err)
	}
	if _, err := r.AliasFor(reflect.TypeOf(base{})); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected ambiguity error, got %v", err)
	}
	if got := r.AliasesForType(reflect.TypeOf(base{})); !reflect.DeepEqual(got, []string{"base", "b1", "b2"}) {
		t.Errorf("AliasesForType = %v", got)
	}
	if !r.Extends("b2", "b1") || r.Extends("b1", "b2") {
		t.Error("unexpected Extends result")
	}
	if got := r.SubIndexes(); !reflect.DeepEqual(got, []string{"base", "derived", "shared"}) {
		t.Errorf("SubIndexes = %v", got)
	}

	// promoted fields of the embedded struct resolve through inheritance
	if _, err := r.Lookup("derived", "value"); err != nil {
		t.Errorf("inherited lookup failed: %v", err)
	}
}

func TestRegistry_Errors(t *testing.T) {
	type hidden struct {
		ID     int
		secret string
	}
	type withMap struct {
		ID    int
		Attrs map[string]string
	}
	type ref struct {
		ID    int
		Owner *pk
	}

	tests := []struct {
		name     string
		mappings []*ResourceMapping
		kind     error
	}{
		{
			name:     "root without id",
			mappings: []*ResourceMapping{{Alias: "a", Type: reflect.TypeOf(simple{}), Mappings: []Mapping{&PropertyMapping{FieldName: "Value"}}}},
			kind:     errs.ErrMapping,
		},
		{
			name: "duplicate alias",
			mappings: []*ResourceMapping{
				{Alias: "a", Type: reflect.TypeOf(simple{})},
				{Alias: "a", Type: reflect.TypeOf(simple{})},
			},
			kind: errs.ErrMapping,
		},
		{
			name:     "unknown converter",
			mappings: []*ResourceMapping{{Alias: "a", Type: reflect.TypeOf(simple{}), Mappings: []Mapping{&IDMapping{FieldName: "ID", Converter: "nope"}}}},
			kind:     errs.ErrConfiguration,
		},
		{
			name:     "unknown field",
			mappings: []*ResourceMapping{{Alias: "a", Type: reflect.TypeOf(simple{}), Mappings: []Mapping{&IDMapping{FieldName: "Missing"}}}},
			kind:     errs.ErrConfiguration,
		},
		{
			name:     "unexported field",
			mappings: []*ResourceMapping{{Alias: "a", Type: reflect.TypeOf(hidden{}), Mappings: []Mapping{&IDMapping{FieldName: "ID"}, &PropertyMapping{FieldName: "secret"}}}},
			kind:     errs.ErrConfiguration,
		},
		{
			name:     "neither stored nor indexed",
			mappings: []*ResourceMapping{{Alias: "a", Type: reflect.TypeOf(simple{}), Mappings: []Mapping{&IDMapping{FieldName: "ID"}, &PropertyMapping{FieldName: "Value", NoStore: true, NoIndex: true}}}},
			kind:     errs.ErrMapping,
		},
		{
			name:     "map field",
			mappings: []*ResourceMapping{{Alias: "a", Type: reflect.TypeOf(withMap{}), Mappings: []Mapping{&IDMapping{FieldName: "ID"}, &PropertyMapping{FieldName: "Attrs"}}}},
			kind:     errs.ErrMapping,
		},
		{
			name:     "unknown extends",
			mappings: []*ResourceMapping{{Alias: "a", Type: reflect.TypeOf(simple{}), Extends: []string{"nope"}, Mappings: []Mapping{&IDMapping{FieldName: "ID"}}}},
			kind:     errs.ErrConfiguration,
		},
		{
			name: "cyclic extends",
			mappings: []*ResourceMapping{
				{Alias: "a", Type: reflect.TypeOf(simple{}), Extends: []string{"b"}, Mappings: []Mapping{&IDMapping{FieldName: "ID"}}},
				{Alias: "b", Type: reflect.TypeOf(simple{}), Extends: []string{"a"}},
			},
			kind: errs.ErrMapping,
		},
		{
			name:     "unknown component alias",
			mappings: []*ResourceMapping{{Alias: "node", Type: reflect.TypeOf(node{}), Mappings: []Mapping{&IDMapping{FieldName: "ID"}, &ComponentMapping{FieldName: "Next", RefAlias: "nope"}}}},
			kind:     errs.ErrConfiguration,
		},
		{
			name: "reference to component only alias",
			mappings: []*ResourceMapping{
				{Alias: "pk", Type: reflect.TypeOf(pk{}), ComponentOnly: true, Mappings: []Mapping{&PropertyMapping{FieldName: "Value1"}}},
				{Alias: "r", Type: reflect.TypeOf(ref{}), Mappings: []Mapping{&IDMapping{FieldName: "ID"}, &ReferenceMapping{FieldName: "Owner", RefAlias: "pk"}}},
			},
			kind: errs.ErrMapping,
		},
		{
			name:     "untyped alias",
			mappings: []*ResourceMapping{{Alias: "a"}},
			kind:     errs.ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := buildErr(tt.mappings...)
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestRegistry_AddAfterBuild(t *testing.T) {
	r := buildRegistry(t, mustFromStruct(t, "a", simple{}))
	if err := r.Add(mustFromStruct(t, "b", simple{})); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if _, err := r.MustMapping("b"); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected unknown alias error, got %v", err)
	}
}

func TestRegistry_Binder(t *testing.T) {
	r := buildRegistry(t,
		mustFromStruct(t, "pk", pk{}, AsComponent()),
		mustFromStruct(t, "c", composite{}),
	)
	b := r.Binder("c")
	if b == nil {
		t.Fatal("expected binder for root alias")
	}
	for _, name := range []string{"$/c/key.value1", "value1", "value"} {
		if _, _, ok := b(name); !ok {
			t.Errorf("binder has no entry for %q", name)
		}
	}
	if _, typ, _ := b("value1"); typ.Kind() != reflect.Int {
		t.Errorf("value1 type = %v", typ)
	}
	if r.Binder("pk") != nil {
		t.Error("component alias must not have a binder")
	}
}

type keyed struct {
	ID   int    `osem:"id"`
	Code string `osem:"property,untokenized"`
	Text string `osem:"property"`
	Next *keyed `osem:"component,ref=k"`
}

func TestRegistry_KeywordFields(t *testing.T) {
	r := buildRegistry(t, mustFromStruct(t, "k", keyed{}))

	got := map[string]bool{}
	for _, name := range r.KeywordFields("k") {
		got[name] = true
	}
	for _, want := range []string{"alias", "$/k/id", "id", "code", "$/k/next.id"} {
		if !got[want] {
			t.Errorf("KeywordFields misses %q: %v", want, r.KeywordFields("k"))
		}
	}
	if got["text"] {
		t.Error("tokenized property must not be a keyword field")
	}
}
