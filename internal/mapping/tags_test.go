package mapping

import (
	"errors"
	"testing"

	"github.com/sha1n/osem/internal/errs"
)

type tagged struct {
	ID      int     `osem:"id,converter=padded"`
	Title   string  `osem:"property,boost=2"`
	Code    string  `osem:"property,name=code_value,untokenized"`
	Secret  string  `osem:"property,noindex"`
	Next    *tagged `osem:"component,ref=tagged,prefix=next_,maxdepth=2"`
	Owner   *base   `osem:"reference,ref=base,cascade=save|delete"`
	Skipped string  `osem:"-"`
	Plain   string
}

func TestFromStruct(t *testing.T) {
	m, err := FromStruct("tagged", &tagged{}, AsPoly(), WithBoost(1.5), WithDuplicates(DuplicatesMarshall))
	if err != nil {
		t.Fatalf("FromStruct failed: %v", err)
	}
	if len(m.Mappings) != 6 {
		t.Fatalf("expected 6 mappings, got %d", len(m.Mappings))
	}
	if !m.Poly || m.Boost != 1.5 || m.FilterDuplicates(true) {
		t.Errorf("options not applied: %+v", m)
	}

	id := m.Mappings[0].(*IDMapping)
	if id.Converter != "padded" {
		t.Errorf("id converter = %q", id.Converter)
	}
	title := m.Mappings[1].(*PropertyMapping)
	if title.Boost != 2 {
		t.Errorf("title boost = %v", title.Boost)
	}
	code := m.Mappings[2].(*PropertyMapping)
	if code.Name != "code_value" || !code.Untokenized {
		t.Errorf("code mapping = %+v", code)
	}
	if secret := m.Mappings[3].(*PropertyMapping); !secret.NoIndex || secret.NoStore {
		t.Errorf("secret mapping = %+v", secret)
	}
	next := m.Mappings[4].(*ComponentMapping)
	if next.RefAlias != "tagged" || next.Prefix != "next_" || next.MaxDepth != 2 {
		t.Errorf("next mapping = %+v", next)
	}
	owner := m.Mappings[5].(*ReferenceMapping)
	if owner.Cascade != CascadeSave|CascadeDelete {
		t.Errorf("owner cascade = %s", owner.Cascade)
	}

	r := buildRegistry(t, mustFromStruct(t, "base", base{}), m)
	if _, err := r.Lookup("tagged", "next.owner"); err != nil {
		t.Errorf("Lookup failed: %v", err)
	}
}

func TestFromStruct_Errors(t *testing.T) {
	type badKind struct {
		ID int `osem:"index"`
	}
	type badBoost struct {
		ID int `osem:"property,boost=high"`
	}
	type badDepth struct {
		ID int `osem:"component,maxdepth=0"`
	}
	type badCascade struct {
		ID int `osem:"reference,cascade=merge"`
	}

	for _, sample := range []any{badKind{}, badBoost{}, badDepth{}, badCascade{}, 42} {
		if _, err := FromStruct("x", sample); !errors.Is(err, errs.ErrConfiguration) {
			t.Errorf("FromStruct(%T) expected configuration error, got %v", sample, err)
		}
	}
}
