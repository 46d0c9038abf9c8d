package main

import (
	"github.com/sha1n/osem/internal/config"
	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/osem"
)

// Document is the searchable unit served by the binary.
type Document struct {
	ID     string   `json:"id" osem:"id"`
	Title  string   `json:"title" osem:"property,boost=2"`
	Body   string   `json:"body" osem:"property"`
	Source string   `json:"source,omitempty" osem:"property,untokenized"`
	Tags   []string `json:"tags,omitempty" osem:"property,name=tag,untokenized"`
}

// Snippet is a document excerpt stored in its own sub-index and found by
// document searches.
type Snippet struct {
	Document
	Offset int `json:"offset" osem:"property"`
}

func models(s *config.Settings) (*mapping.Registry, error) {
	reg := osem.NewRegistry(s)
	doc, err := mapping.FromStruct("document", Document{})
	if err != nil {
		return nil, err
	}
	snippet, err := mapping.FromStruct("snippet", Snippet{}, mapping.Extends("document"), mapping.InSubIndex("snippets"))
	if err != nil {
		return nil, err
	}
	for _, m := range []*mapping.ResourceMapping{doc, snippet} {
		if err := reg.Add(m); err != nil {
			return nil, err
		}
	}
	return reg, reg.Build()
}
