// Package mcp exposes read-only search over a session factory as MCP tools.
package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sha1n/osem/internal/mapping"
	"github.com/sha1n/osem/internal/osem"
	"github.com/sha1n/osem/internal/resource"
)

// searchIsolation runs every tool call on committed state without writes.
const searchIsolation = "search"

// SearchArgument defines search parameters.
type SearchArgument struct {
	Query string `json:"query" jsonschema_description:"Query string, e.g. title:fox +body:quick"`
	Alias string `json:"alias,omitempty" jsonschema_description:"Restrict hits to an alias and the aliases extending it"`
	Limit int    `json:"limit,omitempty" jsonschema_description:"Maximum number of hits"`
}

// GetArgument identifies one resource.
type GetArgument struct {
	Alias string   `json:"alias" jsonschema_description:"Alias of the resource"`
	IDs   []string `json:"ids" jsonschema_description:"Stored id values in mapping order"`
}

// AliasesArgument takes no parameters.
type AliasesArgument struct{}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// SearchHandler handles the search_resources tool.
type SearchHandler struct {
	factory *osem.SessionFactory
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(f *osem.SessionFactory) *SearchHandler {
	return &SearchHandler{factory: f}
}

// Handle runs the query on a search-only session.
func (h *SearchHandler) Handle(ctx context.Context, req *mcp.CallToolRequest, args SearchArgument) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(args.Query) == "" {
		return errorResult("Query cannot be empty"), nil, nil
	}
	if args.Alias != "" && h.factory.Registry().Mapping(args.Alias) == nil {
		return errorResult("Unknown alias: %s", args.Alias), nil, nil
	}

	s, err := h.factory.OpenSession(osem.WithIsolation(searchIsolation))
	if err != nil {
		return errorResult("Search is not available: %s", err), nil, nil
	}
	defer func() { _ = s.Close() }()

	limit := h.factory.Settings().MaxResults
	if args.Limit > 0 && args.Limit < limit {
		limit = args.Limit
	}
	q := s.QueryBuilder().QueryString(args.Query).Size(limit)
	if args.Alias != "" {
		q = q.Alias(args.Alias)
	}

	hits, err := s.FindQuery(ctx, q)
	if err != nil {
		return errorResult("Search failed: %s", err), nil, nil
	}
	return formatHits(hits, args.Query), nil, nil
}

func formatHits(hits *osem.Hits, query string) *mcp.CallToolResult {
	if hits.Len() == 0 {
		return textResult(fmt.Sprintf("No resources found for query: %s", query))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d resources for '%s':\n\n", hits.Total(), query)
	for i := range hits.Len() {
		res := hits.Resource(i)
		fmt.Fprintf(&sb, "### %d. %s %s\n", i+1, res.Alias(), strings.Join(res.IDsOrNil(), "/"))
		fmt.Fprintf(&sb, "**Score**: %.4f\n\n", hits.Score(i))
		writeProperties(&sb, res)
		sb.WriteString("\n")
	}
	if hits.Total() > uint64(hits.Len()) {
		fmt.Fprintf(&sb, "... and %d more results\n", hits.Total()-uint64(hits.Len()))
	}
	return textResult(sb.String())
}

// writeProperties lists the stored properties that are not managed.
func writeProperties(sb *strings.Builder, res *resource.Resource) {
	for _, p := range res.All() {
		if !p.Stored || mapping.IsManaged(p.Name) {
			continue
		}
		fmt.Fprintf(sb, "- %s: %s\n", p.Name, p.Value)
	}
}

// GetToolDefinition returns the MCP tool definition.
func (h *SearchHandler) GetToolDefinition() *mcp.Tool {
	return &mcp.Tool{
		Name:        "search_resources",
		Description: "Search committed resources with the bleve query string syntax",
	}
}

// RegisterSearchTool registers the search tool with an MCP server.
func RegisterSearchTool(server *mcp.Server, f *osem.SessionFactory) {
	handler := NewSearchHandler(f)
	mcp.AddTool(server, handler.GetToolDefinition(), handler.Handle)
}

// GetHandler handles the get_resource tool.
type GetHandler struct {
	factory *osem.SessionFactory
}

// NewGetHandler creates a new get handler.
func NewGetHandler(f *osem.SessionFactory) *GetHandler {
	return &GetHandler{factory: f}
}

// Handle loads one resource by alias and ids.
func (h *GetHandler) Handle(ctx context.Context, req *mcp.CallToolRequest, args GetArgument) (*mcp.CallToolResult, any, error) {
	if args.Alias == "" || len(args.IDs) == 0 {
		return errorResult("alias and ids are required"), nil, nil
	}
	s, err := h.factory.OpenSession(osem.WithIsolation(searchIsolation))
	if err != nil {
		return errorResult("Lookup is not available: %s", err), nil, nil
	}
	defer func() { _ = s.Close() }()

	res, err := s.GetResource(ctx, args.Alias, args.IDs)
	if err != nil {
		return errorResult("Lookup failed: %s", err), nil, nil
	}
	if res == nil {
		return errorResult("No %s resource with ids %s", args.Alias, strings.Join(args.IDs, "/")), nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "### %s %s\n\n", res.Alias(), strings.Join(res.IDsOrNil(), "/"))
	writeProperties(&sb, res)
	return textResult(sb.String()), nil, nil
}

// GetToolDefinition returns the MCP tool definition.
func (h *GetHandler) GetToolDefinition() *mcp.Tool {
	return &mcp.Tool{
		Name:        "get_resource",
		Description: "Get the stored properties of one resource by alias and ids",
	}
}

// RegisterGetTool registers the get tool with an MCP server.
func RegisterGetTool(server *mcp.Server, f *osem.SessionFactory) {
	handler := NewGetHandler(f)
	mcp.AddTool(server, handler.GetToolDefinition(), handler.Handle)
}

// AliasesHandler handles the list_aliases tool.
type AliasesHandler struct {
	factory *osem.SessionFactory
}

// Handle lists the root aliases with their sub-indexes.
func (h *AliasesHandler) Handle(ctx context.Context, req *mcp.CallToolRequest, args AliasesArgument) (*mcp.CallToolResult, any, error) {
	reg := h.factory.Registry()
	var sb strings.Builder
	for _, alias := range reg.RootAliases() {
		m := reg.Mapping(alias)
		fmt.Fprintf(&sb, "- %s (sub-index %s)", alias, m.SubIndexName())
		if ext := m.ExtendingAliases(); len(ext) > 0 {
			fmt.Fprintf(&sb, ", extended by %s", strings.Join(ext, ", "))
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return textResult("No aliases are mapped"), nil, nil
	}
	return textResult(sb.String()), nil, nil
}

// RegisterAliasesTool registers the list_aliases tool with an MCP server.
func RegisterAliasesTool(server *mcp.Server, f *osem.SessionFactory) {
	handler := &AliasesHandler{factory: f}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_aliases",
		Description: "List the searchable aliases",
	}, handler.Handle)
}
