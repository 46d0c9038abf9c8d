package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sha1n/osem/internal/osem"
)

// ServerConfig contains configuration for creating an MCP server
type ServerConfig struct {
	Name    string
	Version string
	// Factory serves the tools; without one the server exposes none
	Factory *osem.SessionFactory
}

// CreateServer creates the MCP server and registers the search tools
func CreateServer(cfg ServerConfig) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, nil)

	if cfg.Factory != nil {
		RegisterSearchTool(s, cfg.Factory)
		RegisterGetTool(s, cfg.Factory)
		RegisterAliasesTool(s, cfg.Factory)
	}
	return s
}
