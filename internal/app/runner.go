package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"

	"github.com/sha1n/osem/internal/config"
	"github.com/sha1n/osem/internal/mapping"
	mcputil "github.com/sha1n/osem/internal/mcp"
	"github.com/sha1n/osem/internal/osem"
)

// ServerName identifies the MCP server to clients.
const ServerName = "osem-mcp"

// Models builds the mapping registry served by the binary.
type Models func(*config.Settings) (*mapping.Registry, error)

// RunParams contains dependencies for the run function
type RunParams struct {
	LoadSettings      func(*pflag.FlagSet) (*config.Settings, error)
	ValidSettings     func(*config.Settings) error
	StartSSEServer    func(context.Context, *mcp.Server, *config.Settings) error
	CreateServer      func(*config.Settings) (*mcp.Server, func(), error)
	CustomIOTransport mcp.Transport // Optional: for testing with custom IO
}

// DefaultRunParams returns production dependencies serving models
func DefaultRunParams(models Models) RunParams {
	return RunParams{
		LoadSettings:   config.LoadSettingsWithFlags,
		ValidSettings:  config.ValidateSettings,
		StartSSEServer: StartSSEServer,
		CreateServer:   NewServerFactory(models),
	}
}

// RunWithDeps executes the server with the provided dependencies
func RunWithDeps(ctx context.Context, params RunParams, flags *pflag.FlagSet, version string) error {
	settings, err := params.LoadSettings(flags)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if err := params.ValidSettings(settings); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	SetupLogging(settings)
	slog.Info("Starting OSEM MCP server", "version", version)
	config.Log(settings)

	mcpServer, cleanup, err := params.CreateServer(settings)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if settings.Transport == config.TransportStdio {
		transport := params.CustomIOTransport
		if transport == nil {
			transport = &mcp.StdioTransport{}
		}
		return mcpServer.Run(ctx, transport)
	}
	slog.Info("Starting SSE server", "host", settings.Host, "port", settings.Port)
	return params.StartSSEServer(ctx, mcpServer, settings)
}

// SetupLogging installs a text handler at the configured level. Logs always
// go to stderr; stdout carries the stdio transport.
func SetupLogging(settings *config.Settings) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: settings.Level()})
	slog.SetDefault(slog.New(handler))
}

// NewServerFactory returns a CreateServer opening a session factory over the
// registry of models. The returned cleanup closes the factory.
func NewServerFactory(models Models) func(*config.Settings) (*mcp.Server, func(), error) {
	return func(settings *config.Settings) (*mcp.Server, func(), error) {
		reg, err := models(settings)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build mappings: %w", err)
		}
		f, err := osem.Open(context.Background(), settings, reg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open index: %w", err)
		}
		cleanup := func() {
			if err := f.Close(); err != nil {
				slog.Error("Failed to close session factory", "error", err)
			}
		}

		server := mcputil.CreateServer(mcputil.ServerConfig{
			Name:    ServerName,
			Version: "1.0.0",
			Factory: f,
		})
		return server, cleanup, nil
	}
}
