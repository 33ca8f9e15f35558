package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/alexjbarnes/listing-sync/internal/auth"
	"github.com/alexjbarnes/listing-sync/internal/config"
	"github.com/alexjbarnes/listing-sync/internal/gateway"
	"github.com/alexjbarnes/listing-sync/internal/logging"
	"github.com/alexjbarnes/listing-sync/internal/mcpserver"
	"github.com/alexjbarnes/listing-sync/internal/metrics"
	"github.com/alexjbarnes/listing-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewGatewayCommand creates the gateway command.
func NewGatewayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve the configured store over the gateway protocol",
		Long: `Serve the configured store over the gateway protocol.

Clients subscribe over a websocket at /v1/subscribe and send like
adjustments to /v1/adjust. BACKEND must name the upstream store, not the
gateway itself.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, true, false)
		},
	}
}

// NewMCPCommand creates the mcp command.
func NewMCPCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the views as MCP tools over streamable HTTP",
		Long: `Serve the views as MCP tools over streamable HTTP at /mcp.

Tools: view_list, view_query and record_like. Views start on first use and
stay subscribed until the server stops.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, false, true)
		},
	}
}

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the gateway and the MCP server together",
		Long:         "Run the gateway and the MCP server together over one backend. The gateway is skipped when BACKEND=gateway.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, true, true)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions, withGateway, withMCP bool) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if withGateway && cfg.Backend == config.BackendGateway {
		if !withMCP {
			return fmt.Errorf("gateway needs an upstream store: set BACKEND to dir, firestore or dynamodb")
		}

		logger.Info("BACKEND=gateway, serving MCP only")

		withGateway = false
	}

	logger.Info("listing-sync starting",
		slog.String("version", opts.Version),
		slog.String("backend", cfg.Backend),
		slog.Bool("gateway", withGateway),
		slog.Bool("mcp", withMCP),
	)

	guard, err := apiKeyGuard(cfg, logger)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	if withGateway {
		g.Go(func() error {
			return runGateway(gctx, cfg, a.backend, a.metrics, guard, logger)
		})
	}

	if withMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, a, guard, opts)
		})
	}

	return g.Wait()
}

// apiKeyGuard returns the API key middleware, or nil when API_KEY_HASHES
// is empty.
func apiKeyGuard(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if !cfg.AuthEnabled() {
		logger.Warn("API_KEY_HASHES not set, gateway and MCP endpoints are unauthenticated")
		return nil, nil
	}

	keys, err := auth.NewKeys(cfg.APIKeyHashes)
	if err != nil {
		return nil, fmt.Errorf("loading API keys: %w", err)
	}

	logger.Info("API key auth enabled", slog.Int("keys", keys.Len()))

	return auth.Middleware(keys, logger.With(slog.String("component", "auth"))), nil
}

// runGateway serves backend to gateway clients.
func runGateway(ctx context.Context, cfg *config.Config, backend Backend, m *metrics.Metrics, guard func(http.Handler) http.Handler, logger *slog.Logger) error {
	gwLogger := logger.With(slog.String("service", "gateway"))

	gw := gateway.NewServer(gateway.ServerConfig{
		Source:      backend,
		Adjuster:    backend,
		AdjustRate:  cfg.GatewayAdjustRate,
		AdjustBurst: cfg.GatewayAdjustBurst,
	}, gwLogger)

	mux := server.NewMux(server.MuxConfig{
		Metrics:  m.Handler(),
		Services: []server.Service{gw},
		Auth:     guard,
	})

	return server.Serve(ctx, cfg.GatewayListenAddr, mux, gwLogger)
}

// runMCP serves the app's views as MCP tools. Tool logs use
// MCP_LOG_LEVEL unless --verbose is set.
func runMCP(ctx context.Context, cfg *config.Config, a *app, guard func(http.Handler) http.Handler, opts *RootOptions) error {
	level := cfg.MCPLogLevel
	if opts.Verbose {
		level = "debug"
	}

	mcpLogger := logging.New(os.Stderr, cfg.Environment, level).With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "listing-sync-mcp", Version: opts.Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Views:    a.views,
		Resolver: a.resolver,
	}, mcpLogger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		Metrics:    a.metrics.Handler(),
		Auth:       guard,
	})

	return server.Serve(ctx, cfg.MCPListenAddr, mux, mcpLogger)
}
