package e2e_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/channel"
	"github.com/alexjbarnes/listing-sync/internal/docstore/dirstore"
	"github.com/alexjbarnes/listing-sync/internal/gateway"
	"github.com/alexjbarnes/listing-sync/internal/livedata"
	"github.com/alexjbarnes/listing-sync/internal/mcpserver"
	"github.com/alexjbarnes/listing-sync/internal/metrics"
	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/alexjbarnes/listing-sync/internal/server"
	"github.com/alexjbarnes/listing-sync/internal/state"
	"github.com/alexjbarnes/listing-sync/internal/views"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

// harness holds the full e2e stack: a directory store served by a real
// gateway over HTTP, and a client side that reads it through the gateway
// client with its own snapshot cache, counter, views and MCP server.
type harness struct {
	Store      *dirstore.Store
	GatewayURL string
	MCPURL     string
	Client     *gateway.Client
	Views      *views.Manager
	Metrics    *metrics.Metrics
	State      *state.State
	Logger     *slog.Logger
}

func seedListings(t *testing.T, store *dirstore.Store) {
	t.Helper()

	require.NoError(t, store.Write("listings", []models.Record{
		models.NewRecord("l1", map[string]any{"title": "Cottage", "suburb": "Fitzroy", "price": 300000, "published": true, "likes": 2}),
		models.NewRecord("l2", map[string]any{"title": "Villa", "suburb": "Toorak", "price": 900000, "published": true, "featured": true, "likes": 0}),
		models.NewRecord("l3", map[string]any{"title": "Loft", "suburb": "Carlton", "price": 450000, "published": true, "likes": 5}),
		models.NewRecord("l4", map[string]any{"title": "Draft", "suburb": "Kew", "price": 100000, "published": false}),
	}))
}

// newHarness starts the gateway over src (the directory store when nil)
// and the MCP server over the gateway client.
func newHarness(t *testing.T, src channel.Source) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := dirstore.New(t.TempDir(), 10*time.Millisecond, logger)
	require.NoError(t, err)
	seedListings(t, store)

	if src == nil {
		src = store
	}

	m := metrics.New()

	gw := gateway.NewServer(gateway.ServerConfig{
		Source:      src,
		Adjuster:    store,
		AdjustRate:  100,
		AdjustBurst: 100,
	}, logger)

	gwServer := httptest.NewServer(server.NewMux(server.MuxConfig{
		Metrics:  m.Handler(),
		Services: []server.Service{gw},
	}))
	t.Cleanup(gwServer.Close)

	client, err := gateway.NewClient(gateway.ClientConfig{URL: gwServer.URL}, logger)
	require.NoError(t, err)

	appState, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	cache := livedata.NewCacheWriter(appState, logger, m)

	catalog, err := views.NewCatalog(views.Presets()...)
	require.NoError(t, err)

	manager := views.NewManager(views.ManagerConfig{
		Catalog: catalog,
		Source:  client,
		Cache:   cache,
		Counter: livedata.NewCounter(livedata.CounterConfig{
			Adjuster: client,
			Likes:    appState,
			Recorder: m,
		}, logger),
		Recorder: m,
	}, logger)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "listing-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{Views: manager}, logger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mcpHTTP := httptest.NewServer(server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		Metrics:    m.Handler(),
	}))

	// Views hold websocket connections to the gateway, so they close
	// before either server.
	t.Cleanup(func() {
		mcpHTTP.Close()
		manager.Close()
		cache.Close()
		appState.Close()
	})

	return &harness{
		Store:      store,
		GatewayURL: gwServer.URL,
		MCPURL:     mcpHTTP.URL,
		Client:     client,
		Views:      manager,
		Metrics:    m,
		State:      appState,
		Logger:     logger,
	}
}

// mcpSession connects an MCP client over streamable HTTP.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint:             h.MCPURL + "/mcp",
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// doGet performs a GET request with t.Context().
func doGet(t *testing.T, fullURL string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fullURL, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	return resp
}

// failingSource accepts a subscription and fails it immediately.
type failingSource struct {
	err error
}

func (s failingSource) Subscribe(_ context.Context, q models.Query) (*channel.Subscription, error) {
	sub := channel.New(q)
	sub.Fail(s.err)

	return sub, nil
}

func nextRender(t *testing.T, ch <-chan livedata.RenderEvent) livedata.RenderEvent {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for render")
		return livedata.RenderEvent{}
	}
}
