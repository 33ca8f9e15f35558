package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alexjbarnes/listing-sync/internal/blob"
	"github.com/alexjbarnes/listing-sync/internal/channel"
	"github.com/alexjbarnes/listing-sync/internal/config"
	"github.com/alexjbarnes/listing-sync/internal/docstore/dirstore"
	"github.com/alexjbarnes/listing-sync/internal/docstore/dynamo"
	"github.com/alexjbarnes/listing-sync/internal/docstore/firestoredb"
	"github.com/alexjbarnes/listing-sync/internal/gateway"
	"github.com/alexjbarnes/listing-sync/internal/livedata"
	"github.com/alexjbarnes/listing-sync/internal/logging"
	"github.com/alexjbarnes/listing-sync/internal/metrics"
	"github.com/alexjbarnes/listing-sync/internal/render"
	"github.com/alexjbarnes/listing-sync/internal/state"
	"github.com/alexjbarnes/listing-sync/internal/views"
)

// Backend is a document store views can subscribe to and adjust.
type Backend interface {
	channel.Source
	channel.Adjuster
}

// OpenBackend connects to the store cfg selects. The returned function
// releases it.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Backend, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendDir:
		s, err := dirstore.New(cfg.DataDir, dirstore.DefaultDebounce, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening data dir: %w", err)
		}

		return s, noop, nil

	case config.BackendFirestore:
		s, err := firestoredb.New(ctx, cfg.FirestoreProjectID, logger)
		if err != nil {
			return nil, nil, err
		}

		return s, s.Close, nil

	case config.BackendDynamoDB:
		s, err := dynamo.New(ctx, cfg.DynamoDBTable, cfg.DynamoDBPollInterval, logger)
		if err != nil {
			return nil, nil, err
		}

		return s, noop, nil

	case config.BackendGateway:
		c, err := gateway.NewClient(gateway.ClientConfig{
			URL:    cfg.GatewayURL,
			APIKey: cfg.GatewayAPIKey,
		}, logger)
		if err != nil {
			return nil, nil, err
		}

		return c, noop, nil
	}

	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// app is everything a view-serving command shares: the backend, the
// local snapshot cache and like store, metrics, the engagement counter
// and the view manager.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	state    *state.State
	cache    *livedata.CacheWriter
	backend  Backend
	counter  *livedata.Counter
	views    *views.Manager
	resolver render.URLResolver

	closeBackend func() error
}

// loadConfig reads the environment and builds the logger. --verbose
// forces debug logging.
func loadConfig(opts *RootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if opts.Verbose {
		return cfg, logging.New(os.Stderr, cfg.Environment, "debug"), nil
	}

	return cfg, logging.NewLogger(cfg.Environment), nil
}

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	var err error

	a.state, err = openState(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	a.backend, a.closeBackend, err = OpenBackend(ctx, cfg, logger)
	if err != nil {
		a.state.Close()
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
	}

	catalog, err := views.Load(cfg.ViewsFile)
	if err != nil {
		a.closeBackend()
		a.state.Close()

		return nil, err
	}

	if cfg.BlobEnabled() {
		resolver, err := blob.New(blob.Config{
			Endpoint:  cfg.BlobEndpoint,
			Bucket:    cfg.BlobBucket,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Region:    cfg.BlobRegion,
			UseSSL:    cfg.BlobUseSSL,
			URLTTL:    cfg.BlobURLTTL,
		})
		if err != nil {
			a.closeBackend()
			a.state.Close()

			return nil, fmt.Errorf("creating blob resolver: %w", err)
		}

		a.resolver = resolver
	}

	a.cache = livedata.NewCacheWriter(a.state, logger, a.metrics)
	a.counter = livedata.NewCounter(livedata.CounterConfig{
		Adjuster: a.backend,
		Likes:    a.state,
		Recorder: a.metrics,
	}, logger)
	a.views = views.NewManager(views.ManagerConfig{
		Catalog:     catalog,
		Source:      a.backend,
		Cache:       a.cache,
		Counter:     a.counter,
		Recorder:    a.metrics,
		IdleTimeout: cfg.ViewIdleTimeout,
	}, logger)

	logger.Debug("backend ready",
		slog.String("backend", cfg.Backend),
		slog.Int("views", len(catalog.Names())),
		slog.Bool("blob", cfg.BlobEnabled()),
	)

	return a, nil
}

// renderer builds the projector for d.
func (a *app) renderer(d views.Definition) (*render.Renderer, error) {
	return render.New(d.RenderConfig(a.counter, a.resolver), a.logger)
}

// Close stops the views, flushes pending snapshots and releases the
// backend and the state database, in that order.
func (a *app) Close() error {
	a.views.Close()
	a.cache.Close()

	return errors.Join(a.closeBackend(), a.state.Close())
}
