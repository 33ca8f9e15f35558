package views

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/channel"
	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/livedata"
)

// ManagerConfig holds what every managed view shares.
type ManagerConfig struct {
	Catalog *Catalog
	Source  channel.Source
	Cache   livedata.SnapshotCache
	// Counter is attached to views whose definition enables likes.
	Counter  *livedata.Counter
	Recorder livedata.Recorder
	// IdleTimeout stops a scoped view that has not been opened for this
	// long. Zero uses DefaultIdleTimeout; negative keeps them until Close.
	IdleTimeout time.Duration
}

// DefaultIdleTimeout is how long an unused scoped view keeps its
// subscription.
const DefaultIdleTimeout = 10 * time.Minute

// managed is a running view and when it was last opened.
type managed struct {
	view     *livedata.View
	scoped   bool
	lastUsed time.Time
}

// Manager starts views on first use and keeps them running, one per
// view name and scope. Unscoped views run until Close; scoped views are
// also stopped once idle.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	idle   time.Duration
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*managed
	closed  bool
}

// NewManager creates a manager with no running views.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		idle:    idle,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*managed),
	}

	if idle > 0 {
		m.wg.Add(1)

		go m.sweepLoop()
	}

	return m
}

// Catalog returns the definitions the manager serves.
func (m *Manager) Catalog() *Catalog {
	return m.cfg.Catalog
}

// Counter returns the shared engagement counter, or nil.
func (m *Manager) Counter() *livedata.Counter {
	return m.cfg.Counter
}

// Open returns the running view for name and scope, starting it if
// needed.
func (m *Manager) Open(name, scope string) (*livedata.View, Definition, error) {
	d, err := m.cfg.Catalog.Get(name)
	if err != nil {
		return nil, Definition{}, err
	}

	key := d.CacheKey(scope)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, Definition{}, apperrors.ErrViewClosed
	}

	if mv, ok := m.running[key]; ok {
		mv.lastUsed = m.now()
		return mv.view, d, nil
	}

	v := m.build(d, scope)
	m.running[key] = &managed{view: v, scoped: key != d.Name, lastUsed: m.now()}

	m.wg.Add(1)

	go m.run(key, v)

	m.logger.Info("view started",
		slog.String("view", d.Name),
		slog.String("query", d.Query(scope).String()),
	)

	return v, d, nil
}

// Build creates a view for d without starting it. Callers own its
// lifetime.
func (m *Manager) Build(d Definition, scope string) *livedata.View {
	return m.build(d, scope)
}

func (m *Manager) build(d Definition, scope string) *livedata.View {
	cfg := d.ViewConfig(scope)
	cfg.Source = m.cfg.Source
	cfg.Cache = m.cfg.Cache
	cfg.Recorder = m.cfg.Recorder

	if d.Likes {
		cfg.Counter = m.cfg.Counter
	}

	return livedata.NewView(cfg, m.logger)
}

func (m *Manager) run(key string, v *livedata.View) {
	defer m.wg.Done()

	err := v.Run(m.ctx)

	m.mu.Lock()
	if mv, ok := m.running[key]; ok && mv.view == v {
		delete(m.running, key)
	}
	m.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, apperrors.ErrViewClosed) {
		m.logger.Warn("view stopped",
			slog.String("view", v.Name()),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep stops scoped views not opened within the idle timeout. Their
// run goroutines remove them from running.
func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.idle)

	m.mu.Lock()

	idle := make(map[string]*livedata.View)

	for key, mv := range m.running {
		if mv.scoped && mv.lastUsed.Before(cutoff) {
			idle[key] = mv.view
			delete(m.running, key)
		}
	}
	m.mu.Unlock()

	for key, v := range idle {
		m.logger.Info("idle view stopped", slog.String("view", key))
		v.Close()
	}
}

// Running lists the cache keys of running views.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.running))
	for k := range m.running {
		keys = append(keys, k)
	}

	return keys
}

// WaitSynced waits until v has applied a pushed snapshot or ctx ends.
func WaitSynced(ctx context.Context, v *livedata.View) error {
	select {
	case <-v.Synced():
		return nil
	case <-v.Done():
		return fmt.Errorf("view %s: %w", v.Name(), apperrors.ErrViewClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every view and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true
	views := make([]*livedata.View, 0, len(m.running))

	for _, mv := range m.running {
		views = append(views, mv.view)
	}
	m.mu.Unlock()

	for _, v := range views {
		v.Close()
	}

	m.cancel()
	m.wg.Wait()
}
