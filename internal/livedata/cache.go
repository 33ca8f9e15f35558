package livedata

import (
	"log/slog"
	"sync"

	"github.com/alexjbarnes/listing-sync/internal/models"
)

// SnapshotStore is the persisted snapshot cache. state.State implements it.
type SnapshotStore interface {
	SaveSnapshot(key string, snap models.Snapshot) error
	LoadSnapshot(key string) (models.Snapshot, bool)
}

// CacheWriter persists snapshots off the caller's goroutine. Save never
// blocks on disk and never reports failure; a newer snapshot for the same
// key replaces one that has not been written yet.
type CacheWriter struct {
	store  SnapshotStore
	logger *slog.Logger
	rec    Recorder

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]models.Snapshot
	busy    bool
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewCacheWriter starts the background writer. Call Close to stop it.
func NewCacheWriter(store SnapshotStore, logger *slog.Logger, rec Recorder) *CacheWriter {
	if rec == nil {
		rec = NoopRecorder{}
	}

	w := &CacheWriter{
		store:   store,
		logger:  logger,
		rec:     rec,
		pending: make(map[string]models.Snapshot),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)

	go w.run()

	return w
}

// Save queues snap for key. After Close it writes synchronously.
func (w *CacheWriter) Save(key string, snap models.Snapshot) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.write(key, snap)

		return
	}

	w.pending[key] = snap
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Load reads the cached snapshot for key. Any failure is a miss.
func (w *CacheWriter) Load(key string) (models.Snapshot, bool) {
	return w.store.LoadSnapshot(key)
}

// Flush blocks until every queued snapshot has been written.
func (w *CacheWriter) Flush() {
	w.mu.Lock()
	for len(w.pending) > 0 || w.busy {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// Close flushes pending writes and stops the background goroutine.
func (w *CacheWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}

	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.done
}

func (w *CacheWriter) run() {
	defer close(w.done)

	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *CacheWriter) drain() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]models.Snapshot)
	w.busy = true
	w.mu.Unlock()

	for key, snap := range batch {
		w.write(key, snap)
	}

	w.mu.Lock()
	w.busy = false
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *CacheWriter) write(key string, snap models.Snapshot) {
	if err := w.store.SaveSnapshot(key, snap); err != nil {
		w.logger.Warn("snapshot cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		w.rec.CacheWriteFailed(key)

		return
	}

	w.logger.Debug("snapshot cached",
		slog.String("key", key),
		slog.Int("items", snap.Len()),
	)
}
