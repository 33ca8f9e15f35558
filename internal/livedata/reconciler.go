package livedata

import (
	"log/slog"

	"github.com/alexjbarnes/listing-sync/internal/models"
)

// SnapshotCache is the fire-and-forget cache a view reads and writes.
// CacheWriter implements it.
type SnapshotCache interface {
	Save(key string, snap models.Snapshot)
	Load(key string) (models.Snapshot, bool)
}

// Reconciler owns a view's working set. Every snapshot replaces it
// wholesale; nothing is merged.
type Reconciler struct {
	key        string
	collection string
	cache      SnapshotCache
	counter    *Counter
	logger     *slog.Logger

	working models.Snapshot
	loaded  bool
}

// NewReconciler creates a reconciler persisting under key. counter may be
// nil when the view has no engagement field.
func NewReconciler(key, collection string, cache SnapshotCache, counter *Counter, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		key:        key,
		collection: collection,
		cache:      cache,
		counter:    counter,
		logger:     logger,
		working:    models.Snapshot{Items: []models.Record{}},
	}
}

// Hydrate loads the cached snapshot into the working set. It reports
// whether the cache held one; a miss leaves the working set untouched.
func (r *Reconciler) Hydrate() bool {
	snap, ok := r.cache.Load(r.key)
	if !ok {
		r.logger.Debug("snapshot cache miss", slog.String("key", r.key))
		return false
	}

	r.working = snap
	r.loaded = true

	r.logger.Debug("hydrated from cache",
		slog.String("key", r.key),
		slog.Int("items", snap.Len()),
	)

	return true
}

// OnSnapshot replaces the working set with snap, queues it for the cache
// and drops optimistic engagement overlays for the collection.
func (r *Reconciler) OnSnapshot(snap models.Snapshot) {
	if snap.Items == nil {
		snap.Items = []models.Record{}
	}

	r.working = snap
	r.loaded = true

	r.cache.Save(r.key, snap)

	if r.counter != nil {
		r.counter.Reconcile(r.collection, snap.Items)
	}
}

// Items returns the current working set. Callers must not modify it.
func (r *Reconciler) Items() []models.Record {
	return r.working.Items
}

// Snapshot returns the current working snapshot.
func (r *Reconciler) Snapshot() models.Snapshot {
	return r.working
}

// Loaded reports whether the working set came from the cache or a push.
func (r *Reconciler) Loaded() bool {
	return r.loaded
}

// Retarget switches the cache key and collection after a rescope. The
// working set is kept until the next snapshot replaces it.
func (r *Reconciler) Retarget(key, collection string) {
	r.key = key
	r.collection = collection
}
