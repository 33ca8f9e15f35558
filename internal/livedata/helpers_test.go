package livedata

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/listing-sync/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func rec(id string, fields map[string]any) models.Record {
	return models.NewRecord(id, fields)
}

func ids(items []models.Record) []string {
	out := make([]string, len(items))
	for i, r := range items {
		out[i] = r.ID
	}

	return out
}

// listings builds n records with ids l1..ln and ascending prices.
func listings(n int) []models.Record {
	items := make([]models.Record, n)
	for i := range items {
		items[i] = rec(fmt.Sprintf("l%d", i+1), map[string]any{
			"category": "house",
			"price":    float64((i + 1) * 100000),
		})
	}

	return items
}

// memStore is an in-memory SnapshotStore and LikeStore.
type memStore struct {
	mu      sync.Mutex
	snaps   map[string]models.Snapshot
	liked   map[string]bool
	saves   int
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]models.Snapshot), liked: make(map[string]bool)}
}

func (m *memStore) SaveSnapshot(key string, snap models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}

	m.snaps[key] = snap

	return nil
}

func (m *memStore) LoadSnapshot(key string) (models.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snaps[key]

	return snap, ok
}

func (m *memStore) get(key string) (models.Snapshot, bool) {
	return m.LoadSnapshot(key)
}

func (m *memStore) SetLiked(collection, recordID string, liked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.liked[collection+"/"+recordID] = liked

	return nil
}

func (m *memStore) Liked(collection, recordID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.liked[collection+"/"+recordID]
}

// countingRecorder records render decisions.
type countingRecorder struct {
	NoopRecorder

	mu       sync.Mutex
	rendered int
	skipped  int
	subErrs  int
	adjusts  []int
	adjErrs  int
	cacheHit *bool
}

func (c *countingRecorder) Render(_ string, skipped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if skipped {
		c.skipped++
	} else {
		c.rendered++
	}
}

func (c *countingRecorder) SubscriptionError(string) {
	c.mu.Lock()
	c.subErrs++
	c.mu.Unlock()
}

func (c *countingRecorder) CacheLoad(_ string, hit bool) {
	c.mu.Lock()
	c.cacheHit = &hit
	c.mu.Unlock()
}

func (c *countingRecorder) Adjustment(_ string, delta int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.adjusts = append(c.adjusts, delta)
	if err != nil {
		c.adjErrs++
	}
}
