// Package dirstore is a development document store: each collection is a
// JSON array of records in <dir>/<collection>.json. Subscriptions watch
// the directory with fsnotify and push a fresh snapshot after every
// change.
package dirstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/channel"
	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce batches bursts of filesystem events into one snapshot.
const DefaultDebounce = 200 * time.Millisecond

// Store serves collections from a directory.
type Store struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	// mu serializes read-modify-write cycles made by this process.
	mu sync.Mutex
}

var (
	_ channel.Source   = (*Store)(nil)
	_ channel.Adjuster = (*Store)(nil)
)

// New opens a store rooted at dir, creating it if needed.
func New(dir string, debounce time.Duration, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Store{dir: dir, debounce: debounce, logger: logger}, nil
}

func (s *Store) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

func validCollection(name string) error {
	if name == "" {
		return apperrors.ErrCollectionRequired
	}

	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid collection name %q", name)
	}

	return nil
}

// Load reads every record of a collection. A missing file is an empty
// collection.
func (s *Store) Load(collection string) ([]models.Record, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(collection))
	if errors.Is(err, fs.ErrNotExist) {
		return []models.Record{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", collection, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return []models.Record{}, nil
	}

	var records []models.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", collection, err)
	}

	if records == nil {
		records = []models.Record{}
	}

	return records, nil
}

// Write replaces a collection atomically.
func (s *Store) Write(collection string, records []models.Record) error {
	if err := validCollection(collection); err != nil {
		return err
	}

	if records == nil {
		records = []models.Record{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", collection, err)
	}

	return writeAtomic(s.dir, s.path(collection), data)
}

// Subscribe delivers the collection's current records, filtered and
// ordered by q, and again after every change to its file.
func (s *Store) Subscribe(ctx context.Context, q models.Query) (*channel.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	records, err := s.Load(q.Collection)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", s.dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)

	sub := channel.New(q)
	sub.OnClose(cancel)

	go s.watch(watchCtx, watcher, sub, records)

	return sub, nil
}

func (s *Store) watch(ctx context.Context, watcher *fsnotify.Watcher, sub *channel.Subscription, initial []models.Record) {
	defer sub.Close()
	defer watcher.Close()

	q := sub.Query()
	name := filepath.Base(s.path(q.Collection))

	if !sub.Deliver(ctx, snapshotOf(q, initial)) {
		return
	}

	ticker := time.NewTicker(s.debounce)
	defer ticker.Stop()

	dirty := false

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				sub.Fail(errors.New("fsnotify events channel closed"))
				return
			}

			if filepath.Base(event.Name) == name {
				dirty = true
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				sub.Fail(errors.New("fsnotify errors channel closed"))
				return
			}

			s.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if !dirty {
				continue
			}

			dirty = false

			records, err := s.Load(q.Collection)
			if err != nil {
				// Usually a half-written file; the next write fires again.
				s.logger.Warn("reloading collection failed",
					slog.String("collection", q.Collection),
					slog.String("error", err.Error()),
				)

				continue
			}

			if !sub.Deliver(ctx, snapshotOf(q, records)) {
				return
			}
		}
	}
}

func snapshotOf(q models.Query, records []models.Record) models.Snapshot {
	return models.NewSnapshot(channel.Apply(q, records), time.Now())
}

// Adjust adds adj.Delta to a numeric field, treating a missing field as
// zero. The file is rewritten atomically; concurrent writers in other
// processes are not coordinated.
func (s *Store) Adjust(_ context.Context, adj channel.Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.Load(adj.Collection)
	if err != nil {
		return err
	}

	found := false

	for i, r := range records {
		if r.ID != adj.ID {
			continue
		}

		n, _ := r.Number(adj.Field)
		records[i] = r.With(adj.Field, numberValue(n+float64(adj.Delta)))
		found = true

		break
	}

	if !found {
		return fmt.Errorf("%s/%s: %w", adj.Collection, adj.ID, apperrors.ErrRecordNotFound)
	}

	return s.Write(adj.Collection, records)
}

// numberValue keeps whole numbers as integers in the written JSON.
func numberValue(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}

	return f
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".dirstore-write-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
