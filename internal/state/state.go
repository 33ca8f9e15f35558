package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.listing-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	snapshotsBucket  = []byte("snapshots")
	engagementBucket = []byte("engagement")
)

// engagementKey scopes a record's local toggle by collection, since
// identifiers are only unique within a collection.
func engagementKey(collection, recordID string) []byte {
	return []byte(collection + "/" + recordID)
}

// State wraps a bbolt database holding cached collection snapshots and
// local engagement toggles. Writes are last-write-wins; bbolt serializes
// writers within the process and the file lock keeps other processes out.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.listing-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(engagementBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveSnapshot persists snap under key, overwriting any prior value.
func (s *State) SaveSnapshot(key string, snap models.Snapshot) error {
	if snap.Items == nil {
		snap.Items = []models.Record{}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", key, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(key), data)
	})
}

// LoadSnapshot returns the last snapshot saved under key. The second
// result is false on a miss. Malformed data is reported as a miss, never
// as an error.
func (s *State) LoadSnapshot(key string) (models.Snapshot, bool) {
	var data []byte

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(key))
		if v != nil {
			// bbolt values are only valid inside the transaction.
			data = append([]byte(nil), v...)
		}

		return nil
	})

	if data == nil {
		return models.Snapshot{}, false
	}

	snap, err := models.UnmarshalSnapshot(data)
	if err != nil {
		return models.Snapshot{}, false
	}

	return snap, true
}

// SaveRawSnapshot stores data verbatim under key. Used to seed the cache
// from an exported file and by tests that need malformed entries.
func (s *State) SaveRawSnapshot(key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(key), data)
	})
}

// DeleteSnapshot removes the cached snapshot for key.
func (s *State) DeleteSnapshot(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete([]byte(key))
	})
}

// SnapshotKeys returns all cache keys in byte order.
func (s *State) SnapshotKeys() ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}

// SetLiked records the local engagement toggle for a record. Clearing a
// toggle deletes the entry rather than storing false.
func (s *State) SetLiked(collection, recordID string, liked bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(engagementBucket)
		key := engagementKey(collection, recordID)

		if !liked {
			return b.Delete(key)
		}

		return b.Put(key, []byte{1})
	})
}

// Liked reports whether the record is toggled on locally.
func (s *State) Liked(collection, recordID string) bool {
	var liked bool

	_ = s.db.View(func(tx *bolt.Tx) error {
		liked = tx.Bucket(engagementBucket).Get(engagementKey(collection, recordID)) != nil
		return nil
	})

	return liked
}

// AllLiked returns the identifiers toggled on locally for a collection.
func (s *State) AllLiked(collection string) ([]string, error) {
	var ids []string

	prefix := []byte(collection + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(engagementBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}

		return nil
	})

	return ids, err
}

// DefaultPath returns ~/.listing-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".listing-sync", "state.db"), nil
}
