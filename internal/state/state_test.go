package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func villas(n int) []models.Record {
	recs := make([]models.Record, n)
	for i := range recs {
		recs[i] = models.NewRecord(string(rune('a'+i)), map[string]any{
			"category": "villa",
			"price":    float64(100 + i),
		})
	}
	return recs
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SaveSnapshot("listings", models.NewSnapshot(villas(2), time.UnixMilli(1000))))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	snap, ok := s2.LoadSnapshot("listings")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, snap.IDs())
	assert.Equal(t, int64(1000), snap.Timestamp)
}

// --- Snapshots ---

func TestLoadSnapshot_MissWhenAbsent(t *testing.T) {
	s := testDB(t)
	_, ok := s.LoadSnapshot("nothing-here")
	assert.False(t, ok)
}

func TestSaveSnapshot_RoundTripKeepsFields(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveSnapshot("listings", models.NewSnapshot(villas(3), time.UnixMilli(42))))

	snap, ok := s.LoadSnapshot("listings")
	require.True(t, ok)
	require.Len(t, snap.Items, 3)
	assert.Equal(t, "villa", snap.Items[0].String("category"))

	price, ok := snap.Items[2].Number("price")
	require.True(t, ok)
	assert.Equal(t, 102.0, price)
}

func TestSaveSnapshot_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveSnapshot("listings", models.NewSnapshot(villas(20), time.UnixMilli(1))))
	require.NoError(t, s.SaveSnapshot("listings", models.NewSnapshot(nil, time.UnixMilli(2))))

	snap, ok := s.LoadSnapshot("listings")
	require.True(t, ok, "an empty snapshot is a valid cache entry, not a miss")
	assert.Empty(t, snap.Items)
	assert.NotNil(t, snap.Items)
	assert.Equal(t, int64(2), snap.Timestamp)
}

func TestSaveSnapshot_IsolatedBetweenKeys(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveSnapshot("listings", models.NewSnapshot(villas(1), time.UnixMilli(1))))
	require.NoError(t, s.SaveSnapshot("gallery", models.NewSnapshot(villas(4), time.UnixMilli(1))))

	l, _ := s.LoadSnapshot("listings")
	g, _ := s.LoadSnapshot("gallery")
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 4, g.Len())
}

func TestLoadSnapshot_MalformedIsMiss(t *testing.T) {
	tests := map[string]string{
		"not json":        `{broken`,
		"missing items":   `{"timestamp": 5}`,
		"record no id":    `{"items":[{"title":"x"}],"timestamp":1}`,
		"items not array": `{"items":"nope","timestamp":1}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			s := testDB(t)
			require.NoError(t, s.SaveRawSnapshot("listings", []byte(raw)))

			_, ok := s.LoadSnapshot("listings")
			assert.False(t, ok)
		})
	}
}

func TestDeleteSnapshot(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveSnapshot("listings", models.NewSnapshot(villas(1), time.Now())))
	require.NoError(t, s.DeleteSnapshot("listings"))

	_, ok := s.LoadSnapshot("listings")
	assert.False(t, ok)
}

func TestSnapshotKeys_Sorted(t *testing.T) {
	s := testDB(t)
	for _, k := range []string{"listings", "enquiries", "gallery"} {
		require.NoError(t, s.SaveSnapshot(k, models.NewSnapshot(nil, time.Now())))
	}

	keys, err := s.SnapshotKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"enquiries", "gallery", "listings"}, keys)
}

// --- Engagement toggles ---

func TestLiked_FalseByDefault(t *testing.T) {
	s := testDB(t)
	assert.False(t, s.Liked("listings", "a"))
}

func TestSetLiked_ToggleOnAndOff(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetLiked("listings", "a", true))
	assert.True(t, s.Liked("listings", "a"))

	require.NoError(t, s.SetLiked("listings", "a", false))
	assert.False(t, s.Liked("listings", "a"))
}

func TestAllLiked_ScopedByCollection(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetLiked("listings", "b", true))
	require.NoError(t, s.SetLiked("listings", "a", true))
	require.NoError(t, s.SetLiked("gallery", "a", true))
	require.NoError(t, s.SetLiked("listings-archive", "z", true))

	ids, err := s.AllLiked("listings")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}
