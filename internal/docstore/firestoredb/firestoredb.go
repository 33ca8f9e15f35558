// Package firestoredb backs the push channel with Cloud Firestore
// snapshot listeners and applies adjustments with server-side
// increments.
package firestoredb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/alexjbarnes/listing-sync/internal/channel"
	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Store is a channel.Source and channel.Adjuster over one Firestore
// database.
type Store struct {
	client *firestore.Client
	logger *slog.Logger
}

var (
	_ channel.Source   = (*Store)(nil)
	_ channel.Adjuster = (*Store)(nil)
)

// New connects to the project's default database. Set
// FIRESTORE_EMULATOR_HOST to target the emulator.
func New(ctx context.Context, projectID string, logger *slog.Logger) (*Store, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *firestore.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) query(q models.Query) firestore.Query {
	fq := s.client.Collection(q.Collection).Query

	if q.Where != nil {
		fq = fq.Where(q.Where.Field, "==", normalizeValue(q.Where.Value))
	}

	if q.OrderBy != nil {
		dir := firestore.Asc
		if q.OrderBy.Desc {
			dir = firestore.Desc
		}

		fq = fq.OrderBy(q.OrderBy.Field, dir)
	}

	return fq
}

// Subscribe opens a snapshot listener. Every listener event carries the
// full result set, which is delivered as one snapshot.
func (s *Store) Subscribe(ctx context.Context, q models.Query) (*channel.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(ctx)
	it := s.query(q).Snapshots(listenCtx)

	sub := channel.New(q)
	sub.OnClose(cancel)

	go s.listen(listenCtx, it, sub)

	return sub, nil
}

func (s *Store) listen(ctx context.Context, it *firestore.QuerySnapshotIterator, sub *channel.Subscription) {
	defer sub.Close()
	defer it.Stop()

	q := sub.Query()

	for {
		qs, err := it.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, iterator.Done) {
				return
			}

			s.logger.Warn("firestore listener failed",
				slog.String("query", q.String()),
				slog.String("error", err.Error()),
			)
			sub.Fail(fmt.Errorf("listening to %s: %w", q.Collection, err))

			return
		}

		docs, err := qs.Documents.GetAll()
		if err != nil {
			sub.Fail(fmt.Errorf("reading %s snapshot: %w", q.Collection, err))
			return
		}

		records := make([]models.Record, 0, len(docs))
		for _, doc := range docs {
			records = append(records, toRecord(doc.Ref.ID, doc.Data()))
		}

		if !sub.Deliver(ctx, models.NewSnapshot(records, readTime(qs.ReadTime))) {
			return
		}
	}
}

// Adjust applies an atomic server-side increment. The document must
// already exist.
func (s *Store) Adjust(ctx context.Context, adj channel.Adjustment) error {
	ref := s.client.Collection(adj.Collection).Doc(adj.ID)

	_, err := ref.Update(ctx, []firestore.Update{{
		FieldPath: firestore.FieldPath{adj.Field},
		Value:     firestore.Increment(adj.Delta),
	}})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s/%s: %w", adj.Collection, adj.ID, apperrors.ErrRecordNotFound)
	}

	if err != nil {
		return fmt.Errorf("incrementing %s/%s.%s: %w", adj.Collection, adj.ID, adj.Field, err)
	}

	return nil
}

// Put writes a whole document. Used for seeding and tests.
func (s *Store) Put(ctx context.Context, collection string, r models.Record) error {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = normalizeValue(v)
	}

	if _, err := s.client.Collection(collection).Doc(r.ID).Set(ctx, fields); err != nil {
		return fmt.Errorf("writing %s/%s: %w", collection, r.ID, err)
	}

	return nil
}

func toRecord(id string, data map[string]any) models.Record {
	fields := make(map[string]any, len(data))
	for k, v := range data {
		fields[k] = convertValue(v)
	}

	return models.Record{ID: id, Fields: fields}
}

// convertValue maps Firestore-specific types onto plain values.
func convertValue(v any) any {
	switch t := v.(type) {
	case *firestore.DocumentRef:
		if t == nil {
			return nil
		}

		return t.Path
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = convertValue(e)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = convertValue(e)
		}

		return out
	default:
		return v
	}
}

// normalizeValue turns decoded JSON numbers into native numerics so
// Firestore compares them as numbers rather than strings.
func normalizeValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}

	if i, err := n.Int64(); err == nil {
		return i
	}

	if f, err := n.Float64(); err == nil && !math.IsInf(f, 0) {
		return f
	}

	return n.String()
}

func readTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}

	return t
}
