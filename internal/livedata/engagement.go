package livedata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alexjbarnes/listing-sync/internal/channel"
	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/google/uuid"
)

// DefaultCountField is the record field holding the engagement count.
const DefaultCountField = "likes"

// LikeStore persists the local liked flag per record. state.State
// implements it.
type LikeStore interface {
	SetLiked(collection, recordID string, liked bool) error
	Liked(collection, recordID string) bool
}

// CounterConfig configures a Counter.
type CounterConfig struct {
	Adjuster channel.Adjuster
	Likes    LikeStore
	// Field is the counted record field. Defaults to DefaultCountField.
	Field    string
	Recorder Recorder
}

// Counter applies optimistic like toggles and forwards each one as an
// atomic remote adjustment. Overlays hold the unconfirmed deltas on top
// of the last snapshot value and are dropped when a new snapshot arrives.
type Counter struct {
	adjuster channel.Adjuster
	likes    LikeStore
	field    string
	rec      Recorder
	logger   *slog.Logger

	// flagMu makes reading and flipping a liked flag one step, so
	// concurrent toggles of a record cannot both send the same delta.
	flagMu sync.Mutex

	mu       sync.Mutex
	overlay  map[string]int
	baseline map[string]float64

	// Events receives optimistic and authoritative counts.
	Events Emitter[EngagementEvent]
}

// NewCounter creates a Counter.
func NewCounter(cfg CounterConfig, logger *slog.Logger) *Counter {
	field := cfg.Field
	if field == "" {
		field = DefaultCountField
	}

	rec := cfg.Recorder
	if rec == nil {
		rec = NoopRecorder{}
	}

	return &Counter{
		adjuster: cfg.Adjuster,
		likes:    cfg.Likes,
		field:    field,
		rec:      rec,
		logger:   logger,
		overlay:  make(map[string]int),
		baseline: make(map[string]float64),
	}
}

// Field returns the counted record field.
func (c *Counter) Field() string {
	return c.field
}

// Adjust applies delta (+1 like, -1 unlike) locally, emits the optimistic
// count and sends one remote adjustment. A remote failure is logged and
// returned; the optimistic state is not rolled back and nothing is
// retried.
func (c *Counter) Adjust(ctx context.Context, collection, recordID string, delta int) error {
	if delta != 1 && delta != -1 {
		return fmt.Errorf("%w: got %d", apperrors.ErrInvalidDelta, delta)
	}

	c.flip(collection, recordID, func(bool) int { return delta })

	return c.send(ctx, collection, recordID, delta)
}

// Toggle likes an unliked record and unlikes a liked one. It returns the
// new liked state.
func (c *Counter) Toggle(ctx context.Context, collection, recordID string) (bool, error) {
	delta := c.flip(collection, recordID, func(liked bool) int {
		if liked {
			return -1
		}

		return 1
	})

	return delta > 0, c.send(ctx, collection, recordID, delta)
}

// Set moves a record to the wanted liked state. It reports false and
// sends nothing when the record is already in that state.
func (c *Counter) Set(ctx context.Context, collection, recordID string, liked bool) (bool, error) {
	delta := c.flip(collection, recordID, func(current bool) int {
		switch {
		case current == liked:
			return 0
		case liked:
			return 1
		default:
			return -1
		}
	})

	if delta == 0 {
		return false, nil
	}

	return true, c.send(ctx, collection, recordID, delta)
}

// flip picks a delta from the current liked flag and applies it locally,
// holding flagMu across the read and the write. The optimistic event is
// emitted after the lock is released. A zero delta changes nothing.
func (c *Counter) flip(collection, recordID string, decide func(liked bool) int) int {
	c.flagMu.Lock()

	delta := decide(c.Liked(collection, recordID))
	if delta == 0 {
		c.flagMu.Unlock()
		return 0
	}

	key := overlayKey(collection, recordID)

	c.mu.Lock()
	c.overlay[key] += delta
	count := c.baseline[key] + float64(c.overlay[key])
	c.mu.Unlock()

	liked := delta > 0
	if c.likes != nil {
		if err := c.likes.SetLiked(collection, recordID, liked); err != nil {
			c.logger.Warn("persisting like state failed",
				slog.String("collection", collection),
				slog.String("id", recordID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.flagMu.Unlock()

	c.Events.Emit(EngagementEvent{
		Collection: collection,
		RecordID:   recordID,
		Liked:      liked,
		Count:      count,
	})

	return delta
}

// send issues the remote adjustment for a delta already applied locally.
func (c *Counter) send(ctx context.Context, collection, recordID string, delta int) error {
	adj := channel.Adjustment{
		Collection: collection,
		ID:         recordID,
		Field:      c.field,
		Delta:      delta,
		RequestID:  uuid.NewString(),
	}

	err := c.adjuster.Adjust(ctx, adj)
	c.rec.Adjustment(collection, delta, err)

	if err != nil {
		c.logger.Warn("remote adjustment failed",
			slog.String("collection", collection),
			slog.String("id", recordID),
			slog.Int("delta", delta),
			slog.String("request_id", adj.RequestID),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("adjusting %s/%s: %w", collection, recordID, err)
	}

	c.logger.Debug("remote adjustment sent",
		slog.String("collection", collection),
		slog.String("id", recordID),
		slog.Int("delta", delta),
		slog.String("request_id", adj.RequestID),
	)

	return nil
}

// Liked reports the persisted local liked flag.
func (c *Counter) Liked(collection, recordID string) bool {
	if c.likes == nil {
		return false
	}

	return c.likes.Liked(collection, recordID)
}

// Count returns the record's snapshot count plus any unconfirmed overlay.
func (c *Counter) Count(collection string, r models.Record) float64 {
	n, _ := r.Number(c.field)

	c.mu.Lock()
	defer c.mu.Unlock()

	return n + float64(c.overlay[overlayKey(collection, r.ID)])
}

// Pending returns the unconfirmed delta for a record.
func (c *Counter) Pending(collection, recordID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.overlay[overlayKey(collection, recordID)]
}

// Reconcile adopts the counts in records as authoritative. Every overlay
// for the collection is dropped and records whose count had an overlay
// are re-emitted as confirmed.
func (c *Counter) Reconcile(collection string, records []models.Record) {
	prefix := collection + "/"

	c.mu.Lock()

	pending := make(map[string]struct{})

	for key := range c.overlay {
		if strings.HasPrefix(key, prefix) {
			pending[key] = struct{}{}
			delete(c.overlay, key)
		}
	}

	for key := range c.baseline {
		if strings.HasPrefix(key, prefix) {
			delete(c.baseline, key)
		}
	}

	var confirmed []EngagementEvent

	for _, r := range records {
		key := overlayKey(collection, r.ID)
		n, _ := r.Number(c.field)
		c.baseline[key] = n

		if _, ok := pending[key]; ok {
			confirmed = append(confirmed, EngagementEvent{
				Collection: collection,
				RecordID:   r.ID,
				Count:      n,
				Confirmed:  true,
			})
		}
	}

	c.mu.Unlock()

	for _, ev := range confirmed {
		ev.Liked = c.Liked(collection, ev.RecordID)
		c.Events.Emit(ev)
	}
}

func overlayKey(collection, recordID string) string {
	return collection + "/" + recordID
}
