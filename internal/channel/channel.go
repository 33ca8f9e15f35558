// Package channel defines the push channel contract between the live
// data core and a remote document store: a Source delivers complete
// snapshots of a query through a cancellable Subscription, and an
// Adjuster applies atomic relative adjustments to a single field.
package channel

//go:generate mockgen -source=channel.go -destination=mock_channel.go -package=channel

import (
	"context"
	"sync"

	"github.com/alexjbarnes/listing-sync/internal/models"
)

// Source opens push subscriptions against a document store. Every
// subscription delivers the full current result set on connect and on
// each subsequent change; it never delivers partial deltas and never
// retries after a terminal error.
type Source interface {
	Subscribe(ctx context.Context, q models.Query) (*Subscription, error)
}

// Adjustment is an atomic relative change to one numeric field.
type Adjustment struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Field      string `json:"field"`
	Delta      int    `json:"delta"`
	// RequestID correlates client and server logs. It is not used to
	// deduplicate retried adjustments.
	RequestID string `json:"request_id,omitempty"`
}

// Adjuster applies relative adjustments on the remote store. It must not
// read-modify-write a cached value; concurrent adjusters rely on the
// store applying the delta atomically.
type Adjuster interface {
	Adjust(ctx context.Context, adj Adjustment) error
}

// Subscription is the handle for one live query. Consumers receive from
// Snapshots and Err; producers call Deliver and Fail. Close is the single
// release operation: once it returns, Deliver refuses every snapshot and
// registered release hooks have run.
type Subscription struct {
	query     models.Query
	snapshots chan models.Snapshot
	errs      chan error
	done      chan struct{}

	closeOnce sync.Once
	failOnce  sync.Once

	mu      sync.Mutex
	onClose []func()
}

// New creates an open subscription for q. Snapshot delivery is
// unbuffered so a producer blocks until the consumer is ready, which
// keeps deliveries in order and bounded.
func New(q models.Query) *Subscription {
	return &Subscription{
		query:     q,
		snapshots: make(chan models.Snapshot),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
}

// Query returns the query this subscription serves.
func (s *Subscription) Query() models.Query {
	return s.query
}

// Snapshots returns the delivery stream.
func (s *Subscription) Snapshots() <-chan models.Snapshot {
	return s.snapshots
}

// Err yields at most one terminal error.
func (s *Subscription) Err() <-chan error {
	return s.errs
}

// Done is closed when the subscription is released.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Deliver hands snap to the consumer. It returns false without
// delivering when the subscription is closed or ctx ends first.
func (s *Subscription) Deliver(ctx context.Context, snap models.Snapshot) bool {
	if s.Closed() {
		return false
	}

	select {
	case s.snapshots <- snap:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Fail reports a terminal error. Only the first call has any effect and
// errors reported after Close are dropped.
func (s *Subscription) Fail(err error) {
	if err == nil {
		return
	}

	s.failOnce.Do(func() {
		if s.Closed() {
			return
		}

		s.errs <- err
	})
}

// OnClose registers fn to run when the subscription is released. Hooks
// run in reverse registration order. If the subscription is already
// closed, fn runs immediately.
func (s *Subscription) OnClose(fn func()) {
	s.mu.Lock()
	if s.Closed() {
		s.mu.Unlock()
		fn()

		return
	}

	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
	})
}
