package livedata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alexjbarnes/listing-sync/internal/channel"
	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/models"
)

// ViewConfig describes one view and its collaborators.
type ViewConfig struct {
	Name  string
	Query models.Query
	// CacheKey names the cached snapshot. Defaults to Name.
	CacheKey string
	Pin      *PinRule
	Filter   FilterState
	Sort     SortState
	PageSize int

	Source channel.Source
	Cache  SnapshotCache
	// Counter is optional and receives every snapshot for reconciliation.
	Counter  *Counter
	Recorder Recorder
}

// Controls is the user-adjustable state of a view.
type Controls struct {
	Filter FilterState     `json:"filter"`
	Sort   SortState       `json:"sort"`
	Page   PaginationState `json:"page"`
}

// viewOp is a user operation run on the event loop.
type viewOp struct {
	fn     func(ctx context.Context) error
	result chan error
}

// View is the per-view context: it owns the working set, the filter, sort
// and page state, the subscription handle and the render gate.
//
// Run drives a single event loop that serializes snapshot deliveries,
// subscription errors and user operations, so none of that state needs a
// lock. Renders and Errors handlers run on the loop goroutine and must not
// call back into the view synchronously.
type View struct {
	name    string
	pin     *PinRule
	source  channel.Source
	recon   *Reconciler
	counter *Counter
	rec     Recorder
	logger  *slog.Logger

	// Renders receives every view that must be drawn.
	Renders Emitter[RenderEvent]
	// Errors receives subscription failures.
	Errors Emitter[ErrorEvent]

	opCh      chan viewOp
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	started   atomic.Bool
	synced    chan struct{}

	// Owned by the event loop.
	query    models.Query
	sub      *channel.Subscription
	controls Controls
	gate     Gate
	last     Result
	shown    RenderEvent
	rendered bool
	isSynced bool
}

// NewView creates a view. Nothing happens until Run is called.
func NewView(cfg ViewConfig, logger *slog.Logger) *View {
	key := cfg.CacheKey
	if key == "" {
		key = cfg.Name
	}

	rec := cfg.Recorder
	if rec == nil {
		rec = NoopRecorder{}
	}

	logger = logger.With(slog.String("view", cfg.Name))

	return &View{
		name:    cfg.Name,
		pin:     cfg.Pin,
		source:  cfg.Source,
		recon:   NewReconciler(key, cfg.Query.Collection, cfg.Cache, cfg.Counter, logger),
		counter: cfg.Counter,
		rec:     rec,
		logger:  logger,
		opCh:    make(chan viewOp),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		synced:  make(chan struct{}),
		query:   cfg.Query,
		controls: Controls{
			Filter: cfg.Filter,
			Sort:   cfg.Sort,
			Page:   PaginationState{PageSize: cfg.PageSize, Page: 1},
		},
	}
}

// Name returns the view name.
func (v *View) Name() string {
	return v.name
}

// Counter returns the engagement counter, or nil.
func (v *View) Counter() *Counter {
	return v.counter
}

// Run hydrates the view from the cache, subscribes and processes events
// until ctx is cancelled or Close is called. A failed subscription is
// reported on Errors and the view keeps serving its last state; it is not
// retried.
func (v *View) Run(ctx context.Context) error {
	select {
	case <-v.closeCh:
		return apperrors.ErrViewClosed
	default:
	}

	if !v.started.CompareAndSwap(false, true) {
		select {
		case <-v.closeCh:
			return apperrors.ErrViewClosed
		default:
			return fmt.Errorf("view %s already running", v.name)
		}
	}

	defer close(v.done)
	defer v.closeSubscription()

	hit := v.recon.Hydrate()
	v.rec.CacheLoad(v.name, hit)

	if hit {
		v.refresh(CauseCache)
	}

	_ = v.subscribe(ctx)

	return v.eventLoop(ctx)
}

func (v *View) eventLoop(ctx context.Context) error {
	for {
		var (
			snaps <-chan models.Snapshot
			errs  <-chan error
			ended <-chan struct{}
		)

		if v.sub != nil {
			snaps = v.sub.Snapshots()
			errs = v.sub.Err()
			ended = v.sub.Done()
		}

		select {
		case snap := <-snaps:
			v.applySnapshot(snap)

		case err := <-errs:
			v.subscriptionFailed(err)

		case <-ended:
			// Released by the producer. Prefer its terminal error.
			select {
			case err := <-errs:
				v.subscriptionFailed(err)
			default:
				v.subscriptionFailed(apperrors.ErrSubscriptionClosed)
			}

		case op := <-v.opCh:
			op.result <- op.fn(ctx)

		case <-v.closeCh:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the event loop and releases the subscription. It waits for
// Run to return and is safe to call more than once.
func (v *View) Close() {
	v.closeOnce.Do(func() { close(v.closeCh) })

	if v.started.CompareAndSwap(false, true) {
		close(v.done)
		return
	}

	<-v.done
}

// Synced is closed once the first pushed snapshot has been applied.
func (v *View) Synced() <-chan struct{} {
	return v.synced
}

// Done is closed once the view has stopped.
func (v *View) Done() <-chan struct{} {
	return v.done
}

// do submits fn to the event loop and waits for its result.
func (v *View) do(ctx context.Context, fn func(ctx context.Context) error) error {
	op := viewOp{fn: fn, result: make(chan error, 1)}

	select {
	case v.opCh <- op:
	case <-v.closeCh:
		return apperrors.ErrViewClosed
	case <-v.done:
		return apperrors.ErrViewClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetFilter replaces the filter and recomputes locally.
func (v *View) SetFilter(ctx context.Context, f FilterState) error {
	return v.do(ctx, func(context.Context) error {
		v.controls.Filter = f
		v.refresh(CauseControl)

		return nil
	})
}

// SetSort replaces the sort and recomputes locally.
func (v *View) SetSort(ctx context.Context, s SortState) error {
	return v.do(ctx, func(context.Context) error {
		v.controls.Sort = s
		v.refresh(CauseControl)

		return nil
	})
}

// ToggleSort applies a column header click and returns the new sort.
func (v *View) ToggleSort(ctx context.Context, field string) (SortState, error) {
	var s SortState

	err := v.do(ctx, func(context.Context) error {
		v.controls.Sort = v.controls.Sort.Toggle(field)
		s = v.controls.Sort
		v.refresh(CauseControl)

		return nil
	})

	return s, err
}

// SetPage moves to page, clamped to the available range.
func (v *View) SetPage(ctx context.Context, page int) error {
	return v.do(ctx, func(context.Context) error {
		v.controls.Page.Page = page
		v.refresh(CauseControl)

		return nil
	})
}

// Rescope disposes the current subscription and subscribes to q. The
// working set is kept until the new subscription delivers.
func (v *View) Rescope(ctx context.Context, q models.Query) error {
	return v.RescopeAs(ctx, "", q)
}

// RescopeAs is Rescope with a new cache key. An empty key keeps the
// current one.
func (v *View) RescopeAs(ctx context.Context, key string, q models.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}

	return v.do(ctx, func(loopCtx context.Context) error {
		v.closeSubscription()

		if key == "" {
			key = v.recon.key
		}

		v.query = q
		v.recon.Retarget(key, q.Collection)

		return v.subscribe(loopCtx)
	})
}

// Invalidate marks the render target as cleared so the next computation
// renders even if nothing changed.
func (v *View) Invalidate(ctx context.Context) error {
	return v.do(ctx, func(context.Context) error {
		v.rendered = false
		v.gate.Reset()
		v.refresh(CauseControl)

		return nil
	})
}

// Current returns the last computed result.
func (v *View) Current(ctx context.Context) (Result, error) {
	var res Result

	err := v.do(ctx, func(context.Context) error {
		res = v.last
		return nil
	})

	return res, err
}

// Controls returns the current filter, sort and page.
func (v *View) Controls(ctx context.Context) (Controls, error) {
	var c Controls

	err := v.do(ctx, func(context.Context) error {
		c = v.controls
		return nil
	})

	return c, err
}

// Query evaluates the pipeline over the working set with the given
// controls. The view's own state is not changed and nothing is rendered.
func (v *View) Query(ctx context.Context, c Controls) (Result, error) {
	var res Result

	err := v.do(ctx, func(context.Context) error {
		res = Compute(v.recon.Items(), c.Filter, c.Sort, c.Page, v.pin)
		return nil
	})

	return res, err
}

// Snapshot returns the working snapshot.
func (v *View) Snapshot(ctx context.Context) (models.Snapshot, error) {
	var snap models.Snapshot

	err := v.do(ctx, func(context.Context) error {
		snap = v.recon.Snapshot()
		return nil
	})

	return snap, err
}

func (v *View) subscribe(ctx context.Context) error {
	sub, err := v.source.Subscribe(ctx, v.query)
	if err != nil {
		err = fmt.Errorf("subscribing to %s: %w", v.query, err)
		v.subscriptionFailed(err)

		return err
	}

	v.sub = sub

	v.logger.Debug("subscribed", slog.String("query", v.query.String()))

	return nil
}

func (v *View) closeSubscription() {
	if v.sub == nil {
		return
	}

	v.sub.Close()
	v.sub = nil
}

func (v *View) subscriptionFailed(err error) {
	v.closeSubscription()

	v.logger.Warn("subscription failed",
		slog.String("query", v.query.String()),
		slog.String("error", err.Error()),
	)
	v.rec.SubscriptionError(v.name)
	v.Errors.Emit(ErrorEvent{View: v.name, Err: err})
}

func (v *View) applySnapshot(snap models.Snapshot) {
	v.recon.OnSnapshot(snap)
	v.rec.SnapshotApplied(v.name, snap.Len())
	v.refresh(CauseSnapshot)

	if !v.isSynced {
		v.isSynced = true
		close(v.synced)
	}
}

// refresh recomputes the view and renders it when the gate allows. A
// change in total, page or page count also renders, since pagination
// controls are part of the drawn view.
func (v *View) refresh(cause RenderCause) {
	res := Compute(v.recon.Items(), v.controls.Filter, v.controls.Sort, v.controls.Page, v.pin)
	v.controls.Page.Page = res.Page
	v.last = res

	prev := v.gate.Last()

	paging := v.rendered &&
		(res.Total != v.shown.Total || res.Page != v.shown.Page || res.Pages != v.shown.Pages)

	if !v.gate.ShouldRender(res.Items, v.rendered) && !paging {
		v.rec.Render(v.name, true)
		return
	}

	if v.logger.Enabled(context.Background(), slog.LevelDebug) {
		cs := Changes(prev, res.IDs())
		v.logger.Debug("rendering view",
			slog.String("cause", string(cause)),
			slog.Int("total", res.Total),
			slog.Int("page", res.Page),
			slog.Int("added", len(cs.Added)),
			slog.Int("removed", len(cs.Removed)),
			slog.Int("moved", len(cs.Moved)),
		)
	}

	ev := res.Event(v.name, cause)

	v.rendered = true
	v.shown = ev
	v.rec.Render(v.name, false)
	v.Renders.Emit(ev)
}
