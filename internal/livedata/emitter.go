package livedata

import (
	"maps"
	"slices"
	"sync"

	"github.com/alexjbarnes/listing-sync/internal/models"
)

// Emitter is a typed publish point. The zero value is ready to use.
// Handlers run synchronously on the emitting goroutine in registration
// order.
type Emitter[E any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]func(E)
}

// On registers fn and returns a function that removes it.
func (e *Emitter[E]) On(fn func(E)) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[uint64]func(E))
	}

	id := e.next
	e.next++
	e.handlers[id] = fn

	var once sync.Once

	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}
}

// Emit calls every registered handler with ev.
func (e *Emitter[E]) Emit(ev E) {
	e.mu.RLock()
	ids := slices.Sorted(maps.Keys(e.handlers))

	fns := make([]func(E), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.handlers[id])
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len returns the number of registered handlers.
func (e *Emitter[E]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.handlers)
}

// RenderCause names what triggered a render.
type RenderCause string

const (
	CauseCache    RenderCause = "cache"
	CauseSnapshot RenderCause = "snapshot"
	CauseControl  RenderCause = "control"
)

// RenderEvent carries a view that must be drawn. Empty is set when no
// record survived the filter and the target should show its empty state.
type RenderEvent struct {
	View     string          `json:"view"`
	Items    []models.Record `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	Pages    int             `json:"pages"`
	PageSize int             `json:"page_size"`
	Empty    bool            `json:"empty"`
	Cause    RenderCause     `json:"cause"`
}

// ErrorEvent reports a subscription failure. The view keeps its last
// rendered state.
type ErrorEvent struct {
	View string
	Err  error
}

// EngagementEvent reports a like toggle or an authoritative count. Confirmed
// is false for optimistic updates.
type EngagementEvent struct {
	Collection string  `json:"collection"`
	RecordID   string  `json:"record_id"`
	Liked      bool    `json:"liked"`
	Count      float64 `json:"count"`
	Confirmed  bool    `json:"confirmed"`
}
