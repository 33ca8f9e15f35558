package livedata

import (
	"slices"

	"github.com/alexjbarnes/listing-sync/internal/models"
)

// PaginationState selects one page of the filtered, sorted items.
// PageSize <= 0 puts everything on a single page.
type PaginationState struct {
	PageSize int `json:"page_size,omitempty" yaml:"page_size,omitempty"`
	Page     int `json:"page,omitempty" yaml:"page,omitempty"`
}

// Pages returns the page count for total items, never less than one.
func (p PaginationState) Pages(total int) int {
	if p.PageSize <= 0 || total <= 0 {
		return 1
	}

	return (total + p.PageSize - 1) / p.PageSize
}

// Clamp returns the state with Page forced into [1, Pages(total)].
func (p PaginationState) Clamp(total int) PaginationState {
	p.Page = max(1, min(p.Page, p.Pages(total)))
	return p
}

// Result is one computed view.
type Result struct {
	Items    []models.Record `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	Pages    int             `json:"pages"`
	PageSize int             `json:"page_size"`
}

// Empty reports whether no record survived the filter.
func (r Result) Empty() bool {
	return r.Total == 0
}

// Event wraps r as a render of view.
func (r Result) Event(view string, cause RenderCause) RenderEvent {
	return RenderEvent{
		View:     view,
		Items:    r.Items,
		Total:    r.Total,
		Page:     r.Page,
		Pages:    r.Pages,
		PageSize: r.PageSize,
		Empty:    r.Empty(),
		Cause:    cause,
	}
}

// IDs returns the identifiers of the visible items in view order.
func (r Result) IDs() []string {
	ids := make([]string, len(r.Items))
	for i, item := range r.Items {
		ids[i] = item.ID
	}

	return ids
}

// Compute derives the visible page from the working set: filter, then the
// pin rule and user sort, then pagination. items is not modified.
func Compute(items []models.Record, f FilterState, s SortState, p PaginationState, pin *PinRule) Result {
	pred := f.Predicate()

	filtered := make([]models.Record, 0, len(items))
	for _, r := range items {
		if pred.Match(r) {
			filtered = append(filtered, r)
		}
	}

	if s.Active() || (pin != nil && pin.Field != "") {
		slices.SortStableFunc(filtered, comparator(s, pin, newLowerCaser()))
	}

	total := len(filtered)
	p = p.Clamp(total)

	page := filtered
	if p.PageSize > 0 {
		start := min((p.Page-1)*p.PageSize, total)
		end := min(start+p.PageSize, total)
		page = filtered[start:end]
	}

	return Result{
		Items:    slices.Clip(page),
		Total:    total,
		Page:     p.Page,
		Pages:    p.Pages(total),
		PageSize: p.PageSize,
	}
}
