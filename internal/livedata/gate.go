package livedata

import (
	"slices"
	"strings"

	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Gate suppresses renders whose identity sequence matches the last one
// rendered. It is owned by a single goroutine.
type Gate struct {
	last []string
	seen bool
}

// ShouldRender reports whether items must be rendered. It returns false
// only when the identifier sequence equals the last render, element by
// element, and the target still shows content. A true result records
// items as rendered.
func (g *Gate) ShouldRender(items []models.Record, targetHasContent bool) bool {
	ids := idsOf(items)
	if g.seen && slices.Equal(ids, g.last) && targetHasContent {
		return false
	}

	g.last = ids
	g.seen = true

	return true
}

// Last returns the identifiers of the last rendered sequence.
func (g *Gate) Last() []string {
	return slices.Clone(g.last)
}

// Reset forgets the last render so the next call always renders.
func (g *Gate) Reset() {
	g.last = nil
	g.seen = false
}

// ChangeSet summarises how an identity sequence changed.
type ChangeSet struct {
	Added   []string
	Removed []string
	Moved   []string
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Moved) == 0
}

// Changes diffs two identifier sequences line by line. An identifier that
// is both deleted and inserted is reported as moved.
func Changes(prev, next []string) ChangeSet {
	dmp := diffmatchpatch.New()

	a, b, lines := dmp.DiffLinesToChars(joinLines(prev), joinLines(next))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var added, removed []string

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added = append(added, splitLines(d.Text)...)
		case diffmatchpatch.DiffDelete:
			removed = append(removed, splitLines(d.Text)...)
		case diffmatchpatch.DiffEqual:
		}
	}

	var cs ChangeSet

	for _, id := range added {
		if slices.Contains(removed, id) {
			cs.Moved = append(cs.Moved, id)
			continue
		}

		cs.Added = append(cs.Added, id)
	}

	for _, id := range removed {
		if !slices.Contains(cs.Moved, id) {
			cs.Removed = append(cs.Removed, id)
		}
	}

	return cs
}

func joinLines(ids []string) string {
	if len(ids) == 0 {
		return ""
	}

	return strings.Join(ids, "\n") + "\n"
}

func splitLines(text string) []string {
	return slices.DeleteFunc(strings.Split(text, "\n"), func(s string) bool { return s == "" })
}

func idsOf(items []models.Record) []string {
	ids := make([]string, len(items))
	for i, r := range items {
		ids[i] = r.ID
	}

	return ids
}
