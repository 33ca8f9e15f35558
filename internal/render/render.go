// Package render projects view renders onto displayable rows. Each
// collection has a schema that decides which fields become the row title,
// subtitle, image and details. Free-text fields are stripped of markup
// before they reach the output.
package render

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/listing-sync/internal/livedata"
	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/microcosm-cc/bluemonday"
)

// Schema names a record layout.
type Schema string

const (
	SchemaListing    Schema = "listing"
	SchemaGallery    Schema = "gallery"
	SchemaEnquiry    Schema = "enquiry"
	SchemaInspection Schema = "inspection"
)

// Valid reports whether s is a known schema.
func (s Schema) Valid() bool {
	_, ok := layouts[s]
	return ok
}

// layout lists the fields a schema draws from.
type layout struct {
	title    []string
	subtitle []string
	image    string
	details  []string
	// likes is set for schemas that show an engagement count.
	likes bool
}

var layouts = map[Schema]layout{
	SchemaListing: {
		title:    []string{"title", "address"},
		subtitle: []string{"suburb", "category"},
		image:    "image",
		details:  []string{"price", "category", "bedrooms", "bathrooms", "status"},
		likes:    true,
	},
	SchemaGallery: {
		title:    []string{"title", "caption"},
		subtitle: []string{"caption"},
		image:    "image",
		details:  []string{"order"},
		likes:    true,
	},
	SchemaEnquiry: {
		title:    []string{"name", "email"},
		subtitle: []string{"listingTitle", "listingId"},
		details:  []string{"email", "phone", "message", "agentId", "createdAt"},
	},
	SchemaInspection: {
		title:    []string{"address", "listingId"},
		subtitle: []string{"date"},
		details:  []string{"date", "time", "agentId", "notes"},
	},
}

// URLResolver turns stored media paths into loadable URLs.
type URLResolver interface {
	URL(ctx context.Context, path string) (string, error)
}

// Engagement supplies displayed like counts and flags.
type Engagement interface {
	Count(collection string, r models.Record) float64
	Liked(collection, recordID string) bool
}

// Detail is one labelled value.
type Detail struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Row is one displayable record.
type Row struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	Image    string   `json:"image,omitempty"`
	Details  []Detail `json:"details,omitempty"`
	Likes    *float64 `json:"likes,omitempty"`
	Liked    bool     `json:"liked,omitempty"`
}

// Page is a projected render.
type Page struct {
	View  string `json:"view"`
	Rows  []Row  `json:"rows"`
	Total int    `json:"total"`
	Page  int    `json:"page"`
	Pages int    `json:"pages"`
	Empty bool   `json:"empty"`
}

// Config describes how to project one view.
type Config struct {
	Schema     Schema
	Collection string
	// Resolver is optional; without it image paths are shown as stored.
	Resolver URLResolver
	// Engagement is optional; without it raw like counts are shown.
	Engagement Engagement
	// CountField defaults to livedata.DefaultCountField.
	CountField string
}

// Renderer projects RenderEvents for one view.
type Renderer struct {
	cfg    Config
	layout layout
	policy *bluemonday.Policy
	logger *slog.Logger
}

// New creates a renderer. It fails for unknown schemas.
func New(cfg Config, logger *slog.Logger) (*Renderer, error) {
	l, ok := layouts[cfg.Schema]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", cfg.Schema)
	}

	if cfg.CountField == "" {
		cfg.CountField = livedata.DefaultCountField
	}

	return &Renderer{
		cfg:    cfg,
		layout: l,
		policy: bluemonday.StrictPolicy(),
		logger: logger,
	}, nil
}

// Project converts ev into a page. Image resolution failures are logged
// and leave the row without an image.
func (r *Renderer) Project(ctx context.Context, ev livedata.RenderEvent) Page {
	rows := make([]Row, 0, len(ev.Items))
	for _, rec := range ev.Items {
		rows = append(rows, r.row(ctx, rec))
	}

	return Page{
		View:  ev.View,
		Rows:  rows,
		Total: ev.Total,
		Page:  ev.Page,
		Pages: ev.Pages,
		Empty: ev.Empty,
	}
}

func (r *Renderer) row(ctx context.Context, rec models.Record) Row {
	row := Row{
		ID:       rec.ID,
		Title:    r.first(rec, r.layout.title),
		Subtitle: r.first(rec, r.layout.subtitle),
	}

	if row.Title == "" {
		row.Title = rec.ID
	}

	if row.Subtitle == row.Title {
		row.Subtitle = ""
	}

	if r.layout.image != "" {
		row.Image = r.image(ctx, rec)
	}

	for _, field := range r.layout.details {
		if v := r.text(rec, field); v != "" {
			row.Details = append(row.Details, Detail{Name: field, Value: v})
		}
	}

	if r.layout.likes {
		count := r.count(rec)
		row.Likes = &count

		if r.cfg.Engagement != nil {
			row.Liked = r.cfg.Engagement.Liked(r.cfg.Collection, rec.ID)
		}
	}

	return row
}

func (r *Renderer) count(rec models.Record) float64 {
	if r.cfg.Engagement != nil {
		return r.cfg.Engagement.Count(r.cfg.Collection, rec)
	}

	n, _ := rec.Number(r.cfg.CountField)

	return n
}

func (r *Renderer) image(ctx context.Context, rec models.Record) string {
	path := rec.String(r.layout.image)
	if path == "" || r.cfg.Resolver == nil {
		return path
	}

	u, err := r.cfg.Resolver.URL(ctx, path)
	if err != nil {
		r.logger.Warn("resolving image",
			slog.String("id", rec.ID),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return ""
	}

	return u
}

func (r *Renderer) first(rec models.Record, fields []string) string {
	for _, f := range fields {
		if v := r.text(rec, f); v != "" {
			return v
		}
	}

	return ""
}

// text returns the sanitized single-line form of a field.
func (r *Renderer) text(rec models.Record, field string) string {
	v := html.UnescapeString(r.policy.Sanitize(rec.String(field)))
	return strings.Join(strings.Fields(v), " ")
}
