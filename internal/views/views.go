// Package views holds the named view definitions the site is built from:
// which collection a view reads, its server-side predicate and ordering,
// its default controls and how its rows are drawn. Built-in presets can
// be overridden or extended from a YAML file.
package views

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/livedata"
	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/alexjbarnes/listing-sync/internal/render"
	"gopkg.in/yaml.v3"
)

// Where is a fixed server-side equality predicate.
type Where struct {
	Field string `yaml:"field" json:"field"`
	Value any    `yaml:"value" json:"value"`
}

// Order is the server-side ordering.
type Order struct {
	Field string `yaml:"field" json:"field"`
	Desc  bool   `yaml:"desc,omitempty" json:"desc,omitempty"`
}

// Definition describes one view.
type Definition struct {
	Name       string        `yaml:"name" json:"name"`
	Collection string        `yaml:"collection" json:"collection"`
	Schema     render.Schema `yaml:"schema" json:"schema"`
	Where      *Where        `yaml:"where,omitempty" json:"where,omitempty"`
	Order      *Order        `yaml:"order,omitempty" json:"order,omitempty"`

	// ScopeField is the field an access-scoping value restricts, e.g. the
	// agent an enquiry table belongs to. A scope replaces Where.
	ScopeField string               `yaml:"scope_field,omitempty" json:"scope_field,omitempty"`
	Pin        string               `yaml:"pin,omitempty" json:"pin,omitempty"`
	PageSize   int                  `yaml:"page_size" json:"page_size"`
	Filter     livedata.FilterState `yaml:"filter,omitempty" json:"filter,omitempty"`
	Sort       livedata.SortState   `yaml:"sort,omitempty" json:"sort,omitempty"`
	Likes      bool                 `yaml:"likes,omitempty" json:"likes,omitempty"`
}

// Validate checks that d can be built.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("view name is required")
	}

	if d.Collection == "" {
		return fmt.Errorf("view %s: %w", d.Name, apperrors.ErrCollectionRequired)
	}

	if !d.Schema.Valid() {
		return fmt.Errorf("view %s: unknown schema %q", d.Name, d.Schema)
	}

	if d.PageSize < 0 {
		return fmt.Errorf("view %s: page_size must not be negative", d.Name)
	}

	if d.Where != nil && d.Where.Field == "" {
		return fmt.Errorf("view %s: where needs a field", d.Name)
	}

	if d.Order != nil && d.Order.Field == "" {
		return fmt.Errorf("view %s: order needs a field", d.Name)
	}

	return nil
}

// Query returns the remote query. A non-empty scope restricts ScopeField
// to that value; it is ignored for views without a scope field.
func (d Definition) Query(scope string) models.Query {
	q := models.Query{Collection: d.Collection}

	if d.Where != nil {
		q = q.WithWhere(d.Where.Field, d.Where.Value)
	}

	if d.ScopeField != "" && scope != "" {
		q = q.WithWhere(d.ScopeField, scope)
	}

	if d.Order != nil {
		q.OrderBy = &models.Order{Field: d.Order.Field, Desc: d.Order.Desc}
	}

	return q
}

// CacheKey names the cached snapshot for the given scope. Scoped views
// cache each scope separately so one agent's table never hydrates
// another's.
func (d Definition) CacheKey(scope string) string {
	if d.ScopeField == "" || scope == "" {
		return d.Name
	}

	return d.Name + "@" + scope
}

// ViewConfig returns the view settings for scope. Callers supply the
// source, cache, counter and recorder.
func (d Definition) ViewConfig(scope string) livedata.ViewConfig {
	cfg := livedata.ViewConfig{
		Name:     d.Name,
		Query:    d.Query(scope),
		CacheKey: d.CacheKey(scope),
		Filter:   d.Filter,
		Sort:     d.Sort,
		PageSize: d.PageSize,
	}

	if d.Pin != "" {
		cfg.Pin = &livedata.PinRule{Field: d.Pin}
	}

	return cfg
}

// RenderConfig returns how rows of this view are drawn. The counter
// supplies live like counts only when the view shows likes.
func (d Definition) RenderConfig(counter *livedata.Counter, resolver render.URLResolver) render.Config {
	cfg := render.Config{
		Schema:     d.Schema,
		Collection: d.Collection,
		Resolver:   resolver,
	}

	if d.Likes && counter != nil {
		cfg.Engagement = counter
		cfg.CountField = counter.Field()
	}

	return cfg
}

// Presets returns the built-in views.
func Presets() []Definition {
	return []Definition{
		{
			Name:       "listings",
			Collection: "listings",
			Schema:     render.SchemaListing,
			Where:      &Where{Field: "published", Value: true},
			Pin:        "featured",
			PageSize:   9,
			Likes:      true,
		},
		{
			Name:       "admin-listings",
			Collection: "listings",
			Schema:     render.SchemaListing,
			Order:      &Order{Field: "createdAt", Desc: true},
			PageSize:   10,
		},
		{
			Name:       "gallery",
			Collection: "gallery",
			Schema:     render.SchemaGallery,
			Order:      &Order{Field: "order"},
			PageSize:   12,
			Likes:      true,
		},
		{
			Name:       "admin-gallery",
			Collection: "gallery",
			Schema:     render.SchemaGallery,
			Order:      &Order{Field: "order"},
			PageSize:   24,
		},
		{
			Name:       "inspections",
			Collection: "inspections",
			Schema:     render.SchemaInspection,
			Order:      &Order{Field: "date"},
			PageSize:   10,
		},
		{
			Name:       "enquiries",
			Collection: "enquiries",
			Schema:     render.SchemaEnquiry,
			Order:      &Order{Field: "createdAt", Desc: true},
			ScopeField: "agentId",
			PageSize:   10,
		},
	}
}

// Catalog is a set of definitions addressable by name.
type Catalog struct {
	defs  map[string]Definition
	order []string
}

// NewCatalog builds a catalog. Later definitions replace earlier ones
// with the same name.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}

	for _, d := range defs {
		d.Name = strings.TrimSpace(d.Name)
		if err := d.Validate(); err != nil {
			return nil, err
		}

		if _, ok := c.defs[d.Name]; !ok {
			c.order = append(c.order, d.Name)
		}

		c.defs[d.Name] = d
	}

	return c, nil
}

// Get returns the named definition or ErrUnknownView.
func (c *Catalog) Get(name string) (Definition, error) {
	d, ok := c.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", apperrors.ErrUnknownView, name)
	}

	return d, nil
}

// Names lists view names in definition order.
func (c *Catalog) Names() []string {
	return slices.Clone(c.order)
}

// All returns every definition in definition order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.defs[name])
	}

	return out
}

type file struct {
	Views []Definition `yaml:"views"`
}

// Parse reads YAML definitions layered over the presets.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing views: %w", err)
	}

	return NewCatalog(append(Presets(), f.Views...)...)
}

// Load reads definitions from path layered over the presets. An empty
// path yields the presets alone.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(Presets()...)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading views file: %w", err)
	}

	return Parse(data)
}
