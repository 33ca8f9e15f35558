// Package mcpserver registers MCP tools that expose the live views.
// It adapts the views and render packages to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/livedata"
	"github.com/alexjbarnes/listing-sync/internal/render"
	"github.com/alexjbarnes/listing-sync/internal/views"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultSyncTimeout bounds how long view_query waits for a newly opened
// view to receive its first pushed snapshot before answering from cache.
const DefaultSyncTimeout = 5 * time.Second

// Deps holds what the tools operate on.
type Deps struct {
	Views *views.Manager
	// Resolver is optional; see render.Config.
	Resolver    render.URLResolver
	SyncTimeout time.Duration
}

type tools struct {
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	renderers map[string]*render.Renderer
}

// RegisterTools adds all view tools to the given MCP server.
func RegisterTools(server *mcp.Server, deps Deps, logger *slog.Logger) {
	if deps.SyncTimeout <= 0 {
		deps.SyncTimeout = DefaultSyncTimeout
	}

	t := &tools{deps: deps, logger: logger, renderers: make(map[string]*render.Renderer)}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "view_list",
		Description: "List every view with its collection, schema, page size and whether it accepts a scope (e.g. an agent id for enquiries). Use this first to discover view names.",
	}, t.listHandler)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "view_query",
		Description: "Return one page of a view with optional filters, sort and page. Filters combine with AND: categories match case-insensitively, ranges are inclusive, flags require a truthy field. Does not change the view's own controls.",
	}, t.queryHandler)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "record_like",
		Description: "Like or unlike a record. The count updates optimistically and one atomic adjustment is sent to the store. Liking an already liked record is a no-op.",
	}, t.likeHandler)
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ViewListInput has no parameters.
type ViewListInput struct{}

// RangeInput is an inclusive numeric interval.
type RangeInput struct {
	Min *float64 `json:"min,omitempty" jsonschema:"inclusive lower bound"`
	Max *float64 `json:"max,omitempty" jsonschema:"inclusive upper bound"`
}

// ViewQueryInput holds parameters for view_query.
type ViewQueryInput struct {
	View       string                `json:"view" jsonschema:"required,view name from view_list"`
	Scope      string                `json:"scope,omitempty" jsonschema:"access-scoping value for views with a scope field"`
	Categories map[string]string     `json:"categories,omitempty" jsonschema:"field to required value; 'all' or empty selects everything"`
	Ranges     map[string]RangeInput `json:"ranges,omitempty" jsonschema:"field to inclusive numeric range"`
	Flags      []string              `json:"flags,omitempty" jsonschema:"fields that must be truthy"`
	SortField  string                `json:"sort_field,omitempty" jsonschema:"field to sort by, defaults to the view's sort"`
	SortDesc   bool                  `json:"sort_desc,omitempty" jsonschema:"sort descending"`
	Page       int                   `json:"page,omitempty" jsonschema:"1-indexed page, clamped to the available range"`
	PageSize   int                   `json:"page_size,omitempty" jsonschema:"records per page, defaults to the view's page size"`
}

// RecordLikeInput holds parameters for record_like.
type RecordLikeInput struct {
	Collection string `json:"collection" jsonschema:"required,collection the record belongs to"`
	ID         string `json:"id" jsonschema:"required,record id"`
	Liked      *bool  `json:"liked,omitempty" jsonschema:"desired state, defaults to true"`
}

// --- Output types ---

// ViewInfo describes one view.
type ViewInfo struct {
	Name       string `json:"name"`
	Collection string `json:"collection"`
	Schema     string `json:"schema"`
	ScopeField string `json:"scope_field,omitempty"`
	PageSize   int    `json:"page_size"`
	Likes      bool   `json:"likes"`
}

// ViewListResult is the view_list output.
type ViewListResult struct {
	Views   []ViewInfo `json:"views"`
	Running []string   `json:"running"`
}

// ViewQueryResult is the view_query output. Synced is false when the view
// answered from its cached snapshot before the store pushed one.
type ViewQueryResult struct {
	Result render.Page        `json:"result"`
	Sort   livedata.SortState `json:"sort"`
	Synced bool               `json:"synced"`
}

// RecordLikeResult is the record_like output.
type RecordLikeResult struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Liked      bool   `json:"liked"`
	Changed    bool   `json:"changed"`
}

// --- Handlers ---

func (t *tools) listHandler(_ context.Context, _ *mcp.CallToolRequest, _ ViewListInput) (*mcp.CallToolResult, *ViewListResult, error) {
	result := &ViewListResult{Running: t.deps.Views.Running()}

	for _, d := range t.deps.Views.Catalog().All() {
		result.Views = append(result.Views, ViewInfo{
			Name:       d.Name,
			Collection: d.Collection,
			Schema:     string(d.Schema),
			ScopeField: d.ScopeField,
			PageSize:   d.PageSize,
			Likes:      d.Likes,
		})
	}

	return textResult(result), result, nil
}

func (t *tools) queryHandler(ctx context.Context, _ *mcp.CallToolRequest, input ViewQueryInput) (*mcp.CallToolResult, *ViewQueryResult, error) {
	v, d, err := t.deps.Views.Open(input.View, input.Scope)
	if err != nil {
		return nil, nil, err
	}

	synced, err := t.waitSynced(ctx, v)
	if err != nil {
		return nil, nil, err
	}

	controls, err := v.Controls(ctx)
	if err != nil {
		return nil, nil, err
	}

	controls = applyInput(controls, input)

	res, err := v.Query(ctx, controls)
	if err != nil {
		return nil, nil, err
	}

	r, err := t.renderer(d)
	if err != nil {
		return nil, nil, err
	}

	page := r.Project(ctx, res.Event(d.Name, livedata.CauseControl))

	result := &ViewQueryResult{Result: page, Sort: controls.Sort, Synced: synced}

	return textResult(result), result, nil
}

// waitSynced gives a view a bounded chance to receive its first push.
// Running out of time is not an error; the caller answers from cache.
func (t *tools) waitSynced(ctx context.Context, v *livedata.View) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.deps.SyncTimeout)
	defer cancel()

	err := views.WaitSynced(waitCtx, v)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		t.logger.Debug("answering from cache", slog.String("view", v.Name()))
		return false, nil
	}

	return false, err
}

func applyInput(c livedata.Controls, input ViewQueryInput) livedata.Controls {
	for field, value := range input.Categories {
		c.Filter = c.Filter.WithCategory(field, value)
	}

	for field, r := range input.Ranges {
		c.Filter = c.Filter.WithRange(field, livedata.Range{Min: r.Min, Max: r.Max})
	}

	for _, field := range input.Flags {
		c.Filter = c.Filter.WithFlag(field)
	}

	if input.SortField != "" {
		c.Sort = livedata.SortState{Field: input.SortField, Desc: input.SortDesc}
	}

	if input.PageSize > 0 {
		c.Page.PageSize = input.PageSize
	}

	if input.Page > 0 {
		c.Page.Page = input.Page
	}

	return c
}

func (t *tools) renderer(d views.Definition) (*render.Renderer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.renderers[d.Name]; ok {
		return r, nil
	}

	r, err := render.New(d.RenderConfig(t.deps.Views.Counter(), t.deps.Resolver), t.logger)
	if err != nil {
		return nil, err
	}

	t.renderers[d.Name] = r

	return r, nil
}

func (t *tools) likeHandler(ctx context.Context, _ *mcp.CallToolRequest, input RecordLikeInput) (*mcp.CallToolResult, *RecordLikeResult, error) {
	counter := t.deps.Views.Counter()
	if counter == nil {
		return nil, nil, fmt.Errorf("likes are not enabled")
	}

	if input.Collection == "" || input.ID == "" {
		return nil, nil, fmt.Errorf("collection and id are required")
	}

	want := true
	if input.Liked != nil {
		want = *input.Liked
	}

	result := &RecordLikeResult{Collection: input.Collection, ID: input.ID, Liked: want}

	changed, err := counter.Set(ctx, input.Collection, input.ID, want)
	if err != nil {
		return nil, nil, err
	}

	result.Changed = changed

	return textResult(result), result, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
