package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/livedata"
	"github.com/alexjbarnes/listing-sync/internal/render"
	"github.com/alexjbarnes/listing-sync/internal/views"
	"github.com/spf13/cobra"
)

// defaultOnceTimeout bounds how long --once waits for the store.
const defaultOnceTimeout = 10 * time.Second

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Scope       string
	Page        int
	Sort        string
	Desc        bool
	Once        bool
	Timeout     time.Duration
	Interactive bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <view>",
		Short: "Render a view every time it changes",
		Long: `Render a view every time it changes.

The cached snapshot is drawn immediately, then every pushed snapshot that
changes the visible page is drawn again. With --once the view is printed a
single time after the store's first push and the command exits.

With --interactive, commands are read from stdin one per line:
  page N                 go to page N
  sort FIELD             toggle sorting by FIELD
  filter FIELD VALUE     keep records whose FIELD equals VALUE ("all" clears)
  range FIELD MIN MAX    keep records with MIN <= FIELD <= MAX ("-" is open)
  flag FIELD             keep records whose FIELD is truthy
  clear                  drop every filter
  scope VALUE            resubscribe restricted to VALUE
  like ID | unlike ID    toggle the viewer's like on a record
  redraw                 draw the current page again
  quit                   exit

Example:
  listing-sync watch listings --sort price --desc
  listing-sync watch enquiries --scope agent-7 --once --format json`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", "", "access-scoping value for views with a scope field")
	cmd.Flags().IntVar(&opts.Page, "page", 0, "initial page")
	cmd.Flags().StringVar(&opts.Sort, "sort", "", "initial sort field")
	cmd.Flags().BoolVar(&opts.Desc, "desc", false, "sort descending")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "print once after the first push and exit")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", defaultOnceTimeout, "with --once, how long to wait before printing the cached view")
	cmd.Flags().BoolVarP(&opts.Interactive, "interactive", "i", false, "read view commands from stdin")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions, name string) error {
	ctx := cmd.Context()

	cfg, logger, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.views.Catalog().Get(name)
	if err != nil {
		return err
	}

	r, err := a.renderer(d)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	format := opts.format()

	v := a.views.Build(d, opts.Scope)
	defer v.Close()

	draw := func(ev livedata.RenderEvent) {
		if err := render.Write(out, format, r.Project(ctx, ev)); err != nil {
			logger.Warn("writing view", slog.String("error", err.Error()))
		}
	}

	failed := make(chan error, 1)

	v.Errors.On(func(ev livedata.ErrorEvent) {
		logger.Error("subscription failed",
			slog.String("view", ev.View),
			slog.String("error", ev.Err.Error()),
		)

		select {
		case failed <- ev.Err:
		default:
		}
	})

	if !opts.Once {
		v.Renders.On(draw)
	}

	runErr := make(chan error, 1)

	go func() { runErr <- v.Run(ctx) }()

	if err := applyWatchFlags(ctx, v, opts); err != nil {
		return err
	}

	switch {
	case opts.Once:
		err = printOnce(ctx, v, draw, failed, opts.Timeout, logger)
	case opts.Interactive:
		session := &watchSession{view: v, def: d, counter: a.counter, draw: draw, logger: logger}
		err = session.run(ctx, cmd.InOrStdin())
	default:
		select {
		case <-ctx.Done():
		case <-v.Done():
		}
	}

	v.Close()

	if rerr := <-runErr; rerr != nil && !errors.Is(rerr, context.Canceled) && !errors.Is(rerr, apperrors.ErrViewClosed) {
		return errors.Join(err, rerr)
	}

	return err
}

func applyWatchFlags(ctx context.Context, v *livedata.View, opts *WatchOptions) error {
	if opts.Sort != "" {
		if err := v.SetSort(ctx, livedata.SortState{Field: opts.Sort, Desc: opts.Desc}); err != nil {
			return err
		}
	}

	if opts.Page > 0 {
		if err := v.SetPage(ctx, opts.Page); err != nil {
			return err
		}
	}

	return nil
}

// printOnce draws the view after the first push. A failed subscription
// is returned; running out of time draws whatever the cache held.
func printOnce(ctx context.Context, v *livedata.View, draw func(livedata.RenderEvent), failed <-chan error, timeout time.Duration, logger *slog.Logger) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-v.Synced():
	case err := <-failed:
		return err
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("store did not respond, showing cached view", slog.String("view", v.Name()))
	}

	res, err := v.Current(ctx)
	if err != nil {
		return err
	}

	draw(res.Event(v.Name(), livedata.CauseSnapshot))

	return nil
}

// watchSession applies line commands to a running view.
type watchSession struct {
	view    *livedata.View
	def     views.Definition
	counter *livedata.Counter
	draw    func(livedata.RenderEvent)
	logger  *slog.Logger
}

var errQuit = errors.New("quit")

func (s *watchSession) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}

		readErr <- scanner.Err()
	}()

	for {
		select {
		case line := <-lines:
			err := s.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}

			if err != nil {
				s.logger.Warn("command failed", slog.String("command", line), slog.String("error", err.Error()))
			}

		case err := <-readErr:
			return err

		case <-s.view.Done():
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// exec runs one command line. Blank lines are ignored.
func (s *watchSession) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	verb, args := strings.ToLower(fields[0]), fields[1:]

	switch verb {
	case "quit", "exit":
		return errQuit

	case "page":
		if len(args) != 1 {
			return fmt.Errorf("usage: page N")
		}

		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("page: %w", err)
		}

		return s.view.SetPage(ctx, n)

	case "sort":
		if len(args) != 1 {
			return fmt.Errorf("usage: sort FIELD")
		}

		_, err := s.view.ToggleSort(ctx, args[0])

		return err

	case "filter":
		if len(args) < 2 {
			return fmt.Errorf("usage: filter FIELD VALUE")
		}

		return s.updateFilter(ctx, func(f livedata.FilterState) livedata.FilterState {
			return f.WithCategory(args[0], strings.Join(args[1:], " "))
		})

	case "range":
		if len(args) != 3 {
			return fmt.Errorf("usage: range FIELD MIN MAX")
		}

		r, err := parseRange(args[1], args[2])
		if err != nil {
			return err
		}

		return s.updateFilter(ctx, func(f livedata.FilterState) livedata.FilterState {
			return f.WithRange(args[0], r)
		})

	case "flag":
		if len(args) != 1 {
			return fmt.Errorf("usage: flag FIELD")
		}

		return s.updateFilter(ctx, func(f livedata.FilterState) livedata.FilterState {
			return f.WithFlag(args[0])
		})

	case "clear":
		return s.view.SetFilter(ctx, livedata.FilterState{})

	case "scope":
		if len(args) != 1 {
			return fmt.Errorf("usage: scope VALUE")
		}

		if s.def.ScopeField == "" {
			return fmt.Errorf("view %s has no scope field", s.def.Name)
		}

		return s.view.RescopeAs(ctx, s.def.CacheKey(args[0]), s.def.Query(args[0]))

	case "like", "unlike":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s ID", verb)
		}

		return s.like(ctx, args[0], verb == "like")

	case "redraw":
		return s.view.Invalidate(ctx)
	}

	return fmt.Errorf("unknown command %q", verb)
}

func (s *watchSession) updateFilter(ctx context.Context, fn func(livedata.FilterState) livedata.FilterState) error {
	c, err := s.view.Controls(ctx)
	if err != nil {
		return err
	}

	return s.view.SetFilter(ctx, fn(c.Filter))
}

// like toggles the viewer's like and redraws with the optimistic count
// before the adjustment is sent.
func (s *watchSession) like(ctx context.Context, id string, want bool) error {
	if !s.def.Likes || s.counter == nil {
		return fmt.Errorf("view %s does not show likes", s.def.Name)
	}

	off := s.counter.Events.On(func(ev livedata.EngagementEvent) {
		if ev.Confirmed || ev.Collection != s.def.Collection || ev.RecordID != id {
			return
		}

		res, err := s.view.Current(ctx)
		if err != nil {
			return
		}

		s.draw(res.Event(s.view.Name(), livedata.CauseControl))
	})
	defer off()

	_, err := s.counter.Set(ctx, s.def.Collection, id, want)

	return err
}

func parseRange(lo, hi string) (livedata.Range, error) {
	var r livedata.Range

	bound := func(s string) (*float64, error) {
		if s == "-" {
			return nil, nil
		}

		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("range bound %q: %w", s, err)
		}

		return &n, nil
	}

	var err error

	if r.Min, err = bound(lo); err != nil {
		return livedata.Range{}, err
	}

	if r.Max, err = bound(hi); err != nil {
		return livedata.Range{}, err
	}

	return r, nil
}
