package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/alexjbarnes/listing-sync/internal/livedata"
	"github.com/alexjbarnes/listing-sync/internal/state"
	"github.com/spf13/cobra"
)

// LikeResult is printed by like and unlike.
type LikeResult struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Liked      bool   `json:"liked"`
	Changed    bool   `json:"changed"`
}

// NewLikeCommand creates the like command, or unlike when like is false.
func NewLikeCommand(opts *RootOptions, like bool) *cobra.Command {
	use, short := "like", "Like a record"
	if !like {
		use, short = "unlike", "Remove a like from a record"
	}

	return &cobra.Command{
		Use:   use + " <collection> <id>",
		Short: short,
		Long: short + `.

The local liked flag is stored in the state database and one atomic
adjustment of the record's like count is sent to the store. Repeating
the current state does nothing.`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLike(cmd, opts, args[0], args[1], like)
		},
	}
}

func runLike(cmd *cobra.Command, opts *RootOptions, collection, id string, want bool) (err error) {
	ctx := cmd.Context()

	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	st, err := openState(cfg.StatePath)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	backend, closeBackend, err := OpenBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
	}
	defer func() { err = errors.Join(err, closeBackend()) }()

	counter := livedata.NewCounter(livedata.CounterConfig{Adjuster: backend, Likes: st}, logger)

	result := LikeResult{Collection: collection, ID: id, Liked: want}

	result.Changed, err = counter.Set(ctx, collection, id, want)
	if err != nil {
		return err
	}

	return output(cmd.OutOrStdout(), opts.format(), result, func(w io.Writer) error {
		verb := "liked"
		if !want {
			verb = "unliked"
		}

		if !result.Changed {
			verb = "already " + verb
		}

		_, err := fmt.Fprintf(w, "%s %s/%s\n", verb, collection, id)

		return err
	})
}

func openState(path string) (*state.State, error) {
	var (
		st  *state.State
		err error
	)

	if path != "" {
		st, err = state.LoadAt(path)
	} else {
		st, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return st, nil
}
