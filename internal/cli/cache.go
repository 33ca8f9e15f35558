package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/spf13/cobra"
)

// CacheEntry describes one cached snapshot.
type CacheEntry struct {
	Key       string    `json:"key"`
	Items     int       `json:"items"`
	Timestamp time.Time `json:"timestamp"`
	Valid     bool      `json:"valid"`
}

// NewCacheCommand creates the cache command and its subcommands.
func NewCacheCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the local snapshot cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "list",
		Short:        "List cached snapshots",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCacheList(cmd, opts)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "clear [key...]",
		Short:        "Delete cached snapshots, all of them when no key is given",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheClear(cmd, opts, args)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "seed <key> <file>",
		Short: "Store an exported snapshot file under key",
		Long: `Store an exported snapshot file under key.

The file must hold {"items": [...], "timestamp": <unix ms>}. A view whose
cache key matches is drawn from it before the store responds.`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheSeed(cmd, opts, args[0], args[1])
		},
	})

	return cmd
}

func runCacheList(cmd *cobra.Command, opts *RootOptions) (err error) {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}

	st, err := openState(cfg.StatePath)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	keys, err := st.SnapshotKeys()
	if err != nil {
		return fmt.Errorf("listing cache keys: %w", err)
	}

	entries := make([]CacheEntry, 0, len(keys))

	for _, key := range keys {
		e := CacheEntry{Key: key}

		if snap, ok := st.LoadSnapshot(key); ok {
			e.Items = snap.Len()
			e.Timestamp = time.UnixMilli(snap.Timestamp).UTC()
			e.Valid = true
		}

		entries = append(entries, e)
	}

	return output(cmd.OutOrStdout(), opts.format(), entries, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tITEMS\tUPDATED")

		for _, e := range entries {
			if !e.Valid {
				fmt.Fprintf(tw, "%s\t-\tmalformed\n", e.Key)
				continue
			}

			fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Key, e.Items, e.Timestamp.Format(time.RFC3339))
		}

		return tw.Flush()
	})
}

func runCacheClear(cmd *cobra.Command, opts *RootOptions, keys []string) (err error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	st, err := openState(cfg.StatePath)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	if len(keys) == 0 {
		if keys, err = st.SnapshotKeys(); err != nil {
			return fmt.Errorf("listing cache keys: %w", err)
		}
	}

	for _, key := range keys {
		if err := st.DeleteSnapshot(key); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}

		logger.Debug("cache entry deleted", slog.String("key", key))
	}

	return output(cmd.OutOrStdout(), opts.format(), map[string][]string{"deleted": keys}, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "deleted %d cached snapshot(s)\n", len(keys))
		return err
	})
}

func runCacheSeed(cmd *cobra.Command, opts *RootOptions, key, path string) (err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading snapshot file: %w", err)
	}

	snap, err := models.UnmarshalSnapshot(data)
	if err != nil {
		return fmt.Errorf("snapshot file %s: %w", path, err)
	}

	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}

	st, err := openState(cfg.StatePath)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.Close()) }()

	if err := st.SaveRawSnapshot(key, data); err != nil {
		return fmt.Errorf("seeding %s: %w", key, err)
	}

	return output(cmd.OutOrStdout(), opts.format(), CacheEntry{Key: key, Items: snap.Len(), Timestamp: time.UnixMilli(snap.Timestamp).UTC(), Valid: true}, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "seeded %s with %d item(s)\n", key, snap.Len())
		return err
	})
}
