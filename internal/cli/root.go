// Package cli implements the listing-sync command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/alexjbarnes/listing-sync/internal/render"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json"
	Version string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{string(render.FormatText), string(render.FormatJSON)}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:           "listing-sync",
		Short:         "Live listing views over a realtime document store",
		Long:          "Keeps filtered, sorted and paginated views of a real-estate site's collections in sync with the document store, and serves them over a gateway, MCP or the terminal.",
		Version:       version,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}

			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewViewsCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewLikeCommand(opts, true))
	cmd.AddCommand(NewLikeCommand(opts, false))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewGatewayCommand(opts))
	cmd.AddCommand(NewMCPCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewHashKeyCommand(opts))

	return cmd
}

func (o *RootOptions) format() render.Format {
	f, _ := render.ParseFormat(o.Format)
	return f
}
