package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/alexjbarnes/listing-sync/internal/views"
	"github.com/spf13/cobra"
)

// NewViewsCommand creates the views command.
func NewViewsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "views",
		Short:        "List the configured views",
		Long:         "List the built-in views and any defined in VIEWS_FILE.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}

			catalog, err := views.Load(cfg.ViewsFile)
			if err != nil {
				return err
			}

			return writeViews(cmd.OutOrStdout(), opts, catalog.All())
		},
	}
}

func writeViews(w io.Writer, opts *RootOptions, defs []views.Definition) error {
	return output(w, opts.format(), defs, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCOLLECTION\tSCHEMA\tPAGE SIZE\tSCOPE\tLIKES")

		for _, d := range defs {
			scope := d.ScopeField
			if scope == "" {
				scope = "-"
			}

			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\n", d.Name, d.Collection, d.Schema, d.PageSize, scope, d.Likes)
		}

		return tw.Flush()
	})
}
