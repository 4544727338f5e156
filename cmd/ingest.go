package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/news-ingest/internal/engine"
	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// newIngestCmd creates the 'ingest' subcommand, one latest-discovery pass.
func newIngestCmd() *cobra.Command {
	var sources []string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Discover and store the latest articles",
		Long: `Reads each active source's feed and listing pages once, fetches new
article links, and stores every accepted article. Prints the run summary as JSON.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			return runAndReport(cmd, appInstance, engine.Options{Mode: ingest.ModeLatest, Sources: sources})
		}),
	}
	cmd.Flags().StringSliceVar(&sources, "source", nil, "limit the run to these source slugs (repeatable)")
	return cmd
}
