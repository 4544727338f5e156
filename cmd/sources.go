package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/news-ingest/internal/engine"
	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// newSourcesCmd creates the 'sources' subcommand, which prints the merged
// source view and the plan each source would run.
func newSourcesCmd() *cobra.Command {
	var (
		sources []string
		mode    string
		method  string
	)
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List active sources and their plans",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			infos, err := appInstance.Describe(cmd.Context(), engine.Options{
				Mode:    ingest.Mode(mode),
				Sources: sources,
				Method:  method,
			})
			if err != nil {
				return fmt.Errorf("describe sources: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), infos)
		}),
	}
	cmd.Flags().StringSliceVar(&sources, "source", nil, "limit the listing to these source slugs (repeatable)")
	cmd.Flags().StringVar(&mode, "mode", string(ingest.ModeLatest), "plan to describe: latest or backfill")
	cmd.Flags().StringVar(&method, "method", "", "backfill strategy filter")
	cmd.AddCommand(newSourcesSyncCmd())
	return cmd
}

func newSourcesSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Register every configured source with storage",
		Long: `Upserts each source from the sources file into storage. Existing
sources keep their identifier and active flag.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			n, err := appInstance.SyncSources(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "synced %d sources\n", n)
			return err
		}),
	}
}
