package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/news-ingest/internal/backfill"
	"github.com/JakeFAU/news-ingest/internal/engine"
	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/sourceconfig"
)

type backfillFlags struct {
	sources []string
	method  string
	pages   int
	days    int
}

func (f backfillFlags) options() (engine.Options, error) {
	switch f.method {
	case backfill.MethodAuto, sourceconfig.MethodArchive, sourceconfig.MethodIdentifier, sourceconfig.MethodDate:
	default:
		return engine.Options{}, fmt.Errorf("--method must be one of auto, archive, identifier, date; got %q", f.method)
	}
	if f.pages < 0 {
		return engine.Options{}, fmt.Errorf("--pages must be >= 0")
	}
	if f.days < 0 {
		return engine.Options{}, fmt.Errorf("--days must be >= 0")
	}
	return engine.Options{
		Mode:    ingest.ModeBackfill,
		Sources: f.sources,
		Method:  f.method,
		Pages:   f.pages,
		Days:    f.days,
	}, nil
}

// newBackfillCmd creates the 'backfill' subcommand.
func newBackfillCmd() *cobra.Command {
	var flags backfillFlags
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Walk source history with the configured backfill strategies",
		Long: `Runs each source's backfill plan: archive pagination, identifier
sweeps, and date pages, in configured order. --method narrows the plan to one
strategy, --pages caps archive sections, and --days limits date sweeps to the
trailing window.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			return runAndReport(cmd, appInstance, opts)
		}),
	}
	cmd.Flags().StringSliceVar(&flags.sources, "source", nil, "limit the run to these source slugs (repeatable)")
	cmd.Flags().StringVar(&flags.method, "method", backfill.MethodAuto, "strategy to run: auto, archive, identifier, or date")
	cmd.Flags().IntVar(&flags.pages, "pages", 0, "override the page limit of every archive section")
	cmd.Flags().IntVar(&flags.days, "days", 0, "limit date sweeps to the trailing number of days")
	return cmd
}
