// Package cmd defines and implements the CLI commands for the newsingest executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-ingest/internal/app"
	"github.com/JakeFAU/news-ingest/internal/config"
	"github.com/JakeFAU/news-ingest/internal/engine"
	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context, opts engine.Options) (ingest.Summary, error)
	Describe(ctx context.Context, opts engine.Options) ([]engine.PlanInfo, error)
	SyncSources(ctx context.Context) (int, error)
	Close()
}

// newApp is the application factory. It's a variable so tests can
// replace it with a fake factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		logger  *zap.Logger
	)
	cmd := &cobra.Command{
		Use:   "newsingest",
		Short: "An adaptive multi-source news ingestion engine.",
		Long: `newsingest discovers, fetches, and stores news articles from many
configured sources. It runs latest discovery from feeds and listing pages, or
walks source archives, identifier ranges, and date pages to backfill history,
while keeping every source inside its own politeness budget.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before any subcommand's RunE: load configuration, build the
		// logger, then build and inject the application.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err = logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and NEWSINGEST_* environment only when empty)")

	cmd.AddCommand(newIngestCmd(), newBackfillCmd(), newSourcesCmd())
	return cmd
}

// Execute runs the root command with ctx. It returns the first error so the
// caller can pick an exit code.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

// withApp adapts fn into a RunE that receives the injected App and closes
// it when fn returns, whether or not fn failed.
func withApp(fn func(cmd *cobra.Command, appInstance App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		appInstance, ok := cmd.Context().Value(appKey).(App)
		if !ok || appInstance == nil {
			return errors.New("application services not initialized")
		}
		defer appInstance.Close()
		return fn(cmd, appInstance)
	}
}

// runAndReport executes one run and prints its summary, including the
// partial summary of a failed or canceled run.
func runAndReport(cmd *cobra.Command, appInstance App, opts engine.Options) error {
	summary, runErr := appInstance.Run(cmd.Context(), opts)
	if runErr != nil && summary.RunID == "" {
		return runErr
	}
	if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if summary.Canceled {
		return errors.New("run canceled before completion")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
