// Package engine runs one ingestion pass: it merges stored sources with
// their configuration, builds each source's plan and drives the scheduler to
// completion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-ingest/internal/backfill"
	"github.com/JakeFAU/news-ingest/internal/dates"
	"github.com/JakeFAU/news-ingest/internal/deadlink"
	"github.com/JakeFAU/news-ingest/internal/dedup"
	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/pipeline"
	"github.com/JakeFAU/news-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/news-ingest/internal/scheduler"
	"github.com/JakeFAU/news-ingest/internal/sourceconfig"
)

// ErrNoSources is returned when a run has nothing to schedule.
var ErrNoSources = errors.New("no runnable sources")

// Config holds the settings shared by every run.
type Config struct {
	Scheduler      scheduler.Config
	Defaults       ingest.Schedule
	Dedup          dedup.Config
	DeadLinkTiers  []time.Duration
	Dates          dates.Policy
	Pipeline       pipeline.Config
	FlagErrorRate  float64
	FlagMinFetches int
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		Scheduler: scheduler.DefaultConfig(),
		Defaults: ingest.Schedule{
			RateLimit:      500 * time.Millisecond,
			MaxConcurrency: 2,
			Priority:       10,
		},
		Pipeline:       pipeline.Config{MinLength: pipeline.DefaultMinLength},
		FlagErrorRate:  0.5,
		FlagMinFetches: 10,
	}
}

// Options select what a single run does.
type Options struct {
	Mode ingest.Mode
	// Sources limits the run to these slugs; empty means every active source.
	Sources []string
	// Method, Pages and Days narrow backfill plans.
	Method string
	Pages  int
	Days   int
}

// PlanInfo describes one merged source and the plan it would run.
type PlanInfo struct {
	Slug       string            `json:"slug"`
	Name       string            `json:"name"`
	Language   string            `json:"language"`
	Schedule   ingest.Schedule   `json:"schedule"`
	Strategies []backfill.Cursor `json:"strategies"`
	Render     bool              `json:"render"`
	Error      string            `json:"error,omitempty"`
}

// sourceRuntime is the immutable per-run view of one source.
type sourceRuntime struct {
	pipeline.Source
	schedule ingest.Schedule
	plan     *backfill.Plan
}

// Engine owns the collaborators shared across runs.
type Engine struct {
	cfg    Config
	deps   ingest.Dependencies
	file   *sourceconfig.File
	logger *zap.Logger

	mu   sync.RWMutex
	last *ingest.Summary
}

// New builds an Engine.
func New(cfg Config, deps ingest.Dependencies, file *sourceconfig.File, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case file == nil:
		return nil, errors.New("source configuration is required")
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("validate scheduler config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, deps: deps, file: file, logger: logger.Named("engine")}, nil
}

// LastSummary returns the summary of the most recent finished run.
func (e *Engine) LastSummary() (ingest.Summary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return ingest.Summary{}, false
	}
	return *e.last, true
}

// Run executes one ingestion pass and returns its per-source breakdown. A
// canceled context ends the run early with Canceled set and no error; a
// fatal component error is returned alongside the partial summary.
func (e *Engine) Run(ctx context.Context, opts Options) (ingest.Summary, error) {
	mode, err := normalizeMode(opts.Mode)
	if err != nil {
		return ingest.Summary{}, err
	}
	runID, err := e.deps.IDs.NewID()
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	started := e.deps.Clock.Now()
	logger := e.logger.With(zap.String("run_id", runID), zap.String("mode", string(mode)))

	resolver, err := dates.New(e.deps.Clock, e.cfg.Dates)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("build date resolver: %w", err)
	}
	sources, err := e.merge(ctx, opts.Sources, resolver, logger)
	if err != nil {
		return ingest.Summary{}, err
	}
	runtimes, err := e.plans(sources, mode, opts, started, logger)
	if err != nil {
		return ingest.Summary{}, err
	}
	if len(runtimes) == 0 {
		return ingest.Summary{}, ErrNoSources
	}

	dd, err := dedup.New(e.deps.Store, e.cfg.Dedup, e.deps.Clock, logger.Named("dedup"))
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("build deduplicator: %w", err)
	}
	registry, err := deadlink.New(e.deps.Store, e.cfg.DeadLinkTiers, e.deps.Clock, logger.Named("deadlink"))
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("build dead-link registry: %w", err)
	}

	pcfg := e.cfg.Pipeline
	pcfg.RunID = runID
	pipelineSources := make([]pipeline.Source, 0, len(runtimes))
	for _, rt := range runtimes {
		pipelineSources = append(pipelineSources, rt.Source)
	}
	proc, err := pipeline.New(pcfg, e.deps, pipelineSources, dd, registry, resolver, logger)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("build pipeline: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{DefaultInterval: e.cfg.Defaults.RateLimit})
	sched, err := scheduler.New(e.cfg.Scheduler, proc, limiter, logger)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("build scheduler: %w", err)
	}
	for _, rt := range runtimes {
		if err := sched.Add(scheduler.SourceSpec{Slug: rt.Identity.Slug, Schedule: rt.schedule, Plan: rt.plan}); err != nil {
			return ingest.Summary{}, fmt.Errorf("register source %s: %w", rt.Identity.Slug, err)
		}
	}

	logger.Info("run started", zap.Int("sources", len(runtimes)))
	counters, runErr := sched.Run(ctx)

	rows, totals := ingest.BuildSummary(counters, e.cfg.FlagErrorRate, e.cfg.FlagMinFetches)
	summary := ingest.Summary{
		RunID:      runID,
		Mode:       mode,
		StartedAt:  started,
		FinishedAt: e.deps.Clock.Now(),
		Sources:    rows,
		Totals:     totals,
		Canceled:   ctx.Err() != nil,
	}
	e.report(summary, logger)

	e.mu.Lock()
	e.last = &summary
	e.mu.Unlock()

	if runErr != nil {
		return summary, fmt.Errorf("run scheduler: %w", runErr)
	}
	return summary, nil
}

// Describe lists the merged sources and the plan each would run.
func (e *Engine) Describe(ctx context.Context, opts Options) ([]PlanInfo, error) {
	mode, err := normalizeMode(opts.Mode)
	if err != nil {
		return nil, err
	}
	resolver, err := dates.New(e.deps.Clock, e.cfg.Dates)
	if err != nil {
		return nil, fmt.Errorf("build date resolver: %w", err)
	}
	sources, err := e.merge(ctx, opts.Sources, resolver, e.logger)
	if err != nil {
		return nil, err
	}
	now := e.deps.Clock.Now()
	out := make([]PlanInfo, 0, len(sources))
	for _, src := range sources {
		info := PlanInfo{
			Slug:     src.Identity.Slug,
			Name:     src.Identity.Name,
			Language: src.Identity.Language,
			Schedule: src.Config.Schedule(e.cfg.Defaults),
			Render:   src.Config.Render,
		}
		plan, err := e.plan(src, mode, opts, now)
		if err != nil {
			info.Error = err.Error()
		} else {
			info.Strategies = plan.Cursors()
		}
		out = append(out, info)
	}
	return out, nil
}

// merge joins active stored sources with their configuration, sorted by slug.
// A requested slug that is inactive or unconfigured is an error.
func (e *Engine) merge(ctx context.Context, filter []string, resolver *dates.Resolver, logger *zap.Logger) ([]pipeline.Source, error) {
	identities, err := e.deps.Store.ActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active sources: %w", err)
	}

	merged := make(map[string]pipeline.Source, len(identities))
	for _, id := range identities {
		cfg, ok := e.file.Get(id.Slug)
		if !ok {
			logger.Warn("active source has no configuration", zap.String("source", id.Slug))
			continue
		}
		if id.Language == "" {
			id.Language = cfg.Language
		}
		merged[id.Slug] = pipeline.Source{
			Identity: id,
			Config:   cfg,
			Dates: resolver.Merge(dates.Policy{
				Location: cfg.Location(nil),
				Earliest: cfg.Earliest(),
			}),
		}
	}

	var slugs []string
	if len(filter) == 0 {
		for slug := range merged {
			slugs = append(slugs, slug)
		}
	} else {
		for _, slug := range filter {
			if _, ok := merged[slug]; !ok {
				return nil, fmt.Errorf("source %q is not active or not configured", slug)
			}
			slugs = append(slugs, slug)
		}
	}
	sort.Strings(slugs)

	out := make([]pipeline.Source, 0, len(slugs))
	seen := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		if seen[slug] {
			continue
		}
		seen[slug] = true
		out = append(out, merged[slug])
	}
	return out, nil
}

func (e *Engine) plans(sources []pipeline.Source, mode ingest.Mode, opts Options, now time.Time, logger *zap.Logger) ([]sourceRuntime, error) {
	out := make([]sourceRuntime, 0, len(sources))
	for _, src := range sources {
		plan, err := e.plan(src, mode, opts, now)
		switch {
		case errors.Is(err, backfill.ErrNoStrategies):
			logger.Warn("source skipped", zap.String("source", src.Identity.Slug), zap.Error(err))
			continue
		case err != nil:
			return nil, fmt.Errorf("plan source %s: %w", src.Identity.Slug, err)
		}
		out = append(out, sourceRuntime{
			Source:   src,
			schedule: src.Config.Schedule(e.cfg.Defaults),
			plan:     plan,
		})
	}
	return out, nil
}

func (e *Engine) plan(src pipeline.Source, mode ingest.Mode, opts Options, now time.Time) (*backfill.Plan, error) {
	if mode == ingest.ModeLatest {
		if src.Config.FeedURL == "" && src.Identity.FeedURL == "" && len(src.Config.ListingURLs) == 0 {
			return nil, fmt.Errorf("no feed or listing urls: %w", backfill.ErrNoStrategies)
		}
		return backfill.LatestPlan(src.Config, src.Identity.FeedURL), nil
	}
	return backfill.BackfillPlan(src.Config, backfill.Options{
		Method:   opts.Method,
		Pages:    opts.Pages,
		Days:     opts.Days,
		Now:      now,
		Location: src.Dates.Location,
	})
}

func (e *Engine) report(summary ingest.Summary, logger *zap.Logger) {
	for _, row := range summary.Sources {
		fields := []zap.Field{
			zap.String("source", row.Source),
			zap.Int("discovered", row.Counters.Discovered),
			zap.Int("fetched", row.Counters.Fetched),
			zap.Int("accepted", row.Counters.Accepted),
			zap.Int("duplicate", row.Counters.Duplicate),
			zap.Int("dead", row.Counters.Dead),
			zap.Int("failed", row.Counters.Failed),
			zap.Float64("error_rate", row.ErrorRate),
		}
		if row.Flagged {
			logger.Warn("source error rate above threshold", fields...)
			continue
		}
		logger.Info("source finished", fields...)
	}
	logger.Info("run finished",
		zap.Int("accepted", summary.Totals.Accepted),
		zap.Int("fetched", summary.Totals.Fetched),
		zap.Int("failed", summary.Totals.Failed),
		zap.Bool("canceled", summary.Canceled),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
}

func normalizeMode(mode ingest.Mode) (ingest.Mode, error) {
	switch mode {
	case "":
		return ingest.ModeLatest, nil
	case ingest.ModeLatest, ingest.ModeBackfill:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", mode)
	}
}
