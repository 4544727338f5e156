package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-ingest/internal/clock"
	idgen "github.com/JakeFAU/news-ingest/internal/id/uuid"
	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/scheduler"
	"github.com/JakeFAU/news-ingest/internal/sourceconfig"
	"github.com/JakeFAU/news-ingest/internal/storage/memory"
)

const sourcesYAML = `
daily:
  name: Daily Test
  language: en
  listing_urls:
    - https://daily.test/latest
  sections:
    - section: news
      pattern: https://daily.test/archive?page={page}
      max_pages: 5
weekly:
  listing_urls:
    - https://weekly.test/
`

const body = "Parliament approved the national budget on Sunday evening after a debate that ran for " +
	"three days, with the finance minister promising relief for fuel and food prices in the coming months."

var (
	dailySource  = ingest.Source{ID: uuid.MustParse("00000000-0000-7000-8000-0000000000d1"), Slug: "daily", Name: "Daily Test", Active: true}
	weeklySource = ingest.Source{ID: uuid.MustParse("00000000-0000-7000-8000-0000000000e2"), Slug: "weekly", Active: false}
	start        = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
)

func article(title string) string {
	return fmt.Sprintf(`<html><head><title>%s</title>
<meta property="article:published_time" content="2024-06-09T08:30:00Z"></head>
<body><article><h1>%s</h1><div class="entry-content"><p>%s</p></div></article></body></html>`, title, title, body)
}

func listing(links ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, l := range links {
		fmt.Fprintf(&b, `<a href="%s">Headline for %s story</a>`, l, l)
	}
	b.WriteString("</body></html>")
	return b.String()
}

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls map[string]int
}

func (f *stubFetcher) Fetch(_ context.Context, req ingest.FetchRequest) (ingest.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	body, ok := f.pages[req.URL]
	if !ok {
		return ingest.Page{}, ingest.NewFetchError(ingest.FailureNotFound, req.URL, 404, nil)
	}
	return ingest.Page{URL: req.URL, StatusCode: 200, ContentType: "text/html", Body: []byte(body)}, nil
}

func (f *stubFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fixture struct {
	engine  *Engine
	store   *memory.Store
	fetcher *stubFetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	file, err := sourceconfig.Parse(strings.NewReader(sourcesYAML))
	require.NoError(t, err)

	store := memory.NewStore(dailySource, weeklySource)
	fetcher := &stubFetcher{
		calls: make(map[string]int),
		pages: map[string]string{
			"https://daily.test/latest":         listing("/news/budget", "/news/rain"),
			"https://daily.test/news/budget":    article("Budget passes after long debate"),
			"https://daily.test/news/rain":      article("Monsoon rains flood the capital"),
			"https://daily.test/archive?page=1": listing("/news/budget"),
			"https://daily.test/archive?page=2": listing("/news/harbour"),
			"https://daily.test/archive?page=3": listing("/news/festival"),
			"https://daily.test/news/harbour":   article("Harbour expansion gets green light"),
			"https://daily.test/news/festival":  article("Festival draws record crowds"),
		},
	}

	cfg := DefaultConfig()
	cfg.Defaults.RateLimit = 0
	cfg.Scheduler = scheduler.Config{
		InitialWorkers:    2,
		MaxWorkers:        4,
		ScaleStep:         1,
		AutoscaleInterval: 10 * time.Millisecond,
		LowErrorRate:      0.1,
		HighErrorRate:     0.3,
		RetryBudget:       1,
	}
	deps := ingest.Dependencies{
		Store:   store,
		Fetcher: fetcher,
		Clock:   clock.NewFake(start),
		IDs:     idgen.New(),
	}
	eng, err := New(cfg, deps, file, nil)
	require.NoError(t, err)
	return &fixture{engine: eng, store: store, fetcher: fetcher}
}

func (f *fixture) row(t *testing.T, s ingest.Summary, slug string) ingest.Counters {
	t.Helper()
	for _, row := range s.Sources {
		if row.Source == slug {
			return row.Counters
		}
	}
	t.Fatalf("no summary row for %q", slug)
	return ingest.Counters{}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Run(ctx, Options{Mode: ingest.ModeLatest})
	require.NoError(t, err)
	assert.Equal(t, ingest.ModeLatest, first.Mode)
	assert.NotEmpty(t, first.RunID)
	assert.False(t, first.Canceled)
	require.Len(t, first.Sources, 1, "inactive sources are not run")
	assert.Equal(t, 2, f.row(t, first, "daily").Accepted)
	assert.Len(t, f.store.Articles(), 2)

	second, err := f.engine.Run(ctx, Options{Mode: ingest.ModeLatest})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 0, second.Totals.Accepted)
	assert.Len(t, f.store.Articles(), 2)
	assert.Equal(t, 1, f.fetcher.count("https://daily.test/news/budget"), "stored URLs are never refetched")

	last, ok := f.engine.LastSummary()
	require.True(t, ok)
	assert.Equal(t, second.RunID, last.RunID)
}

func TestBackfillPagesOverride(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	summary, err := f.engine.Run(context.Background(), Options{
		Mode:    ingest.ModeBackfill,
		Sources: []string{"daily"},
		Method:  "archive",
		Pages:   2,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.fetcher.count("https://daily.test/archive?page=1"))
	assert.Equal(t, 1, f.fetcher.count("https://daily.test/archive?page=2"))
	assert.Zero(t, f.fetcher.count("https://daily.test/archive?page=3"))
	assert.Equal(t, 2, f.row(t, summary, "daily").Accepted)
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "inactive source", opts: Options{Sources: []string{"weekly"}}, want: `source "weekly" is not active`},
		{name: "unknown source", opts: Options{Sources: []string{"nope"}}, want: `source "nope"`},
		{name: "unknown mode", opts: Options{Mode: "replay"}, want: "unknown run mode"},
		{name: "unknown method", opts: Options{Mode: ingest.ModeBackfill, Method: "sitemap"}, want: "unknown backfill method"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			_, err := f.engine.Run(context.Background(), tc.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRunWithoutRunnableSources(t *testing.T) {
	t.Parallel()

	file, err := sourceconfig.Parse(strings.NewReader("daily:\n  name: Daily\n"))
	require.NoError(t, err)
	eng, err := New(DefaultConfig(), ingest.Dependencies{
		Store:   memory.NewStore(dailySource),
		Fetcher: &stubFetcher{calls: map[string]int{}},
		Clock:   clock.NewFake(start),
		IDs:     idgen.New(),
	}, file, nil)
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), Options{Mode: ingest.ModeBackfill})
	require.ErrorIs(t, err, ErrNoSources)
	_, ok := eng.LastSummary()
	assert.False(t, ok)
}

func TestStorageFailureStopsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.Fail()
	_, err := f.engine.Run(context.Background(), Options{})
	require.ErrorIs(t, err, memory.ErrInjected)
}

func TestCanceledRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.engine.Run(ctx, Options{})
	require.NoError(t, err)
	assert.True(t, summary.Canceled)
	assert.Empty(t, f.store.Articles())
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	infos, err := f.engine.Describe(context.Background(), Options{Mode: ingest.ModeBackfill})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	info := infos[0]
	assert.Equal(t, "daily", info.Slug)
	assert.Equal(t, "en", info.Language)
	assert.Equal(t, 2, info.Schedule.MaxConcurrency)
	require.Len(t, info.Strategies, 1)
	assert.Equal(t, "archive", info.Strategies[0].Strategy)
	assert.Empty(t, info.Error)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	file, err := sourceconfig.Parse(strings.NewReader(sourcesYAML))
	require.NoError(t, err)
	full := ingest.Dependencies{
		Store:   memory.NewStore(),
		Fetcher: &stubFetcher{},
		Clock:   clock.NewFake(start),
		IDs:     idgen.New(),
	}

	tests := []struct {
		name string
		deps func() ingest.Dependencies
		file *sourceconfig.File
		cfg  func(*Config)
	}{
		{name: "store", deps: func() ingest.Dependencies { d := full; d.Store = nil; return d }, file: file},
		{name: "fetcher", deps: func() ingest.Dependencies { d := full; d.Fetcher = nil; return d }, file: file},
		{name: "clock", deps: func() ingest.Dependencies { d := full; d.Clock = nil; return d }, file: file},
		{name: "ids", deps: func() ingest.Dependencies { d := full; d.IDs = nil; return d }, file: file},
		{name: "file", deps: func() ingest.Dependencies { return full }},
		{name: "scheduler", deps: func() ingest.Dependencies { return full }, file: file, cfg: func(c *Config) { c.Scheduler.InitialWorkers = 0 }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			_, err := New(cfg, tc.deps(), tc.file, nil)
			require.Error(t, err)
		})
	}
}
