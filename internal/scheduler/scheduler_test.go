package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-ingest/internal/backfill"
	"github.com/JakeFAU/news-ingest/internal/ingest"
)

type fakeHandler struct {
	mu        sync.Mutex
	order     []ingest.WorkItem
	inFlight  map[string]int
	peak      map[string]int
	escalated []ingest.WorkItem
	delay     time.Duration

	handle func(ctx context.Context, item ingest.WorkItem) (Result, error)
	admit  func(items []ingest.WorkItem) Admission
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{inFlight: make(map[string]int), peak: make(map[string]int)}
}

func (f *fakeHandler) Admit(_ context.Context, _ string, items []ingest.WorkItem) (Admission, error) {
	if f.admit != nil {
		return f.admit(items), nil
	}
	return Admission{Accepted: items}, nil
}

func (f *fakeHandler) Handle(ctx context.Context, item ingest.WorkItem) (Result, error) {
	f.mu.Lock()
	f.order = append(f.order, item)
	f.inFlight[item.Source]++
	if f.inFlight[item.Source] > f.peak[item.Source] {
		f.peak[item.Source] = f.inFlight[item.Source]
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight[item.Source]--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.handle != nil {
		return f.handle(ctx, item)
	}
	return Result{Status: StatusAccepted, Found: true}, nil
}

func (f *fakeHandler) Escalate(_ context.Context, item ingest.WorkItem, _ ingest.FailureKind) error {
	f.mu.Lock()
	f.escalated = append(f.escalated, item)
	f.mu.Unlock()
	return nil
}

func (f *fakeHandler) handled() []ingest.WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ingest.WorkItem(nil), f.order...)
}

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.InitialWorkers = workers
	cfg.AutoscaleInterval = time.Hour
	return cfg
}

func articles(n int, prefix string) []ingest.WorkItem {
	out := make([]ingest.WorkItem, n)
	for i := range out {
		out[i] = ingest.WorkItem{Kind: ingest.KindArticle, Target: fmt.Sprintf("https://%s.test/%d", prefix, i)}
	}
	return out
}

func TestDecide(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	tests := []struct {
		name    string
		workers int
		depth   int
		rate    float64
		want    int
	}{
		{"grow on backlog", 5, 11, 0, 7},
		{"no growth without backlog", 5, 10, 0, 5},
		{"clamped at ceiling", 24, 100, 0, 25},
		{"at ceiling", 25, 100, 0, 25},
		{"hold between thresholds", 5, 100, 0.2, 5},
		{"halve on errors", 9, 100, 0.5, 4},
		{"floor of one", 1, 100, 1, 1},
		{"two halves to one", 2, 0, 0.31, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Decide(tt.workers, tt.depth, tt.rate, cfg))
		})
	}
}

func TestDecideStrictlyDecreasesToFloor(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	workers := cfg.MaxWorkers
	for cycles := 0; workers > 1; cycles++ {
		next := Decide(workers, 1000, 0.9, cfg)
		require.Less(t, next, workers)
		require.GreaterOrEqual(t, next, 1)
		workers = next
		require.Less(t, cycles, 10)
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, Decide(workers, 1000, 0.9, cfg))
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.MaxWorkers = 1
	require.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.LowErrorRate, bad.HighErrorRate = 0.5, 0.2
	require.Error(t, bad.Validate())
}

func TestPriorityDoesNotStarveSmallQueues(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.delay = 2 * time.Millisecond
	s, err := New(testConfig(2), h, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(SourceSpec{Slug: "a", Schedule: ingest.Schedule{RateLimit: time.Millisecond, MaxConcurrency: 1, Priority: 0}}))
	require.NoError(t, s.Add(SourceSpec{Slug: "b", Schedule: ingest.Schedule{RateLimit: time.Millisecond, MaxConcurrency: 1, Priority: 5}}))
	require.NoError(t, s.Enqueue("a", articles(100, "a")...))
	require.NoError(t, s.Enqueue("b", articles(5, "b")...))

	counters, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, counters["a"].Accepted)
	assert.Equal(t, 5, counters["b"].Accepted)

	order := h.handled()
	lastA, lastB, aBeforeB := -1, -1, 0
	for i, item := range order {
		if item.Source == "a" {
			lastA = i
		} else {
			lastB = i
		}
	}
	for _, item := range order[:lastB] {
		if item.Source == "a" {
			aBeforeB++
		}
	}
	assert.Less(t, lastB, lastA, "the small queue drains while the large one is still running")
	assert.GreaterOrEqual(t, aBeforeB, 3, "the preferred source keeps being served")
}

func TestConcurrencyCapHolds(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.delay = 3 * time.Millisecond
	s, err := New(testConfig(8), h, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(SourceSpec{Slug: "capped", Schedule: ingest.Schedule{MaxConcurrency: 2}}))
	require.NoError(t, s.Add(SourceSpec{Slug: "wide", Schedule: ingest.Schedule{MaxConcurrency: 4, Priority: 1}}))
	require.NoError(t, s.Enqueue("capped", articles(30, "capped")...))
	require.NoError(t, s.Enqueue("wide", articles(30, "wide")...))

	_, err = s.Run(context.Background())
	require.NoError(t, err)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.LessOrEqual(t, h.peak["capped"], 2)
	assert.LessOrEqual(t, h.peak["wide"], 4)
	assert.Len(t, h.order, 60)
}

func TestFatalErrorCancelsRun(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	boom := errors.New("storage unavailable")
	h.handle = func(ctx context.Context, item ingest.WorkItem) (Result, error) {
		if item.Target == "https://x.test/3" {
			return Result{}, boom
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return Result{Status: StatusAccepted}, nil
		}
	}
	s, err := New(testConfig(4), h, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(SourceSpec{Slug: "x", Schedule: ingest.Schedule{MaxConcurrency: 4}}))
	require.NoError(t, s.Enqueue("x", articles(10, "x")...))

	start := time.Now()
	_, err = s.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.LessOrEqual(t, len(h.handled()), 5, "no further items are drained after the failure")
}

func TestCancellationStopsWorkers(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.delay = 5 * time.Millisecond
	s, err := New(testConfig(2), h, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(SourceSpec{Slug: "x", Schedule: ingest.Schedule{RateLimit: 20 * time.Millisecond, MaxConcurrency: 2}}))
	require.NoError(t, s.Enqueue("x", articles(1000, "x")...))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	counters, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Less(t, counters["x"].Fetched, 1000)
}

func TestRetryBudgetThenEscalate(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.handle = func(_ context.Context, item ingest.WorkItem) (Result, error) {
		switch {
		case item.Target == "https://r.test/flaky" && item.Attempt < 2:
			return Result{Status: StatusFailed, Failure: ingest.FailureTimeout}, nil
		case item.Target == "https://r.test/down":
			return Result{Status: StatusFailed, Failure: ingest.FailureServerError}, nil
		case item.Target == "https://r.test/gone":
			return Result{Status: StatusFailed, Failure: ingest.FailureNotFound}, nil
		}
		return Result{Status: StatusAccepted, Found: true}, nil
	}
	s, err := New(testConfig(2), h, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(SourceSpec{Slug: "r", Schedule: ingest.Schedule{MaxConcurrency: 2}}))
	require.NoError(t, s.Enqueue("r",
		ingest.WorkItem{Target: "https://r.test/flaky"},
		ingest.WorkItem{Target: "https://r.test/down"},
		ingest.WorkItem{Target: "https://r.test/gone"},
	))

	counters, err := s.Run(context.Background())
	require.NoError(t, err)
	c := counters["r"]
	assert.Equal(t, 1, c.Accepted)
	assert.Equal(t, 4, c.Retried)
	assert.Equal(t, 2, c.Dead)
	assert.Equal(t, 6, c.Failed)
	assert.Equal(t, 7, c.Fetched)

	var targets []string
	for _, item := range h.escalated {
		targets = append(targets, item.Target)
	}
	assert.ElementsMatch(t, []string{"https://r.test/down", "https://r.test/gone"}, targets)
}

func TestListingFailuresAreNotEscalated(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.handle = func(context.Context, ingest.WorkItem) (Result, error) {
		return Result{Status: StatusFailed, Failure: ingest.FailureBlocked}, nil
	}
	s, err := New(testConfig(1), h, nil, nil)
	require.NoError(t, err)
	plan := backfill.NewPlan("l", backfill.NewLatest("https://l.test/feed", nil))
	require.NoError(t, s.Add(SourceSpec{Slug: "l", Plan: plan}))

	counters, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counters["l"].Failed)
	assert.Zero(t, counters["l"].Dead)
	assert.Empty(t, h.escalated)
}

func TestListingLinksGoThroughAdmission(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.handle = func(_ context.Context, item ingest.WorkItem) (Result, error) {
		if item.Kind == ingest.KindLatest {
			return Result{Status: StatusListed, Links: []ingest.WorkItem{
				{Target: "https://l.test/new", TitleHint: "New story"},
				{Target: "https://l.test/stored"},
				{Target: "https://l.test/dead"},
			}}, nil
		}
		return Result{Status: StatusAccepted, Found: true}, nil
	}
	h.admit = func(items []ingest.WorkItem) Admission {
		var adm Admission
		for _, it := range items {
			switch it.Target {
			case "https://l.test/stored":
				adm.Rejected = append(adm.Rejected, Rejection{Item: it, Reason: RejectStored})
			case "https://l.test/dead":
				adm.Rejected = append(adm.Rejected, Rejection{Item: it, Reason: RejectDead})
			default:
				adm.Accepted = append(adm.Accepted, it)
			}
		}
		return adm
	}
	s, err := New(testConfig(2), h, nil, nil)
	require.NoError(t, err)
	plan := backfill.NewPlan("l", backfill.NewLatest("", []string{"https://l.test/latest"}))
	require.NoError(t, s.Add(SourceSpec{Slug: "l", Plan: plan}))

	counters, err := s.Run(context.Background())
	require.NoError(t, err)
	c := counters["l"]
	assert.Equal(t, 1, c.Discovered)
	assert.Equal(t, 1, c.Duplicate)
	assert.Equal(t, 1, c.Skipped)
	assert.Equal(t, 1, c.Accepted)
	assert.Equal(t, 2, c.Fetched)

	order := h.handled()
	require.Len(t, order, 2)
	assert.Equal(t, "https://l.test/new", order[1].Target)
	assert.Equal(t, "New story", order[1].TitleHint)
	assert.Equal(t, ingest.OriginDiscovery, order[1].Origin)
}

func TestIdentifierSweepTerminatesThroughScheduler(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.handle = func(_ context.Context, item ingest.WorkItem) (Result, error) {
		if item.Identifier >= 500 {
			return Result{Status: StatusFailed, Failure: ingest.FailureNotFound}, nil
		}
		return Result{Status: StatusAccepted, Found: true}, nil
	}
	s, err := New(testConfig(4), h, nil, nil)
	require.NoError(t, err)
	sweep := backfill.NewIdentifier(func(id int64) string { return fmt.Sprintf("https://n.test/%d", id) }, 1, 0, 50)
	require.NoError(t, s.Add(SourceSpec{
		Slug:     "n",
		Schedule: ingest.Schedule{MaxConcurrency: 4},
		Plan:     backfill.NewPlan("n", sweep),
	}))

	counters, err := s.Run(context.Background())
	require.NoError(t, err)

	var highest int64
	for _, item := range h.handled() {
		if item.Identifier > highest {
			highest = item.Identifier
		}
	}
	assert.Less(t, highest, int64(550))
	c := counters["n"]
	assert.Equal(t, 499, c.Accepted)
	assert.Equal(t, 50, c.Dead)
	assert.Equal(t, 549, c.Fetched)
	assert.Equal(t, 549, c.Discovered)
}

func TestIdentifierAdmissionFeedback(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.admit = func(items []ingest.WorkItem) Admission {
		var adm Admission
		for _, it := range items {
			if it.Identifier <= 30 {
				adm.Rejected = append(adm.Rejected, Rejection{Item: it, Reason: RejectStored})
				continue
			}
			adm.Rejected = append(adm.Rejected, Rejection{Item: it, Reason: RejectDead})
		}
		return adm
	}
	s, err := New(testConfig(2), h, nil, nil)
	require.NoError(t, err)
	sweep := backfill.NewIdentifier(func(id int64) string { return fmt.Sprint(id) }, 1, 0, 5)
	require.NoError(t, s.Add(SourceSpec{Slug: "n", Plan: backfill.NewPlan("n", sweep)}))

	counters, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.handled(), "nothing admitted means nothing fetched")
	assert.Equal(t, 30, counters["n"].Duplicate)
	assert.Equal(t, 5, counters["n"].Skipped)
	assert.Equal(t, int64(30), sweep.HighestHit())
}

func TestAutoscalerShrinksUnderErrors(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.delay = time.Millisecond
	h.handle = func(context.Context, ingest.WorkItem) (Result, error) {
		return Result{Status: StatusFailed, Failure: ingest.FailureBlocked}, nil
	}
	cfg := testConfig(8)
	cfg.AutoscaleInterval = 10 * time.Millisecond
	s, err := New(cfg, h, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(SourceSpec{Slug: "x", Schedule: ingest.Schedule{MaxConcurrency: 8}}))
	require.NoError(t, s.Enqueue("x", articles(1000, "x")...))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return s.Workers() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 1, s.Workers())
}

func TestAutoscalerNeverGrowsWhileFailing(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	// Slower than the autoscale interval, so some ticks see no outcome.
	h.delay = 35 * time.Millisecond
	h.handle = func(context.Context, ingest.WorkItem) (Result, error) {
		return Result{Status: StatusFailed, Failure: ingest.FailureBlocked}, nil
	}
	cfg := testConfig(8)
	cfg.MaxWorkers = 16
	cfg.AutoscaleInterval = 10 * time.Millisecond
	s, err := New(cfg, h, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(SourceSpec{Slug: "x", Schedule: ingest.Schedule{MaxConcurrency: 16}}))
	require.NoError(t, s.Enqueue("x", articles(5000, "x")...))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Run(ctx)
	}()

	prev := s.Workers()
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		cur := s.Workers()
		require.LessOrEqual(t, cur, prev, "pool grew from %d to %d while every fetch failed", prev, cur)
		prev = cur
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done
	assert.Equal(t, 1, s.Workers())
}

func TestAutoscalerHoldsUntilFirstOutcome(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.delay = 80 * time.Millisecond
	cfg := testConfig(1)
	cfg.MaxWorkers = 5
	cfg.AutoscaleInterval = 10 * time.Millisecond
	s, err := New(cfg, h, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(SourceSpec{Slug: "x", Schedule: ingest.Schedule{MaxConcurrency: 5}}))
	require.NoError(t, s.Enqueue("x", articles(100, "x")...))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.Workers(), "no outcome yet, so the pool holds")
	cancel()
	<-done
}

func TestErrorWindow(t *testing.T) {
	t.Parallel()

	w := newErrorWindow(4)
	_, ok := w.sample()
	assert.False(t, ok, "empty window has no data")

	w.record(true)
	w.record(true)
	rate, ok := w.sample()
	require.True(t, ok)
	assert.InDelta(t, 1.0, rate, 1e-9)

	_, ok = w.sample()
	assert.False(t, ok, "no fresh outcome since the last sample")

	w.record(false)
	rate, ok = w.sample()
	require.True(t, ok)
	assert.InDelta(t, 2.0/3.0, rate, 1e-9, "earlier failures stay in the window")

	for range 4 {
		w.record(false)
	}
	rate, ok = w.sample()
	require.True(t, ok)
	assert.InDelta(t, 0.0, rate, 1e-9, "old failures roll out")
}

func TestAutoscalerGrowsOnBacklog(t *testing.T) {
	t.Parallel()

	h := newFakeHandler()
	h.delay = 2 * time.Millisecond
	cfg := testConfig(1)
	cfg.MaxWorkers = 5
	cfg.AutoscaleInterval = 10 * time.Millisecond
	s, err := New(cfg, h, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(SourceSpec{Slug: "x", Schedule: ingest.Schedule{MaxConcurrency: 10}}))
	require.NoError(t, s.Enqueue("x", articles(300, "x")...))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return s.Workers() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestAddValidation(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(1), newFakeHandler(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(SourceSpec{Slug: "a"}))
	require.Error(t, s.Add(SourceSpec{Slug: "a"}))
	require.Error(t, s.Add(SourceSpec{}))
	require.Error(t, s.Enqueue("missing"))

	_, err = New(testConfig(1), nil, nil, nil)
	require.Error(t, err)
}
