// Package deadlink tracks URLs that failed to yield an article and decides when
// they may be fetched again. Each unrecoverable failure of an eligible URL
// moves it one tier along a graduated schedule; past the last tier the URL is
// never scheduled again.
package deadlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/metrics"
)

// DefaultTiers is the 7d → 14d → 30d schedule.
var DefaultTiers = []time.Duration{7 * 24 * time.Hour, 14 * 24 * time.Hour, 30 * 24 * time.Hour}

// Never is the next-eligible time stored for permanent records.
var Never = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Schedule maps retry counts to cool-down periods.
type Schedule struct {
	Tiers []time.Duration
}

// Terminal reports whether retryCount is past the last tier.
func (s Schedule) Terminal(retryCount int) bool {
	return retryCount >= len(s.Tiers)
}

// Eligible reports whether rec allows a fetch at now.
func (s Schedule) Eligible(rec ingest.DeadLinkRecord, now time.Time) bool {
	if rec.Permanent || s.Terminal(rec.RetryCount) {
		return false
	}
	return !now.Before(rec.NextEligibleAt)
}

// First returns the record created by a URL's first failure.
func (s Schedule) First(url string, sourceID uuid.UUID, kind ingest.FailureKind, now time.Time) ingest.DeadLinkRecord {
	rec := ingest.DeadLinkRecord{
		URL:           url,
		SourceID:      sourceID,
		ErrorType:     kind,
		RetryCount:    0,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
	return s.place(rec, now)
}

// Escalate moves rec one tier along the schedule after another failure.
func (s Schedule) Escalate(rec ingest.DeadLinkRecord, kind ingest.FailureKind, now time.Time) ingest.DeadLinkRecord {
	rec.RetryCount++
	rec.ErrorType = kind
	rec.LastFailedAt = now
	return s.place(rec, now)
}

func (s Schedule) place(rec ingest.DeadLinkRecord, now time.Time) ingest.DeadLinkRecord {
	if s.Terminal(rec.RetryCount) {
		rec.Permanent = true
		rec.NextEligibleAt = Never
		return rec
	}
	rec.Permanent = false
	rec.NextEligibleAt = now.Add(s.Tiers[rec.RetryCount])
	return rec
}

// Registry is the run-local view of the dead-link table. Lookups are cached so
// each URL costs at most one storage read per run.
type Registry struct {
	store    ingest.DeadLinkStore
	schedule Schedule
	clock    ingest.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	cache  map[string]*ingest.DeadLinkRecord
	loaded map[string]bool
}

// New builds a Registry. An empty tier list selects DefaultTiers.
func New(store ingest.DeadLinkStore, tiers []time.Duration, clock ingest.Clock, logger *zap.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("dead-link store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	for i, d := range tiers {
		if d <= 0 {
			return nil, fmt.Errorf("dead-link tier %d must be > 0", i)
		}
		if i > 0 && d <= tiers[i-1] {
			return nil, fmt.Errorf("dead-link tiers must be strictly increasing")
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:    store,
		schedule: Schedule{Tiers: append([]time.Duration(nil), tiers...)},
		clock:    clock,
		logger:   logger,
		cache:    make(map[string]*ingest.DeadLinkRecord),
		loaded:   make(map[string]bool),
	}, nil
}

// Schedule returns the registry's schedule.
func (r *Registry) Schedule() Schedule {
	return r.schedule
}

// Prefetch loads records for every url not yet cached with a single query.
func (r *Registry) Prefetch(ctx context.Context, urls []string) error {
	r.mu.Lock()
	missing := make([]string, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if !r.loaded[u] && !seen[u] {
			missing = append(missing, u)
			seen[u] = true
		}
	}
	r.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	records, err := r.store.DeadLinks(ctx, missing)
	if err != nil {
		return fmt.Errorf("load dead links: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range missing {
		if r.loaded[u] {
			continue
		}
		r.loaded[u] = true
		if rec, ok := records[u]; ok {
			rec := rec
			r.cache[u] = &rec
		}
	}
	return nil
}

// Filter splits urls into those eligible for fetching and those still excluded.
func (r *Registry) Filter(ctx context.Context, urls []string) (eligible, excluded []string, err error) {
	if err := r.Prefetch(ctx, urls); err != nil {
		return nil, nil, err
	}
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range urls {
		if rec := r.cache[u]; rec != nil && !r.schedule.Eligible(*rec, now) {
			excluded = append(excluded, u)
			continue
		}
		eligible = append(eligible, u)
	}
	return eligible, excluded, nil
}

// IsEligible reports whether url may be fetched now.
func (r *Registry) IsEligible(ctx context.Context, url string) (bool, error) {
	eligible, _, err := r.Filter(ctx, []string{url})
	if err != nil {
		return false, err
	}
	return len(eligible) == 1, nil
}

// RecordFailure registers an unrecoverable failure for url. The record only
// escalates when the URL was eligible at the time of the failure; a failure
// inside an existing cool-down leaves the record unchanged.
func (r *Registry) RecordFailure(
	ctx context.Context,
	url string,
	src ingest.Source,
	kind ingest.FailureKind,
) (ingest.DeadLinkRecord, error) {
	if err := r.Prefetch(ctx, []string{url}); err != nil {
		return ingest.DeadLinkRecord{}, err
	}
	now := r.clock.Now()

	r.mu.Lock()
	current := r.cache[url]
	var next ingest.DeadLinkRecord
	switch {
	case current == nil:
		next = r.schedule.First(url, src.ID, kind, now)
	case r.schedule.Eligible(*current, now):
		next = r.schedule.Escalate(*current, kind, now)
	default:
		rec := *current
		r.mu.Unlock()
		return rec, nil
	}
	r.mu.Unlock()

	if err := r.store.UpsertDeadLink(ctx, next); err != nil {
		return ingest.DeadLinkRecord{}, fmt.Errorf("upsert dead link: %w", err)
	}

	r.mu.Lock()
	r.cache[url] = &next
	r.loaded[url] = true
	r.mu.Unlock()

	metrics.ObserveDeadLink(src.Slug, string(kind))
	r.logger.Info("dead link recorded",
		zap.String("source", src.Slug),
		zap.String("url", url),
		zap.String("error_type", string(kind)),
		zap.Int("retry_count", next.RetryCount),
		zap.Bool("permanent", next.Permanent),
		zap.Time("next_eligible_at", next.NextEligibleAt),
	)
	return next, nil
}

// RecordSuccess removes a non-terminal record for a URL that has now yielded
// an article. Terminal records are kept.
func (r *Registry) RecordSuccess(ctx context.Context, url string) error {
	r.mu.Lock()
	rec, known := r.cache[url], r.loaded[url]
	r.mu.Unlock()
	if known && rec == nil {
		return nil
	}
	if rec != nil && rec.Permanent {
		return nil
	}
	if err := r.store.DeleteDeadLink(ctx, url); err != nil {
		return fmt.Errorf("delete dead link: %w", err)
	}
	r.mu.Lock()
	delete(r.cache, url)
	r.loaded[url] = true
	r.mu.Unlock()
	return nil
}
